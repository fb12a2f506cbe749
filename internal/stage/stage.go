package stage

import (
	"fmt"

	"warkah/internal/domain"
)

// Stage identifiers in processing order. Terminal carries no authorizing
// role and has no approval record of its own.
const (
	Diinput    = "diinput"
	Ditata     = "ditata"
	Diteliti   = "diteliti"
	Diarsipkan = "diarsipkan"
	Dikirim    = "dikirim"
	Terminal   = "selesai"
)

// RoleAdmin may decide any stage and perform administrative operations.
const RoleAdmin = "admin"

// Definition is one row of the static stage table. Both the workflow
// engine and reporting consumers read from this single table.
type Definition struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Order is the fixed linear stage sequence. It is never reordered or
// extended at runtime.
var Order = []Definition{
	{Name: Diinput, Role: "penginput"},
	{Name: Ditata, Role: "penata"},
	{Name: Diteliti, Role: "peneliti"},
	{Name: Diarsipkan, Role: "pengarsip"},
	{Name: Dikirim, Role: "pengirim"},
	{Name: Terminal},
}

// First returns the stage a freshly created task starts at.
func First() string {
	return Order[0].Name
}

// IsValid reports whether name is a recognized stage.
func IsValid(name string) bool {
	for _, d := range Order {
		if d.Name == name {
			return true
		}
	}
	return false
}

// RoleForStage returns the role authorized to decide the stage, or ""
// for the terminal stage and unknown stages.
func RoleForStage(name string) string {
	for _, d := range Order {
		if d.Name == name {
			return d.Role
		}
	}
	return ""
}

// Next returns the stage following current. The terminal stage has no
// successor and is returned unchanged.
func Next(current string) string {
	for i, d := range Order {
		if d.Name == current {
			if i+1 < len(Order) {
				return Order[i+1].Name
			}
			return Terminal
		}
	}
	return current
}

// ForbiddenRoleError indicates the acting role does not own the stage.
type ForbiddenRoleError struct {
	Role     string
	Stage    string
	Required string
}

func (e ForbiddenRoleError) Error() string {
	return fmt.Sprintf("role %s cannot decide stage %s (requires %s)", e.Role, e.Stage, e.Required)
}

// ValidateDecision checks that actingRole may decide the task's current
// stage and that the stage's approval record can still be decided. An
// approved record is immutable; pending and rejected records accept a
// fresh decision.
func ValidateDecision(t domain.Task, actingRole string) error {
	cur := t.CurrentStage
	if !IsValid(cur) || cur == Terminal {
		return fmt.Errorf("task %s has no decidable stage %q", t.ID, cur)
	}
	required := RoleForStage(cur)
	if actingRole != RoleAdmin && actingRole != required {
		return ForbiddenRoleError{Role: actingRole, Stage: cur, Required: required}
	}
	approval := findApproval(t, cur)
	if approval == nil {
		return fmt.Errorf("task %s missing approval record for stage %s", t.ID, cur)
	}
	if approval.Status == "approved" {
		return fmt.Errorf("stage %s already approved and cannot be revisited", cur)
	}
	return nil
}

func findApproval(t domain.Task, stageName string) *domain.Approval {
	for i := range t.Approvals {
		if t.Approvals[i].Stage == stageName {
			return &t.Approvals[i]
		}
	}
	return nil
}
