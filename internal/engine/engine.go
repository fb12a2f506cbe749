package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"warkah/internal/config"
	"warkah/internal/domain"
	"warkah/internal/ledger"
	"warkah/internal/repo"
	"warkah/internal/stage"
)

const maxNoteLen = 500

// InvalidInputError marks a caller error detected before any mutation.
type InvalidInputError struct {
	Msg string
}

func (e InvalidInputError) Error() string { return e.Msg }

func invalidInput(format string, args ...any) error {
	return InvalidInputError{Msg: fmt.Sprintf(format, args...)}
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID        string
	Title     string
	MainData  domain.MainData
	Items     []domain.LineItem
	ActorID   string
	ActorRole string
}

// CreateTask validates the document fields and persists the task with
// one pending approval per non-terminal stage, parked at the first
// stage of the defined order.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.ActorRole != stage.RoleAdmin && opts.ActorRole != stage.RoleForStage(stage.First()) {
		return domain.Task{}, stage.ForbiddenRoleError{Role: opts.ActorRole, Stage: stage.First(), Required: stage.RoleForStage(stage.First())}
	}
	if err := validateCreate(opts); err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:           id,
		Title:        strings.TrimSpace(opts.Title),
		MainData:     opts.MainData,
		Items:        normalizeItems(opts.Items),
		CurrentStage: stage.First(),
		CreatedBy:    opts.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, d := range stage.Order {
		if d.Name == stage.Terminal {
			continue
		}
		t.Approvals = append(t.Approvals, domain.Approval{
			TaskID: t.ID,
			Stage:  d.Name,
			Role:   d.Role,
			Status: "pending",
		})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func validateCreate(opts TaskCreateOptions) error {
	if strings.TrimSpace(opts.Title) == "" {
		return invalidInput("title is required")
	}
	if err := validateMainData(opts.MainData); err != nil {
		return err
	}
	return validateItems(opts.Items)
}

func validateMainData(m domain.MainData) error {
	for field, v := range map[string]string{
		"parcel_id":      m.ParcelID,
		"original_owner": m.OriginalOwner,
		"address":        m.Address,
		"region":         m.Region,
	} {
		if strings.TrimSpace(v) == "" {
			return invalidInput("main_data.%s is required", field)
		}
	}
	return nil
}

func validateItems(items []domain.LineItem) error {
	if len(items) == 0 {
		return invalidInput("at least one line item is required")
	}
	for i, item := range items {
		if strings.TrimSpace(item.NewOwner) == "" {
			return invalidInput("items[%d].new_owner is required", i)
		}
		if item.LandArea <= 0 {
			return invalidInput("items[%d].land_area must be positive", i)
		}
		if item.BuildingArea < 0 {
			return invalidInput("items[%d].building_area must not be negative", i)
		}
		if strings.TrimSpace(item.CertificateNo) == "" {
			return invalidInput("items[%d].certificate_no is required", i)
		}
	}
	return nil
}

func normalizeItems(items []domain.LineItem) []domain.LineItem {
	out := make([]domain.LineItem, len(items))
	for i, item := range items {
		item.Position = i + 1
		out[i] = item
	}
	return out
}

// DecisionOptions are parameters for a stage decision.
type DecisionOptions struct {
	TaskID    string
	ActorID   string
	ActorRole string
	Decision  string // approved | rejected
	Note      string
}

// DecisionResult reports the task state after an accepted decision.
type DecisionResult struct {
	NewStage    string
	IsCompleted bool
}

// SubmitDecision applies an approve/reject decision to the task's
// current stage. The task is read without locks; the mutation is a
// single transaction whose updates are conditioned on the observed
// stage and approval status. A predicate mismatch surfaces as
// repo.ErrConflict and the caller must re-fetch before retrying.
func (e Engine) SubmitDecision(ctx context.Context, opts DecisionOptions) (DecisionResult, error) {
	if opts.Decision != "approved" && opts.Decision != "rejected" {
		return DecisionResult{}, invalidInput("decision must be approved or rejected")
	}
	if len(opts.Note) > maxNoteLen {
		return DecisionResult{}, invalidInput("note exceeds %d characters", maxNoteLen)
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return DecisionResult{}, err
	}
	if err := stage.ValidateDecision(t, opts.ActorRole); err != nil {
		var fe stage.ForbiddenRoleError
		if errors.As(err, &fe) {
			return DecisionResult{}, err
		}
		return DecisionResult{}, InvalidInputError{Msg: err.Error()}
	}
	observedStage := t.CurrentStage
	observedStatus := ""
	for _, a := range t.Approvals {
		if a.Stage == observedStage {
			observedStatus = a.Status
			break
		}
	}

	newStage := observedStage
	completed := false
	if opts.Decision == "approved" {
		newStage = stage.Next(observedStage)
		completed = newStage == stage.Terminal
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateApprovalCAS(ctx, tx, t.ID, observedStage, observedStatus, opts.Decision, opts.ActorID, now, opts.Note); err != nil {
		return DecisionResult{}, err
	}
	if err := e.Repo.SetStageCAS(ctx, tx, t.ID, observedStage, newStage, completed, now); err != nil {
		return DecisionResult{}, err
	}
	if err := e.Ledger.Append(ctx, tx, t.ID, observedStage, observedStatus, opts.Decision, opts.ActorID, now, opts.Note); err != nil {
		return DecisionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DecisionResult{}, err
	}
	return DecisionResult{NewStage: newStage, IsCompleted: completed}, nil
}

// TaskUpdateOptions encapsulates allowed pre-terminal edits.
type TaskUpdateOptions struct {
	ID        string
	ActorID   string
	ActorRole string
	Title     *string
	MainData  *domain.MainData
	Items     []domain.LineItem
}

// UpdateTask edits descriptive fields of a task that has not reached the
// terminal stage; only the role owning the current stage or an admin may
// edit. The write is conditioned on the stage the role check observed,
// so an edit racing a stage advance surfaces as repo.ErrConflict.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if t.CurrentStage == stage.Terminal || t.IsCompleted {
		return t, invalidInput("completed task cannot be edited")
	}
	observedStage := t.CurrentStage
	required := stage.RoleForStage(t.CurrentStage)
	if opts.ActorRole != stage.RoleAdmin && opts.ActorRole != required {
		return t, stage.ForbiddenRoleError{Role: opts.ActorRole, Stage: t.CurrentStage, Required: required}
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return t, invalidInput("title is required")
		}
		t.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.MainData != nil {
		if err := validateMainData(*opts.MainData); err != nil {
			return t, err
		}
		t.MainData = *opts.MainData
	}
	if opts.Items != nil {
		if err := validateItems(opts.Items); err != nil {
			return t, err
		}
		t.Items = normalizeItems(opts.Items)
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskFields(ctx, tx, t, observedStage); err != nil {
		return t, err
	}
	if opts.Items != nil {
		if err := e.Repo.ReplaceItems(ctx, tx, t.ID, t.Items); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// DeleteTask removes a task entirely. Admin only; a batched task must be
// reconciled against its report by the caller first.
func (e Engine) DeleteTask(ctx context.Context, id, actorRole string) error {
	if actorRole != stage.RoleAdmin {
		return stage.ForbiddenRoleError{Role: actorRole, Stage: "", Required: stage.RoleAdmin}
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.BatchID != nil {
		return invalidInput("task %s belongs to a batch report and cannot be deleted", id)
	}
	return e.Repo.DeleteTask(ctx, id)
}

// BatchResult reports the outcome of a batch allocation.
type BatchResult struct {
	Report     domain.BatchReport
	IsExisting bool
}

// AllocateBatch groups the given tasks under one sequentially numbered
// batch report. If any task already belongs to a report, that report is
// returned unchanged and nothing is minted. Otherwise the year counter
// is incremented first, in its own autocommit statement, and the report is
// created around the returned sequence; a failure after the increment
// leaves a gap in numbering, never a reused number. The attach is
// conditioned on each task still being unbatched, so two racing exports
// of overlapping sets converge on the winner's report and the loser's
// consumed sequence becomes a gap.
func (e Engine) AllocateBatch(ctx context.Context, taskIDs []string, actorID string) (BatchResult, error) {
	ids := dedupe(taskIDs)
	if len(ids) == 0 {
		return BatchResult{}, invalidInput("at least one task id is required")
	}
	n, err := e.Repo.CountExistingTasks(ctx, ids)
	if err != nil {
		return BatchResult{}, err
	}
	if n != len(ids) {
		return BatchResult{}, fmt.Errorf("%w: %d of %d tasks", repo.ErrNotFound, len(ids)-n, len(ids))
	}
	existing, err := e.Repo.BatchForTasks(ctx, ids)
	if err == nil {
		return BatchResult{Report: existing, IsExisting: true}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return BatchResult{}, err
	}

	now := e.now().UTC()
	year := now.Year()
	seq, err := e.Repo.NextSequence(ctx, year)
	if err != nil {
		return BatchResult{}, fmt.Errorf("allocate sequence: %w", err)
	}
	ts := now.Format(time.RFC3339)
	b := domain.BatchReport{
		ID:        uuid.New().String(),
		BatchID:   e.Config.BatchID(seq, year),
		Seq:       seq,
		Year:      year,
		TaskCount: len(ids),
		Status:    "FINAL",
		CreatedBy: actorID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBatchReport(ctx, tx, b); err != nil {
		return BatchResult{}, fmt.Errorf("insert batch report %s: %w", b.BatchID, err)
	}
	if err := e.Repo.AttachTasksToBatch(ctx, tx, b.ID, stage.Terminal, ts, ids); err != nil {
		tx.Rollback()
		if errors.Is(err, repo.ErrConflict) {
			if existing, lookErr := e.Repo.BatchForTasks(ctx, ids); lookErr == nil {
				return BatchResult{Report: existing, IsExisting: true}, nil
			}
		}
		return BatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Report: b}, nil
}

// SetBatchStorageLink records the external storage location of the
// rendered report document.
func (e Engine) SetBatchStorageLink(ctx context.Context, id, url string) (domain.BatchReport, error) {
	if strings.TrimSpace(url) == "" {
		return domain.BatchReport{}, invalidInput("url is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetBatchStorageURL(ctx, id, url, now); err != nil {
		return domain.BatchReport{}, err
	}
	return e.Repo.GetBatchReport(ctx, id)
}

// VoidBatch marks a report VOID. Admin only; member tasks keep their
// link so dependent reconciliation stays visible to the caller.
func (e Engine) VoidBatch(ctx context.Context, id, actorRole string) (domain.BatchReport, error) {
	if actorRole != stage.RoleAdmin {
		return domain.BatchReport{}, stage.ForbiddenRoleError{Role: actorRole, Required: stage.RoleAdmin}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetBatchStatus(ctx, id, "VOID", now); err != nil {
		return domain.BatchReport{}, err
	}
	return e.Repo.GetBatchReport(ctx, id)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
