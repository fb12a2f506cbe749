package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"warkah/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict signals a conditional write whose predicate no longer
// matched: another actor mutated the task between read and write. The
// caller must re-fetch and retry with fresh intent; it is never retried
// server-side.
var ErrConflict = errors.New("concurrent modification conflict")

const taskColumns = `id,title,parcel_id,original_owner,address,region,current_stage,is_completed,batch_id,created_by,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.MainData.ParcelID, t.MainData.OriginalOwner, t.MainData.Address, t.MainData.Region,
		t.CurrentStage, boolToInt(t.IsCompleted), nullableStringPtr(t.BatchID), t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	for _, item := range t.Items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_items(task_id,position,new_owner,land_area,building_area,certificate_no) VALUES (?,?,?,?,?,?)`,
			t.ID, item.Position, item.NewOwner, item.LandArea, item.BuildingArea, item.CertificateNo); err != nil {
			return err
		}
	}
	for _, a := range t.Approvals {
		if _, err := tx.ExecContext(ctx, `INSERT INTO approvals(task_id,stage,role,status,decided_by,decided_at,note) VALUES (?,?,?,?,?,?,?)`,
			t.ID, a.Stage, a.Role, a.Status, nullableStringPtr(a.DecidedBy), nullableStringPtr(a.DecidedAt), nullable(a.Note)); err != nil {
			return err
		}
	}
	return nil
}

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var completed int
	var batchID sql.NullString
	err := scan(&t.ID, &t.Title, &t.MainData.ParcelID, &t.MainData.OriginalOwner, &t.MainData.Address, &t.MainData.Region,
		&t.CurrentStage, &completed, &batchID, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.IsCompleted = completed != 0
	if batchID.Valid {
		t.BatchID = &batchID.String
	}
	return t, nil
}

// GetTask loads a task with its line items and approvals in stage order.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTaskRow(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
	if err != nil {
		return t, err
	}
	if t.Items, err = r.listItems(ctx, t.ID); err != nil {
		return t, err
	}
	if t.Approvals, err = r.ListApprovals(ctx, t.ID); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) listItems(ctx context.Context, taskID string) ([]domain.LineItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT position,new_owner,land_area,building_area,certificate_no FROM task_items WHERE task_id=? ORDER BY position ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.LineItem
	for rows.Next() {
		var it domain.LineItem
		if err := rows.Scan(&it.Position, &it.NewOwner, &it.LandArea, &it.BuildingArea, &it.CertificateNo); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListApprovals returns the task's approval records in stage order.
func (r Repo) ListApprovals(ctx context.Context, taskID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,stage,role,status,decided_by,decided_at,note FROM approvals WHERE task_id=? ORDER BY rowid ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var decidedBy, decidedAt, note sql.NullString
		if err := rows.Scan(&a.TaskID, &a.Stage, &a.Role, &a.Status, &decidedBy, &decidedAt, &note); err != nil {
			return nil, err
		}
		if decidedBy.Valid {
			a.DecidedBy = &decidedBy.String
		}
		if decidedAt.Valid {
			a.DecidedAt = &decidedAt.String
		}
		if note.Valid {
			a.Note = note.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type TaskFilters struct {
	Stage           string
	Completed       *bool
	BatchID         string
	CreatedBy       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "current_stage=?")
		args = append(args, f.Stage)
	}
	if f.Completed != nil {
		clauses = append(clauses, "is_completed=?")
		args = append(args, boolToInt(*f.Completed))
	}
	if f.BatchID != "" {
		clauses = append(clauses, "batch_id=?")
		args = append(args, f.BatchID)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskFields rewrites the mutable descriptive fields. The update
// is conditioned on the stage the caller's role check observed; a
// concurrent stage advance surfaces as ErrConflict.
func (r Repo) UpdateTaskFields(ctx context.Context, tx *sql.Tx, t domain.Task, observedStage string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, parcel_id=?, original_owner=?, address=?, region=?, updated_at=? WHERE id=? AND current_stage=?`,
		t.Title, t.MainData.ParcelID, t.MainData.OriginalOwner, t.MainData.Address, t.MainData.Region, t.UpdatedAt, t.ID, observedStage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ReplaceItems swaps the line-item set atomically within the tx.
func (r Repo) ReplaceItems(ctx context.Context, tx *sql.Tx, taskID string, items []domain.LineItem) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_items WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_items(task_id,position,new_owner,land_area,building_area,certificate_no) VALUES (?,?,?,?,?,?)`,
			taskID, item.Position, item.NewOwner, item.LandArea, item.BuildingArea, item.CertificateNo); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateApprovalCAS applies a decision to the stage's approval record
// only if its status still equals the one observed before the write.
// Zero rows affected means another actor got there first.
func (r Repo) UpdateApprovalCAS(ctx context.Context, tx *sql.Tx, taskID, stageName, observedStatus, newStatus, actorID, decidedAt, note string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, decided_by=?, decided_at=?, note=? WHERE task_id=? AND stage=? AND status=?`,
		newStatus, actorID, decidedAt, nullable(note), taskID, stageName, observedStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetStageCAS moves the task's current stage only if it still equals the
// observed one. Used both for stage advance and, with newStage equal to
// observedStage, as a pure predicate re-check on rejection.
func (r Repo) SetStageCAS(ctx context.Context, tx *sql.Tx, taskID, observedStage, newStage string, completed bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET current_stage=?, is_completed=?, updated_at=? WHERE id=? AND current_stage=?`,
		newStage, boolToInt(completed), updatedAt, taskID, observedStage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

type HistoryFilters struct {
	TaskID   string
	Stage    string
	ActorID  string
	Limit    int
	CursorID int64
}

// ListHistory returns ledger entries, newest first.
func (r Repo) ListHistory(ctx context.Context, f HistoryFilters) ([]domain.HistoryEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	query := `SELECT id,task_id,stage,prev_status,new_status,actor_id,ts,note,event_type FROM approval_history WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var note sql.NullString
		if err := rows.Scan(&h.ID, &h.TaskID, &h.Stage, &h.PrevStatus, &h.NewStatus, &h.ActorID, &h.TS, &note, &h.EventType); err != nil {
			return nil, err
		}
		if note.Valid {
			h.Note = note.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStage(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT current_stage, count(*) FROM tasks GROUP BY current_stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var stageName string
		var count int
		if err := rows.Scan(&stageName, &count); err != nil {
			return nil, err
		}
		res[stageName] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
