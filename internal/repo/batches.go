package repo

import (
	"context"
	"database/sql"

	"warkah/internal/domain"
)

const batchColumns = `id,batch_id,seq,year,task_count,status,storage_url,created_by,created_at,updated_at`

// NextSequence atomically increments the year's counter, creating the
// row on first use, and returns the post-increment value. This single
// statement is the arbiter of batch ordering; once returned, a sequence
// number is consumed even if the caller's report creation later fails.
func (r Repo) NextSequence(ctx context.Context, year int) (int, error) {
	var seq int
	err := r.DB.QueryRowContext(ctx, `INSERT INTO year_counters(year,count) VALUES (?,1)
ON CONFLICT(year) DO UPDATE SET count=count+1
RETURNING count`, year).Scan(&seq)
	return seq, err
}

func (r Repo) InsertBatchReport(ctx context.Context, tx *sql.Tx, b domain.BatchReport) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO batch_reports(`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.BatchID, b.Seq, b.Year, b.TaskCount, b.Status, nullableStringPtr(b.StorageURL), b.CreatedBy, b.CreatedAt, b.UpdatedAt)
	return err
}

func scanBatchRow(scan func(dest ...any) error) (domain.BatchReport, error) {
	var b domain.BatchReport
	var storageURL sql.NullString
	err := scan(&b.ID, &b.BatchID, &b.Seq, &b.Year, &b.TaskCount, &b.Status, &storageURL, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if storageURL.Valid {
		b.StorageURL = &storageURL.String
	}
	return b, nil
}

func (r Repo) GetBatchReport(ctx context.Context, id string) (domain.BatchReport, error) {
	return scanBatchRow(r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_reports WHERE id=?`, id).Scan)
}

func (r Repo) ListBatchReports(ctx context.Context, year, limit int) ([]domain.BatchReport, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_reports`
	var args []any
	if year > 0 {
		query += ` WHERE year=?`
		args = append(args, year)
	}
	query += ` ORDER BY year DESC, seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BatchReport
	for rows.Next() {
		b, err := scanBatchRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// BatchForTasks returns the batch report any of the given tasks already
// belongs to, or ErrNotFound when none of them is batched.
func (r Repo) BatchForTasks(ctx context.Context, taskIDs []string) (domain.BatchReport, error) {
	if len(taskIDs) == 0 {
		return domain.BatchReport{}, ErrNotFound
	}
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}
	query := `SELECT b.id,b.batch_id,b.seq,b.year,b.task_count,b.status,b.storage_url,b.created_by,b.created_at,b.updated_at
FROM tasks t JOIN batch_reports b ON b.id=t.batch_id
WHERE t.id IN (` + placeholders(len(taskIDs)) + `) LIMIT 1`
	return scanBatchRow(r.DB.QueryRowContext(ctx, query, args...).Scan)
}

// CountExistingTasks reports how many of the given IDs exist.
func (r Repo) CountExistingTasks(ctx context.Context, taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE id IN (`+placeholders(len(taskIDs))+`)`, args...).Scan(&n)
	return n, err
}

// AttachTasksToBatch links every task to the report and force-finalizes
// its stage. Each update is conditioned on the task still being
// unbatched; a task claimed by a concurrent report surfaces as
// ErrConflict so the caller rolls back the whole attach.
func (r Repo) AttachTasksToBatch(ctx context.Context, tx *sql.Tx, batchRowID, terminalStage, updatedAt string, taskIDs []string) error {
	for _, id := range taskIDs {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET batch_id=?, current_stage=?, is_completed=1, updated_at=? WHERE id=? AND batch_id IS NULL`,
			batchRowID, terminalStage, updatedAt, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
	}
	return nil
}

// ListBatchTasks returns the member tasks of a report in creation order.
func (r Repo) ListBatchTasks(ctx context.Context, batchRowID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE batch_id=? ORDER BY created_at ASC, id ASC`, batchRowID)
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

// SetBatchStorageURL updates the one field that stays mutable after a
// report is created.
func (r Repo) SetBatchStorageURL(ctx context.Context, id, url, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE batch_reports SET storage_url=?, updated_at=? WHERE id=?`, nullable(url), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBatchStatus(ctx context.Context, id, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE batch_reports SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
