package ledger

import (
	"context"
	"database/sql"
)

// Writer appends entries to the approval history ledger. Entries are
// evidence: they are never edited or removed once written.
type Writer struct{}

// Entry classification: approve records a first decision on a pending
// approval, overwrite records a re-decision of a rejected one.
const (
	EventApprove   = "approve"
	EventOverwrite = "overwrite"
)

// Classify derives the event type from the status a decision replaces.
func Classify(prevStatus string) string {
	if prevStatus == "rejected" {
		return EventOverwrite
	}
	return EventApprove
}

// Append records one decision. The caller supplies ts so the entry
// carries the same timestamp as the approval row written in the same
// transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID, stageName, prevStatus, newStatus, actorID, ts, note string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_history(task_id,stage,prev_status,new_status,actor_id,ts,note,event_type) VALUES (?,?,?,?,?,?,?,?)`,
		taskID, stageName, prevStatus, newStatus, actorID, ts, nullable(note), Classify(prevStatus))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
