package domain

// MainData holds the immutable descriptive fields of a task, captured
// once at creation from the physical document.
type MainData struct {
	ParcelID      string `json:"parcel_id"`
	OriginalOwner string `json:"original_owner"`
	Address       string `json:"address"`
	Region        string `json:"region"`
}

// LineItem is one additionalData entry: a new owner carved out of the
// original parcel.
type LineItem struct {
	Position      int     `json:"position"`
	NewOwner      string  `json:"new_owner"`
	LandArea      float64 `json:"land_area"`
	BuildingArea  float64 `json:"building_area"`
	CertificateNo string  `json:"certificate_no"`
}

type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	MainData     MainData   `json:"main_data"`
	Items        []LineItem `json:"items"`
	CurrentStage string     `json:"current_stage" enum:"diinput,ditata,diteliti,diarsipkan,dikirim,selesai"`
	IsCompleted  bool       `json:"is_completed"`
	Approvals    []Approval `json:"approvals,omitempty"`
	BatchID      *string    `json:"batch_id,omitempty"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
}

type Approval struct {
	TaskID    string  `json:"task_id"`
	Stage     string  `json:"stage"`
	Role      string  `json:"role"`
	Status    string  `json:"status" enum:"pending,approved,rejected"`
	DecidedBy *string `json:"decided_by,omitempty"`
	DecidedAt *string `json:"decided_at,omitempty" format:"date-time"`
	Note      string  `json:"note,omitempty"`
}

// HistoryEntry is one append-only record in the approval ledger.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	Stage      string `json:"stage"`
	PrevStatus string `json:"prev_status"`
	NewStatus  string `json:"new_status"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts" format:"date-time"`
	Note       string `json:"note,omitempty"`
	EventType  string `json:"event_type" enum:"approve,overwrite"`
}

type BatchReport struct {
	ID         string  `json:"id"`
	BatchID    string  `json:"batch_id"`
	Seq        int     `json:"seq"`
	Year       int     `json:"year"`
	TaskCount  int     `json:"task_count"`
	Status     string  `json:"status" enum:"DRAFT,FINAL,VOID"`
	StorageURL *string `json:"storage_url,omitempty"`
	CreatedBy  string  `json:"created_by"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
