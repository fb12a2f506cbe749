package server

import (
	"warkah/internal/domain"
	"warkah/internal/stage"
)

// Request payloads

type MainDataRequest struct {
	ParcelID      string `json:"parcel_id"`
	OriginalOwner string `json:"original_owner"`
	Address       string `json:"address"`
	Region        string `json:"region"`
}

type LineItemRequest struct {
	NewOwner      string  `json:"new_owner"`
	LandArea      float64 `json:"land_area"`
	BuildingArea  float64 `json:"building_area"`
	CertificateNo string  `json:"certificate_no"`
}

type CreateTaskRequest struct {
	ID       *string           `json:"id,omitempty"`
	Title    string            `json:"title"`
	MainData MainDataRequest   `json:"main_data"`
	Items    []LineItemRequest `json:"items"`
}

type UpdateTaskRequest struct {
	Title    *string           `json:"title,omitempty"`
	MainData *MainDataRequest  `json:"main_data,omitempty"`
	Items    []LineItemRequest `json:"items,omitempty"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Note     string `json:"note,omitempty"`
}

type AllocateBatchRequest struct {
	TaskIDs []string `json:"task_ids"`
}

type BatchLinkRequest struct {
	StorageURL string `json:"storage_url"`
}

// Response payloads

type TaskResponse struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	MainData     MainDataRequest    `json:"main_data"`
	Items        []domain.LineItem  `json:"items"`
	CurrentStage string             `json:"current_stage" enum:"diinput,ditata,diteliti,diarsipkan,dikirim,selesai"`
	IsCompleted  bool               `json:"is_completed"`
	Approvals    []ApprovalResponse `json:"approvals,omitempty"`
	BatchID      *string            `json:"batch_id,omitempty"`
	CreatedBy    string             `json:"created_by"`
	CreatedAt    string             `json:"created_at" format:"date-time"`
	UpdatedAt    string             `json:"updated_at" format:"date-time"`
}

type ApprovalResponse struct {
	Stage     string  `json:"stage"`
	Role      string  `json:"role"`
	Status    string  `json:"status" enum:"pending,approved,rejected"`
	DecidedBy *string `json:"decided_by,omitempty"`
	DecidedAt *string `json:"decided_at,omitempty" format:"date-time"`
	Note      string  `json:"note,omitempty"`
}

type DecisionResponse struct {
	TaskID       string `json:"task_id"`
	Decision     string `json:"decision" enum:"approved,rejected"`
	CurrentStage string `json:"current_stage"`
	IsCompleted  bool   `json:"is_completed"`
}

type HistoryEntryResponse struct {
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

type BatchReportResponse struct {
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
	IsExisting bool    `json:"is_existing,omitempty"`
}

type BatchDetailResponse struct {
	BatchReportResponse
	Tasks []TaskResponse `json:"tasks"`
}

type StageResponse struct {
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
}

type StatsResponse struct {
	TaskCounts map[string]int `json:"task_counts"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedHistory struct {
	Items      []HistoryEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	res := TaskResponse{
		ID:           t.ID,
		Title:        t.Title,
		MainData:     MainDataRequest(t.MainData),
		Items:        nonNilSlice(t.Items),
		CurrentStage: t.CurrentStage,
		IsCompleted:  t.IsCompleted,
		BatchID:      t.BatchID,
		CreatedBy:    t.CreatedBy,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	for _, a := range t.Approvals {
		res.Approvals = append(res.Approvals, ApprovalResponse{
			Stage:     a.Stage,
			Role:      a.Role,
			Status:    a.Status,
			DecidedBy: a.DecidedBy,
			DecidedAt: a.DecidedAt,
			Note:      a.Note,
		})
	}
	return res
}

func historyResponse(h domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse(h)
}

func batchResponse(b domain.BatchReport, isExisting bool) BatchReportResponse {
	return BatchReportResponse{
		ID:         b.ID,
		BatchID:    b.BatchID,
		Seq:        b.Seq,
		Year:       b.Year,
		TaskCount:  b.TaskCount,
		Status:     b.Status,
		StorageURL: b.StorageURL,
		CreatedBy:  b.CreatedBy,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
		IsExisting: isExisting,
	}
}

func mainDataFromRequest(m MainDataRequest) domain.MainData {
	return domain.MainData(m)
}

func itemsFromRequest(items []LineItemRequest) []domain.LineItem {
	res := make([]domain.LineItem, 0, len(items))
	for _, it := range items {
		res = append(res, domain.LineItem{
			NewOwner:      it.NewOwner,
			LandArea:      it.LandArea,
			BuildingArea:  it.BuildingArea,
			CertificateNo: it.CertificateNo,
		})
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapBatches(items []domain.BatchReport) []BatchReportResponse {
	res := make([]BatchReportResponse, 0, len(items))
	for _, b := range items {
		res = append(res, batchResponse(b, false))
	}
	return res
}

func stageResponses() []StageResponse {
	res := make([]StageResponse, 0, len(stage.Order))
	for _, d := range stage.Order {
		res = append(res, StageResponse{
			Name:     d.Name,
			Role:     d.Role,
			Terminal: d.Name == stage.Terminal,
		})
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
