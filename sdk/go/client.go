package warkahsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Warkah HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// MainData holds the descriptive document fields.
type MainData struct {
	ParcelID      string `json:"parcel_id"`
	OriginalOwner string `json:"original_owner"`
	Address       string `json:"address"`
	Region        string `json:"region"`
}

// LineItem is one new-owner entry on a task.
type LineItem struct {
	Position      int     `json:"position,omitempty"`
	NewOwner      string  `json:"new_owner"`
	LandArea      float64 `json:"land_area"`
	BuildingArea  float64 `json:"building_area,omitempty"`
	CertificateNo string  `json:"certificate_no"`
}

// Task represents the API task model (partial).
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	MainData     MainData   `json:"main_data"`
	Items        []LineItem `json:"items"`
	CurrentStage string     `json:"current_stage"`
	IsCompleted  bool       `json:"is_completed"`
	BatchID      *string    `json:"batch_id,omitempty"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
}

// Decision reports the task state after a stage decision.
type Decision struct {
	TaskID       string `json:"task_id"`
	Decision     string `json:"decision"`
	CurrentStage string `json:"current_stage"`
	IsCompleted  bool   `json:"is_completed"`
}

// BatchReport represents a numbered batch of completed tasks.
type BatchReport struct {
	ID         string  `json:"id"`
	BatchID    string  `json:"batch_id"`
	Seq        int     `json:"seq"`
	Year       int     `json:"year"`
	TaskCount  int     `json:"task_count"`
	Status     string  `json:"status"`
	StorageURL *string `json:"storage_url,omitempty"`
	CreatedAt  string  `json:"created_at"`
	IsExisting bool    `json:"is_existing,omitempty"`
}

// HistoryEntry is one ledger record.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	Stage      string `json:"stage"`
	PrevStatus string `json:"prev_status"`
	NewStatus  string `json:"new_status"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts"`
	Note       string `json:"note,omitempty"`
	EventType  string `json:"event_type"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedHistory wraps ledger listings with cursors.
type PaginatedHistory struct {
	Items      []HistoryEntry `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title string, main MainData, items []LineItem) (Task, error) {
	body := map[string]any{
		"title":     title,
		"main_data": main,
		"items":     items,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Tasks returns a paginated task listing.
func (c *Client) Tasks(ctx context.Context, stage string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/tasks"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitDecision approves or rejects the task's current stage.
func (c *Client) SubmitDecision(ctx context.Context, taskID, decision, note string) (Decision, error) {
	body := map[string]any{
		"decision": decision,
		"note":     note,
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/decision", body, &resp)
	return resp, err
}

// History returns the task's decision ledger, newest first.
func (c *Client) History(ctx context.Context, taskID string, limit int, cursor string) (PaginatedHistory, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/tasks/" + url.PathEscape(taskID) + "/history"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedHistory
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AllocateBatch groups completed tasks under a numbered report.
func (c *Client) AllocateBatch(ctx context.Context, taskIDs []string) (BatchReport, error) {
	body := map[string]any{"task_ids": taskIDs}
	var resp BatchReport
	err := c.do(ctx, http.MethodPost, "v0/batches", body, &resp)
	return resp, err
}

// GetBatch fetches a batch report by row id.
func (c *Client) GetBatch(ctx context.Context, id string) (BatchReport, error) {
	var resp BatchReport
	err := c.do(ctx, http.MethodGet, "v0/batches/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// LinkBatch records the storage URL of the rendered report document.
func (c *Client) LinkBatch(ctx context.Context, id, storageURL string) (BatchReport, error) {
	body := map[string]any{"storage_url": storageURL}
	var resp BatchReport
	err := c.do(ctx, http.MethodPatch, "v0/batches/"+url.PathEscape(id)+"/link", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
