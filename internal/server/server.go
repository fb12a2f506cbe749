package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"warkah/internal/engine"
	"warkah/internal/repo"
	"warkah/internal/stage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden_role"`
	Message string         `json:"message" example:"role penata cannot decide stage diinput"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":\"diinput\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// debugMode controls whether internal error details leak to clients.
var debugMode bool

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Warkah API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Config != nil {
		debugMode = cfg.Engine.Config.Service.Debug
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Warkah API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group)
	registerStats(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerBatches(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe stage.ForbiddenRoleError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden_role", err.Error(), map[string]any{
			"role":     fe.Role,
			"stage":    fe.Stage,
			"required": fe.Required,
		})
	}
	var ie engine.InvalidInputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var details map[string]any
	if debugMode {
		details = map[string]any{"error": err.Error()}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Warkah API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List processing stages in order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: stageResponses()}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Task counts per stage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountTasksByStage(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{TaskCounts: counts}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			Title:     input.Body.Title,
			MainData:  mainDataFromRequest(input.Body.MainData),
			Items:     itemsFromRequest(input.Body.Items),
			ActorID:   principal.ActorID,
			ActorRole: principal.Role,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage     string `query:"stage"`
		Completed string `query:"completed" enum:"true,false,"`
		BatchID   string `query:"batch_id"`
		CreatedBy string `query:"created_by"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Stage != "" && !stage.IsValid(input.Stage) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown stage", map[string]any{"stage": input.Stage})
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.TaskFilters{
			Stage:           input.Stage,
			BatchID:         input.BatchID,
			CreatedBy:       input.CreatedBy,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.Completed != "" {
			completed := input.Completed == "true"
			filter.Completed = &completed
		}
		tasks, err := e.Repo.ListTasks(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit].CreatedAt, tasks[limit].ID)
			tasks = tasks[:limit]
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task descriptive fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskUpdateOptions{
			ID:        input.TaskID,
			ActorID:   principal.ActorID,
			ActorRole: principal.Role,
			Title:     input.Body.Title,
		}
		if input.Body.MainData != nil {
			md := mainDataFromRequest(*input.Body.MainData)
			opts.MainData = &md
		}
		if input.Body.Items != nil {
			opts.Items = itemsFromRequest(input.Body.Items)
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, input.TaskID, principal.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-decision",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/decision",
		Summary:     "Approve or reject the task's current stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   DecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitDecision(ctx, engine.DecisionOptions{
			TaskID:    input.TaskID,
			ActorID:   principal.ActorID,
			ActorRole: principal.Role,
			Decision:  input.Body.Decision,
			Note:      input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{
			TaskID:       input.TaskID,
			Decision:     input.Body.Decision,
			CurrentStage: res.NewStage,
			IsCompleted:  res.IsCompleted,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Decision history for a task, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Stage  string `query:"stage"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedHistory `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorID, err := parseHistoryCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		entries, err := e.Repo.ListHistory(ctx, repo.HistoryFilters{
			TaskID:   input.TaskID,
			Stage:    input.Stage,
			Limit:    limit + 1,
			CursorID: cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedHistory{Items: []HistoryEntryResponse{}}
		if len(entries) > limit {
			resp.NextCursor = strconv.FormatInt(entries[limit].ID, 10)
			entries = entries[:limit]
		}
		for _, h := range entries {
			resp.Items = append(resp.Items, historyResponse(h))
		}
		return &struct {
			Body paginatedHistory `json:"body"`
		}{Body: resp}, nil
	})
}

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "allocate-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Group completed tasks under a sequentially numbered report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body AllocateBatchRequest `json:"body"`
	}) (*struct {
		Body BatchReportResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AllocateBatch(ctx, input.Body.TaskIDs, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchReportResponse `json:"body"`
		}{Body: batchResponse(res.Report, res.IsExisting)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batch reports",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Year  int `query:"year"`
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []BatchReportResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListBatchReports(ctx, input.Year, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BatchReportResponse `json:"body"`
		}{Body: mapBatches(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch report with member tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body BatchDetailResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.Repo.GetBatchReport(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListBatchTasks(ctx, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchDetailResponse `json:"body"`
		}{Body: BatchDetailResponse{
			BatchReportResponse: batchResponse(b, false),
			Tasks:               mapTasks(tasks),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-batch",
		Method:      http.MethodPatch,
		Path:        "/batches/{batch_id}/link",
		Summary:     "Record the external storage URL of the rendered report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string           `path:"batch_id"`
		Body    BatchLinkRequest `json:"body"`
	}) (*struct {
		Body BatchReportResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.SetBatchStorageLink(ctx, input.BatchID, input.Body.StorageURL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchReportResponse `json:"body"`
		}{Body: batchResponse(b, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "void-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/void",
		Summary:     "Mark a batch report void",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body BatchReportResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.VoidBatch(ctx, input.BatchID, principal.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchReportResponse `json:"body"`
		}{Body: batchResponse(b, false)}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func parseHistoryCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	return strconv.ParseInt(cursor, 10, 64)
}
