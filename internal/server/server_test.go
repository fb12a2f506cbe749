package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"warkah/internal/config"
	"warkah/internal/db"
	"warkah/internal/engine"
	"warkah/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actorHeaders(id, role string) map[string]string {
	return map[string]string{"X-Actor-Id": id, "X-Actor-Role": role}
}

func createTestTask(t *testing.T, srv *testServer) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title": "Warkah 123/Sukamaju",
		"main_data": map[string]any{
			"parcel_id":      "123",
			"original_owner": "Budi Santoso",
			"address":        "Jl. Merdeka 1",
			"region":         "Sukamaju",
		},
		"items": []map[string]any{
			{"new_owner": "Siti Rahayu", "land_area": 120.5, "building_area": 60, "certificate_no": "SHM-001"},
		},
	}, actorHeaders("upik", "penginput"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func TestCreateTaskStartsAtFirstStage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createTestTask(t, srv)
	if created.CurrentStage != "diinput" {
		t.Fatalf("expected stage diinput, got %s", created.CurrentStage)
	}
	if created.IsCompleted {
		t.Fatalf("new task must not be completed")
	}
	if len(created.Approvals) != 5 {
		t.Fatalf("expected 5 approvals, got %d", len(created.Approvals))
	}
	for _, a := range created.Approvals {
		if a.Status != "pending" {
			t.Fatalf("approval %s not pending: %s", a.Stage, a.Status)
		}
	}
}

func TestDecisionAdvancesStage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestTask(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/decision", map[string]any{
		"decision": "approved",
	}, actorHeaders("upik", "penginput"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision status %d: %s", res.StatusCode, string(data))
	}
	var decided DecisionResponse
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if decided.CurrentStage != "ditata" {
		t.Fatalf("expected stage ditata, got %s", decided.CurrentStage)
	}
	if decided.IsCompleted {
		t.Fatalf("task must not be completed after first approval")
	}
}

func TestDecisionForbiddenForWrongRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestTask(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/decision", map[string]any{
		"decision": "approved",
	}, actorHeaders("tata", "penata"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "forbidden_role" {
		t.Fatalf("expected forbidden_role, got %s", envelope.Error.Code)
	}
}

func TestFullLifecycleAndBatchAllocation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestTask(t, srv)

	steps := []struct {
		actor string
		role  string
	}{
		{"upik", "penginput"},
		{"tata", "penata"},
		{"lili", "peneliti"},
		{"arif", "pengarsip"},
		{"kiki", "pengirim"},
	}
	var last DecisionResponse
	for _, step := range steps {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/decision", map[string]any{
			"decision": "approved",
		}, actorHeaders(step.actor, step.role))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("decision by %s status %d: %s", step.role, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal decision: %v", err)
		}
	}
	if last.CurrentStage != "selesai" || !last.IsCompleted {
		t.Fatalf("expected completed at selesai, got %s completed=%v", last.CurrentStage, last.IsCompleted)
	}

	batchRes, batchData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"task_ids": []string{created.ID},
	}, actorHeaders("arif", "pengarsip"))
	if batchRes.StatusCode != http.StatusCreated {
		t.Fatalf("allocate batch status %d: %s", batchRes.StatusCode, string(batchData))
	}
	var batch BatchReportResponse
	if err := json.Unmarshal(batchData, &batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if batch.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", batch.Seq)
	}
	if batch.IsExisting {
		t.Fatalf("first allocation must not be existing")
	}

	againRes, againData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"task_ids": []string{created.ID},
	}, actorHeaders("arif", "pengarsip"))
	if againRes.StatusCode != http.StatusCreated {
		t.Fatalf("repeat allocate status %d: %s", againRes.StatusCode, string(againData))
	}
	var again BatchReportResponse
	if err := json.Unmarshal(againData, &again); err != nil {
		t.Fatalf("unmarshal repeat batch: %v", err)
	}
	if !again.IsExisting {
		t.Fatalf("repeat allocation must return existing report")
	}
	if again.BatchID != batch.BatchID {
		t.Fatalf("expected same batch id, got %s and %s", batch.BatchID, again.BatchID)
	}
}

func TestDecisionHistoryRecordsOverwrite(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestTask(t, srv)

	rejectRes, rejectData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/decision", map[string]any{
		"decision": "rejected",
		"note":     "nomor sertifikat tidak terbaca",
	}, actorHeaders("upik", "penginput"))
	if rejectRes.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", rejectRes.StatusCode, string(rejectData))
	}

	approveRes, approveData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/decision", map[string]any{
		"decision": "approved",
	}, actorHeaders("upik", "penginput"))
	if approveRes.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", approveRes.StatusCode, string(approveData))
	}

	histRes, histData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID+"/history", nil, actorHeaders("upik", "penginput"))
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", histRes.StatusCode, string(histData))
	}
	var hist paginatedHistory
	if err := json.Unmarshal(histData, &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist.Items) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist.Items))
	}
	// Newest first: the approval over the rejection.
	if hist.Items[0].EventType != "overwrite" {
		t.Fatalf("expected overwrite event, got %s", hist.Items[0].EventType)
	}
	if hist.Items[1].EventType != "approve" {
		t.Fatalf("expected approve event, got %s", hist.Items[1].EventType)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 4
	bodies := make([][]byte, n)
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				return
			}
			req.Header.Set("X-Actor-Id", "upik")
			req.Header.Set("X-Actor-Role", "penginput")
			res, err := srv.Client().Do(req)
			if err != nil {
				return
			}
			defer res.Body.Close()
			codes[i] = res.StatusCode
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if codes[i] != http.StatusOK {
			t.Fatalf("request %d status %d", i, codes[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
}
