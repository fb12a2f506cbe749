package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warkah/internal/config"
	"warkah/internal/db"
	"warkah/internal/domain"
	"warkah/internal/engine"
	"warkah/internal/migrate"
	"warkah/internal/repo"
	"warkah/internal/stage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func validCreateOptions() engine.TaskCreateOptions {
	return engine.TaskCreateOptions{
		Title: "Warkah 123/Sukamaju",
		MainData: domain.MainData{
			ParcelID:      "123",
			OriginalOwner: "Budi Santoso",
			Address:       "Jl. Merdeka 1",
			Region:        "Sukamaju",
		},
		Items: []domain.LineItem{
			{NewOwner: "Siti Rahayu", LandArea: 120.5, BuildingArea: 60, CertificateNo: "SHM-001"},
			{NewOwner: "Andi Wijaya", LandArea: 80, CertificateNo: "SHM-002"},
		},
		ActorID:   "upik",
		ActorRole: "penginput",
	}
}

func decide(t *testing.T, env testEnv, taskID, actorID, role, decision string) engine.DecisionResult {
	t.Helper()
	res, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionOptions{
		TaskID:    taskID,
		ActorID:   actorID,
		ActorRole: role,
		Decision:  decision,
	})
	if err != nil {
		t.Fatalf("decision %s by %s: %v", decision, role, err)
	}
	return res
}

func completeTask(t *testing.T, env testEnv, taskID string) {
	t.Helper()
	for _, step := range []struct{ actor, role string }{
		{"upik", "penginput"},
		{"tata", "penata"},
		{"lili", "peneliti"},
		{"arif", "pengarsip"},
		{"kiki", "pengirim"},
	} {
		decide(t, env, taskID, step.actor, step.role, "approved")
	}
}

func TestCreateTaskSeedsApprovals(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.CurrentStage != "diinput" {
		t.Fatalf("expected diinput, got %s", task.CurrentStage)
	}
	if task.IsCompleted {
		t.Fatalf("new task must not be completed")
	}
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(stored.Approvals) != len(stage.Order)-1 {
		t.Fatalf("expected %d approvals, got %d", len(stage.Order)-1, len(stored.Approvals))
	}
	for i, a := range stored.Approvals {
		if a.Stage != stage.Order[i].Name || a.Role != stage.Order[i].Role {
			t.Fatalf("approval %d is %s/%s, want %s/%s", i, a.Stage, a.Role, stage.Order[i].Name, stage.Order[i].Role)
		}
		if a.Status != "pending" {
			t.Fatalf("approval %s not pending: %s", a.Stage, a.Status)
		}
	}
	if len(stored.Items) != 2 || stored.Items[0].Position != 1 || stored.Items[1].Position != 2 {
		t.Fatalf("items not positioned: %+v", stored.Items)
	}
}

func TestCreateTaskRejectsWrongRole(t *testing.T) {
	env := newTestEnv(t)
	opts := validCreateOptions()
	opts.ActorRole = "penata"
	_, err := env.Engine.CreateTask(env.Ctx, opts)
	var fe stage.ForbiddenRoleError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden role error, got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		mutate func(*engine.TaskCreateOptions)
	}{
		{"missing title", func(o *engine.TaskCreateOptions) { o.Title = " " }},
		{"missing parcel", func(o *engine.TaskCreateOptions) { o.MainData.ParcelID = "" }},
		{"no items", func(o *engine.TaskCreateOptions) { o.Items = nil }},
		{"zero land area", func(o *engine.TaskCreateOptions) { o.Items[0].LandArea = 0 }},
		{"negative building area", func(o *engine.TaskCreateOptions) { o.Items[0].BuildingArea = -1 }},
		{"missing certificate", func(o *engine.TaskCreateOptions) { o.Items[0].CertificateNo = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := validCreateOptions()
			tc.mutate(&opts)
			_, err := env.Engine.CreateTask(env.Ctx, opts)
			var ie engine.InvalidInputError
			if !errors.As(err, &ie) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestFullApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	completeTask(t, env, task.ID)
	final, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.CurrentStage != stage.Terminal || !final.IsCompleted {
		t.Fatalf("expected completed at %s, got %s completed=%v", stage.Terminal, final.CurrentStage, final.IsCompleted)
	}
	for _, a := range final.Approvals {
		if a.Status != "approved" {
			t.Fatalf("approval %s not approved: %s", a.Stage, a.Status)
		}
	}
}

func TestRejectionParksTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	decide(t, env, task.ID, "upik", "penginput", "approved")

	res, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionOptions{
		TaskID:    task.ID,
		ActorID:   "tata",
		ActorRole: "penata",
		Decision:  "rejected",
		Note:      "tata letak dokumen salah",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.NewStage != "ditata" || res.IsCompleted {
		t.Fatalf("rejection must park at ditata, got %s", res.NewStage)
	}

	// The same role overwrites the rejection and the task moves on.
	res2 := decide(t, env, task.ID, "tata", "penata", "approved")
	if res2.NewStage != "diteliti" {
		t.Fatalf("overwrite must advance to diteliti, got %s", res2.NewStage)
	}

	hist, err := env.Engine.Repo.ListHistory(env.Ctx, repo.HistoryFilters{TaskID: task.ID})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(hist))
	}
	if hist[0].EventType != "overwrite" || hist[0].PrevStatus != "rejected" {
		t.Fatalf("newest entry must be overwrite of rejected, got %+v", hist[0])
	}
	if hist[1].EventType != "approve" || hist[1].NewStatus != "rejected" {
		t.Fatalf("middle entry must record the rejection, got %+v", hist[1])
	}
}

func TestDecisionForbiddenForNonCurrentStageRole(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, err = env.Engine.SubmitDecision(env.Ctx, engine.DecisionOptions{
		TaskID:    task.ID,
		ActorID:   "lili",
		ActorRole: "peneliti",
		Decision:  "approved",
	})
	var fe stage.ForbiddenRoleError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden role error, got %v", err)
	}
	if fe.Required != "penginput" {
		t.Fatalf("expected required role penginput, got %s", fe.Required)
	}
}

func TestAdminMayDecideAnyStage(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	res := decide(t, env, task.ID, "root", stage.RoleAdmin, "approved")
	if res.NewStage != "ditata" {
		t.Fatalf("admin approval must advance, got %s", res.NewStage)
	}
}

func TestDecisionOnCompletedTaskFails(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	completeTask(t, env, task.ID)
	_, err = env.Engine.SubmitDecision(env.Ctx, engine.DecisionOptions{
		TaskID:    task.ID,
		ActorID:   "root",
		ActorRole: stage.RoleAdmin,
		Decision:  "approved",
	})
	if err == nil {
		t.Fatalf("expected error deciding a completed task")
	}
}

func TestConcurrentDecisionsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.SubmitDecision(env.Ctx, engine.DecisionOptions{
				TaskID:    task.ID,
				ActorID:   "upik",
				ActorRole: "penginput",
				Decision:  "approved",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning decision, got %d", wins)
	}
	final, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.CurrentStage != "ditata" {
		t.Fatalf("task advanced more than one stage: %s", final.CurrentStage)
	}
	hist, err := env.Engine.Repo.ListHistory(env.Ctx, repo.HistoryFilters{TaskID: task.ID})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(hist))
	}
}

func TestUpdateTaskRules(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	newTitle := "Warkah 123/Sukamaju (revisi)"
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID:        task.ID,
		ActorID:   "upik",
		ActorRole: "penginput",
		Title:     &newTitle,
	})
	if err != nil {
		t.Fatalf("update title: %v", err)
	}
	if updated.Title != newTitle {
		t.Fatalf("title not updated: %s", updated.Title)
	}

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID:        task.ID,
		ActorID:   "tata",
		ActorRole: "penata",
		Title:     &newTitle,
	})
	var fe stage.ForbiddenRoleError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden role for non-owning role, got %v", err)
	}

	completeTask(t, env, task.ID)
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID:        task.ID,
		ActorID:   "root",
		ActorRole: stage.RoleAdmin,
		Title:     &newTitle,
	})
	var ie engine.InvalidInputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invalid input for completed task, got %v", err)
	}
}

func TestAllocateBatchNumbersSequentially(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 2; i++ {
		task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		completeTask(t, env, task.ID)
		ids = append(ids, task.ID)
	}

	first, err := env.Engine.AllocateBatch(env.Ctx, ids[:1], "arif")
	if err != nil {
		t.Fatalf("allocate first: %v", err)
	}
	if first.Report.Seq != 1 || first.Report.Year != 2024 {
		t.Fatalf("expected seq 1 year 2024, got %d/%d", first.Report.Seq, first.Report.Year)
	}
	if first.Report.BatchID != "BA-001/ARSIP/2024" {
		t.Fatalf("unexpected batch id %s", first.Report.BatchID)
	}
	if first.Report.Status != "FINAL" {
		t.Fatalf("expected FINAL, got %s", first.Report.Status)
	}

	second, err := env.Engine.AllocateBatch(env.Ctx, ids[1:], "arif")
	if err != nil {
		t.Fatalf("allocate second: %v", err)
	}
	if second.Report.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", second.Report.Seq)
	}

	member, err := env.Engine.Repo.GetTask(env.Ctx, ids[0])
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if member.BatchID == nil || *member.BatchID != first.Report.ID {
		t.Fatalf("member not linked to report: %v", member.BatchID)
	}
}

func TestAllocateBatchIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	completeTask(t, env, task.ID)

	first, err := env.Engine.AllocateBatch(env.Ctx, []string{task.ID}, "arif")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	again, err := env.Engine.AllocateBatch(env.Ctx, []string{task.ID}, "arif")
	if err != nil {
		t.Fatalf("repeat allocate: %v", err)
	}
	if !again.IsExisting {
		t.Fatalf("repeat allocation must report existing")
	}
	if again.Report.BatchID != first.Report.BatchID {
		t.Fatalf("expected same report, got %s and %s", first.Report.BatchID, again.Report.BatchID)
	}

	// The counter must not have moved.
	other, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	completeTask(t, env, other.ID)
	next, err := env.Engine.AllocateBatch(env.Ctx, []string{other.ID}, "arif")
	if err != nil {
		t.Fatalf("allocate next: %v", err)
	}
	if next.Report.Seq != 2 {
		t.Fatalf("expected seq 2 after idempotent repeat, got %d", next.Report.Seq)
	}
}

func TestAllocateBatchUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AllocateBatch(env.Ctx, []string{"no-such-task"}, "arif")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentAllocationsDistinctSequences(t *testing.T) {
	env := newTestEnv(t)
	const n = 5
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		completeTask(t, env, task.ID)
		ids[i] = task.ID
	}

	results := make([]engine.BatchResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.AllocateBatch(env.Ctx, ids[i:i+1], "arif")
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("allocation %d: %v", i, errs[i])
		}
		seq := results[i].Report.Seq
		if seq < 1 || seq > n {
			t.Fatalf("sequence %d out of range", seq)
		}
		if seen[seq] {
			t.Fatalf("sequence %d allocated twice", seq)
		}
		seen[seq] = true
	}
}

func TestConcurrentAllocationsSameSetMintOnce(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	completeTask(t, env, task.ID)

	const n = 6
	results := make([]engine.BatchResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.AllocateBatch(env.Ctx, []string{task.ID}, "arif")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("allocation %d: %v", i, errs[i])
		}
		if !results[i].IsExisting {
			fresh++
		}
		if results[i].Report.BatchID != results[0].Report.BatchID {
			t.Fatalf("allocations disagree on report: %s vs %s", results[i].Report.BatchID, results[0].Report.BatchID)
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh mint, got %d", fresh)
	}
	reports, err := env.Engine.Repo.ListBatchReports(env.Ctx, 0, 0)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one persisted report, got %d", len(reports))
	}
}

func TestUpdateTaskStaleStageConflicts(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	decide(t, env, task.ID, "upik", "penginput", "approved")

	// An edit keyed to the stage observed before the approval landed
	// must not touch the row.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	task.Title = "Warkah 123/Sukamaju (revisi)"
	err = env.Engine.Repo.UpdateTaskFields(env.Ctx, tx, task, "diinput")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict for stale stage, got %v", err)
	}
}

func TestDecisionTimestampsShareClock(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	decide(t, env, task.ID, "upik", "penginput", "approved")

	want := "2024-03-01T00:00:00Z"
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	var decidedAt string
	for _, a := range stored.Approvals {
		if a.Stage == "diinput" && a.DecidedAt != nil {
			decidedAt = *a.DecidedAt
		}
	}
	if decidedAt != want {
		t.Fatalf("approval decided_at %q, want %q", decidedAt, want)
	}
	hist, err := env.Engine.Repo.ListHistory(env.Ctx, repo.HistoryFilters{TaskID: task.ID})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(hist))
	}
	if hist[0].TS != want {
		t.Fatalf("ledger ts %q, want %q", hist[0].TS, want)
	}
}

func TestVoidBatch(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	completeTask(t, env, task.ID)
	res, err := env.Engine.AllocateBatch(env.Ctx, []string{task.ID}, "arif")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if _, err := env.Engine.VoidBatch(env.Ctx, res.Report.ID, "pengarsip"); err == nil {
		t.Fatalf("expected forbidden for non-admin void")
	}
	voided, err := env.Engine.VoidBatch(env.Ctx, res.Report.ID, stage.RoleAdmin)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != "VOID" {
		t.Fatalf("expected VOID, got %s", voided.Status)
	}
}

func TestDeleteTaskRules(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := env.Engine.DeleteTask(env.Ctx, task.ID, "penginput"); err == nil {
		t.Fatalf("expected forbidden for non-admin delete")
	}

	completeTask(t, env, task.ID)
	if _, err := env.Engine.AllocateBatch(env.Ctx, []string{task.ID}, "arif"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	err = env.Engine.DeleteTask(env.Ctx, task.ID, stage.RoleAdmin)
	var ie engine.InvalidInputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invalid input for batched task, got %v", err)
	}

	loose, err := env.Engine.CreateTask(env.Ctx, validCreateOptions())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, loose.ID, stage.RoleAdmin); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, loose.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
