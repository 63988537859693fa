package bootstrap

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/metasmith/internal/library"
	"github.com/antigravity-dev/metasmith/internal/relay"
	"github.com/antigravity-dev/metasmith/internal/workflow"

	_ "modernc.org/sqlite"
)

func newStoreForTest(t *testing.T) *workflow.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := workflow.NewStore(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func rawType(name string, props ...string) *library.DataType {
	p := make(map[string]any, len(props))
	for _, k := range props {
		p[k] = true
	}
	return &library.DataType{Name: name, Properties: p}
}

func instanceOf(source string, dt *library.DataType) *library.DataInstance {
	return &library.DataInstance{Source: source, Type: dt}
}

func TestWaitForRelayFailsWhenServerNeverStarts(t *testing.T) {
	workspace := t.TempDir()
	a := New(workspace, nil)

	start := time.Now()
	err := a.WaitForRelay(context.Background(), 2)
	if err == nil {
		t.Fatal("expected an error when the relay never starts")
	}
	if elapsed := time.Since(start); elapsed < 1*time.Second {
		t.Fatalf("expected WaitForRelay to poll at least once, elapsed %v", elapsed)
	}
	if a.Phase() != PhaseWaitingForRelay {
		t.Fatalf("expected phase %s, got %s", PhaseWaitingForRelay, a.Phase())
	}
}

func TestWaitForRelayConnectsOnceServerAppears(t *testing.T) {
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
	workspace := t.TempDir()
	ioDir := filepath.Join(workspace, "relay", "connections")
	if err := os.MkdirAll(ioDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	srv, err := relay.NewServer(ioDir)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Dispose()

	a := New(workspace, nil)
	if err := a.WaitForRelay(context.Background(), 5); err != nil {
		t.Fatalf("WaitForRelay: %v", err)
	}
	defer a.Dispose()
	if a.shell == nil {
		t.Fatal("expected a connected shell")
	}
}

func TestLoadTaskRetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	taskPath := filepath.Join(dir, "task.json")

	task := &workflow.WorkflowTask{
		Agent: "worker-1",
		Plan: &workflow.WorkflowPlan{
			Given: []*library.DataInstance{instanceOf("/data/raw.fq", rawType("raw", "raw"))},
		},
	}

	go func() {
		time.Sleep(1200 * time.Millisecond)
		_ = task.Save(taskPath)
	}()

	a := New(dir, nil)
	got, err := a.LoadTask(context.Background(), taskPath)
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	if got.Agent != "worker-1" {
		t.Fatalf("got %+v", got)
	}
	if a.Phase() != PhaseLoadingTask {
		t.Fatalf("expected phase %s, got %s", PhaseLoadingTask, a.Phase())
	}
}

func TestLoadTaskGivesUpAfterBackoffSchedule(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.LoadTask(ctx, filepath.Join(dir, "missing.json"))
	if err == nil {
		t.Fatal("expected an error for a task file that never appears")
	}
}

func TestResolveStepBuildsExecutionContext(t *testing.T) {
	dir := t.TempDir()
	raw := instanceOf("/data/raw.fq", rawType("raw", "raw"))
	aligned := instanceOf(filepath.Join(dir, "aligned.bam"), rawType("aligned", "aligned"))

	task := &workflow.WorkflowTask{
		Plan: &workflow.WorkflowPlan{
			Given: []*library.DataInstance{raw},
			Steps: []workflow.WorkflowStep{
				{
					Order:     1,
					Uses:      []*library.DataInstance{raw},
					Produces:  []*library.DataInstance{aligned},
					Transform: &library.TransformInstance{Source: "/transforms/align.yaml", Protocol: "align <raw> <aligned>"},
				},
			},
		},
	}

	a := New(dir, nil)
	a.shell = &relay.RemoteShell{}

	step, execCtx, err := a.ResolveStep(task, 1)
	if err != nil {
		t.Fatalf("ResolveStep: %v", err)
	}
	if step.Order != 1 {
		t.Fatalf("got step %+v", step)
	}
	if execCtx.Inputs["raw"] != raw || execCtx.Outputs["aligned"] != aligned {
		t.Fatalf("execution context not bound to expected instances: %+v", execCtx)
	}
	rendered := renderProtocol(step.Transform.Protocol, execCtx)
	want := "align /data/raw.fq " + aligned.Source
	if rendered != want {
		t.Fatalf("got %q want %q", rendered, want)
	}
}

func TestResolveStepRejectsOutOfRangeIndex(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, nil)
	a.shell = &relay.RemoteShell{}
	task := &workflow.WorkflowTask{Plan: &workflow.WorkflowPlan{}}
	if _, _, err := a.ResolveStep(task, 1); err == nil {
		t.Fatal("expected an error for an empty plan")
	}
}

func TestReportRecordsStatusInStore(t *testing.T) {
	store := newStoreForTest(t)
	ctx := context.Background()
	plan := &workflow.WorkflowPlan{
		Steps: []workflow.WorkflowStep{{Order: 1, TransformKey: "align"}},
	}
	if err := store.RegisterPlan(ctx, "plan-1", plan); err != nil {
		t.Fatalf("RegisterPlan: %v", err)
	}

	a := New(t.TempDir(), nil)
	a.Store = store

	if err := a.Report(ctx, "plan-1", 1, &library.ExecutionResult{Success: true}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	ready, err := store.ReadyForExecution(ctx, "plan-1")
	if err != nil {
		t.Fatalf("ReadyForExecution: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready steps once step 1 is done, got %+v", ready)
	}
	if a.Phase() != PhaseReport {
		t.Fatalf("expected phase %s, got %s", PhaseReport, a.Phase())
	}
}
