package workflow

import (
	"context"
	"database/sql"
	"testing"

	"github.com/antigravity-dev/metasmith/internal/library"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewStore(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func chainPlan() *WorkflowPlan {
	raw := instanceOf("/data/raw.fq", rawType("raw", "raw"))
	aligned := instanceOf("/data/aligned.bam", rawType("aligned", "aligned"))
	sorted := instanceOf("/data/sorted.bam", rawType("sorted", "sorted"))

	return &WorkflowPlan{
		Given:   []*library.DataInstance{raw},
		Targets: []*library.DataInstance{sorted},
		Steps: []WorkflowStep{
			{Order: 1, TransformKey: "align", Uses: []*library.DataInstance{raw}, Produces: []*library.DataInstance{aligned}},
			{Order: 2, TransformKey: "sort", Uses: []*library.DataInstance{aligned}, Produces: []*library.DataInstance{sorted}},
		},
	}
}

func TestRegisterPlanAndReadyForExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := chainPlan()

	if err := s.RegisterPlan(ctx, "plan-1", plan); err != nil {
		t.Fatalf("RegisterPlan: %v", err)
	}

	ready, err := s.ReadyForExecution(ctx, "plan-1")
	if err != nil {
		t.Fatalf("ReadyForExecution: %v", err)
	}
	if len(ready) != 1 || ready[0].Order != 1 {
		t.Fatalf("expected only step 1 ready, got %+v", ready)
	}

	if err := s.MarkStatus(ctx, "plan-1", 1, StatusDone); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}

	ready, err = s.ReadyForExecution(ctx, "plan-1")
	if err != nil {
		t.Fatalf("ReadyForExecution: %v", err)
	}
	if len(ready) != 1 || ready[0].Order != 2 {
		t.Fatalf("expected only step 2 ready once step 1 is done, got %+v", ready)
	}
}

func TestMarkStatusRejectsUnknownStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.RegisterPlan(ctx, "plan-1", chainPlan()); err != nil {
		t.Fatalf("RegisterPlan: %v", err)
	}
	if err := s.MarkStatus(ctx, "plan-1", 99, StatusDone); err == nil {
		t.Fatal("expected an error marking a nonexistent step")
	}
}

func TestMarkStatusRejectsUnknownValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.RegisterPlan(ctx, "plan-1", chainPlan()); err != nil {
		t.Fatalf("RegisterPlan: %v", err)
	}
	if err := s.MarkStatus(ctx, "plan-1", 1, "bogus"); err == nil {
		t.Fatal("expected an error for an unrecognized status")
	}
}

func TestAddEdgeRefusesCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.RegisterPlan(ctx, "plan-1", chainPlan()); err != nil {
		t.Fatalf("RegisterPlan: %v", err)
	}
	// RegisterPlan already linked 1 -> 2; closing the loop must be refused.
	if err := s.AddEdge(ctx, "plan-1", 2, 1); err == nil {
		t.Fatal("expected a cycle error")
	}
}

func TestAddEdgeRefusesSelfLoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.RegisterPlan(ctx, "plan-1", chainPlan()); err != nil {
		t.Fatalf("RegisterPlan: %v", err)
	}
	if err := s.AddEdge(ctx, "plan-1", 1, 1); err == nil {
		t.Fatal("expected a self-loop error")
	}
}

func TestReadyForExecutionIsolatesPlans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.RegisterPlan(ctx, "plan-a", chainPlan()); err != nil {
		t.Fatalf("RegisterPlan a: %v", err)
	}
	if err := s.RegisterPlan(ctx, "plan-b", chainPlan()); err != nil {
		t.Fatalf("RegisterPlan b: %v", err)
	}

	readyA, err := s.ReadyForExecution(ctx, "plan-a")
	if err != nil {
		t.Fatalf("ReadyForExecution a: %v", err)
	}
	readyB, err := s.ReadyForExecution(ctx, "plan-b")
	if err != nil {
		t.Fatalf("ReadyForExecution b: %v", err)
	}
	if len(readyA) != 1 || len(readyB) != 1 {
		t.Fatalf("expected each plan to independently have 1 ready step, got %d and %d", len(readyA), len(readyB))
	}
}
