package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/antigravity-dev/metasmith/internal/library"
	"github.com/antigravity-dev/metasmith/internal/planner"
	"github.com/antigravity-dev/metasmith/internal/typesys"
)

func rawType(name string, props ...string) *library.DataType {
	m := make(map[string]any, len(props))
	for _, p := range props {
		m[p] = true
	}
	return &library.DataType{Name: name, Properties: m}
}

func instanceOf(source string, dt *library.DataType) *library.DataInstance {
	return &library.DataInstance{Source: source, Type: dt}
}

func mustTransform(t *testing.T, source string, inputs, outputs []string) *library.TransformInstance {
	t.Helper()
	return &library.TransformInstance{
		Source:          source,
		Protocol:        "run.sh",
		InputSignature:  inputs,
		OutputSignature: outputs,
	}
}

func TestBuildTransformModelAndEndpoint(t *testing.T) {
	ns := typesys.NewNamespace(6)
	inst := mustTransform(t, "align.yaml", []string{"raw=true"}, []string{"aligned=true"})

	model, err := BuildTransformModel(ns, inst)
	if err != nil {
		t.Fatalf("BuildTransformModel: %v", err)
	}
	if len(model.Requires) != 1 || len(model.Produces) != 1 {
		t.Fatalf("got %d requires, %d produces", len(model.Requires), len(model.Produces))
	}

	given := instanceOf("/data/reads.fq", rawType("reads", "raw"))
	e := BuildEndpoint(ns, given)
	if !e.IsA(model.Requires[0]) {
		t.Fatalf("built endpoint does not satisfy the transform's requirement")
	}
}

func TestGenerateSingleStepPlan(t *testing.T) {
	ns := typesys.NewNamespace(6)
	p, err := planner.New(0, 0)
	if err != nil {
		t.Fatalf("planner.New: %v", err)
	}

	alignDef := mustTransform(t, "align.yaml", []string{"raw=true"}, []string{"aligned=true"})
	alignModel, err := BuildTransformModel(ns, alignDef)
	if err != nil {
		t.Fatalf("BuildTransformModel: %v", err)
	}

	given := instanceOf("/data/reads.fq", rawType("reads", "raw"))
	target := rawType("aligned-reads", "aligned")

	work := make(map[string]string)
	plan, err := Generate(context.Background(), ns, p, GenerateInput{
		Given:      []*library.DataInstance{given},
		Targets:    []*library.DataType{target},
		Transforms: map[*typesys.Transform]*library.TransformInstance{alignModel: alignDef},
		Locate: func(tr *library.TransformInstance, dep *typesys.Dependency) string {
			path := filepath.Join(t.TempDir(), dep.Key())
			work[dep.Key()] = path
			return path
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if plan.Len() != 1 {
		t.Fatalf("expected 1 step, got %d", plan.Len())
	}
	if plan.Steps[0].TransformKey != alignDef.Key() {
		t.Fatalf("step bound to wrong transform")
	}
	if plan.Key == "" {
		t.Fatal("expected a non-empty plan key")
	}
	if len(plan.Targets) != 1 {
		t.Fatalf("expected 1 resolved target, got %d", len(plan.Targets))
	}
}

func TestGenerateNoSolution(t *testing.T) {
	ns := typesys.NewNamespace(6)
	p, err := planner.New(0, 0)
	if err != nil {
		t.Fatalf("planner.New: %v", err)
	}

	given := instanceOf("/data/reads.fq", rawType("reads", "raw"))
	target := rawType("aligned-reads", "aligned")

	_, err = Generate(context.Background(), ns, p, GenerateInput{
		Given:      []*library.DataInstance{given},
		Targets:    []*library.DataType{target},
		Transforms: nil,
		Locate:     func(*library.TransformInstance, *typesys.Dependency) string { return "" },
	})
	if err == nil {
		t.Fatal("expected an error when no transform can reach the target")
	}
}

func TestWorkflowPlanSaveLoad(t *testing.T) {
	plan := &WorkflowPlan{
		Given:   []*library.DataInstance{instanceOf("/a", rawType("a", "x"))},
		Targets: []*library.DataInstance{instanceOf("/b", rawType("b", "y"))},
		Steps: []WorkflowStep{
			{Order: 1, TransformKey: "abcde"},
		},
	}
	plan.Key = computeKey(plan.Given, plan.Targets, plan.Steps)

	path := filepath.Join(t.TempDir(), "plan.json")
	if err := plan.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Key != plan.Key {
		t.Fatalf("got key %q, want %q", loaded.Key, plan.Key)
	}
	if len(loaded.Steps) != 1 || loaded.Steps[0].TransformKey != "abcde" {
		t.Fatalf("steps did not round-trip: %+v", loaded.Steps)
	}
}

func TestWorkflowStepRelinkTransform(t *testing.T) {
	tr := mustTransform(t, "align.yaml", nil, nil)
	byKey := map[string]*library.TransformInstance{tr.Key(): tr}

	step := WorkflowStep{TransformKey: tr.Key()}
	step.RelinkTransform(byKey)
	if step.Transform != tr {
		t.Fatalf("RelinkTransform did not resolve the expected instance")
	}
}

func TestWorkflowTaskSaveLoad(t *testing.T) {
	task := &WorkflowTask{
		Plan:  &WorkflowPlan{Key: "deadbeef"},
		Agent: "agent-1",
		Config: map[string]any{
			"nextflow": map[string]any{"memory": "4GB"},
		},
	}
	path := filepath.Join(t.TempDir(), "task.json")
	if err := task.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadTask(path)
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	if loaded.Agent != "agent-1" || loaded.Plan.Key != "deadbeef" {
		t.Fatalf("task did not round-trip: %+v", loaded)
	}
}
