// Package workflow builds a concrete, serializable execution plan from a
// planner solution: an ordered list of steps, each binding a transform to
// the data instances it consumes and produces, plus the durable bookkeeping
// an agent fleet needs to resume a partially-executed plan.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/antigravity-dev/metasmith/internal/hashing"
	"github.com/antigravity-dev/metasmith/internal/library"
	"github.com/antigravity-dev/metasmith/internal/planner"
	"github.com/antigravity-dev/metasmith/internal/typesys"
)

// WorkflowStep is one application of a transform within a plan: the data
// instances it reads (Uses) and writes (Produces), in stable plan order.
type WorkflowStep struct {
	Order        int                     `json:"order"`
	TransformKey string                  `json:"transform_key"`
	Uses         []*library.DataInstance `json:"uses"`
	Produces     []*library.DataInstance `json:"produces"`
	Transform    *library.TransformInstance `json:"-"`
}

// RelinkTransform resolves Transform from a freshly loaded library by key,
// used after unpacking a plan whose transform pointers don't survive JSON.
func (s *WorkflowStep) RelinkTransform(byKey map[string]*library.TransformInstance) {
	s.Transform = byKey[s.TransformKey]
}

// WorkflowPlan is the full, serializable output of a planning run: the
// given (already available) instances, the target instances the plan
// produces, and the ordered steps connecting them. Key is a short,
// content-derived identifier stable across re-runs with identical inputs.
type WorkflowPlan struct {
	Given   []*library.DataInstance `json:"given"`
	Targets []*library.DataInstance `json:"targets"`
	Steps   []WorkflowStep          `json:"steps"`
	Key     string                  `json:"key"`
}

var planKeyGen = hashing.New(false)

func computeKey(given, targets []*library.DataInstance, steps []WorkflowStep) string {
	var buf string
	for _, inst := range given {
		buf += inst.Hash()
	}
	for _, inst := range targets {
		buf += inst.Hash()
	}
	for _, s := range steps {
		buf += s.TransformKey
	}
	return planKeyGen.FromStr(buf, 6)
}

// Len returns the number of steps in the plan.
func (p *WorkflowPlan) Len() int { return len(p.Steps) }

// Save writes the plan as indented JSON to path.
func (p *WorkflowPlan) Save(path string) error {
	raw, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

// Load reads a plan previously written by Save.
func Load(path string) (*WorkflowPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p WorkflowPlan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("workflow: decoding plan: %w", err)
	}
	return &p, nil
}

// OutputLocator resolves the filesystem path a transform's instance should
// write a given output dependency to, typically a staging path under a
// per-step work directory the emitter will later rewrite.
type OutputLocator func(tr *library.TransformInstance, dep *typesys.Dependency) string

// GenerateInput bundles everything Generate needs to turn a planner
// solution into a concrete WorkflowPlan: the data already on hand, the
// types the plan must ultimately produce, and the catalog of transforms
// (paired type-algebra model plus domain definition) available to the
// search.
type GenerateInput struct {
	Given      []*library.DataInstance
	Targets    []*library.DataType
	Transforms map[*typesys.Transform]*library.TransformInstance
	Locate     OutputLocator
}

// Generate runs the planner over the given/target/transform sets and
// converts the first accepted solution into a WorkflowPlan: every produced
// endpoint is minted a DataInstance whose Source comes from Locate, and
// step Uses/Produces lists are built in stable, deterministic order from
// the solution's dependency chain.
func Generate(ctx context.Context, ns *typesys.Namespace, p *planner.Planner, in GenerateInput) (*WorkflowPlan, error) {
	givenEndpoints := make(map[*typesys.Endpoint]typesys.Node, len(in.Given))
	instanceMap := make(map[*typesys.Endpoint]*library.DataInstance, len(in.Given))
	for _, inst := range in.Given {
		e := BuildEndpoint(ns, inst)
		givenEndpoints[e] = e
		instanceMap[e] = inst
	}

	target := ns.NewTransform()
	targetDeps := make([]*typesys.Dependency, len(in.Targets))
	for i, dt := range in.Targets {
		dep, err := target.AddRequirement(dt.AsProperties(), nil)
		if err != nil {
			return nil, fmt.Errorf("workflow: building target model: %w", err)
		}
		targetDeps[i] = dep
	}

	transformList := make([]*typesys.Transform, 0, len(in.Transforms))
	for t := range in.Transforms {
		transformList = append(transformList, t)
	}

	results, err := p.Solve(ctx, givenEndpoints, target, transformList)
	if err != nil {
		return nil, fmt.Errorf("workflow: failed to make plan: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("workflow: failed to make plan: no solutions")
	}
	solution := results[0]

	var steps []WorkflowStep
	for i, appl := range solution.DependencyPlan {
		tr, ok := in.Transforms[appl.Transform]
		if !ok {
			return nil, fmt.Errorf("workflow: plan referenced an unregistered transform")
		}
		for e, d := range appl.Produced {
			instanceMap[e] = &library.DataInstance{
				Source: in.Locate(tr, d),
				Type:   typeFromDependency(d),
			}
		}

		step := WorkflowStep{
			Order:        i + 1,
			TransformKey: tr.Key(),
			Transform:    tr,
		}
		for e := range appl.Used {
			step.Uses = append(step.Uses, instanceMap[e])
		}
		for e := range appl.Produced {
			step.Produces = append(step.Produces, instanceMap[e])
		}
		steps = append(steps, step)
	}

	producedToDep := make(map[*typesys.Dependency]*typesys.Endpoint, len(solution.Application.Used))
	for e, node := range solution.Application.Used {
		if dep, ok := node.(*typesys.Dependency); ok {
			producedToDep[dep] = e
		}
	}

	var targets []*library.DataInstance
	for _, dep := range targetDeps {
		producerEndpoint := producedToDep[dep]
		targets = append(targets, instanceMap[producerEndpoint])
	}

	plan := &WorkflowPlan{Given: in.Given, Targets: targets, Steps: steps}
	plan.Key = computeKey(in.Given, targets, steps)
	return plan, nil
}

// typeFromDependency builds an ad-hoc DataType carrying a produced
// dependency's property set, since a planner Dependency has no library
// identity of its own until a DataInstance is minted for it.
func typeFromDependency(d *typesys.Dependency) *library.DataType {
	props := make(map[string]any, len(d.Properties()))
	for p := range d.Properties() {
		props[p] = true
	}
	return &library.DataType{Name: d.Key(), Properties: props}
}

// WorkflowTask bundles a plan with the agent assigned to run it and any
// per-run configuration overrides, the unit staged into an agent's working
// directory for bootstrap to pick up.
type WorkflowTask struct {
	Plan   *WorkflowPlan  `json:"plan"`
	Agent  string         `json:"agent"`
	Config map[string]any `json:"config,omitempty"`
}

// Save writes the task as indented JSON to path.
func (t *WorkflowTask) Save(path string) error {
	raw, err := json.MarshalIndent(t, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

// LoadTask reads a task previously written by Save.
func LoadTask(path string) (*WorkflowTask, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t WorkflowTask
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("workflow: decoding task: %w", err)
	}
	return &t, nil
}
