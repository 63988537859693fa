// Package emitter turns a finished workflow.WorkflowPlan into the files an
// external pipeline runner needs to actually execute it: one Nextflow
// script describing the transform chain as a DAG of processes, plus one
// per-step execution context file telling an agent's bootstrap what to run.
package emitter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/antigravity-dev/metasmith/internal/library"
	"github.com/antigravity-dev/metasmith/internal/workflow"
)

// ExecutionContext is the per-step file an agent's bootstrap loads to learn
// what to run: which instances it reads and writes, which transform
// definition to apply, and the working directory that resolves relative
// instance paths.
type ExecutionContext struct {
	Inputs       []*library.DataInstance `yaml:"inputs"`
	Outputs      []*library.DataInstance `yaml:"outputs"`
	TransformKey string                  `yaml:"transform_key"`
	WorkDir      string                  `yaml:"work_dir"`
}

// Save writes the context as YAML to path.
func (c *ExecutionContext) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("emitter: marshaling execution context: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("emitter: creating context directory: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}

const nextflowTemplate = `{{range .Processes}}process {{.Name}} {
{{- range .Publishes}}
    publishDir "$params.output", mode: "copy", pattern: "{{.}}"
{{- end}}
{{if .Publishes}}
{{end -}}
    input:
        path bootstrap
        path context
{{- range $i, $label := .InputLabels}}
        path _{{printf "%02d" (add1 $i)}} // {{$label}}
{{- end}}

    output:
{{- range .OutputPaths}}
        path "{{.}}"
{{- end}}

    script:
    """
    bash $bootstrap $context
    """
}

{{end -}}
workflow {
    bootstrap = Channel.fromPath("{{.Bootstrap}}")
{{- range .ContextChannels}}
    context_{{.Step}} = Channel.fromPath("{{.Path}}")
{{- end}}

{{range .GivenChannels}}    _{{.Var}} = Channel.fromPath("{{.Path}}") // {{.Type}}
{{end -}}
{{range .StepCalls}}    {{.OutputVars}} = {{.ProcessName}}({{.InputVars}})
{{end -}}}
`

var nextflowTmpl = template.Must(template.New("nextflow").Funcs(template.FuncMap{
	"add1": func(i int) int { return i + 1 },
}).Parse(nextflowTemplate))

type processDef struct {
	Name         string
	Publishes    []string
	InputLabels  []string
	OutputPaths  []string
}

type contextChannel struct {
	Step string
	Path string
}

type givenChannel struct {
	Var  string
	Path string
	Type string
}

type stepCall struct {
	OutputVars  string
	ProcessName string
	InputVars   string
}

type nextflowData struct {
	Processes       []processDef
	Bootstrap       string
	ContextChannels []contextChannel
	GivenChannels   []givenChannel
	StepCalls       []stepCall
}

// Layout describes where PrepareNextflow should write its outputs, split
// between a path the emitting process can read/write directly (WorkDir) and
// the path an executing agent will see the same files at (ExternalWorkDir)
// — they differ whenever the plan is staged on one host and run on another.
type Layout struct {
	WorkDir         string
	ExternalWorkDir string
}

// PrepareNextflow writes a workflow.nf script plus one execution context
// file per step under layout.WorkDir/metasmith, and returns the path to the
// generated script. Process definitions are deduplicated by transform key,
// matching a transform chain that reuses the same transform at several plan
// steps to a single Nextflow process invoked once per step.
func PrepareNextflow(plan *workflow.WorkflowPlan, layout Layout) (string, error) {
	metaDir := filepath.Join(layout.WorkDir, "metasmith")
	contextDir := filepath.Join(metaDir, "contexts")
	externalContextDir := filepath.Join(layout.ExternalWorkDir, "metasmith", "contexts")
	externalBootstrap := filepath.Join(layout.ExternalWorkDir, "metasmith", "msm_bootstrap")

	if err := os.MkdirAll(contextDir, 0755); err != nil {
		return "", fmt.Errorf("emitter: creating context directory: %w", err)
	}

	targets := make(map[*library.DataInstance]struct{}, len(plan.Targets))
	for _, t := range plan.Targets {
		targets[t] = struct{}{}
	}

	data := nextflowData{Bootstrap: externalBootstrap}
	seen := make(map[string]struct{})

	for _, step := range plan.Steps {
		name := processName(step)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			def := processDef{Name: name}
			for _, out := range step.Produces {
				if _, published := targets[out]; published {
					def.Publishes = append(def.Publishes, out.Source)
				}
			}
			for _, in := range step.Uses {
				def.InputLabels = append(def.InputLabels, typeLabel(in))
			}
			for _, out := range step.Produces {
				def.OutputPaths = append(def.OutputPaths, out.Source)
			}
			data.Processes = append(data.Processes, def)
		}

		stepKey := fmt.Sprintf("%03d", step.Order)
		ctx := &ExecutionContext{
			Inputs:       step.Uses,
			Outputs:      step.Produces,
			TransformKey: step.TransformKey,
			WorkDir:      layout.ExternalWorkDir,
		}
		contextPath := filepath.Join(contextDir, stepKey+".yml")
		if err := ctx.Save(contextPath); err != nil {
			return "", err
		}
		data.ContextChannels = append(data.ContextChannels, contextChannel{
			Step: stepKey,
			Path: filepath.Join(externalContextDir, stepKey+".yml"),
		})

		outputVars := make([]string, len(step.Produces))
		for i, out := range step.Produces {
			outputVars[i] = "_" + instanceVar(out)
		}
		outVars := strings.Join(outputVars, ", ")
		if len(outputVars) > 1 {
			outVars = "(" + outVars + ")"
		}
		inputVars := append([]string{"bootstrap", "context_" + stepKey}, varsFor(step.Uses)...)
		data.StepCalls = append(data.StepCalls, stepCall{
			OutputVars:  outVars,
			ProcessName: name,
			InputVars:   strings.Join(inputVars, ", "),
		})
	}

	for _, g := range plan.Given {
		data.GivenChannels = append(data.GivenChannels, givenChannel{
			Var:  instanceVar(g),
			Path: g.Source,
			Type: g.Type.Name,
		})
	}

	var buf bytes.Buffer
	if err := nextflowTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("emitter: rendering nextflow script: %w", err)
	}

	wfPath := filepath.Join(metaDir, "workflow.nf")
	if err := os.WriteFile(wfPath, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("emitter: writing nextflow script: %w", err)
	}
	return wfPath, nil
}

func processName(step workflow.WorkflowStep) string {
	base := step.TransformKey
	if step.Transform != nil {
		base = filepath.Base(strings.TrimSuffix(step.Transform.Source, filepath.Ext(step.Transform.Source)))
	}
	return fmt.Sprintf("%s__%s", sanitizeIdent(base), step.TransformKey)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func instanceVar(inst *library.DataInstance) string {
	return sanitizeIdent(inst.Hash()[:8])
}

func varsFor(instances []*library.DataInstance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = "_" + instanceVar(inst)
	}
	return out
}

func typeLabel(inst *library.DataInstance) string {
	return inst.Type.Name
}

// substituteParams replaces "<name>" tokens in template with the matching
// string value from config, used to resolve process script parameters
// (e.g. container resources) that a step's config overrides at stage time.
func substituteParams(tmpl string, config map[string]any) string {
	for k, v := range config {
		s, ok := v.(string)
		if !ok {
			continue
		}
		tmpl = strings.ReplaceAll(tmpl, "<"+k+">", s)
	}
	return tmpl
}

// SubstituteParams is the exported form substituteParams backs, applying a
// task's "nextflow"-scoped config overrides to a rendered script before it
// is handed to the runner.
func SubstituteParams(script string, task *workflow.WorkflowTask) string {
	if task == nil || task.Config == nil {
		return script
	}
	nf, ok := task.Config["nextflow"].(map[string]any)
	if !ok {
		return script
	}
	return substituteParams(script, nf)
}
