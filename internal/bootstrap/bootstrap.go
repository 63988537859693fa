// Package bootstrap implements the small state machine a staged agent runs
// through to execute exactly one step of a workflow plan: connect to its
// local relay, load the task it was staged with, resolve the step's
// execution context, run the transform's protocol, and report the result.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antigravity-dev/metasmith/internal/library"
	"github.com/antigravity-dev/metasmith/internal/relay"
	"github.com/antigravity-dev/metasmith/internal/workflow"
)

// Phase names the state machine's five stages, in the order a step always
// moves through them.
type Phase string

const (
	PhaseWaitingForRelay Phase = "WAITING_FOR_RELAY"
	PhaseLoadingTask     Phase = "LOADING_TASK"
	PhaseResolvingStep   Phase = "RESOLVING_STEP"
	PhaseExecuting       Phase = "EXECUTING"
	PhaseReport          Phase = "REPORT"
)

const relayPollInterval = 1 * time.Second

// taskLoadBackoff is the geometric retry schedule for reading a just-staged
// task file, riding through the race between staging and bootstrap start.
var taskLoadBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second,
	8 * time.Second, 16 * time.Second, 32 * time.Second,
}

// Agent drives one step's execution within a staged workspace.
type Agent struct {
	Workspace string
	Log       *slog.Logger
	Store     *workflow.Store // optional: when set, REPORT updates step status here

	phase Phase
	shell *relay.RemoteShell
}

// New returns an Agent rooted at workspace. log defaults to slog.Default()
// when nil.
func New(workspace string, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{Workspace: workspace, Log: log}
}

// Phase reports the state machine's current stage.
func (a *Agent) Phase() Phase { return a.phase }

func (a *Agent) relayServerPath() string {
	return filepath.Join(a.Workspace, "relay", "connections", "main.in")
}

// WaitForRelay polls relay/connections/main.in once per second, up to
// maxAttempts times (0 defaults to 10), and dials a RemoteShell against it
// as soon as it appears.
func (a *Agent) WaitForRelay(ctx context.Context, maxAttempts int) error {
	a.phase = PhaseWaitingForRelay
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	serverPath := a.relayServerPath()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := os.Stat(serverPath); err == nil {
			shell, err := relay.DialRemoteShell(serverPath, 15*time.Second)
			if err != nil {
				return fmt.Errorf("bootstrap: connecting to relay: %w", err)
			}
			a.shell = shell
			return nil
		}
		a.Log.Warn("waiting for relay to start", "attempt", attempt+1, "of", maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(relayPollInterval):
		}
	}
	return fmt.Errorf("bootstrap: server not started [%s]", serverPath)
}

// LoadTask reads a staged WorkflowTask, retrying with geometric backoff to
// ride through a race between a task file being written and this agent
// starting to read it.
func (a *Agent) LoadTask(ctx context.Context, taskPath string) (*workflow.WorkflowTask, error) {
	a.phase = PhaseLoadingTask

	var lastErr error
	for attempt := 0; ; attempt++ {
		task, err := workflow.LoadTask(taskPath)
		if err == nil {
			return task, nil
		}
		lastErr = err
		if attempt >= len(taskLoadBackoff) {
			break
		}
		a.Log.Warn("retrying task load", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(taskLoadBackoff[attempt]):
		}
	}
	return nil, fmt.Errorf("bootstrap: loading task %s: %w", taskPath, lastErr)
}

// ResolveStep looks up steps[stepIndex-1] (1-based, matching WorkflowStep.Order)
// and binds an ExecutionContext carrying its inputs/outputs and this
// agent's relay shell.
func (a *Agent) ResolveStep(task *workflow.WorkflowTask, stepIndex int) (*workflow.WorkflowStep, *library.ExecutionContext, error) {
	a.phase = PhaseResolvingStep
	if a.shell == nil {
		return nil, nil, fmt.Errorf("bootstrap: relay is not connected")
	}
	if stepIndex < 1 || stepIndex > len(task.Plan.Steps) {
		return nil, nil, fmt.Errorf("bootstrap: step index %d out of range (plan has %d steps)", stepIndex, len(task.Plan.Steps))
	}
	step := task.Plan.Steps[stepIndex-1]

	inputs := make(map[string]*library.DataInstance, len(step.Uses))
	for _, inst := range step.Uses {
		inputs[inst.Type.Name] = inst
	}
	outputs := make(map[string]*library.DataInstance, len(step.Produces))
	for _, inst := range step.Produces {
		outputs[inst.Type.Name] = inst
	}

	var definition string
	if step.Transform != nil {
		definition = step.Transform.Source
	}
	shellFunc := func(ctx context.Context, cmd string) ([]string, []string, error) {
		err := a.shell.Exec(ctx, cmd, 0)
		return nil, nil, err
	}
	execCtx := library.NewExecutionContext(inputs, outputs, definition, nil, shellFunc)
	return &step, execCtx, nil
}

// renderProtocol substitutes each "<name>" token in a transform's protocol
// template with the resolved path of the matching input or output instance.
func renderProtocol(protocol string, execCtx *library.ExecutionContext) string {
	for name, inst := range execCtx.Inputs {
		protocol = strings.ReplaceAll(protocol, "<"+name+">", inst.Source)
	}
	for name, inst := range execCtx.Outputs {
		protocol = strings.ReplaceAll(protocol, "<"+name+">", inst.Source)
	}
	return protocol
}

// Execute runs tr's protocol against execCtx. Any error is caught, a
// traceback-style record of it is written to tracebackPath, and a failed
// ExecutionResult is returned — it never propagates the error itself, since
// a failing transform must not crash the agent process.
func (a *Agent) Execute(ctx context.Context, tr *library.TransformInstance, execCtx *library.ExecutionContext, tracebackPath string) *library.ExecutionResult {
	a.phase = PhaseExecuting
	name := strings.TrimSuffix(filepath.Base(tr.Source), filepath.Ext(tr.Source))
	a.Log.Info("executing transform", "transform", name)

	cmd := renderProtocol(tr.Protocol, execCtx)
	_, _, err := execCtx.Shell(ctx, cmd)
	if err != nil {
		a.Log.Info("transform failed", "transform", name)
		a.Log.Error("error while executing transform", "transform", name, "error", err)
		if tracebackPath != "" {
			_ = os.WriteFile(tracebackPath, []byte(err.Error()), 0644)
		}
		return &library.ExecutionResult{Success: false, Message: err.Error()}
	}
	a.Log.Info("transform succeeded", "transform", name)
	return &library.ExecutionResult{Success: true}
}

// Report logs the step's outcome and, when a Store is configured, records
// it so a restarted bootstrap resumes instead of re-executing a finished
// step.
func (a *Agent) Report(ctx context.Context, planKey string, stepOrder int, result *library.ExecutionResult) error {
	a.phase = PhaseReport
	if result.Success {
		a.Log.Info("step reported success", "step", stepOrder)
	} else {
		a.Log.Info("step reported failure", "step", stepOrder, "message", result.Message)
	}

	if a.Store == nil {
		return nil
	}
	status := workflow.StatusDone
	if !result.Success {
		status = workflow.StatusFailed
	}
	return a.Store.MarkStatus(ctx, planKey, stepOrder, status)
}

// Dispose tears down the agent's relay connection, if any.
func (a *Agent) Dispose() {
	if a.shell != nil {
		a.shell.Dispose()
	}
}

// RunStep drives the full WAITING_FOR_RELAY -> REPORT state machine for one
// step of a staged task.
func (a *Agent) RunStep(ctx context.Context, taskPath string, planKey string, stepIndex int, tracebackDir string) (*library.ExecutionResult, error) {
	if err := a.WaitForRelay(ctx, 0); err != nil {
		return nil, err
	}
	defer a.Dispose()

	task, err := a.LoadTask(ctx, taskPath)
	if err != nil {
		return nil, err
	}

	step, execCtx, err := a.ResolveStep(task, stepIndex)
	if err != nil {
		return nil, err
	}
	if step.Transform == nil {
		return nil, fmt.Errorf("bootstrap: step %d has no bound transform", stepIndex)
	}

	tracebackPath := ""
	if tracebackDir != "" {
		tracebackPath = filepath.Join(tracebackDir, fmt.Sprintf("step-%03d.traceback", stepIndex))
	}
	result := a.Execute(ctx, step.Transform, execCtx, tracebackPath)

	if err := a.Report(ctx, planKey, step.Order, result); err != nil {
		return result, fmt.Errorf("bootstrap: reporting step %d: %w", stepIndex, err)
	}
	return result, nil
}
