package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/metasmith/internal/emitter"
	"github.com/antigravity-dev/metasmith/internal/workflow"
)

var (
	stageTaskDir string
	stageForce   bool
	stageRunsDir string
)

var stageWorkflowCmd = &cobra.Command{
	Use:   "stage-workflow",
	Short: "Materialize a task bundle's plan at its canonical work location",
	RunE:  runStageWorkflow,
}

func init() {
	f := stageWorkflowCmd.Flags()
	f.StringVar(&stageTaskDir, "task-dir", "", "task bundle directory, containing task.json and plan.json (required)")
	f.BoolVar(&stageForce, "force", false, "re-stage even if the canonical work location already has a workflow script")
	f.StringVar(&stageRunsDir, "runs-dir", "./runs", "base directory holding one subdirectory per staged plan, keyed by plan key")
	stageWorkflowCmd.MarkFlagRequired("task-dir")
}

func runStageWorkflow(cmd *cobra.Command, args []string) error {
	plan, err := workflow.Load(filepath.Join(stageTaskDir, "plan.json"))
	if err != nil {
		return fmt.Errorf("stage-workflow: loading plan: %w", err)
	}

	workDir := filepath.Join(stageRunsDir, plan.Key)
	wfPath := filepath.Join(workDir, "metasmith", "workflow.nf")
	if !stageForce {
		if _, err := os.Stat(wfPath); err == nil {
			logger.Info("plan already staged, skipping", "plan_key", plan.Key, "work_dir", workDir)
			fmt.Println(wfPath)
			return nil
		}
	}

	layout := emitter.Layout{WorkDir: workDir, ExternalWorkDir: workDir}
	path, err := emitter.PrepareNextflow(plan, layout)
	if err != nil {
		return fmt.Errorf("stage-workflow: %w", err)
	}

	if task, err := workflow.LoadTask(filepath.Join(stageTaskDir, "task.json")); err == nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("stage-workflow: re-reading emitted script: %w", err)
		}
		substituted := emitter.SubstituteParams(string(raw), task)
		if err := os.WriteFile(path, []byte(substituted), 0644); err != nil {
			return fmt.Errorf("stage-workflow: applying param substitution: %w", err)
		}
	}

	logger.Info("staged workflow", "plan_key", plan.Key, "steps", plan.Len(), "path", path)
	fmt.Println(path)
	return nil
}
