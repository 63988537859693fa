package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	execWFPlanKey string
	execWFRunsDir string
	execWFBinary  string
)

var executeWorkflowCmd = &cobra.Command{
	Use:   "execute-workflow",
	Short: "Invoke the external runner against a staged plan's canonical work location",
	RunE:  runExecuteWorkflow,
}

func init() {
	f := executeWorkflowCmd.Flags()
	f.StringVar(&execWFPlanKey, "plan-key", "", "plan key, identifying the staged work directory (required)")
	f.StringVar(&execWFRunsDir, "runs-dir", "./runs", "base directory holding one subdirectory per staged plan, keyed by plan key")
	f.StringVar(&execWFBinary, "runner", "nextflow", "external runner binary to invoke")
	executeWorkflowCmd.MarkFlagRequired("plan-key")
}

func runExecuteWorkflow(cmd *cobra.Command, args []string) error {
	wfPath := filepath.Join(execWFRunsDir, execWFPlanKey, "metasmith", "workflow.nf")
	if _, err := os.Stat(wfPath); err != nil {
		return fmt.Errorf("execute-workflow: plan %q was not staged: %w", execWFPlanKey, err)
	}

	runner := exec.CommandContext(cmd.Context(), execWFBinary, "run", wfPath)
	runner.Stdout = os.Stdout
	runner.Stderr = os.Stderr

	logger.Info("invoking external runner", "plan_key", execWFPlanKey, "path", wfPath, "runner", execWFBinary)
	if err := runner.Run(); err != nil {
		return fmt.Errorf("execute-workflow: %w", err)
	}
	return nil
}
