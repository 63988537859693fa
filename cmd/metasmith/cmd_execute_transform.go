package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/metasmith/internal/bootstrap"
	"github.com/antigravity-dev/metasmith/internal/workflow"
)

var (
	execWorkspace    string
	execStepIndex    int
	execTaskPath     string
	execPlanKey      string
	execTracebackDir string
	execStoreDB      string
)

var executeTransformCmd = &cobra.Command{
	Use:   "execute-transform",
	Short: "Bootstrap and run one step of a staged task",
	RunE:  runExecuteTransform,
}

func init() {
	f := executeTransformCmd.Flags()
	f.StringVar(&execWorkspace, "workspace", "", "relay workspace root (required)")
	f.IntVar(&execStepIndex, "step", 0, "1-based step index to execute (required)")
	f.StringVar(&execTaskPath, "task", "", "path to the staged task file (defaults to <workspace>/task.json)")
	f.StringVar(&execPlanKey, "plan-key", "", "plan key to report status under, if a store is configured")
	f.StringVar(&execTracebackDir, "traceback-dir", "", "directory to write a failed step's traceback to")
	f.StringVar(&execStoreDB, "store-db", "", "sqlite database recording plan step status, if any")
	executeTransformCmd.MarkFlagRequired("workspace")
	executeTransformCmd.MarkFlagRequired("step")
}

func runExecuteTransform(cmd *cobra.Command, args []string) error {
	if execStepIndex < 1 {
		return fmt.Errorf("execute-transform: --step must be >= 1")
	}
	taskPath := execTaskPath
	if taskPath == "" {
		taskPath = filepath.Join(execWorkspace, "task.json")
	}

	agent := bootstrap.New(execWorkspace, logger.With("command", "execute-transform"))

	if execStoreDB != "" {
		db, err := sql.Open("sqlite", execStoreDB)
		if err != nil {
			return fmt.Errorf("execute-transform: opening store db: %w", err)
		}
		defer db.Close()
		store := workflow.NewStore(db)
		ctx := context.Background()
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("execute-transform: preparing store schema: %w", err)
		}
		agent.Store = store
	}

	result, err := agent.RunStep(cmd.Context(), taskPath, execPlanKey, execStepIndex, execTracebackDir)
	if err != nil {
		return fmt.Errorf("execute-transform: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("execute-transform: step %d failed: %s", execStepIndex, result.Message)
	}
	return nil
}
