package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register sqlite3 driver
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`

	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

const (
	stepTableSchema = `CREATE TABLE IF NOT EXISTS plan_steps (
		plan_key TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		transform_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (plan_key, step_order)
	);`

	stepEdgesSchema = `CREATE TABLE IF NOT EXISTS plan_step_edges (
		plan_key TEXT NOT NULL,
		from_order INTEGER NOT NULL,
		to_order INTEGER NOT NULL,
		PRIMARY KEY (plan_key, from_order, to_order),
		FOREIGN KEY (plan_key, from_order) REFERENCES plan_steps(plan_key, step_order) ON DELETE CASCADE,
		FOREIGN KEY (plan_key, to_order) REFERENCES plan_steps(plan_key, step_order) ON DELETE CASCADE
	);`
)

const (
	insertStepSQL = `INSERT INTO plan_steps (plan_key, step_order, transform_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?);`

	updateStepStatusSQL = `UPDATE plan_steps SET status = ?, updated_at = ? WHERE plan_key = ? AND step_order = ?;`

	insertStepEdgeSQL = `INSERT OR IGNORE INTO plan_step_edges (plan_key, from_order, to_order) VALUES (?, ?, ?);`

	cycleCheckSQL = `
		WITH RECURSIVE reachable(step_order) AS (
			SELECT to_order FROM plan_step_edges WHERE plan_key = ? AND from_order = ?
			UNION ALL
			SELECT e.to_order
			FROM plan_step_edges e
			INNER JOIN reachable r ON e.from_order = r.step_order AND e.plan_key = ?
		)
		SELECT 1 FROM reachable WHERE step_order = ? LIMIT 1;`

	readySQL = `SELECT step_order, transform_key, status
		FROM plan_steps AS s
		WHERE s.plan_key = ?
		  AND s.status = ?
		  AND NOT EXISTS (
			SELECT 1
			FROM plan_step_edges e
			JOIN plan_steps dependency ON dependency.plan_key = e.plan_key AND dependency.step_order = e.from_order
			WHERE e.plan_key = s.plan_key
			  AND e.to_order = s.step_order
			  AND dependency.status != ?
		)
		ORDER BY s.step_order ASC;`
)

// StepStatus is one row of plan-execution bookkeeping: a step's position in
// the plan, the transform it runs, and its current lifecycle status.
type StepStatus struct {
	Order        int
	TransformKey string
	Status       string
}

// Store persists per-plan step execution state and the producer/consumer
// edges between steps, so an agent fleet can resume a partially-executed
// plan after a crash instead of re-deriving progress from memory.
//
// A Store is optional bookkeeping: WorkflowPlan itself stays a pure,
// serializable value that doesn't depend on one existing.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the store's tables if they don't already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow: store is not initialized")
	}
	ctx = sanitizeContext(ctx)
	if _, err := s.db.ExecContext(ctx, pragmaJournalModeWAL); err != nil {
		return fmt.Errorf("workflow: set journal mode WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, pragmaForeignKeysOn); err != nil {
		return fmt.Errorf("workflow: enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, stepTableSchema); err != nil {
		return fmt.Errorf("workflow: create plan_steps table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, stepEdgesSchema); err != nil {
		return fmt.Errorf("workflow: create plan_step_edges table: %w", err)
	}
	return nil
}

// RegisterPlan inserts one row per step of plan under planKey, all starting
// pending, then derives and inserts a producer -> consumer edge for every
// (earlier step, later step) pair whose produces/uses signatures intersect.
// It is safe to call once per freshly generated plan; calling it twice for
// the same planKey returns an error from the underlying unique constraint.
func (s *Store) RegisterPlan(ctx context.Context, planKey string, plan *WorkflowPlan) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow: store is not initialized")
	}
	ctx = sanitizeContext(ctx)
	now := time.Now().UTC()

	for _, step := range plan.Steps {
		if _, err := s.db.ExecContext(ctx, insertStepSQL, planKey, step.Order, step.TransformKey, StatusPending, now, now); err != nil {
			return fmt.Errorf("workflow: register step %d: %w", step.Order, err)
		}
	}

	for i, producer := range plan.Steps {
		for j, consumer := range plan.Steps {
			if i == j {
				continue
			}
			if !stepsConnected(producer, consumer) {
				continue
			}
			if err := s.AddEdge(ctx, planKey, producer.Order, consumer.Order); err != nil {
				return fmt.Errorf("workflow: linking step %d -> %d: %w", producer.Order, consumer.Order, err)
			}
		}
	}
	return nil
}

// stepsConnected reports whether any instance producer writes is the same
// instance (by content hash) some later step reads, meaning consumer must
// wait for producer.
func stepsConnected(producer, consumer WorkflowStep) bool {
	for _, out := range producer.Produces {
		for _, in := range consumer.Uses {
			if out.Hash() == in.Hash() {
				return true
			}
		}
	}
	return false
}

// AddEdge records that consumer depends on producer completing first,
// refusing the edge if it would create a cycle, mirroring the teacher's
// DAG.AddEdge/ensureNoCycle pair.
func (s *Store) AddEdge(ctx context.Context, planKey string, producerOrder, consumerOrder int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow: store is not initialized")
	}
	if producerOrder == consumerOrder {
		return fmt.Errorf("workflow: self-loop step edges are not allowed")
	}
	ctx = sanitizeContext(ctx)
	if err := s.ensureNoCycle(ctx, planKey, producerOrder, consumerOrder); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertStepEdgeSQL, planKey, producerOrder, consumerOrder)
	return err
}

func (s *Store) ensureNoCycle(ctx context.Context, planKey string, from, to int) error {
	var marker int
	err := s.db.QueryRowContext(ctx, cycleCheckSQL, planKey, to, planKey, from).Scan(&marker)
	if err == nil {
		return fmt.Errorf("workflow: linking step %d -> %d would create a cycle", from, to)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("workflow: cycle check: %w", err)
	}
	return nil
}

// MarkStatus updates a step's lifecycle status.
func (s *Store) MarkStatus(ctx context.Context, planKey string, order int, status string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow: store is not initialized")
	}
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
	default:
		return fmt.Errorf("workflow: unrecognized step status %q", status)
	}
	ctx = sanitizeContext(ctx)
	result, err := s.db.ExecContext(ctx, updateStepStatusSQL, status, time.Now().UTC(), planKey, order)
	if err != nil {
		return fmt.Errorf("workflow: update step %d status: %w", order, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow: update step %d status: %w", order, err)
	}
	if affected == 0 {
		return fmt.Errorf("workflow: plan %q step %d: not found", planKey, order)
	}
	return nil
}

// ReadyForExecution returns every pending step of planKey whose upstream
// producer steps have all finished, in step-order, giving bootstrap a
// durable cursor through the plan instead of re-deriving "what's next"
// from in-memory state every time.
func (s *Store) ReadyForExecution(ctx context.Context, planKey string) ([]StepStatus, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("workflow: store is not initialized")
	}
	ctx = sanitizeContext(ctx)
	rows, err := s.db.QueryContext(ctx, readySQL, planKey, StatusPending, StatusDone)
	if err != nil {
		return nil, fmt.Errorf("workflow: ready steps: %w", err)
	}
	defer rows.Close()

	var out []StepStatus
	for rows.Next() {
		var st StepStatus
		if err := rows.Scan(&st.Order, &st.TransformKey, &st.Status); err != nil {
			return nil, fmt.Errorf("workflow: scan ready step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: ready steps: %w", err)
	}
	return out, nil
}

func sanitizeContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
