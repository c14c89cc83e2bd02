// Package store persists research runs and their step records in Postgres.
// The records are an audit trail; live runs are driven from memory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/observer"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrRunExists is returned when a run id is inserted twice.
var ErrRunExists = errors.New("run already exists")

const uniqueViolation = "23505"

type Store struct {
	DB     *sql.DB
	logger *zap.Logger
}

// RunRecord mirrors a research_runs row.
type RunRecord struct {
	ID          string          `json:"id"`
	Query       string          `json:"query"`
	Status      string          `json:"status"`
	FinalAnswer *string         `json:"final_answer,omitempty"`
	Error       *string         `json:"error,omitempty"`
	State       json.RawMessage `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StepRecord mirrors a research_steps row.
type StepRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	State      string    `json:"state"`
	Summary    string    `json:"summary"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

var (
	metricsOnce    sync.Once
	stepCounter    otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	stepCounter, metricsInitErr = meter.Int64Counter("research_steps_persisted_total")
}

// New opens the database described by cfg.
func New(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return NewWithDSN(ctx, dsn, logger)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an open handle.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{DB: db, logger: logger.Named("store")}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, id, query, status string) error {
	if id == "" {
		return fmt.Errorf("run_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO research_runs (id, query, status, created_at, updated_at) VALUES ($1,$2,$3,NOW(),NOW())`, id, query, status)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrRunExists, id)
	}
	return err
}

// SaveRunState snapshots the run state and status.
func (s *Store) SaveRunState(ctx context.Context, id, status string, state json.RawMessage) error {
	if id == "" {
		return fmt.Errorf("run_id must be provided")
	}
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE research_runs SET status=$2, state=$3, updated_at=NOW() WHERE id=$1`, id, status, []byte(state))
	return err
}

// FinishRun records the terminal status together with the answer or error.
func (s *Store) FinishRun(ctx context.Context, id, status string, finalAnswer, errMsg *string, state json.RawMessage) error {
	if id == "" {
		return fmt.Errorf("run_id must be provided")
	}
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE research_runs SET status=$2, final_answer=$3, error=$4, state=$5, updated_at=NOW() WHERE id=$1`,
		id, status, finalAnswer, errMsg, []byte(state))
	return err
}

// GetRun loads a run row. The boolean is false when no row exists.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	var (
		rec   RunRecord
		final sql.NullString
		msg   sql.NullString
		state []byte
	)
	err := s.DB.QueryRowContext(ctx, `SELECT id, query, status, final_answer, error, state, created_at, updated_at FROM research_runs WHERE id=$1`, id).
		Scan(&rec.ID, &rec.Query, &rec.Status, &final, &msg, &state, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	if final.Valid {
		rec.FinalAnswer = &final.String
	}
	if msg.Valid {
		rec.Error = &msg.String
	}
	rec.State = json.RawMessage(state)
	return rec, true, nil
}

// AppendStep inserts one step record.
func (s *Store) AppendStep(ctx context.Context, step observer.Step) error {
	if step.RunID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	ts := step.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO research_steps (run_id, state, summary, status, occurred_at) VALUES ($1,$2,$3,$4,$5)`,
		step.RunID, step.State, step.Summary, step.Status, ts)
	if err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil {
		stepCounter.Add(ctx, 1)
	}
	return nil
}

// ListSteps returns the step records of a run, oldest first.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, run_id, state, summary, status, occurred_at FROM research_steps WHERE run_id=$1 ORDER BY occurred_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.State, &rec.Summary, &rec.Status, &rec.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Observe persists step records as a side channel. Failures are logged
// and never reach the orchestrator.
func (s *Store) Observe(ctx context.Context, step observer.Step) {
	if err := s.AppendStep(ctx, step); err != nil {
		s.logger.Warn("persist step failed",
			zap.String("run_id", step.RunID),
			zap.String("state", step.State),
			zap.Error(err))
	}
}

var _ observer.Observer = (*Store)(nil)
