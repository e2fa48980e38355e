package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/mirage/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// Store manages the PostgreSQL connection holding attack runs and their loss traces.
type Store struct {
	conn *pgx.Conn
}

// Run is one persisted attack.
type Run struct {
	ID             string
	ImageID        string
	ImagePath      string
	Target         int
	Epsilon        float64
	LearningRate   float64
	MaxIterations  int
	SamplesPerStep int
	Distribution   string
	Seed           uint64
	Iterations     int
	FinalLoss      float64
	StopReason     string
	Note           string
	OutputPath     string
	CreatedAt      time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS attack_runs (
			id UUID PRIMARY KEY,
			image_id TEXT NOT NULL,
			image_path TEXT NOT NULL,
			target_label INT NOT NULL,
			epsilon DOUBLE PRECISION NOT NULL,
			learning_rate DOUBLE PRECISION NOT NULL,
			max_iterations INT NOT NULL,
			samples_per_step INT NOT NULL,
			distribution TEXT NOT NULL,
			seed BIGINT NOT NULL,
			iterations INT NOT NULL,
			final_loss DOUBLE PRECISION NOT NULL,
			stop_reason TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			output_path TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS loss_trace (
			run_id UUID REFERENCES attack_runs(id) ON DELETE CASCADE,
			iteration INT NOT NULL,
			loss DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (run_id, iteration)
		);
		CREATE INDEX IF NOT EXISTS attack_runs_image_id_idx ON attack_runs (image_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveRun stores the run and its trace in one transaction and returns the run id. A new id is
// generated when run.ID is empty.
func (s *Store) SaveRun(ctx context.Context, run Run, trace []types.TracePoint) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	} else if _, err := uuid.Parse(run.ID); err != nil {
		return "", fmt.Errorf("invalid run id %q: %w", run.ID, err)
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO attack_runs (id, image_id, image_path, target_label, epsilon, learning_rate,
			max_iterations, samples_per_step, distribution, seed, iterations, final_loss, stop_reason,
			note, output_path)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, run.ID, run.ImageID, run.ImagePath, run.Target, run.Epsilon, run.LearningRate,
		run.MaxIterations, run.SamplesPerStep, run.Distribution, int64(run.Seed), run.Iterations,
		run.FinalLoss, run.StopReason, run.Note, run.OutputPath)
	if err != nil {
		return "", err
	}

	if len(trace) > 0 {
		runID, _ := uuid.Parse(run.ID)
		rows := make([][]any, len(trace))
		for i, p := range trace {
			rows[i] = []any{runID, p.Iteration, p.Loss}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"loss_trace"}, []string{"run_id", "iteration", "loss"}, pgx.CopyFromRows(rows)); err != nil {
			return "", fmt.Errorf("failed to store loss trace: %w", err)
		}
	}

	return run.ID, tx.Commit(ctx)
}

const runColumns = `id::text, image_id, image_path, target_label, epsilon, learning_rate,
	max_iterations, samples_per_step, distribution, seed, iterations, final_loss, stop_reason, note,
	output_path, created_at`

func scanRun(row pgx.Row) (Run, error) {
	var r Run
	var seed int64
	err := row.Scan(&r.ID, &r.ImageID, &r.ImagePath, &r.Target, &r.Epsilon, &r.LearningRate,
		&r.MaxIterations, &r.SamplesPerStep, &r.Distribution, &seed, &r.Iterations, &r.FinalLoss,
		&r.StopReason, &r.Note, &r.OutputPath, &r.CreatedAt)
	r.Seed = uint64(seed)
	return r, err
}

// ListRuns returns the most recent runs first. limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM attack_runs ORDER BY created_at DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches a single run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q is not a run id", ErrRunNotFound, id)
	}
	r, err := scanRun(s.conn.QueryRow(ctx, "SELECT "+runColumns+" FROM attack_runs WHERE id = $1::uuid", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetTrace returns the loss trace of a run ordered by iteration.
func (s *Store) GetTrace(ctx context.Context, id string) ([]types.TracePoint, error) {
	rows, err := s.conn.Query(ctx, "SELECT iteration, loss FROM loss_trace WHERE run_id = $1::uuid ORDER BY iteration", id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TracePoint, error) {
		var p types.TracePoint
		err := row.Scan(&p.Iteration, &p.Loss)
		return p, err
	})
}

// LabelRun attaches a free-form note to a run.
func (s *Store) LabelRun(ctx context.Context, id, note string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q is not a run id", ErrRunNotFound, id)
	}
	tag, err := s.conn.Exec(ctx, "UPDATE attack_runs SET note = $1 WHERE id = $2::uuid", note, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS loss_trace CASCADE;
		DROP TABLE IF EXISTS attack_runs CASCADE;
	`)
	return err
}
