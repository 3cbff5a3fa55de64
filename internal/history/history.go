// Package history persists completed pipeline runs to SQLite so past
// verdicts survive restarts and can be listed from the CLI and the API.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hdlci/coreci/internal/pipeline"
)

// ErrNotFound is returned when a run id has no recorded row.
var ErrNotFound = errors.New("run not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// RunSummary is the per-run row without its stage detail.
type RunSummary struct {
	ID          string           `json:"id"`
	Core        string           `json:"core"`
	ConfigHash  string           `json:"config_hash,omitempty"`
	Verdict     pipeline.Verdict `json:"verdict"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Record stores a finished run and all of its stage records in one
// transaction. configHash may be empty when the run was not driven by a
// locked config file.
func (s *Store) Record(ctx context.Context, res pipeline.Result, configHash string) error {
	if res.RunID == "" {
		return fmt.Errorf("run id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var hash any
	if configHash != "" {
		hash = configHash
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(id, core, config_hash, verdict, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?);
`, res.RunID, res.Core, hash, string(res.Verdict),
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for seq, rec := range res.Records {
		var outputPath, detail any
		if rec.OutputPath != "" {
			outputPath = rec.OutputPath
		}
		if rec.Detail != "" {
			detail = rec.Detail
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO stage_results(run_id, seq, branch, stage, outcome, exit_code, duration_ms, output_path, detail)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, res.RunID, seq, rec.Branch, rec.Stage, string(rec.Outcome), rec.ExitCode,
			rec.Duration.Milliseconds(), outputPath, detail)
		if err != nil {
			return fmt.Errorf("insert stage result %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Recent lists the newest runs first, at most limit rows.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, core, config_hash, verdict, started_at, completed_at
FROM runs
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		sum, err := scanSummary(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get loads one run and its stage records in recorded order.
func (s *Store) Get(ctx context.Context, id string) (RunSummary, []pipeline.StageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, core, config_hash, verdict, started_at, completed_at
FROM runs
WHERE id = ?;
`, id)
	sum, err := scanSummary(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, nil, ErrNotFound
	}
	if err != nil {
		return RunSummary{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT branch, stage, outcome, exit_code, duration_ms, output_path, detail
FROM stage_results
WHERE run_id = ?
ORDER BY seq ASC;
`, id)
	if err != nil {
		return RunSummary{}, nil, fmt.Errorf("load stage results: %w", err)
	}
	defer rows.Close()

	var recs []pipeline.StageRecord
	for rows.Next() {
		var (
			rec        pipeline.StageRecord
			outcome    string
			durationMS int64
			outputPath sql.NullString
			detail     sql.NullString
		)
		if err := rows.Scan(&rec.Branch, &rec.Stage, &outcome, &rec.ExitCode, &durationMS, &outputPath, &detail); err != nil {
			return RunSummary{}, nil, fmt.Errorf("scan stage result: %w", err)
		}
		rec.Outcome = pipeline.Outcome(outcome)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if outputPath.Valid {
			rec.OutputPath = outputPath.String
		}
		if detail.Valid {
			rec.Detail = detail.String
		}
		recs = append(recs, rec)
	}
	return sum, recs, rows.Err()
}

func scanSummary(scan func(dest ...any) error) (RunSummary, error) {
	var (
		sum        RunSummary
		configHash sql.NullString
		verdict    string
		startedS   string
		completedS string
	)
	if err := scan(&sum.ID, &sum.Core, &configHash, &verdict, &startedS, &completedS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunSummary{}, sql.ErrNoRows
		}
		return RunSummary{}, fmt.Errorf("scan run: %w", err)
	}
	sum.Verdict = pipeline.Verdict(verdict)
	if configHash.Valid {
		sum.ConfigHash = configHash.String
	}
	if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
		sum.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, completedS); err == nil {
		sum.CompletedAt = t
	}
	return sum, nil
}
