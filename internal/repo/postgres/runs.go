package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	runColumns = `run_id, playbook_id, playbook_version, status, current_step_position, context,
		created_at, created_by, started_at, completed_at, resume_after,
		aggregated_outcome, error_details, total_tokens_used, version`

	insertRunQuery = `INSERT INTO scenario_runs (` + runColumns + `)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM scenario_runs WHERE run_id = $1`

	// Identity columns are never written after insert and terminal runs are frozen.
	updateRunQuery = `UPDATE scenario_runs SET
		status = $3,
		current_step_position = $4,
		context = $5,
		started_at = $6,
		completed_at = $7,
		resume_after = $8,
		aggregated_outcome = $9,
		error_details = $10,
		total_tokens_used = $11,
		version = version + 1
	 WHERE run_id = $1 AND version = $2
	   AND status NOT IN ('completed', 'failed', 'canceled')`

	acquireAdvanceLockQuery = `UPDATE scenario_runs
	 SET lease_owner = $2, lease_until = $4
	 WHERE run_id = $1
	   AND (lease_owner IS NULL OR lease_owner = $2 OR lease_until < $3)`

	releaseAdvanceLockQuery = `UPDATE scenario_runs
	 SET lease_owner = NULL, lease_until = NULL
	 WHERE run_id = $1 AND lease_owner = $2`

	listDueRunsQuery = `SELECT ` + runColumns + `
	 FROM scenario_runs
	 WHERE status = 'running'
	   AND (resume_after IS NULL OR resume_after <= $1)
	   AND (lease_owner IS NULL OR lease_until < $1)
	 ORDER BY created_at ASC
	 LIMIT $2`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.ScenarioRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(run.PlaybookID) == "" || run.PlaybookVersion < 1 {
		return fmt.Errorf("run playbook pin is required")
	}
	args, err := runMutableArgs(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.PlaybookID),
		run.PlaybookVersion,
		args.status,
		run.CurrentStepPosition,
		args.context,
		normalizeTime(run.CreatedAt),
		nullIfEmpty(run.CreatedBy),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		nullTime(run.ResumeAfter),
		args.outcome,
		args.errorDetails,
		run.TotalTokensUsed,
		run.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.ScenarioRun, error) {
	if s == nil || s.db == nil {
		return domain.ScenarioRun{}, fmt.Errorf("run store not initialized")
	}
	return scanRun(s.db.QueryRowContext(ctx, selectRunQuery, strings.TrimSpace(id)))
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ScenarioRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args := buildListRunsQuery(filter)
	return s.queryRuns(ctx, query, args...)
}

func buildListRunsQuery(filter repo.RunFilter) (string, []any) {
	args := make([]any, 0, 3)
	where := make([]string, 0, 2)
	if playbookID := strings.TrimSpace(filter.PlaybookID); playbookID != "" {
		args = append(args, playbookID)
		where = append(where, fmt.Sprintf("playbook_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + runColumns + ` FROM scenario_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *RunStore) UpdateRun(ctx context.Context, run domain.ScenarioRun) (domain.ScenarioRun, error) {
	if s == nil || s.db == nil {
		return domain.ScenarioRun{}, fmt.Errorf("run store not initialized")
	}
	args, err := runMutableArgs(run)
	if err != nil {
		return domain.ScenarioRun{}, err
	}
	res, err := s.db.ExecContext(
		ctx,
		updateRunQuery,
		strings.TrimSpace(run.ID),
		run.Version,
		args.status,
		run.CurrentStepPosition,
		args.context,
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		nullTime(run.ResumeAfter),
		args.outcome,
		args.errorDetails,
		run.TotalTokensUsed,
	)
	if err != nil {
		return domain.ScenarioRun{}, fmt.Errorf("update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return domain.ScenarioRun{}, fmt.Errorf("update run: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return domain.ScenarioRun{}, err
		}
		return domain.ScenarioRun{}, repo.ErrConflict
	}
	updated := run.Clone()
	updated.Version = run.Version + 1
	return updated, nil
}

func (s *RunStore) AcquireAdvanceLock(ctx context.Context, runID, owner string, now, leaseUntil time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, acquireAdvanceLockQuery, strings.TrimSpace(runID), owner, now.UTC(), leaseUntil.UTC())
	if err != nil {
		return fmt.Errorf("acquire advance lock: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire advance lock: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return repo.ErrRunBusy
	}
	return nil
}

func (s *RunStore) ReleaseAdvanceLock(ctx context.Context, runID, owner string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, releaseAdvanceLockQuery, strings.TrimSpace(runID), owner); err != nil {
		return fmt.Errorf("release advance lock: %w", err)
	}
	return nil
}

func (s *RunStore) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]domain.ScenarioRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(ctx, listDueRunsQuery, now.UTC(), limit)
}

func (s *RunStore) queryRuns(ctx context.Context, query string, args ...any) ([]domain.ScenarioRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ScenarioRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

type runArgs struct {
	status       string
	context      []byte
	outcome      any
	errorDetails any
}

func runMutableArgs(run domain.ScenarioRun) (runArgs, error) {
	status := domain.NormalizeRunStatus(string(run.Status))
	if status == "" {
		return runArgs{}, fmt.Errorf("invalid run status %q", run.Status)
	}
	contextJSON, err := encodeMetadata(run.Context)
	if err != nil {
		return runArgs{}, fmt.Errorf("encode context: %w", err)
	}
	outcome, err := encodeOptionalMetadata(run.AggregatedOutcome)
	if err != nil {
		return runArgs{}, fmt.Errorf("encode outcome: %w", err)
	}
	var details any
	if run.ErrorDetails != nil {
		if details, err = json.Marshal(run.ErrorDetails); err != nil {
			return runArgs{}, fmt.Errorf("encode error details: %w", err)
		}
	}
	return runArgs{status: string(status), context: contextJSON, outcome: outcome, errorDetails: details}, nil
}

func scanRun(row scanner) (domain.ScenarioRun, error) {
	var (
		run                         domain.ScenarioRun
		status                      string
		contextRaw, outcomeRaw      []byte
		detailsRaw                  []byte
		createdBy                   sql.NullString
		startedAt, completedAt, due sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&run.PlaybookID,
		&run.PlaybookVersion,
		&status,
		&run.CurrentStepPosition,
		&contextRaw,
		&run.CreatedAt,
		&createdBy,
		&startedAt,
		&completedAt,
		&due,
		&outcomeRaw,
		&detailsRaw,
		&run.TotalTokensUsed,
		&run.Version,
	); err != nil {
		return domain.ScenarioRun{}, handleNotFound(err)
	}
	run.Status = domain.NormalizeRunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.CreatedBy = createdBy.String
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.ResumeAfter = timePtr(due)

	var err error
	if run.Context, err = decodeMetadata(contextRaw); err != nil {
		return domain.ScenarioRun{}, fmt.Errorf("decode context: %w", err)
	}
	if len(outcomeRaw) > 0 {
		if run.AggregatedOutcome, err = decodeMetadata(outcomeRaw); err != nil {
			return domain.ScenarioRun{}, fmt.Errorf("decode outcome: %w", err)
		}
	}
	if len(detailsRaw) > 0 {
		var details domain.ErrorDetails
		if err := json.Unmarshal(detailsRaw, &details); err != nil {
			return domain.ScenarioRun{}, fmt.Errorf("decode error details: %w", err)
		}
		run.ErrorDetails = &details
	}
	return run, nil
}
