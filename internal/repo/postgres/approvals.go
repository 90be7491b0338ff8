package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

type ApprovalStore struct {
	db DB
}

const (
	approvalColumns = `approval_id, run_id, step_position, requested_at, resolved_at, resolution, resolved_by, notes`

	insertApprovalQuery = `INSERT INTO approval_requests (approval_id, run_id, step_position, requested_at)
	 VALUES ($1,$2,$3,$4)
	 ON CONFLICT (run_id, step_position) DO NOTHING
	 RETURNING ` + approvalColumns

	selectApprovalQuery = `SELECT ` + approvalColumns + ` FROM approval_requests WHERE approval_id = $1`

	selectApprovalByStepQuery = `SELECT ` + approvalColumns + `
	 FROM approval_requests
	 WHERE run_id = $1 AND step_position = $2`

	// Resolution is first-writer-wins; resolved rows are never rewritten.
	resolveApprovalQuery = `UPDATE approval_requests
	 SET resolution = $2, resolved_by = $3, notes = $4, resolved_at = $5
	 WHERE approval_id = $1 AND resolution IS NULL`
)

func NewApprovalStore(db DB) *ApprovalStore {
	if db == nil {
		return nil
	}
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) InsertApproval(ctx context.Context, request domain.ApprovalRequest) (domain.ApprovalRequest, bool, error) {
	if s == nil || s.db == nil {
		return domain.ApprovalRequest{}, false, fmt.Errorf("approval store not initialized")
	}
	runID := strings.TrimSpace(request.RunID)
	if runID == "" {
		return domain.ApprovalRequest{}, false, fmt.Errorf("run id is required")
	}
	id := strings.TrimSpace(request.ID)
	if id == "" {
		id = uuid.NewString()
	}
	inserted, err := scanApproval(s.db.QueryRowContext(
		ctx,
		insertApprovalQuery,
		id,
		runID,
		request.StepPosition,
		normalizeTime(request.RequestedAt),
	))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.ApprovalRequest{}, false, fmt.Errorf("insert approval: %w", err)
		}
		existing, err := s.GetApprovalByStep(ctx, runID, request.StepPosition)
		if err != nil {
			return domain.ApprovalRequest{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *ApprovalStore) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	if s == nil || s.db == nil {
		return domain.ApprovalRequest{}, fmt.Errorf("approval store not initialized")
	}
	return scanApproval(s.db.QueryRowContext(ctx, selectApprovalQuery, strings.TrimSpace(id)))
}

func (s *ApprovalStore) GetApprovalByStep(ctx context.Context, runID string, position int) (domain.ApprovalRequest, error) {
	if s == nil || s.db == nil {
		return domain.ApprovalRequest{}, fmt.Errorf("approval store not initialized")
	}
	return scanApproval(s.db.QueryRowContext(ctx, selectApprovalByStepQuery, strings.TrimSpace(runID), position))
}

func (s *ApprovalStore) ResolveApproval(ctx context.Context, request domain.ApprovalRequest) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not initialized")
	}
	if request.Resolution == "" {
		return fmt.Errorf("resolution is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		resolveApprovalQuery,
		strings.TrimSpace(request.ID),
		string(request.Resolution),
		nullIfEmpty(request.ResolvedBy),
		nullIfEmpty(request.Notes),
		nullTime(request.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetApproval(ctx, request.ID); err != nil {
			return err
		}
		return repo.ErrConflict
	}
	return nil
}

func (s *ApprovalStore) ListApprovals(ctx context.Context, filter repo.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("approval store not initialized")
	}
	query, args := buildListApprovalsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ApprovalRequest, 0)
	for rows.Next() {
		request, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return out, nil
}

func buildListApprovalsQuery(filter repo.ApprovalFilter) (string, []any) {
	args := make([]any, 0, 2)
	where := make([]string, 0, 2)
	if runID := strings.TrimSpace(filter.RunID); runID != "" {
		args = append(args, runID)
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.PendingOnly {
		where = append(where, "resolution IS NULL")
	}
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC, approval_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func scanApproval(row scanner) (domain.ApprovalRequest, error) {
	var (
		request                       domain.ApprovalRequest
		resolvedAt                    sql.NullTime
		resolution, resolvedBy, notes sql.NullString
	)
	if err := row.Scan(
		&request.ID,
		&request.RunID,
		&request.StepPosition,
		&request.RequestedAt,
		&resolvedAt,
		&resolution,
		&resolvedBy,
		&notes,
	); err != nil {
		return domain.ApprovalRequest{}, handleNotFound(err)
	}
	request.RequestedAt = request.RequestedAt.UTC()
	request.ResolvedAt = timePtr(resolvedAt)
	request.Resolution = domain.Resolution(resolution.String)
	request.ResolvedBy = resolvedBy.String
	request.Notes = notes.String
	return request, nil
}
