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

type StepRecordStore struct {
	db DB
}

const (
	stepRecordColumns = `record_id, run_id, step_position, step_id, step_type, status, started_at, completed_at, result, attempt_count, last_error, idempotency_key`

	insertStepRecordQuery = `INSERT INTO run_step_records (` + stepRecordColumns + `)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	 ON CONFLICT (run_id, step_position) DO NOTHING
	 RETURNING ` + stepRecordColumns

	selectStepRecordQuery = `SELECT ` + stepRecordColumns + `
	 FROM run_step_records
	 WHERE run_id = $1 AND step_position = $2`

	updateStepRecordQuery = `UPDATE run_step_records SET
		status = $3,
		started_at = $4,
		completed_at = $5,
		result = $6,
		attempt_count = $7,
		last_error = $8,
		idempotency_key = $9
	 WHERE run_id = $1 AND step_position = $2`

	listStepRecordsByRunQuery = `SELECT ` + stepRecordColumns + `
	 FROM run_step_records
	 WHERE run_id = $1
	 ORDER BY step_position ASC`
)

func NewStepRecordStore(db DB) *StepRecordStore {
	if db == nil {
		return nil
	}
	return &StepRecordStore{db: db}
}

func (s *StepRecordStore) InsertStepRecord(ctx context.Context, record domain.RunStepRecord) (domain.RunStepRecord, bool, error) {
	if s == nil || s.db == nil {
		return domain.RunStepRecord{}, false, fmt.Errorf("step record store not initialized")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return domain.RunStepRecord{}, false, fmt.Errorf("run id is required")
	}
	if record.Status == "" {
		return domain.RunStepRecord{}, false, fmt.Errorf("status is required")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	result, err := encodeOptionalMetadata(record.Result)
	if err != nil {
		return domain.RunStepRecord{}, false, fmt.Errorf("encode result: %w", err)
	}

	inserted, err := scanStepRecord(s.db.QueryRowContext(
		ctx,
		insertStepRecordQuery,
		id,
		runID,
		record.StepPosition,
		nullIfEmpty(record.StepID),
		string(record.StepType),
		string(record.Status),
		nullTime(record.StartedAt),
		nullTime(record.CompletedAt),
		result,
		record.AttemptCount,
		nullIfEmpty(record.LastError),
		nullIfEmpty(record.IdempotencyKey),
	))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.RunStepRecord{}, false, fmt.Errorf("insert step record: %w", err)
		}
		existing, err := s.GetStepRecord(ctx, runID, record.StepPosition)
		if err != nil {
			return domain.RunStepRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepRecordStore) GetStepRecord(ctx context.Context, runID string, position int) (domain.RunStepRecord, error) {
	if s == nil || s.db == nil {
		return domain.RunStepRecord{}, fmt.Errorf("step record store not initialized")
	}
	return scanStepRecord(s.db.QueryRowContext(ctx, selectStepRecordQuery, strings.TrimSpace(runID), position))
}

func (s *StepRecordStore) UpdateStepRecord(ctx context.Context, record domain.RunStepRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step record store not initialized")
	}
	result, err := encodeOptionalMetadata(record.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		updateStepRecordQuery,
		strings.TrimSpace(record.RunID),
		record.StepPosition,
		string(record.Status),
		nullTime(record.StartedAt),
		nullTime(record.CompletedAt),
		result,
		record.AttemptCount,
		nullIfEmpty(record.LastError),
		nullIfEmpty(record.IdempotencyKey),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("update step record: %w", err)
	}
	return expectOneRow(res, repo.ErrNotFound)
}

func (s *StepRecordStore) ListStepRecords(ctx context.Context, runID string) ([]domain.RunStepRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step record store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listStepRecordsByRunQuery, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.RunStepRecord, 0)
	for rows.Next() {
		record, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	return records, nil
}

func scanStepRecord(row scanner) (domain.RunStepRecord, error) {
	var (
		record                 domain.RunStepRecord
		stepID, lastError, key sql.NullString
		stepType, status       string
		startedAt, completedAt sql.NullTime
		resultRaw              []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.RunID,
		&record.StepPosition,
		&stepID,
		&stepType,
		&status,
		&startedAt,
		&completedAt,
		&resultRaw,
		&record.AttemptCount,
		&lastError,
		&key,
	); err != nil {
		return domain.RunStepRecord{}, handleNotFound(err)
	}
	record.StepID = stepID.String
	record.StepType = domain.StepType(stepType)
	record.Status = domain.StepStatus(status)
	record.StartedAt = timePtr(startedAt)
	record.CompletedAt = timePtr(completedAt)
	record.LastError = lastError.String
	record.IdempotencyKey = key.String
	if len(resultRaw) > 0 {
		result, err := decodeMetadata(resultRaw)
		if err != nil {
			return domain.RunStepRecord{}, fmt.Errorf("decode result: %w", err)
		}
		record.Result = result
	}
	return record, nil
}
