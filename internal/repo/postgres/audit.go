package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

type AuditStore struct {
	db DB
}

const (
	auditColumns = `entry_id, run_id, sequence, occurred_at, actor, event_type, payload, prev_integrity_sha256, integrity_sha256`

	insertAuditQuery = `INSERT INTO run_audit_entries (` + auditColumns + `)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	selectLastAuditQuery = `SELECT ` + auditColumns + `
	 FROM run_audit_entries
	 WHERE run_id = $1
	 ORDER BY sequence DESC
	 LIMIT 1`

	listAuditByRunQuery = `SELECT ` + auditColumns + `
	 FROM run_audit_entries
	 WHERE run_id = $1
	 ORDER BY sequence ASC`
)

func NewAuditStore(db DB) *AuditStore {
	if db == nil {
		return nil
	}
	return &AuditStore{db: db}
}

func (s *AuditStore) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit store not initialized")
	}
	if strings.TrimSpace(entry.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if entry.Sequence < 1 {
		return fmt.Errorf("sequence must be >= 1")
	}
	if strings.TrimSpace(entry.IntegritySHA256) == "" {
		return fmt.Errorf("integrity sha256 is required")
	}
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := encodeMetadata(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertAuditQuery,
		id,
		strings.TrimSpace(entry.RunID),
		entry.Sequence,
		normalizeTime(entry.Timestamp),
		strings.TrimSpace(entry.Actor),
		string(entry.EventType),
		payload,
		nullIfEmpty(entry.PrevIntegritySHA256),
		entry.IntegritySHA256,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *AuditStore) LastAudit(ctx context.Context, runID string) (domain.AuditEntry, error) {
	if s == nil || s.db == nil {
		return domain.AuditEntry{}, fmt.Errorf("audit store not initialized")
	}
	return scanAudit(s.db.QueryRowContext(ctx, selectLastAuditQuery, strings.TrimSpace(runID)))
}

func (s *AuditStore) ListAudit(ctx context.Context, runID string) ([]domain.AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listAuditByRunQuery, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return out, nil
}

func scanAudit(row scanner) (domain.AuditEntry, error) {
	var (
		entry      domain.AuditEntry
		eventType  string
		payloadRaw []byte
		prev       sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&entry.RunID,
		&entry.Sequence,
		&entry.Timestamp,
		&entry.Actor,
		&eventType,
		&payloadRaw,
		&prev,
		&entry.IntegritySHA256,
	); err != nil {
		return domain.AuditEntry{}, handleNotFound(err)
	}
	entry.Timestamp = entry.Timestamp.UTC()
	entry.EventType = domain.AuditEventType(eventType)
	entry.PrevIntegritySHA256 = prev.String
	payload, err := decodeMetadata(payloadRaw)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("decode payload: %w", err)
	}
	entry.Payload = payload
	return entry, nil
}
