// Package audit owns the per-run journal.
//
// Every state transition appends exactly one entry through Journal.Append,
// inside the same unit of work as the state change. Entries are numbered per
// run from 1 and chained with SHA-256 so any rewrite is detectable by Verify.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/platform/auditlog"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

// Journal builds and appends chained entries.
type Journal struct {
	now   func() time.Time
	newID func() string
}

func NewJournal(now func() time.Time) *Journal {
	if now == nil {
		now = time.Now
	}
	return &Journal{now: now, newID: uuid.NewString}
}

// Append writes the next entry for runID. Call it with transaction-bound
// stores so the entry commits with the transition it records.
func (j *Journal) Append(ctx context.Context, store repo.AuditRepository, runID, actor string, eventType domain.AuditEventType, payload domain.Metadata) (domain.AuditEntry, error) {
	if store == nil {
		return domain.AuditEntry{}, errors.New("audit repository is required")
	}
	runID = strings.TrimSpace(runID)
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = domain.ActorSystem
	}

	seq := int64(1)
	prev := ""
	last, err := store.LastAudit(ctx, runID)
	switch {
	case err == nil:
		seq = last.Sequence + 1
		prev = last.IntegritySHA256
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.AuditEntry{}, fmt.Errorf("read last audit entry: %w", err)
	}

	entry := domain.AuditEntry{
		ID:                  j.newID(),
		RunID:               runID,
		Sequence:            seq,
		Timestamp:           j.now().UTC().Truncate(time.Microsecond),
		Actor:               actor,
		EventType:           eventType,
		Payload:             payload.Clone(),
		PrevIntegritySHA256: prev,
	}
	event := eventFromEntry(entry)
	if err := event.Validate(); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("invalid audit entry: %w", err)
	}
	sum, err := auditlog.ComputeIntegritySHA256(event)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	entry.IntegritySHA256 = sum

	if err := store.AppendAudit(ctx, entry); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return entry, nil
}

func eventFromEntry(entry domain.AuditEntry) auditlog.Event {
	return auditlog.Event{
		RunID:               entry.RunID,
		Sequence:            entry.Sequence,
		OccurredAt:          entry.Timestamp,
		Actor:               entry.Actor,
		EventType:           string(entry.EventType),
		Payload:             entry.Payload,
		PrevIntegritySHA256: entry.PrevIntegritySHA256,
	}
}
