package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/animus-labs/scenario-engine/internal/auditexport"
	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/platform/auditlog"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

// Archiver copies a finished run's journal to long-term storage.
type Archiver interface {
	ArchiveRun(ctx context.Context, runID string, entries []domain.AuditEntry) (string, error)
}

// Service is the read side of the journal plus archiving.
type Service struct {
	stores   repo.Stores
	archiver Archiver
	logger   *slog.Logger
}

// New returns a read service. archiver may be nil when object storage is off.
func New(stores repo.Stores, archiver Archiver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Service{stores: stores, archiver: archiver, logger: logger}
}

// List returns the run's entries in sequence order.
func (s *Service) List(ctx context.Context, runID string) ([]domain.AuditEntry, error) {
	if _, err := s.stores.Runs.GetRun(ctx, runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.NotFoundError("run", runID)
		}
		return nil, err
	}
	return s.stores.Audit.ListAudit(ctx, runID)
}

// Verify recomputes the integrity chain of a run.
func (s *Service) Verify(ctx context.Context, runID string) error {
	entries, err := s.List(ctx, runID)
	if err != nil {
		return err
	}
	return VerifyEntries(entries)
}

func VerifyEntries(entries []domain.AuditEntry) error {
	events := make([]auditlog.Event, len(entries))
	hashes := make([]string, len(entries))
	for i, entry := range entries {
		events[i] = eventFromEntry(entry)
		hashes[i] = entry.IntegritySHA256
	}
	return auditlog.VerifyChain(events, hashes)
}

// Export streams the run's journal as NDJSON.
func (s *Service) Export(ctx context.Context, runID string, w io.Writer) error {
	entries, err := s.List(ctx, runID)
	if err != nil {
		return err
	}
	return auditexport.WriteAll(ctx, auditexport.NewNDJSONExporter(w), entries)
}

// ArchiveBestEffort uploads the journal of a terminal run. Failures are
// logged and swallowed.
func (s *Service) ArchiveBestEffort(ctx context.Context, runID string) {
	if s == nil || s.archiver == nil {
		return
	}
	entries, err := s.stores.Audit.ListAudit(ctx, runID)
	if err != nil {
		s.logger.Warn("audit archive skipped", "run_id", runID, "error", err)
		return
	}
	key, err := s.archiver.ArchiveRun(ctx, runID, entries)
	if err != nil {
		s.logger.Warn("audit archive failed", "run_id", runID, "error", fmt.Errorf("archive run: %w", err))
		return
	}
	s.logger.Info("audit archived", "run_id", runID, "object_key", key, "entries", len(entries))
}
