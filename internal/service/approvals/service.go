// Package approvals implements approval gates on run steps.
//
// A request is created once per (run, step position) and resolved once.
// The resolution, its audit entry and the run state change applied by the
// ResolutionListener commit in one unit of work.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/platform/metrics"
	"github.com/animus-labs/scenario-engine/internal/repo"
	"github.com/animus-labs/scenario-engine/internal/service/audit"
)

// maxConflictRetries bounds re-reads after a lost run version race.
const maxConflictRetries = 3

// ResolutionListener applies a recorded resolution to the gated run using
// the stores of the resolving unit of work.
type ResolutionListener interface {
	ApplyApprovalResolution(ctx context.Context, stores repo.Stores, request domain.ApprovalRequest) error
}

type Service struct {
	store    repo.Store
	journal  *audit.Journal
	listener ResolutionListener
	metrics  *metrics.Recorder
	now      func() time.Time
	newID    func() string
}

func New(store repo.Store, journal *audit.Journal, recorder *metrics.Recorder) *Service {
	if store == nil || journal == nil {
		return nil
	}
	return &Service{
		store:   store,
		journal: journal,
		metrics: recorder,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetListener wires the orchestrator after both services exist.
func (s *Service) SetListener(listener ResolutionListener) {
	s.listener = listener
}

// Request creates the approval request for a step, or returns the existing
// one. It must run inside the caller's unit of work; the approval_requested
// entry is journaled only when the request is new.
func (s *Service) Request(ctx context.Context, stores repo.Stores, runID string, position int, actor string) (domain.ApprovalRequest, bool, error) {
	if strings.TrimSpace(runID) == "" {
		return domain.ApprovalRequest{}, false, domain.ValidationErrorf("run id is required")
	}
	req, created, err := stores.Approvals.InsertApproval(ctx, domain.ApprovalRequest{
		ID:           s.newID(),
		RunID:        runID,
		StepPosition: position,
		RequestedAt:  s.now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return domain.ApprovalRequest{}, false, fmt.Errorf("insert approval request: %w", err)
	}
	if !created {
		return req, false, nil
	}
	if _, err := s.journal.Append(ctx, stores.Audit, runID, actor, domain.AuditApprovalRequested, domain.Metadata{
		"request_id":    req.ID,
		"step_position": position,
	}); err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	return req, true, nil
}

// Resolve records a decision on a pending request. Late or duplicate
// resolutions fail with AlreadyResolvedError and change nothing.
func (s *Service) Resolve(ctx context.Context, requestID string, resolution domain.Resolution, resolvedBy, notes string) (domain.ApprovalRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.ApprovalRequest{}, domain.ValidationErrorf("approval request id is required")
	}
	parsed, ok := domain.ParseResolution(string(resolution))
	if !ok {
		return domain.ApprovalRequest{}, domain.ValidationErrorf("unknown resolution %q", resolution)
	}
	resolution = parsed
	resolvedBy = strings.TrimSpace(resolvedBy)
	if resolvedBy == "" {
		return domain.ApprovalRequest{}, domain.ValidationErrorf("resolved_by is required")
	}

	var resolved domain.ApprovalRequest
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		resolved, err = s.resolveOnce(ctx, requestID, resolution, resolvedBy, strings.TrimSpace(notes))
		if !errors.Is(err, repo.ErrConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.ApprovalRequest{}, domain.RunBusyError(resolved.RunID)
		}
		return domain.ApprovalRequest{}, err
	}
	s.metrics.ApprovalResolved(string(resolution))
	return resolved, nil
}

func (s *Service) resolveOnce(ctx context.Context, requestID string, resolution domain.Resolution, resolvedBy, notes string) (domain.ApprovalRequest, error) {
	var out domain.ApprovalRequest
	err := s.store.Atomically(ctx, func(stores repo.Stores) error {
		req, err := stores.Approvals.GetApproval(ctx, requestID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.NotFoundError("approval request", requestID)
			}
			return err
		}
		out = req
		if !req.IsPending() {
			return domain.AlreadyResolvedError(req.ID, req.Resolution)
		}
		out, err = s.resolveWithin(ctx, stores, req, resolution, resolvedBy, notes)
		if err != nil {
			return err
		}
		if s.listener != nil {
			return s.listener.ApplyApprovalResolution(ctx, stores, out)
		}
		return nil
	})
	return out, err
}

// ReleaseAsSkip resolves a pending request as skip inside the caller's unit
// of work without notifying the listener. Abort uses it so that no request
// outlives its run.
func (s *Service) ReleaseAsSkip(ctx context.Context, stores repo.Stores, req domain.ApprovalRequest, actor, reason string) (domain.ApprovalRequest, error) {
	if !req.IsPending() {
		return req, nil
	}
	if strings.TrimSpace(actor) == "" {
		actor = domain.ActorSystem
	}
	return s.resolveWithin(ctx, stores, req, domain.ResolutionSkip, actor, reason)
}

func (s *Service) resolveWithin(ctx context.Context, stores repo.Stores, req domain.ApprovalRequest, resolution domain.Resolution, resolvedBy, notes string) (domain.ApprovalRequest, error) {
	at := s.now().UTC().Truncate(time.Microsecond)
	req.Resolution = resolution
	req.ResolvedBy = resolvedBy
	req.Notes = notes
	req.ResolvedAt = &at
	if err := stores.Approvals.ResolveApproval(ctx, req); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.ApprovalRequest{}, domain.AlreadyResolvedError(req.ID, resolution)
		}
		return domain.ApprovalRequest{}, fmt.Errorf("resolve approval: %w", err)
	}
	payload := domain.Metadata{
		"request_id":    req.ID,
		"step_position": req.StepPosition,
		"resolution":    string(resolution),
	}
	if notes != "" {
		payload["notes"] = notes
	}
	if _, err := s.journal.Append(ctx, stores.Audit, req.RunID, resolvedBy, domain.AuditApprovalResolved, payload); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

func (s *Service) Get(ctx context.Context, requestID string) (domain.ApprovalRequest, error) {
	req, err := s.store.Stores().Approvals.GetApproval(ctx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ApprovalRequest{}, domain.NotFoundError("approval request", requestID)
		}
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

// ListPending returns unresolved requests, across all runs when runID is empty.
func (s *Service) ListPending(ctx context.Context, runID string, limit int) ([]domain.ApprovalRequest, error) {
	return s.store.Stores().Approvals.ListApprovals(ctx, repo.ApprovalFilter{RunID: runID, PendingOnly: true, Limit: limit})
}

func (s *Service) ListByRun(ctx context.Context, runID string) ([]domain.ApprovalRequest, error) {
	return s.store.Stores().Approvals.ListApprovals(ctx, repo.ApprovalFilter{RunID: runID})
}
