// Package playbooks manages versioned playbook definitions. Versions are
// immutable: an update publishes a new version and runs stay pinned to the
// version they started on.
package playbooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/execution/steps"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

type Service struct {
	store    repo.Store
	handlers HandlerChecker
	logger   *slog.Logger
	now      func() time.Time
}

func New(store repo.Store, handlers HandlerChecker, logger *slog.Logger) *Service {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Service{
		store:    store,
		handlers: handlers,
		logger:   logger,
		now:      time.Now,
	}
}

// Create stores version 1 of a new playbook. An empty ID is generated.
func (s *Service) Create(ctx context.Context, def domain.PlaybookDefinition, actor string) (domain.PlaybookDefinition, error) {
	def = normalize(def)
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.Version = 1
	def.Active = true
	def.CreatedAt = s.clock()
	def.CreatedBy = strings.TrimSpace(actor)
	if err := Validate(def, s.handlers); err != nil {
		return domain.PlaybookDefinition{}, err
	}

	err := s.store.Atomically(ctx, func(st repo.Stores) error {
		if _, err := st.Playbooks.GetPlaybook(ctx, def.ID, 0); err == nil {
			return domain.ConflictError("playbook %s already exists", def.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("get playbook: %w", err)
		}
		return s.insert(ctx, st, def)
	})
	if err != nil {
		return domain.PlaybookDefinition{}, err
	}
	s.logger.Info("playbook created", "playbook_id", def.ID, "version", def.Version, "steps", len(def.Steps), "actor", def.CreatedBy)
	return def, nil
}

// Update publishes def as the next version of an existing playbook. The new
// version is active.
func (s *Service) Update(ctx context.Context, id string, def domain.PlaybookDefinition, actor string) (domain.PlaybookDefinition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PlaybookDefinition{}, domain.ValidationErrorf("playbook id is required")
	}
	def = normalize(def)
	if def.ID != "" && def.ID != id {
		return domain.PlaybookDefinition{}, domain.ValidationErrorf("playbook id %q does not match %q", def.ID, id)
	}
	def.ID = id
	def.Active = true
	def.CreatedAt = s.clock()
	def.CreatedBy = strings.TrimSpace(actor)

	err := s.store.Atomically(ctx, func(st repo.Stores) error {
		latest, err := st.Playbooks.GetPlaybook(ctx, id, 0)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.NotFoundError("playbook", id)
			}
			return fmt.Errorf("get playbook: %w", err)
		}
		def.Version = latest.Version + 1
		if def.Name == "" {
			def.Name = latest.Name
		}
		if def.Category == "" {
			def.Category = latest.Category
		}
		if err := Validate(def, s.handlers); err != nil {
			return err
		}
		return s.insert(ctx, st, def)
	})
	if err != nil {
		return domain.PlaybookDefinition{}, err
	}
	s.logger.Info("playbook version published", "playbook_id", def.ID, "version", def.Version, "actor", def.CreatedBy)
	return def, nil
}

func (s *Service) insert(ctx context.Context, st repo.Stores, def domain.PlaybookDefinition) error {
	if err := st.Playbooks.CreatePlaybook(ctx, def); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.ConflictError("playbook %s version %d already exists", def.ID, def.Version)
		}
		return fmt.Errorf("create playbook: %w", err)
	}
	return nil
}

// Deactivate marks every version inactive. Runs already started are not
// affected; new runs are refused.
func (s *Service) Deactivate(ctx context.Context, id, actor string) (domain.PlaybookDefinition, error) {
	id = strings.TrimSpace(id)
	if err := s.store.Stores().Playbooks.SetPlaybookActive(ctx, id, false); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PlaybookDefinition{}, domain.NotFoundError("playbook", id)
		}
		return domain.PlaybookDefinition{}, fmt.Errorf("deactivate playbook: %w", err)
	}
	s.logger.Info("playbook deactivated", "playbook_id", id, "actor", strings.TrimSpace(actor))
	return s.Get(ctx, id, 0)
}

// Get returns the requested version, or the latest when version is 0.
func (s *Service) Get(ctx context.Context, id string, version int) (domain.PlaybookDefinition, error) {
	if version < 0 {
		return domain.PlaybookDefinition{}, domain.ValidationErrorf("version must not be negative")
	}
	def, err := s.store.Stores().Playbooks.GetPlaybook(ctx, strings.TrimSpace(id), version)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if version > 0 {
				return domain.PlaybookDefinition{}, domain.NotFoundError("playbook version", fmt.Sprintf("%s@%d", id, version))
			}
			return domain.PlaybookDefinition{}, domain.NotFoundError("playbook", id)
		}
		return domain.PlaybookDefinition{}, fmt.Errorf("get playbook: %w", err)
	}
	return def, nil
}

// GetPlaybook lets the service act as a read-only playbook source.
func (s *Service) GetPlaybook(ctx context.Context, id string, version int) (domain.PlaybookDefinition, error) {
	return s.store.Stores().Playbooks.GetPlaybook(ctx, id, version)
}

// List returns the latest version of every matching playbook.
func (s *Service) List(ctx context.Context, filter repo.PlaybookFilter) ([]domain.PlaybookDefinition, error) {
	out, err := s.store.Stores().Playbooks.ListPlaybooks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	return out, nil
}

func (s *Service) Versions(ctx context.Context, id string) ([]domain.PlaybookDefinition, error) {
	out, err := s.store.Stores().Playbooks.ListPlaybookVersions(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.NotFoundError("playbook", id)
		}
		return nil, fmt.Errorf("list playbook versions: %w", err)
	}
	return out, nil
}

// MatchTriggers returns the active playbooks whose trigger condition holds
// for event. Event fields are visible at the top level and under "event".
// Playbooks without a trigger never match.
func (s *Service) MatchTriggers(ctx context.Context, event domain.Metadata) ([]domain.PlaybookDefinition, error) {
	active, err := s.List(ctx, repo.PlaybookFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	env := steps.ConditionEnv("", event)
	env["event"] = map[string]any(event.Clone())

	matched := make([]domain.PlaybookDefinition, 0)
	for _, def := range active {
		trigger := strings.TrimSpace(def.TriggerCondition)
		if trigger == "" {
			continue
		}
		ok, err := steps.EvalCondition(trigger, env)
		if err != nil {
			s.logger.Warn("trigger evaluation failed", "playbook_id", def.ID, "version", def.Version, "error", err)
			continue
		}
		if ok {
			matched = append(matched, def)
		}
	}
	return matched, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func normalize(def domain.PlaybookDefinition) domain.PlaybookDefinition {
	def = def.Clone()
	def.ID = strings.TrimSpace(def.ID)
	def.Name = strings.TrimSpace(def.Name)
	def.Category = strings.TrimSpace(def.Category)
	def.TriggerCondition = strings.TrimSpace(def.TriggerCondition)
	for i := range def.Steps {
		step := &def.Steps[i]
		step.ID = strings.TrimSpace(step.ID)
		step.Name = strings.TrimSpace(step.Name)
		if t, ok := domain.ParseStepType(string(step.Type)); ok {
			step.Type = t
		}
		if step.ID == "" && step.Position > 0 {
			step.ID = fmt.Sprintf("step-%d", step.Position)
		}
	}
	return def
}
