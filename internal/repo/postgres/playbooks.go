package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

type PlaybookStore struct {
	db DB
}

const (
	playbookColumns = `playbook_id, version, name, category, steps, trigger_condition, active, created_at, created_by`

	insertPlaybookQuery = `INSERT INTO playbooks (` + playbookColumns + `)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	selectPlaybookVersionQuery = `SELECT ` + playbookColumns + `
	 FROM playbooks
	 WHERE playbook_id = $1 AND version = $2`

	selectLatestPlaybookQuery = `SELECT ` + playbookColumns + `
	 FROM playbooks
	 WHERE playbook_id = $1
	 ORDER BY version DESC
	 LIMIT 1`

	listPlaybookVersionsQuery = `SELECT ` + playbookColumns + `
	 FROM playbooks
	 WHERE playbook_id = $1
	 ORDER BY version ASC`

	setPlaybookActiveQuery = `UPDATE playbooks SET active = $2 WHERE playbook_id = $1`
)

func NewPlaybookStore(db DB) *PlaybookStore {
	if db == nil {
		return nil
	}
	return &PlaybookStore{db: db}
}

func (s *PlaybookStore) CreatePlaybook(ctx context.Context, playbook domain.PlaybookDefinition) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("playbook store not initialized")
	}
	id := strings.TrimSpace(playbook.ID)
	if id == "" {
		return fmt.Errorf("playbook id is required")
	}
	if playbook.Version < 1 {
		return fmt.Errorf("playbook version must be >= 1")
	}
	stepsJSON, err := json.Marshal(playbook.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertPlaybookQuery,
		id,
		playbook.Version,
		strings.TrimSpace(playbook.Name),
		nullIfEmpty(playbook.Category),
		stepsJSON,
		nullIfEmpty(playbook.TriggerCondition),
		playbook.Active,
		normalizeTime(playbook.CreatedAt),
		nullIfEmpty(playbook.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert playbook: %w", err)
	}
	return nil
}

func (s *PlaybookStore) GetPlaybook(ctx context.Context, id string, version int) (domain.PlaybookDefinition, error) {
	if s == nil || s.db == nil {
		return domain.PlaybookDefinition{}, fmt.Errorf("playbook store not initialized")
	}
	id = strings.TrimSpace(id)
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, selectPlaybookVersionQuery, id, version)
	} else {
		row = s.db.QueryRowContext(ctx, selectLatestPlaybookQuery, id)
	}
	return scanPlaybook(row)
}

func (s *PlaybookStore) ListPlaybooks(ctx context.Context, filter repo.PlaybookFilter) ([]domain.PlaybookDefinition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("playbook store not initialized")
	}
	query, args := buildListPlaybooksQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PlaybookDefinition, 0)
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	return out, nil
}

func buildListPlaybooksQuery(filter repo.PlaybookFilter) (string, []any) {
	args := make([]any, 0, 3)
	where := make([]string, 0, 3)
	if name := strings.TrimSpace(filter.Name); name != "" {
		args = append(args, name)
		where = append(where, fmt.Sprintf("lower(name) = lower($%d)", len(args)))
	}
	if category := strings.TrimSpace(filter.Category); category != "" {
		args = append(args, category)
		where = append(where, fmt.Sprintf("lower(category) = lower($%d)", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "active")
	}

	query := `SELECT ` + playbookColumns + ` FROM (
		SELECT DISTINCT ON (playbook_id) ` + playbookColumns + `
		FROM playbooks
		ORDER BY playbook_id, version DESC
	) latest`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, playbook_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *PlaybookStore) ListPlaybookVersions(ctx context.Context, id string) ([]domain.PlaybookDefinition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("playbook store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listPlaybookVersionsQuery, strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("list playbook versions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PlaybookDefinition, 0)
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list playbook versions: %w", err)
	}
	if len(out) == 0 {
		return nil, repo.ErrNotFound
	}
	return out, nil
}

func (s *PlaybookStore) SetPlaybookActive(ctx context.Context, id string, active bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("playbook store not initialized")
	}
	res, err := s.db.ExecContext(ctx, setPlaybookActiveQuery, strings.TrimSpace(id), active)
	if err != nil {
		return fmt.Errorf("set playbook active: %w", err)
	}
	return expectOneRow(res, repo.ErrNotFound)
}

func scanPlaybook(row scanner) (domain.PlaybookDefinition, error) {
	var (
		pb        domain.PlaybookDefinition
		category  sql.NullString
		stepsRaw  []byte
		trigger   sql.NullString
		createdBy sql.NullString
	)
	if err := row.Scan(
		&pb.ID,
		&pb.Version,
		&pb.Name,
		&category,
		&stepsRaw,
		&trigger,
		&pb.Active,
		&pb.CreatedAt,
		&createdBy,
	); err != nil {
		return domain.PlaybookDefinition{}, handleNotFound(err)
	}
	if len(stepsRaw) > 0 {
		if err := json.Unmarshal(stepsRaw, &pb.Steps); err != nil {
			return domain.PlaybookDefinition{}, fmt.Errorf("decode steps: %w", err)
		}
	}
	pb.Category = category.String
	pb.TriggerCondition = trigger.String
	pb.CreatedBy = createdBy.String
	pb.CreatedAt = pb.CreatedAt.UTC()
	return pb, nil
}
