package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	pgplatform "github.com/animus-labs/scenario-engine/internal/platform/postgres"
	"github.com/animus-labs/scenario-engine/internal/repo"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ repo.Store = (*Store)(nil)

// Store is the PostgreSQL backend. Repositories built from Stores run on the
// pool; Atomically binds them to a single transaction.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) Stores() repo.Stores {
	return storesFor(s.db)
}

func (s *Store) Atomically(ctx context.Context, fn func(repo.Stores) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store not initialized")
	}
	return pgplatform.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(storesFor(tx))
	})
}

func storesFor(db DB) repo.Stores {
	return repo.Stores{
		Playbooks: NewPlaybookStore(db),
		Runs:      NewRunStore(db),
		Steps:     NewStepRecordStore(db),
		Approvals: NewApprovalStore(db),
		Audit:     NewAuditStore(db),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies embedded migrations in filename order, once each.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		var applied bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		data, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = pgplatform.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		s.logger.Info("applied migration", "file", name)
	}
	return nil
}
