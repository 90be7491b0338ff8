package auditexport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
	"github.com/animus-labs/scenario-engine/internal/platform/objectstore"
)

// Archiver writes a run's full journal to object storage as one NDJSON object.
type Archiver struct {
	store  objectstore.Store
	bucket string
	prefix string
	now    func() time.Time
}

func NewArchiver(store objectstore.Store, bucket string, cfg Config) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Archiver{store: store, bucket: bucket, prefix: strings.Trim(cfg.ArchivePrefix, "/"), now: time.Now}, nil
}

// ObjectKey is stable per run and archive time.
func (a *Archiver) ObjectKey(runID string, at time.Time) string {
	name := fmt.Sprintf("audit-%s.ndjson", at.UTC().Format("20060102T150405Z"))
	return path.Join(a.prefix, runID, name)
}

func (a *Archiver) ArchiveRun(ctx context.Context, runID string, entries []domain.AuditEntry) (string, error) {
	if a == nil {
		return "", errors.New("archiver not initialized")
	}
	var buf bytes.Buffer
	if err := WriteAll(ctx, NewNDJSONExporter(&buf), entries); err != nil {
		return "", fmt.Errorf("encode audit journal: %w", err)
	}
	key := a.ObjectKey(runID, a.now())
	if err := a.store.Put(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("put audit archive: %w", err)
	}
	return key, nil
}
