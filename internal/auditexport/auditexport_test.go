package auditexport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
)

type fakeStore struct {
	bucket, key, contentType string
	body                     []byte
}

func (s *fakeStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.bucket, s.key, s.contentType, s.body = bucket, key, contentType, data
	return nil
}

func (s *fakeStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.body)), nil
}

func entries() []domain.AuditEntry {
	ts := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return []domain.AuditEntry{
		{ID: "e1", RunID: "run-1", Sequence: 1, Timestamp: ts, Actor: "alice", EventType: domain.AuditCreated, Payload: domain.Metadata{"playbook_id": "pb"}, IntegritySHA256: "h1"},
		{ID: "e2", RunID: "run-1", Sequence: 2, Timestamp: ts.Add(time.Second), Actor: "system", EventType: domain.AuditCompleted, PrevIntegritySHA256: "h1", IntegritySHA256: "h2"},
	}
}

func TestNDJSONExporterWritesOneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAll(context.Background(), NewNDJSONExporter(&buf), entries()); err != nil {
		t.Fatalf("WriteAll() err=%v", err)
	}
	scanner := bufio.NewScanner(&buf)
	var lines []map[string]any
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["event_type"] != "created" || lines[1]["prev_integrity_sha256"] != "h1" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	if payload, ok := lines[1]["payload"].(map[string]any); !ok || len(payload) != 0 {
		t.Fatalf("expected empty payload object, got %v", lines[1]["payload"])
	}
}

func TestArchiverPutsJournal(t *testing.T) {
	store := &fakeStore{}
	archiver, err := NewArchiver(store, "run-audit", Config{Format: "ndjson", ArchivePrefix: "/runs/"})
	if err != nil {
		t.Fatalf("NewArchiver() err=%v", err)
	}
	archiver.now = func() time.Time { return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC) }

	key, err := archiver.ArchiveRun(context.Background(), "run-1", entries())
	if err != nil {
		t.Fatalf("ArchiveRun() err=%v", err)
	}
	if key != "runs/run-1/audit-20260201T100000Z.ndjson" || store.key != key {
		t.Fatalf("key=%q stored=%q", key, store.key)
	}
	if store.bucket != "run-audit" || store.contentType != "application/x-ndjson" {
		t.Fatalf("unexpected put %+v", store)
	}
	if strings.Count(string(store.body), "\n") != 2 {
		t.Fatalf("expected two ndjson lines, got %q", store.body)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Format: "csv"}).Validate(); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	if err := (Config{ArchivePrefix: "../escape"}).Validate(); err == nil {
		t.Fatalf("expected prefix error")
	}
}
