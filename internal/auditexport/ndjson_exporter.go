package auditexport

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/animus-labs/scenario-engine/internal/domain"
)

// Exporter sends audit entries to external systems.
type Exporter interface {
	Export(ctx context.Context, entry domain.AuditEntry) error
}

// NDJSONExporter writes audit entries as newline-delimited JSON.
type NDJSONExporter struct {
	enc *json.Encoder
}

func NewNDJSONExporter(w io.Writer) *NDJSONExporter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONExporter{enc: enc}
}

func (e *NDJSONExporter) Export(ctx context.Context, entry domain.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.enc.Encode(exportEntryFromDomain(entry))
}

// WriteAll exports entries in order and stops at the first failure.
func WriteAll(ctx context.Context, exporter Exporter, entries []domain.AuditEntry) error {
	for _, entry := range entries {
		if err := exporter.Export(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

type exportEntry struct {
	EntryID             string          `json:"entry_id"`
	RunID               string          `json:"run_id"`
	Sequence            int64           `json:"sequence"`
	Timestamp           string          `json:"timestamp"`
	Actor               string          `json:"actor"`
	EventType           string          `json:"event_type"`
	Payload             json.RawMessage `json:"payload"`
	PrevIntegritySHA256 string          `json:"prev_integrity_sha256,omitempty"`
	IntegritySHA256     string          `json:"integrity_sha256"`
}

func exportEntryFromDomain(entry domain.AuditEntry) exportEntry {
	payload := entry.Payload
	if payload == nil {
		payload = domain.Metadata{}
	}
	raw, _ := json.Marshal(payload)
	return exportEntry{
		EntryID:             entry.ID,
		RunID:               entry.RunID,
		Sequence:            entry.Sequence,
		Timestamp:           entry.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:               entry.Actor,
		EventType:           string(entry.EventType),
		Payload:             raw,
		PrevIntegritySHA256: entry.PrevIntegritySHA256,
		IntegritySHA256:     entry.IntegritySHA256,
	}
}
