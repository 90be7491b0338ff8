package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is the hashed view of one journal entry.
type Event struct {
	RunID               string
	Sequence            int64
	OccurredAt          time.Time
	Actor               string
	EventType           string
	Payload             any
	PrevIntegritySHA256 string
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("RunID is required")
	}
	if e.Sequence < 1 {
		return errors.New("Sequence must be >= 1")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.EventType) == "" {
		return errors.New("EventType is required")
	}
	if e.Sequence > 1 && strings.TrimSpace(e.PrevIntegritySHA256) == "" {
		return errors.New("PrevIntegritySHA256 is required after the first entry")
	}
	return nil
}

// ComputeIntegritySHA256 hashes the entry together with its predecessor's
// hash, so rewriting any entry breaks every later one. Timestamps are hashed
// at microsecond precision to match what PostgreSQL stores.
func ComputeIntegritySHA256(event Event) (string, error) {
	type integrityInput struct {
		RunID      string          `json:"run_id"`
		Sequence   int64           `json:"sequence"`
		OccurredAt time.Time       `json:"occurred_at"`
		Actor      string          `json:"actor"`
		EventType  string          `json:"event_type"`
		Payload    json.RawMessage `json:"payload"`
		Prev       string          `json:"prev,omitempty"`
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	blob, err := json.Marshal(integrityInput{
		RunID:      strings.TrimSpace(event.RunID),
		Sequence:   event.Sequence,
		OccurredAt: event.OccurredAt.UTC().Truncate(time.Microsecond),
		Actor:      strings.TrimSpace(event.Actor),
		EventType:  strings.TrimSpace(event.EventType),
		Payload:    payloadJSON,
		Prev:       strings.TrimSpace(event.PrevIntegritySHA256),
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// ChainError reports the first entry whose hash or ordering does not verify.
type ChainError struct {
	Sequence int64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

// VerifyChain checks a run's entries in order. hashes[i] is the stored
// integrity hash of events[i].
func VerifyChain(events []Event, hashes []string) error {
	if len(events) != len(hashes) {
		return errors.New("events and hashes length mismatch")
	}
	prev := ""
	for i, event := range events {
		want := int64(i + 1)
		if event.Sequence != want {
			return &ChainError{Sequence: event.Sequence, Reason: fmt.Sprintf("expected sequence %d", want)}
		}
		if event.PrevIntegritySHA256 != prev {
			return &ChainError{Sequence: event.Sequence, Reason: "previous hash mismatch"}
		}
		sum, err := ComputeIntegritySHA256(event)
		if err != nil {
			return err
		}
		if sum != hashes[i] {
			return &ChainError{Sequence: event.Sequence, Reason: "integrity hash mismatch"}
		}
		prev = sum
	}
	return nil
}
