package duckdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinytelemetry/aiemu/internal/model"
)

const insertEnvelopeSQL = `INSERT INTO telemetry
	(received_at, event_time, name, ikey, base_type, role, severity, operation_id, source, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Append stores one envelope.
func (s *Store) Append(ctx context.Context, env *model.Envelope) error {
	if env == nil || len(env.Raw) == 0 {
		return errors.New("duckdb: append: empty envelope")
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, insertEnvelopeSQL, envelopeArgs(env)...); err != nil {
		return fmt.Errorf("duckdb: append: %w", err)
	}
	return nil
}

func envelopeArgs(env *model.Envelope) []interface{} {
	receivedAt := env.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	source := env.Source
	if source == "" {
		source = "http"
	}
	idx := env.Index
	return []interface{}{
		receivedAt.UTC(),
		nullTime(idx.EventTime),
		nullString(idx.Name),
		nullString(idx.IKey),
		nullString(idx.Type),
		nullString(idx.Role),
		nullString(idx.Severity),
		nullString(idx.OperationID),
		source,
		string(env.Raw),
	}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
