package model

import "context"

// TelemetryQuery holds optional filters for envelope listings.
type TelemetryQuery struct {
	Type  string // data.baseType, e.g. RequestData
	Role  string // tags["ai.cloud.role"]
	IKey  string
	Limit int
}

// StoredEnvelope is an envelope read back from storage with its derived columns.
type StoredEnvelope struct {
	ID          int64                  `json:"id"`
	ReceivedAt  string                 `json:"receivedAt"`
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Role        string                 `json:"role"`
	Severity    string                 `json:"severity,omitempty"`
	OperationID string                 `json:"operationId,omitempty"`
	Source      string                 `json:"source"`
	Payload     map[string]interface{} `json:"payload"`
}

// TypeCount is the number of stored envelopes of one telemetry type.
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// EnvelopeWriter appends envelopes to durable storage. An envelope handed to
// Append must be visible to every later query once Append returns nil.
type EnvelopeWriter interface {
	Append(ctx context.Context, env *Envelope) error
}

// Publisher fans an accepted envelope out to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

// TelemetryQuerier provides read-only access to stored envelopes.
type TelemetryQuerier interface {
	TotalCount(ctx context.Context) (int64, error)
	RecentEnvelopes(ctx context.Context, q TelemetryQuery) ([]StoredEnvelope, error)
	CountsByType(ctx context.Context) ([]TypeCount, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts(ctx context.Context) (map[string]int64, error)
}

// ReadAPI is the unified read contract for the HTTP query surface.
type ReadAPI interface {
	TelemetryQuerier
	SchemaQuerier
}
