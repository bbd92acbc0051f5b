package duckdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tinytelemetry/aiemu/internal/model"
	"go.uber.org/zap"
)

// maxQueryRows caps the rows returned by ExecuteQuery.
const maxQueryRows = 1000

// dangerousKeywordPattern matches dangerous SQL keywords at word boundaries.
// This avoids false positives like "RESET" matching "SET".
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT)\b`,
)

// blockCommentPattern matches C-style block comments (/* ... */).
var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// Errors returned by ExecuteQuery for rejected statements.
var (
	ErrMultipleStatements = errors.New("query must not contain semicolons")
	ErrNotReadOnly        = errors.New("only SELECT/WITH queries are allowed")
)

// stripSQLComments removes -- line comments and /* */ block comments from a query.
func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

// validateReadOnly rejects anything but a single SELECT or WITH statement.
func validateReadOnly(query string) error {
	if strings.Contains(query, ";") {
		return ErrMultipleStatements
	}
	stripped := strings.TrimSpace(stripSQLComments(query))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return ErrNotReadOnly
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}
	return nil
}

// TotalCount returns the number of stored envelopes.
func (s *Store) TotalCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM telemetry").Scan(&count); err != nil {
		return 0, fmt.Errorf("duckdb: total count: %w", err)
	}
	return count, nil
}

// RecentEnvelopes returns the newest envelopes first, optionally filtered by
// telemetry type, cloud role or instrumentation key.
func (s *Store) RecentEnvelopes(ctx context.Context, q model.TelemetryQuery) ([]model.StoredEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var (
		conditions []string
		args       []interface{}
	)
	if q.Type != "" {
		conditions = append(conditions, "base_type = ?")
		args = append(args, q.Type)
	}
	if q.Role != "" {
		conditions = append(conditions, "role = ?")
		args = append(args, q.Role)
	}
	if q.IKey != "" {
		conditions = append(conditions, "ikey = ?")
		args = append(args, q.IKey)
	}

	query := `SELECT id, received_at, COALESCE(name, ''), COALESCE(base_type, ''), COALESCE(role, ''),
		COALESCE(severity, ''), COALESCE(operation_id, ''), source, CAST(payload AS VARCHAR)
		FROM telemetry`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, clampLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duckdb: recent envelopes: %w", err)
	}
	defer rows.Close()

	results := make([]model.StoredEnvelope, 0)
	for rows.Next() {
		var (
			r          model.StoredEnvelope
			receivedAt time.Time
			payload    string
		)
		if err := rows.Scan(&r.ID, &receivedAt, &r.Name, &r.Type, &r.Role, &r.Severity, &r.OperationID, &r.Source, &payload); err != nil {
			s.logger.Warn("scan error", zap.String("query", "RecentEnvelopes"), zap.Error(err))
			continue
		}
		r.ReceivedAt = receivedAt.UTC().Format(time.RFC3339Nano)
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			s.logger.Warn("payload decode error", zap.Int64("id", r.ID), zap.Error(err))
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountsByType returns the number of envelopes per telemetry type, largest
// first. Envelopes without a type are reported as "unknown".
func (s *Store) CountsByType(ctx context.Context) ([]model.TypeCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(base_type, 'unknown') AS type, COUNT(*) AS count
		FROM telemetry
		GROUP BY type
		ORDER BY count DESC, type ASC`)
	if err != nil {
		return nil, fmt.Errorf("duckdb: counts by type: %w", err)
	}
	defer rows.Close()

	results := make([]model.TypeCount, 0)
	for rows.Next() {
		var tc model.TypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			s.logger.Warn("scan error", zap.String("query", "CountsByType"), zap.Error(err))
			continue
		}
		results = append(results, tc)
	}
	return results, rows.Err()
}

// DeleteBefore removes envelopes received before cutoff and returns how many
// were deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM telemetry WHERE received_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("duckdb: delete before: %w", err)
	}
	return res.RowsAffected()
}

// ExecuteQuery runs a single read-only statement and returns at most
// maxQueryRows rows.
func (s *Store) ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)
	if err := validateReadOnly(trimmed); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() && len(results) < maxQueryRows {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			s.logger.Warn("scan error", zap.String("query", "ExecuteQuery"), zap.Error(err))
			continue
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetSchemaDescription returns a human-readable description of the queryable schema.
func (s *Store) GetSchemaDescription() string {
	return `Table 'telemetry': id (BIGINT), received_at (TIMESTAMP), event_time (TIMESTAMP), ` +
		`name (VARCHAR), ikey (VARCHAR), base_type (VARCHAR: RequestData/RemoteDependencyData/` +
		`MessageData/ExceptionData/EventData/MetricData/PageViewData/AvailabilityData/OTLPLogs/OTLPSpans/OTLPMetrics), ` +
		`role (VARCHAR: ai.cloud.role), severity (VARCHAR: TRACE/DEBUG/INFO/WARN/ERROR/FATAL), ` +
		`operation_id (VARCHAR), source (VARCHAR: http/otlp/tcp), payload (JSON: full envelope). ` +
		`Views: requests, traces, exceptions.`
}

// TableRowCounts returns the row count for each known table using a hardcoded allowlist.
func (s *Store) TableRowCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	allowedTables := []string{"telemetry", "requests", "traces", "exceptions"}
	counts := make(map[string]int64, len(allowedTables))
	for _, table := range allowedTables {
		var count int64
		// Table names are hardcoded constants, not user input.
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			s.logger.Debug("row count failed", zap.String("table", table), zap.Error(err))
			continue
		}
		counts[table] = count
	}
	return counts, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return model.DefaultQueryLimit
	case limit > model.MaxQueryLimit:
		return model.MaxQueryLimit
	default:
		return limit
	}
}
