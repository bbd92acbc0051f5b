package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/aiemu/internal/logparse"
	"github.com/tinytelemetry/aiemu/internal/model"
)

// Telemetry types assigned to OTLP resource entries, which carry no baseType.
const (
	TypeOTLPLogs    = "OTLPLogs"
	TypeOTLPSpans   = "OTLPSpans"
	TypeOTLPMetrics = "OTLPMetrics"
)

// ExtractIndex derives the indexed columns of an envelope. It understands the
// Application Insights track envelope and the OTLP resource shapes produced
// by the gRPC receiver; unknown objects yield a mostly empty index.
func ExtractIndex(raw map[string]interface{}) model.EnvelopeIndex {
	if idx, ok := extractOTLPIndex(raw); ok {
		return idx
	}

	idx := model.EnvelopeIndex{
		Name: ExtractStringField(raw, "name"),
		IKey: ExtractStringField(raw, "iKey", "ikey", "instrumentationKey"),
	}
	if ts, ok := parseEventTime(raw["time"]); ok {
		idx.EventTime = ts
	}

	if tags, ok := raw["tags"].(map[string]interface{}); ok {
		idx.Role = ExtractStringField(tags, "ai.cloud.role")
		idx.OperationID = ExtractStringField(tags, "ai.operation.id")
	}

	if data, ok := raw["data"].(map[string]interface{}); ok {
		idx.Type = ExtractStringField(data, "baseType")
		if baseData, ok := data["baseData"].(map[string]interface{}); ok {
			if level := stringifyJSONValue(baseData["severityLevel"]); level != "" {
				idx.Severity = logparse.NormalizeSeverity(level)
			}
		}
	}
	if idx.Type == "" {
		idx.Type = typeFromName(idx.Name)
	}
	return idx
}

// typeFromName recovers the telemetry type from names such as
// "Microsoft.ApplicationInsights.<ikey>.Request".
func typeFromName(name string) string {
	if name == "" {
		return ""
	}
	last := name[strings.LastIndex(name, ".")+1:]
	switch last {
	case "Request", "Event", "Exception", "Message", "Metric", "PageView", "Availability":
		return last + "Data"
	case "RemoteDependency":
		return "RemoteDependencyData"
	}
	return ""
}

func extractOTLPIndex(raw map[string]interface{}) (model.EnvelopeIndex, bool) {
	var (
		typ    string
		scopes interface{}
		key    string
	)
	switch {
	case raw["scopeLogs"] != nil:
		typ, scopes, key = TypeOTLPLogs, raw["scopeLogs"], "logRecords"
	case raw["scopeSpans"] != nil:
		typ, scopes, key = TypeOTLPSpans, raw["scopeSpans"], "spans"
	case raw["scopeMetrics"] != nil:
		typ, scopes, key = TypeOTLPMetrics, raw["scopeMetrics"], "metrics"
	default:
		return model.EnvelopeIndex{}, false
	}

	attrs := parseOTELResourceAttributes(raw["resource"])
	idx := model.EnvelopeIndex{
		Type: typ,
		Name: "otlp." + strings.ToLower(strings.TrimPrefix(typ, "OTLP")),
		Role: extractServiceName(attrs),
	}

	first := firstScopeItem(scopes, key)
	if first == nil {
		return idx, true
	}
	if traceID := ExtractStringField(first, "traceId"); traceID != "" {
		idx.OperationID = traceID
	}
	for _, k := range []string{"timeUnixNano", "startTimeUnixNano", "observedTimeUnixNano"} {
		if ts, ok := parseTimeUnixNano(first[k]); ok {
			idx.EventTime = ts
			break
		}
	}
	if typ == TypeOTLPLogs {
		if text := ExtractStringField(first, "severityText"); text != "" {
			idx.Severity = logparse.NormalizeSeverity(text)
		} else if n := parseOTELSeverityNumber(first["severityNumber"]); n > 0 {
			idx.Severity = severityFromOTELNumber(n)
		}
	}
	return idx, true
}

func firstScopeItem(scopes interface{}, key string) map[string]interface{} {
	list, ok := scopes.([]interface{})
	if !ok {
		return nil
	}
	for _, s := range list {
		scope, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		items, ok := scope[key].([]interface{})
		if !ok || len(items) == 0 {
			continue
		}
		if item, ok := items[0].(map[string]interface{}); ok {
			return item
		}
	}
	return nil
}

func parseOTELResourceAttributes(value interface{}) map[string]string {
	resource, ok := value.(map[string]interface{})
	if !ok {
		return map[string]string{}
	}
	return parseOTELAttributes(resource["attributes"])
}

func parseOTELAttributes(value interface{}) map[string]string {
	out := map[string]string{}
	attributes, ok := value.([]interface{})
	if !ok {
		return out
	}

	for _, item := range attributes {
		attr, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		key := ExtractStringField(attr, "key")
		if key == "" {
			continue
		}
		val := extractOTELAnyValue(attr["value"])
		if val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

func extractOTELAnyValue(value interface{}) string {
	anyValue, ok := value.(map[string]interface{})
	if !ok {
		return stringifyJSONValue(value)
	}

	for _, key := range []string{"stringValue", "boolValue", "intValue", "doubleValue", "bytesValue"} {
		if val, ok := anyValue[key]; ok {
			return stringifyJSONValue(val)
		}
	}
	return stringifyJSONValue(anyValue)
}

func extractServiceName(attributes map[string]string) string {
	for _, key := range []string{"service.name", "service_name", "service", "app"} {
		if value := attributes[key]; value != "" {
			return value
		}
	}
	return ""
}

// parseEventTime accepts RFC 3339 strings, which is what the SDKs send.
func parseEventTime(value interface{}) (time.Time, bool) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func parseTimeUnixNano(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return time.Unix(0, n), true
		}
	case float64:
		if v > 0 {
			return time.Unix(0, int64(v)), true
		}
	}
	return time.Time{}, false
}

func parseOTELSeverityNumber(value interface{}) int {
	switch v := value.(type) {
	case float64:
		if v <= 0 {
			return 0
		}
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return 0
		}
		return n
	default:
		return 0
	}
}

func severityFromOTELNumber(number int) string {
	switch {
	case number >= 1 && number <= 4:
		return "TRACE"
	case number >= 5 && number <= 8:
		return "DEBUG"
	case number >= 9 && number <= 12:
		return "INFO"
	case number >= 13 && number <= 16:
		return "WARN"
	case number >= 17 && number <= 20:
		return "ERROR"
	case number >= 21:
		return "FATAL"
	default:
		return ""
	}
}

func stringifyJSONValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return fmt.Sprintf("%v", v)
	case json.Number:
		return v.String()
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return ""
}

// ExtractStringField returns the first non-empty string value found among the given keys.
func ExtractStringField(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if str := stringifyJSONValue(v); str != "" {
				return str
			}
		}
	}
	return ""
}
