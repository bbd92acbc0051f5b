package logparse

import (
	"strconv"
	"strings"
)

// NormalizeSeverity converts the severity spellings seen in telemetry payloads
// to consistent all caps short forms. Unknown values fall back to INFO.
func NormalizeSeverity(severity string) string {
	normalized := strings.ToUpper(strings.TrimSpace(severity))
	if normalized == "" {
		return ""
	}
	if n, err := strconv.Atoi(normalized); err == nil {
		return SeverityLevelToString(n)
	}

	switch normalized {
	case "TRACE", "TRAC", "TRC", "VERBOSE", "VRB":
		return "TRACE"
	case "DEBUG", "DEBU", "DBG", "DEB":
		return "DEBUG"
	case "INFO", "INFORMATION", "INFORMATIONAL", "INF":
		return "INFO"
	case "WARN", "WARNING", "WRNG", "WRN":
		return "WARN"
	case "ERROR", "ERR", "ERRO":
		return "ERROR"
	case "FATAL", "FATL", "FTL", "CRITICAL", "CRIT", "CRT", "PANIC":
		return "FATAL"
	default:
		if len(normalized) >= 4 {
			switch normalized[:4] {
			case "INFO":
				return "INFO"
			case "WARN":
				return "WARN"
			case "ERRO":
				return "ERROR"
			case "DEBU":
				return "DEBUG"
			case "TRAC", "VERB":
				return "TRACE"
			case "FATA", "CRIT":
				return "FATAL"
			}
		}
		return "INFO"
	}
}

// SeverityLevelToString converts the numeric SeverityLevel enum used by trace
// and exception telemetry (0 Verbose .. 4 Critical).
func SeverityLevelToString(level int) string {
	switch {
	case level <= 0:
		return "TRACE"
	case level == 1:
		return "INFO"
	case level == 2:
		return "WARN"
	case level == 3:
		return "ERROR"
	default:
		return "FATAL"
	}
}
