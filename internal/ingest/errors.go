package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotObject is recorded for a telemetry item that is not a JSON object.
var ErrNotObject = errors.New("telemetry item must be a JSON object")

// DecodeErrorKind classifies request-level decode failures.
type DecodeErrorKind int

const (
	KindDecompression DecodeErrorKind = iota + 1
	KindParse
	KindUnsupportedEncoding
	KindTooLarge
)

func (k DecodeErrorKind) String() string {
	switch k {
	case KindDecompression:
		return "decompression"
	case KindParse:
		return "parse"
	case KindUnsupportedEncoding:
		return "unsupported encoding"
	case KindTooLarge:
		return "payload too large"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// DecodeError is fatal to a whole ingestion request: no part of the payload is
// usable once it is returned.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + e.Kind.String()
	}
	return fmt.Sprintf("decode: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StatusCode maps the failure to the HTTP status returned to the SDK.
func (e *DecodeError) StatusCode() int {
	switch e.Kind {
	case KindUnsupportedEncoding:
		return http.StatusUnsupportedMediaType
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// IsDecodeKind reports whether err is a DecodeError of the given kind.
func IsDecodeKind(err error, kind DecodeErrorKind) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == kind
}
