package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tinytelemetry/aiemu/internal/model"
)

// Item is one telemetry item after normalization: either an envelope ready to
// be stored or the reason it was rejected.
type Item struct {
	Envelope *model.Envelope
	Err      error
}

// Normalize turns decoded records into items. Objects become one envelope;
// arrays are flattened one level with every element normalized on its own;
// any other JSON value is rejected. Record errors pass through unchanged so
// they are still counted as received.
func Normalize(records []Record) []Item {
	items := make([]Item, 0, len(records))
	for _, rec := range records {
		if rec.Err != nil {
			items = append(items, Item{Err: rec.Err})
			continue
		}
		switch firstByte(rec.Value) {
		case '[':
			var elems []json.RawMessage
			if err := json.Unmarshal(rec.Value, &elems); err != nil {
				items = append(items, Item{Err: err})
				continue
			}
			for _, elem := range elems {
				items = append(items, normalizeValue(elem))
			}
		default:
			items = append(items, normalizeValue(rec.Value))
		}
	}
	return items
}

// NewEnvelope builds an envelope from one JSON object.
func NewEnvelope(value json.RawMessage) (*model.Envelope, error) {
	if firstByte(value) != '{' {
		return nil, fmt.Errorf("%w, got %s", ErrNotObject, jsonKind(value))
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(compact.Bytes(), &fields); err != nil {
		return nil, err
	}
	return &model.Envelope{
		Raw:   json.RawMessage(compact.Bytes()),
		Index: ExtractIndex(fields),
	}, nil
}

func normalizeValue(value json.RawMessage) Item {
	env, err := NewEnvelope(value)
	if err != nil {
		return Item{Err: err}
	}
	return Item{Envelope: env}
}

func firstByte(value []byte) byte {
	trimmed := bytes.TrimLeft(value, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func jsonKind(value []byte) string {
	switch b := firstByte(value); {
	case b == '[':
		return "array"
	case b == '"':
		return "string"
	case b == 't' || b == 'f':
		return "boolean"
	case b == 'n':
		return "null"
	case b == '-' || (b >= '0' && b <= '9'):
		return "number"
	default:
		return "empty value"
	}
}
