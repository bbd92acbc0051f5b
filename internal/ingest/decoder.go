package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/tinytelemetry/aiemu/internal/model"
)

// Content encodings understood by the decoder.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingDeflate  = "deflate"
)

// Record is one parsed JSON value of a payload, or the error that prevented
// parsing it. Records keep the order they had in the payload.
type Record struct {
	Value json.RawMessage
	Line  int // 1-based line of an NDJSON batch; 0 for whole-body values
	Err   error
}

// Decoder turns raw request bodies into JSON records.
type Decoder struct {
	maxDecoded int64
}

// NewDecoder creates a decoder that refuses to inflate payloads beyond
// maxDecoded bytes. A non-positive limit selects the default.
func NewDecoder(maxDecoded int64) *Decoder {
	if maxDecoded <= 0 {
		maxDecoded = model.DefaultMaxDecodedBytes
	}
	return &Decoder{maxDecoded: maxDecoded}
}

var defaultDecoder = NewDecoder(0)

// Decode decodes body with the default size limit.
func Decode(body []byte, contentEncoding string) ([]Record, error) {
	return defaultDecoder.Decode(body, contentEncoding)
}

// Decode interprets body according to contentEncoding.
//
// gzip payloads are fully inflated and read as newline-delimited JSON. Without
// compression the body is already structured data and is parsed as a single
// JSON value. Returned errors are always *DecodeError.
func (d *Decoder) Decode(body []byte, contentEncoding string) ([]Record, error) {
	switch enc := normalizeEncoding(contentEncoding); enc {
	case "", EncodingIdentity:
		return decodeWhole(body)
	case EncodingGzip:
		text, err := d.inflate(body, func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		})
		if err != nil {
			return nil, err
		}
		return decodeLines(text)
	case EncodingDeflate:
		text, err := d.inflate(body, zlib.NewReader)
		if err != nil {
			return nil, err
		}
		return decodeWhole(text)
	default:
		return nil, &DecodeError{
			Kind: KindUnsupportedEncoding,
			Err:  fmt.Errorf("content-encoding %q", enc),
		}
	}
}

func (d *Decoder) inflate(body []byte, open func(io.Reader) (io.ReadCloser, error)) ([]byte, error) {
	zr, err := open(bytes.NewReader(body))
	if err != nil {
		return nil, &DecodeError{Kind: KindDecompression, Err: err}
	}
	defer zr.Close()

	text, err := io.ReadAll(io.LimitReader(zr, d.maxDecoded+1))
	if err != nil {
		return nil, &DecodeError{Kind: KindDecompression, Err: err}
	}
	if int64(len(text)) > d.maxDecoded {
		return nil, &DecodeError{
			Kind: KindTooLarge,
			Err:  fmt.Errorf("decompressed payload exceeds %d bytes", d.maxDecoded),
		}
	}
	return text, nil
}

func normalizeEncoding(contentEncoding string) string {
	return strings.ToLower(strings.TrimSpace(contentEncoding))
}

// decodeWhole parses the full body as one JSON value.
func decodeWhole(body []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	value, err := parseValue(trimmed)
	if err != nil {
		return nil, &DecodeError{Kind: KindParse, Err: err}
	}
	return []Record{{Value: value}}, nil
}

// decodeLines parses NDJSON text. A lone line must parse; in a batch each line
// stands on its own and a malformed one only produces an error record.
func decodeLines(text []byte) ([]Record, error) {
	lines := splitLines(text)
	switch len(lines) {
	case 0:
		return nil, nil
	case 1:
		value, err := parseValue(lines[0].text)
		if err != nil {
			return nil, &DecodeError{Kind: KindParse, Err: err}
		}
		return []Record{{Value: value, Line: lines[0].number}}, nil
	}

	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		value, err := parseValue(line.text)
		if err != nil {
			records = append(records, Record{
				Line: line.number,
				Err:  fmt.Errorf("line %d: %w", line.number, err),
			})
			continue
		}
		records = append(records, Record{Value: value, Line: line.number})
	}
	return records, nil
}

type numberedLine struct {
	number int
	text   []byte
}

func splitLines(text []byte) []numberedLine {
	raw := bytes.Split(bytes.TrimSpace(text), []byte("\n"))
	lines := make([]numberedLine, 0, len(raw))
	for i, line := range raw {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, numberedLine{number: i + 1, text: line})
	}
	return lines
}

func parseValue(data []byte) (json.RawMessage, error) {
	var value json.RawMessage
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}
