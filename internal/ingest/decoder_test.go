package ingest

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func values(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, string(r.Value))
	}
	return out
}

func TestDecode_IdentityObject(t *testing.T) {
	t.Parallel()
	records, err := Decode([]byte(`{"name":"x"}`), "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"name":"x"}`, string(records[0].Value))
	assert.NoError(t, records[0].Err)
}

func TestDecode_IdentityIsWholeBody(t *testing.T) {
	t.Parallel()
	// Without compression the body is one JSON value, newlines included.
	body := "{\n  \"a\": 1\n}\n"
	records, err := Decode([]byte(body), EncodingIdentity)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"a":1}`, string(records[0].Value))
}

func TestDecode_IdentityDeterministic(t *testing.T) {
	t.Parallel()
	body := []byte(`[{"x":1},{"y":2}]`)
	first, err := Decode(body, "identity")
	require.NoError(t, err)
	second, err := Decode(body, "identity")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecode_EmptyBody(t *testing.T) {
	t.Parallel()
	records, err := Decode([]byte("  \n"), "")
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = Decode(gzipBytes(t, "\n\n"), EncodingGzip)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecode_IdentityInvalidJSON(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte(`{"a":`), "")
	require.Error(t, err)
	assert.True(t, IsDecodeKind(err, KindParse))
}

func TestDecode_GzipNDJSONKeepsLineOrder(t *testing.T) {
	t.Parallel()
	body := gzipBytes(t, "{\"n\":1}\n\n  {\"n\":2}  \r\n{\"n\":3}\n")
	records, err := Decode(body, "GZIP")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, values(records))
	assert.Equal(t, 1, records[0].Line)
	assert.Equal(t, 3, records[1].Line)
	assert.Equal(t, 4, records[2].Line)
}

func TestDecode_GzipSingleLine(t *testing.T) {
	t.Parallel()
	records, err := Decode(gzipBytes(t, `[{"x":1},{"y":2}]`), EncodingGzip)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `[{"x":1},{"y":2}]`, string(records[0].Value))
}

func TestDecode_GzipSingleLineInvalidIsFatal(t *testing.T) {
	t.Parallel()
	_, err := Decode(gzipBytes(t, "not json\n"), EncodingGzip)
	require.Error(t, err)
	assert.True(t, IsDecodeKind(err, KindParse))
}

func TestDecode_GzipMalformedLineIsolated(t *testing.T) {
	t.Parallel()
	records, err := Decode(gzipBytes(t, "{\"a\":1}\n{broken\n{\"b\":2}"), EncodingGzip)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.NoError(t, records[0].Err)
	assert.Error(t, records[1].Err)
	assert.Contains(t, records[1].Err.Error(), "line 2")
	assert.NoError(t, records[2].Err)
	assert.Equal(t, `{"b":2}`, string(records[2].Value))
}

func TestDecode_CorruptGzip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body []byte
	}{
		{"not gzip", []byte("definitely not gzip")},
		{"empty", nil},
		{"truncated", func() []byte {
			b := gzipBytes(t, `{"a":1}`+"\n"+`{"b":2}`)
			return b[:len(b)-6]
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.body, EncodingGzip)
			require.Error(t, err)
			assert.True(t, IsDecodeKind(err, KindDecompression), "got %v", err)

			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, http.StatusBadRequest, de.StatusCode())
		})
	}
}

func TestDecode_Deflate(t *testing.T) {
	t.Parallel()
	records, err := Decode(zlibBytes(t, `{"d":true}`), EncodingDeflate)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `{"d":true}`, string(records[0].Value))
}

func TestDecode_UnsupportedEncoding(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte(`{}`), "br")
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindUnsupportedEncoding, de.Kind)
	assert.Equal(t, http.StatusUnsupportedMediaType, de.StatusCode())
}

func TestDecoder_MaxDecodedBytes(t *testing.T) {
	t.Parallel()
	d := NewDecoder(16)
	_, err := d.Decode(gzipBytes(t, `{"payload":"this is more than sixteen bytes"}`), EncodingGzip)
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindTooLarge, de.Kind)
	assert.Equal(t, http.StatusRequestEntityTooLarge, de.StatusCode())

	records, err := d.Decode(gzipBytes(t, `{"a":1}`), EncodingGzip)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
