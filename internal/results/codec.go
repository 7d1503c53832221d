// Package results implements the content-addressed results backend and the
// wire encoding of serialized result sets.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	"sqllab/internal/domain"
)

// Frame markers: first byte of every stored blob.
const (
	frameMsgpack byte = 0x00
	frameGzip    byte = 0x01
)

// gzipThreshold is the encoded size above which blobs are gzip-wrapped.
// Compressing tiny blobs grows them.
const gzipThreshold = 4 << 10

// Encode serializes a result set to its framed wire form: msgpack, with a
// one-byte prefix marking whether the body is gzip-wrapped.
func Encode(rs *domain.ResultSet, allowGzip bool) ([]byte, error) {
	body, err := msgpack.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}

	if !allowGzip || len(body) < gzipThreshold {
		return append([]byte{frameMsgpack}, body...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(frameGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(payload []byte) (*domain.ResultSet, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty results payload")
	}
	body := payload[1:]
	switch payload[0] {
	case frameMsgpack:
	case frameGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		body, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown results frame marker 0x%02x", payload[0])
	}

	var rs domain.ResultSet
	if err := msgpack.Unmarshal(body, &rs); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	return &rs, nil
}

// ExpandJSONColumns inspects string-typed columns for JSON objects and, for
// each, records a flattened child schema under parent-dot-key names. It is
// shallow and best-effort; values are left untouched.
func ExpandJSONColumns(rs *domain.ResultSet) {
	if len(rs.Rows) == 0 {
		return
	}
	for i, col := range rs.Schema {
		keys := jsonObjectKeys(rs.Rows[0], i)
		for _, key := range keys {
			rs.ExpandedColumns = append(rs.ExpandedColumns, domain.ResultColumn{
				Name:     col.Name + "." + key,
				Type:     "STRING",
				Nullable: true,
			})
		}
	}
}

func jsonObjectKeys(row []any, col int) []string {
	if col >= len(row) {
		return nil
	}
	var raw []byte
	switch v := row[col].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
