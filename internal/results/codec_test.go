package results

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqllab/internal/domain"
)

func sampleResultSet() *domain.ResultSet {
	return &domain.ResultSet{
		Schema: []domain.ResultColumn{
			{Name: "id", Type: "INTEGER"},
			{Name: "name", Type: "STRING", Nullable: true},
		},
		Rows: [][]any{
			{int64(1), "ada"},
			{int64(2), nil},
		},
		RowCount:  2,
		Truncated: false,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rs := sampleResultSet()

	payload, err := Encode(rs, true)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), payload[0]) // small blob stays uncompressed

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, rs.Schema, got.Schema)
	assert.Equal(t, rs.RowCount, got.RowCount)
	assert.Equal(t, rs.Truncated, got.Truncated)
	require.Len(t, got.Rows, 2)
	assert.EqualValues(t, 1, got.Rows[0][0])
	assert.Equal(t, "ada", got.Rows[0][1])
	assert.Nil(t, got.Rows[1][1])
}

func TestEncodeGzipsLargeBlobs(t *testing.T) {
	rs := sampleResultSet()
	big := strings.Repeat("all work and no play ", 2000)
	for i := 0; i < 64; i++ {
		rs.Rows = append(rs.Rows, []any{int64(i), big})
	}
	rs.RowCount = len(rs.Rows)

	payload, err := Encode(rs, true)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), payload[0])

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, rs.RowCount, got.RowCount)

	// Compression disabled keeps the raw frame even for large payloads.
	payload, err = Encode(rs, false)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), payload[0])
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)

	_, err = Decode([]byte{0x7f, 1, 2, 3})
	assert.Error(t, err)
}

func TestExpandJSONColumns(t *testing.T) {
	rs := &domain.ResultSet{
		Schema: []domain.ResultColumn{
			{Name: "id", Type: "INTEGER"},
			{Name: "payload", Type: "STRING"},
		},
		Rows: [][]any{
			{int64(1), `{"b": 2, "a": 1}`},
		},
		RowCount: 1,
	}

	ExpandJSONColumns(rs)
	require.Len(t, rs.ExpandedColumns, 2)
	assert.Equal(t, "payload.a", rs.ExpandedColumns[0].Name)
	assert.Equal(t, "payload.b", rs.ExpandedColumns[1].Name)

	// Non-JSON strings expand nothing.
	rs2 := &domain.ResultSet{
		Schema: []domain.ResultColumn{{Name: "name", Type: "STRING"}},
		Rows:   [][]any{{"plain"}},
	}
	ExpandJSONColumns(rs2)
	assert.Empty(t, rs2.ExpandedColumns)
}
