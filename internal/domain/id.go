package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

// NewClientID generates a client id for submissions that did not supply one.
func NewClientID() string {
	return uuid.NewString()
}

// ResultsKey derives the deterministic content address for a submission's
// result blob: SHA-256 over the NUL-joined identity fields plus a salt,
// hex-encoded. One logical submission always maps to the same key, which
// makes duplicate materialization benign.
func ResultsKey(userID int64, clientID string, databaseID int64, schema, sql, salt string) string {
	h := sha256.New()
	sep := []byte{0}
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	h.Write(sep)
	h.Write([]byte(clientID))
	h.Write(sep)
	h.Write([]byte(strconv.FormatInt(databaseID, 10)))
	h.Write(sep)
	h.Write([]byte(schema))
	h.Write(sep)
	h.Write([]byte(sql))
	h.Write(sep)
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}
