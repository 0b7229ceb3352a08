package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// processStart anchors the monotonic component of generated ids.
var processStart = time.Now()

// NewID returns a 16-character hex identifier derived from the wall clock,
// a random UUID and the monotonic clock, so ids created in the same
// millisecond still differ.
func NewID() string {
	var buf [8 + 16 + 8]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(time.Now().UnixMilli()))
	rnd := uuid.New()
	copy(buf[8:24], rnd[:])
	binary.BigEndian.PutUint64(buf[24:32], uint64(time.Since(processStart).Nanoseconds()))

	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:8])
}
