package replication

import (
	"strings"

	"github.com/google/uuid"
)

// NewReplID generates a fixed 40-hex-character replication ID, unique
// for the master's lifetime. Real Redis derives this from a
// cryptographically random source; this server reaches for the
// corpus's existing ID-generation dependency (two v4 UUIDs, hex-joined
// and truncated) rather than hand-rolling a crypto/rand-to-hex routine.
func NewReplID() string {
	a := strings.ReplaceAll(uuid.New().String(), "-", "")
	b := strings.ReplaceAll(uuid.New().String(), "-", "")
	id := a + b
	return id[:40]
}
