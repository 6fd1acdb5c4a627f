package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewRunID allocates a globally unique identifier for a pipeline run.
func NewRunID() string {
	return uuid.New().String()
}

// NewRequestID returns a short random hex token for request correlation.
func NewRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()[:16]
	}
	return hex.EncodeToString(buf)
}

// NewConnectionID identifies one duplex client connection.
func NewConnectionID() string {
	return "conn-" + NewRequestID()
}
