package types

import (
	"os"

	"github.com/google/uuid"
)

// SessionMeta identifies one host process serving one browser connection.
// Every log entry carries these fields.
type SessionMeta struct {
	// SessionID is a random identifier minted at startup.
	SessionID string `json:"session_id"`
	// PID is the host process id.
	PID int `json:"pid"`
	// Version is the host version.
	Version string `json:"version"`
}

// NewSessionMeta mints session metadata for the current process.
func NewSessionMeta() *SessionMeta {
	return &SessionMeta{
		SessionID: uuid.NewString(),
		PID:       os.Getpid(),
		Version:   Version,
	}
}
