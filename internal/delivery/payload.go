package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

// CheckIn is the wire body of a check-in.
type CheckIn struct {
	UserID     string    `json:"user_id"`
	SiteID     string    `json:"site_id"`
	SessionKey string    `json:"session_key"`
	Timestamp  time.Time `json:"timestamp"`
}

// Heartbeat is the wire body of a heartbeat.
type Heartbeat struct {
	SessionKey string    `json:"session_key"`
	Timestamp  time.Time `json:"timestamp"`
}

// CheckOut is the wire body of a check-out.
type CheckOut struct {
	SessionKey string    `json:"session_key"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
}

// EncodePayload marshals one of the wire bodies.
func EncodePayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
