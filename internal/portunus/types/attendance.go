package types

// Event types as recorded in the attendance log.
const (
	EventCheckIn   = "checkin"
	EventHeartbeat = "heartbeat"
	EventCheckOut  = "checkout"
)

type CheckInRequest struct {
	UserID     string `json:"user_id"`
	SiteID     string `json:"site_id"`
	SessionKey string `json:"session_key"`
	Timestamp  string `json:"timestamp,omitempty"` // agent clock, RFC 3339
}

type HeartbeatRequest struct {
	SessionKey string `json:"session_key"`
	Timestamp  string `json:"timestamp,omitempty"`
}

type CheckOutRequest struct {
	SessionKey string `json:"session_key"`
	Timestamp  string `json:"timestamp,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AttendanceResponse answers all three event types. Duplicate is set when
// the idempotency key was already recorded; nothing was written again.
type AttendanceResponse struct {
	OK         bool   `json:"ok"`
	Known      bool   `json:"known"`
	Duplicate  bool   `json:"duplicate"`
	SessionKey string `json:"session_key"`
	SiteID     string `json:"site_id,omitempty"`
	ServerTime string `json:"server_time"`
}
