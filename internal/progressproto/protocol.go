package progressproto

import "buildreplay.ai/internal/replay"

// Version is the progress feed protocol version.
const Version = "0.1"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeSubscribed = "SUBSCRIBED"
	TypeResult     = "RESULT"
	TypeProgress   = "PROGRESS"
	TypeDone       = "DONE"
)

// Client -> Server. First message on the progress WS connection, and can be
// re-sent to change the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional: forward only results of one scenario, or none at all.
	// Progress and done messages are always sent.
	Scenario     string `json:"scenario,omitempty"`
	ProgressOnly bool   `json:"progress_only,omitempty"`
}

// Progress is the running tally of the current batch. It is also the body of
// GET /v1/progress.
type Progress struct {
	RunID    string `json:"run_id,omitempty"`
	Selector string `json:"selector,omitempty"`
	Total    int    `json:"total"`
	Done     int    `json:"done"`
	Failed   int    `json:"failed"`
	Finished bool   `json:"finished"`
}

// Server -> Client. Acknowledges a subscription with the current tally.
type SubscribedMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	Progress        Progress `json:"progress"`
}

// Server -> Client. Sent once per analyzed session.
type ResultMsg struct {
	Type            string               `json:"type"`
	ProtocolVersion string               `json:"protocol_version"`
	RunID           string               `json:"run_id,omitempty"`
	Result          replay.SessionResult `json:"result"`
}

// Server -> Client. Sent after every result and once more with type DONE
// when the batch ends.
type ProgressMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Progress        Progress `json:"progress"`
}
