package worker

import (
	"time"

	"github.com/anstrom/sharescan/internal/scanning"
)

// Control frame types exchanged over the remote worker websocket. After an
// accepted frame the server sends bare ProgressMessages until the terminal
// one, then closes the connection.
const (
	FrameStart    = "start"
	FrameCancel   = "cancel"
	FrameAccepted = "accepted"
	FrameRejected = "rejected"
)

// ControlFrame is a non-progress message on the remote worker connection.
type ControlFrame struct {
	Type    string                `json:"type"`
	JobID   string                `json:"job_id,omitempty"`
	Request *scanning.ScanRequest `json:"request,omitempty"`
	Error   *scanning.JobError    `json:"error,omitempty"`
}

const (
	defaultPongWait = 60 * time.Second
)

// Keepalive bounds how long either end of a stream connection waits on a
// silent peer. The server pings every PingPeriod and the client answers;
// a side that hears nothing for PongWait drops the connection.
type Keepalive struct {
	PongWait   time.Duration
	PingPeriod time.Duration
}

// DefaultKeepalive pings every 54s and gives up after 60s of silence.
func DefaultKeepalive() Keepalive {
	return Keepalive{PongWait: defaultPongWait, PingPeriod: defaultPongWait * 9 / 10}
}

// OrDefault fills unset durations. PingPeriod is kept below PongWait.
func (k Keepalive) OrDefault() Keepalive {
	if k.PongWait <= 0 {
		k.PongWait = defaultPongWait
	}
	if k.PingPeriod <= 0 || k.PingPeriod >= k.PongWait {
		k.PingPeriod = k.PongWait * 9 / 10
	}
	return k
}
