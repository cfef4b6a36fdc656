package scanning

import (
	"time"

	"github.com/anstrom/sharescan/internal/errors"
)

// MessageType tags a ProgressMessage.
type MessageType string

const (
	MessageHostFound      MessageType = "host_found"
	MessageShareFound     MessageType = "share_found"
	MessageStageChanged   MessageType = "stage_changed"
	MessageHostEnumerated MessageType = "host_enumerated"
	MessageJobDone        MessageType = "job_done"
	MessageJobFailed      MessageType = "job_failed"
	MessageJobCancelled   MessageType = "job_cancelled"
)

// Progress reports how many alive hosts have been enumerated so far.
type Progress struct {
	Host  string `json:"host"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// JobError is the payload of a job_failed message.
type JobError struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// ProgressMessage is one event in a job's stream. Exactly one of the payload
// fields is set, matching Type. Messages are values and are never mutated
// after they are emitted.
type ProgressMessage struct {
	Type      MessageType `json:"type"`
	JobID     string      `json:"job_id"`
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`

	Host     *HostResult  `json:"host,omitempty"`
	Share    *ShareResult `json:"share,omitempty"`
	Stage    Stage        `json:"stage,omitempty"`
	Progress *Progress    `json:"progress,omitempty"`
	Summary  *Summary     `json:"summary,omitempty"`
	Error    *JobError    `json:"error,omitempty"`
}

// IsTerminal reports whether m ends its stream.
func (m ProgressMessage) IsTerminal() bool {
	switch m.Type {
	case MessageJobDone, MessageJobFailed, MessageJobCancelled:
		return true
	}
	return false
}

// HostFoundMessage announces an alive host.
func HostFoundMessage(h HostResult) ProgressMessage {
	return ProgressMessage{Type: MessageHostFound, Host: &h}
}

// ShareFoundMessage announces a share.
func ShareFoundMessage(s ShareResult) ProgressMessage {
	return ProgressMessage{Type: MessageShareFound, Share: &s}
}

// StageChangedMessage announces the start of a pipeline stage.
func StageChangedMessage(s Stage) ProgressMessage {
	return ProgressMessage{Type: MessageStageChanged, Stage: s}
}

// HostEnumeratedMessage reports that host is finished, done of total.
func HostEnumeratedMessage(host string, done, total int) ProgressMessage {
	return ProgressMessage{Type: MessageHostEnumerated, Progress: &Progress{Host: host, Done: done, Total: total}}
}

// JobDoneMessage ends a stream that ran to completion.
func JobDoneMessage(s Summary) ProgressMessage {
	return ProgressMessage{Type: MessageJobDone, Summary: &s}
}

// JobCancelledMessage ends a cancelled stream with a partial summary.
func JobCancelledMessage(s Summary) ProgressMessage {
	return ProgressMessage{Type: MessageJobCancelled, Summary: &s}
}

// JobFailedMessage ends a stream with the code of err.
func JobFailedMessage(err error, s Summary) ProgressMessage {
	je := &JobError{Code: errors.GetCode(err)}
	if err != nil {
		je.Message = err.Error()
	}
	return ProgressMessage{Type: MessageJobFailed, Summary: &s, Error: je}
}
