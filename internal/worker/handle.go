// Package worker runs scan jobs in an execution context separate from the
// controller and hands their progress back through a Handle.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/scanning"
)

// Worker starts scan jobs.
type Worker interface {
	Start(ctx context.Context, req scanning.ScanRequest) (Handle, error)
}

// Handle is the controller's view of a running job. None of its methods
// block.
type Handle interface {
	// JobID identifies the job.
	JobID() string

	// Messages delivers the job's progress. Exactly one terminal message is
	// delivered, after which the channel is closed. Controllers must drain
	// it.
	Messages() <-chan scanning.ProgressMessage

	// Poll returns the next buffered message, if any.
	Poll() (scanning.ProgressMessage, bool)

	// Cancel asks the job to stop and returns at once. The job counts as
	// cancelled from the controller's side immediately. Repeated calls do
	// nothing.
	Cancel()

	// Cancelled reports whether Cancel has been called.
	Cancelled() bool

	// Done is closed once the terminal message has been delivered.
	Done() <-chan struct{}
}

// stream is the Handle shared by local and remote workers. Producers call
// deliver; after the first terminal message everything else is dropped.
type stream struct {
	jobID    string
	ch       chan scanning.ProgressMessage
	done     chan struct{}
	stopping <-chan struct{}

	cancelled  atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	onCancel   func()

	mu       sync.Mutex
	lastSeq  uint64
	finished bool
}

func newStream(jobID string, buffer int, stopping <-chan struct{}, onCancel func()) *stream {
	if buffer < 1 {
		buffer = 1
	}
	return &stream{
		jobID:    jobID,
		ch:       make(chan scanning.ProgressMessage, buffer),
		done:     make(chan struct{}),
		stopping: stopping,
		cancelCh: make(chan struct{}),
		onCancel: onCancel,
	}
}

func (s *stream) JobID() string { return s.jobID }

func (s *stream) Messages() <-chan scanning.ProgressMessage { return s.ch }

func (s *stream) Poll() (scanning.ProgressMessage, bool) {
	select {
	case m, ok := <-s.ch:
		return m, ok
	default:
		return scanning.ProgressMessage{}, false
	}
}

func (s *stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelled.Store(true)
		close(s.cancelCh)
		if s.onCancel != nil {
			go s.onCancel()
		}
	})
}

func (s *stream) Cancelled() bool { return s.cancelled.Load() }

func (s *stream) Done() <-chan struct{} { return s.done }

// deliver hands m to the controller. Once the job is cancelled, progress
// messages that do not fit the buffer are dropped; terminal messages always
// wait for room unless the worker is stopping.
func (s *stream) deliver(m scanning.ProgressMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if m.Seq > s.lastSeq {
		s.lastSeq = m.Seq
	}

	if m.IsTerminal() {
		select {
		case s.ch <- m:
		case <-s.stopping:
		}
		s.finished = true
		close(s.ch)
		close(s.done)
		return
	}

	select {
	case s.ch <- m:
	case <-s.cancelCh:
	case <-s.stopping:
	}
}

// abandon ends the stream with a transport-lost failure unless a terminal
// message was already delivered.
func (s *stream) abandon(cause error) {
	s.mu.Lock()
	seq := s.lastSeq + 1
	s.mu.Unlock()

	m := scanning.JobFailedMessage(errors.ErrTransportLost(cause), scanning.Summary{})
	m.JobID = s.jobID
	m.Seq = seq
	m.Timestamp = time.Now().UTC()
	s.deliver(m)
}

func (s *stream) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
