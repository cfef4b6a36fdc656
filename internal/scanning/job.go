package scanning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/netrange"
)

// transitions lists the allowed moves out of each non-terminal state.
var transitions = map[JobState][]JobState{
	StatePending:      {StatePortScanning, StateCancelled, StateFailed},
	StatePortScanning: {StateEnumerating, StateCompleted, StateCancelled, StateFailed},
	StateEnumerating:  {StateCompleted, StateCancelled, StateFailed},
}

// Job is a single scan. Its state only changes through transition and its
// results only grow. A job is never reused once it reaches a terminal state.
type Job struct {
	ID      string
	Request ScanRequest
	Range   netrange.NetworkRange

	mu              sync.RWMutex
	state           JobState
	results         []ShareResult
	summary         Summary
	cancelRequested bool
	cancel          context.CancelFunc
	startedAt       time.Time
	finishedAt      time.Time
}

func newJob(req ScanRequest, rng netrange.NetworkRange) *Job {
	return &Job{
		ID:      uuid.NewString(),
		Request: req,
		Range:   rng,
		state:   StatePending,
	}
}

// State returns the current state.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Results returns a copy of the shares found so far.
func (j *Job) Results() []ShareResult {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]ShareResult, len(j.results))
	copy(out, j.results)
	return out
}

// Summary returns the running totals.
func (j *Job) Summary() Summary {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.summaryLocked()
}

func (j *Job) summaryLocked() Summary {
	s := j.summary
	switch {
	case j.startedAt.IsZero():
	case j.finishedAt.IsZero():
		s.DurationMS = time.Since(j.startedAt).Milliseconds()
	default:
		s.DurationMS = j.finishedAt.Sub(j.startedAt).Milliseconds()
	}
	return s
}

// Cancel requests cancellation. It is safe to call any number of times, and
// before the job starts running.
func (j *Job) Cancel() {
	j.mu.Lock()
	j.cancelRequested = true
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// CancelRequested reports whether Cancel has been called.
func (j *Job) CancelRequested() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cancelRequested
}

// bind attaches the run context's cancel function. It reports false when
// cancellation was already requested.
func (j *Job) bind(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
	j.startedAt = time.Now()
	return !j.cancelRequested
}

func (j *Job) transition(to JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(to)
}

func (j *Job) transitionLocked(to JobState) error {
	for _, allowed := range transitions[j.state] {
		if allowed == to {
			j.state = to
			if to.IsTerminal() {
				j.finishedAt = time.Now()
			}
			return nil
		}
	}
	return errors.ErrInvalidTransition(string(j.state), string(to))
}

// record folds an outgoing message into the job's totals.
func (j *Job) record(m ProgressMessage) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch m.Type {
	case MessageHostFound:
		j.summary.HostsProbed++
		if m.Host.Alive {
			j.summary.HostsAlive++
		}
	case MessageShareFound:
		j.results = append(j.results, *m.Share)
		j.summary.SharesFound++
	case MessageHostEnumerated:
		j.summary.HostsEnumerated = m.Progress.Done
	}
}
