package handlers

import (
	"sort"
	"sync"
	"time"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/scanning"
	"github.com/anstrom/sharescan/internal/worker"
)

// JobView is the API's picture of a scan job, rebuilt from its progress
// stream.
type JobView struct {
	ID              string                 `json:"id"`
	Range           string                 `json:"range"`
	Exclude         []string               `json:"exclude,omitempty"`
	Mode            scanning.ScanMode      `json:"mode"`
	State           scanning.JobState      `json:"state"`
	CancelRequested bool                   `json:"cancel_requested"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
	HostsProbed     int                    `json:"hosts_probed"`
	AliveHosts      []string               `json:"alive_hosts"`
	Shares          []scanning.ShareResult `json:"shares"`
	Progress        *scanning.Progress     `json:"progress,omitempty"`
	Summary         *scanning.Summary      `json:"summary,omitempty"`
	Error           *scanning.JobError     `json:"error,omitempty"`
}

// TrackedJob is a job the store is following.
type TrackedJob struct {
	handle worker.Handle

	mu   sync.RWMutex
	view JobView
}

func (t *TrackedJob) snapshot() JobView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := t.view
	v.AliveHosts = append([]string(nil), t.view.AliveHosts...)
	v.Shares = append([]scanning.ShareResult(nil), t.view.Shares...)
	v.CancelRequested = t.handle.Cancelled()
	return v
}

func (t *TrackedJob) apply(m scanning.ProgressMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch m.Type {
	case scanning.MessageHostFound:
		t.view.HostsProbed++
		if m.Host != nil && m.Host.Alive {
			t.view.AliveHosts = append(t.view.AliveHosts, m.Host.Address)
		}
	case scanning.MessageShareFound:
		if m.Share != nil {
			t.view.Shares = append(t.view.Shares, *m.Share)
		}
	case scanning.MessageStageChanged:
		t.view.State = scanning.JobState(m.Stage)
	case scanning.MessageHostEnumerated:
		t.view.Progress = m.Progress
	case scanning.MessageJobDone:
		t.finishLocked(scanning.StateCompleted, m)
	case scanning.MessageJobCancelled:
		t.finishLocked(scanning.StateCancelled, m)
	case scanning.MessageJobFailed:
		t.finishLocked(scanning.StateFailed, m)
		t.view.Error = m.Error
	}
}

func (t *TrackedJob) finishLocked(state scanning.JobState, m scanning.ProgressMessage) {
	t.view.State = state
	t.view.Summary = m.Summary
	at := m.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	t.view.FinishedAt = &at
}

func (t *TrackedJob) finished() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view.State.IsTerminal()
}

// JobStore keeps the jobs started through the API, plus a bounded history of
// finished ones.
type JobStore struct {
	history int

	mu    sync.RWMutex
	jobs  map[string]*TrackedJob
	order []string
}

// NewJobStore creates a store that keeps at most history finished jobs.
func NewJobStore(history int) *JobStore {
	return &JobStore{
		history: history,
		jobs:    make(map[string]*TrackedJob),
	}
}

// Track registers a started job.
func (s *JobStore) Track(req scanning.ScanRequest, h worker.Handle) *TrackedJob {
	t := &TrackedJob{
		handle: h,
		view: JobView{
			ID:         h.JobID(),
			Range:      req.Range,
			Exclude:    req.Exclude,
			Mode:       req.Mode,
			State:      scanning.StatePending,
			StartedAt:  time.Now().UTC(),
			AliveHosts: []string{},
			Shares:     []scanning.ShareResult{},
		},
	}

	s.mu.Lock()
	s.jobs[t.view.ID] = t
	s.order = append(s.order, t.view.ID)
	s.mu.Unlock()
	return t
}

// Consume drains the job's stream into the store. Each message is also
// passed to forward when it is set; once forward fails the job is cancelled
// and the rest of the stream is only recorded.
func (s *JobStore) Consume(t *TrackedJob, forward func(scanning.ProgressMessage) error) {
	for m := range t.handle.Messages() {
		t.apply(m)
		if forward != nil {
			if err := forward(m); err != nil {
				forward = nil
				t.handle.Cancel()
			}
		}
	}
	s.prune()
}

// List returns every known job, newest first.
func (s *JobStore) List() []JobView {
	s.mu.RLock()
	tracked := make([]*TrackedJob, 0, len(s.jobs))
	for _, t := range s.jobs {
		tracked = append(tracked, t)
	}
	s.mu.RUnlock()

	views := make([]JobView, len(tracked))
	for i, t := range tracked {
		views[i] = t.snapshot()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].StartedAt.After(views[j].StartedAt) })
	return views
}

// Get returns one job.
func (s *JobStore) Get(id string) (JobView, error) {
	s.mu.RLock()
	t, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return JobView{}, errors.NewScanErrorWithTarget(errors.CodeNotFound, "Scan job not found", id)
	}
	return t.snapshot(), nil
}

// Cancel requests cancellation of a running job. Cancelling a job that has
// already finished is a conflict.
func (s *JobStore) Cancel(id string) (JobView, error) {
	s.mu.RLock()
	t, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return JobView{}, errors.NewScanErrorWithTarget(errors.CodeNotFound, "Scan job not found", id)
	}
	if t.finished() {
		return t.snapshot(), errors.NewScanErrorWithTarget(errors.CodeConflict, "Scan job already finished", id)
	}
	t.handle.Cancel()
	return t.snapshot(), nil
}

// Active counts jobs that have not finished.
func (s *JobStore) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.jobs {
		if !t.finished() {
			n++
		}
	}
	return n
}

// prune drops the oldest finished jobs beyond the history limit.
func (s *JobStore) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	finished := 0
	for _, id := range s.order {
		if s.jobs[id].finished() {
			finished++
		}
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if finished > s.history && s.jobs[id].finished() {
			delete(s.jobs, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
