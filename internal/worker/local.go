package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/scanning"
)

// Stats counts jobs run by a LocalWorker.
type Stats struct {
	JobsStarted   int64     `json:"jobs_started"`
	JobsCompleted int64     `json:"jobs_completed"`
	JobsFailed    int64     `json:"jobs_failed"`
	JobsCancelled int64     `json:"jobs_cancelled"`
	JobsActive    int       `json:"jobs_active"`
	LastJobTime   time.Time `json:"last_job_time"`
}

// LocalWorker runs each job on its own goroutine and streams progress back
// through a bounded channel.
type LocalWorker struct {
	orch   *scanning.Orchestrator
	buffer int
	logger *logging.Logger

	active   map[string]*scanning.Job
	jobMutex sync.Mutex
	wg       sync.WaitGroup

	stopping chan struct{}
	stopOnce sync.Once

	stats      Stats
	statsMutex sync.RWMutex
}

// NewLocalWorker creates a worker around orch. buffer bounds the number of
// undelivered messages per job.
func NewLocalWorker(orch *scanning.Orchestrator, buffer int, logger *logging.Logger) *LocalWorker {
	if logger == nil {
		logger = logging.Default()
	}
	return &LocalWorker{
		orch:     orch,
		buffer:   buffer,
		logger:   logger.WithComponent("worker"),
		active:   make(map[string]*scanning.Job),
		stopping: make(chan struct{}),
	}
}

// Start validates req and launches the job. The job runs until it finishes,
// ctx is cancelled, or the handle is cancelled.
func (w *LocalWorker) Start(ctx context.Context, req scanning.ScanRequest) (Handle, error) {
	select {
	case <-w.stopping:
		return nil, errors.NewScanError(errors.CodeServiceUnavailable, "Worker is shutting down")
	default:
	}

	job, err := w.orch.NewJob(req)
	if err != nil {
		return nil, err
	}

	s := newStream(job.ID, w.buffer, w.stopping, job.Cancel)

	w.jobMutex.Lock()
	w.active[job.ID] = job
	w.jobMutex.Unlock()
	w.updateStats(func(st *Stats) { st.JobsStarted++ })

	w.wg.Add(1)
	go w.run(ctx, job, s)

	w.logger.WithJobID(job.ID).Info("Job started", "range", job.Range.String(), "mode", job.Request.Mode)
	return s, nil
}

func (w *LocalWorker) run(ctx context.Context, job *scanning.Job, s *stream) {
	defer w.wg.Done()
	defer w.finish(job)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panic: %v", r)
			w.logger.WithJobID(job.ID).Error("Job crashed", "error", err)
			s.abandon(err)
		}
	}()

	w.orch.Run(ctx, job, s.deliver)

	if !s.isFinished() {
		s.abandon(fmt.Errorf("job %s ended without a terminal message", job.ID))
	}
}

func (w *LocalWorker) finish(job *scanning.Job) {
	w.jobMutex.Lock()
	delete(w.active, job.ID)
	w.jobMutex.Unlock()

	state := job.State()
	w.updateStats(func(st *Stats) {
		switch state {
		case scanning.StateCompleted:
			st.JobsCompleted++
		case scanning.StateCancelled:
			st.JobsCancelled++
		default:
			st.JobsFailed++
		}
		st.LastJobTime = time.Now()
	})
	w.logger.WithJobID(job.ID).Info("Job finished", "state", state)
}

// Active returns the IDs of running jobs.
func (w *LocalWorker) Active() []string {
	w.jobMutex.Lock()
	defer w.jobMutex.Unlock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

// Stop cancels every running job and waits for them to return, or for ctx
// to end.
func (w *LocalWorker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker")

	w.jobMutex.Lock()
	for _, job := range w.active {
		job.Cancel()
	}
	w.jobMutex.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Unblock jobs whose controllers stopped reading.
		w.stopOnce.Do(func() { close(w.stopping) })
		<-done
	}
	w.stopOnce.Do(func() { close(w.stopping) })

	w.logger.Info("Worker stopped")
	return nil
}

// GetStats returns current worker statistics.
func (w *LocalWorker) GetStats() Stats {
	w.statsMutex.RLock()
	stats := w.stats
	w.statsMutex.RUnlock()

	w.jobMutex.Lock()
	stats.JobsActive = len(w.active)
	w.jobMutex.Unlock()
	return stats
}

func (w *LocalWorker) updateStats(updater func(*Stats)) {
	w.statsMutex.Lock()
	defer w.statsMutex.Unlock()
	updater(&w.stats)
}
