package scanning

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/metrics"
	"github.com/anstrom/sharescan/internal/smbclient"
	"github.com/anstrom/sharescan/internal/transport"
)

// SubstrateFactory builds the connectivity substrate for a job.
type SubstrateFactory func(proxy *transport.ProxyDescriptor) (transport.Substrate, error)

// ClientFactory builds the share-protocol client for a job.
type ClientFactory func(substrate transport.Substrate, timeout time.Duration) smbclient.Client

// Orchestrator sequences the liveness scanner and the share enumerator for
// scan jobs.
type Orchestrator struct {
	config       config.ScanningConfig
	newSubstrate SubstrateFactory
	newClient    ClientFactory
	metrics      metrics.Recorder
	logger       *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSubstrateFactory replaces the default direct/SOCKS5 substrates.
func WithSubstrateFactory(f SubstrateFactory) Option {
	return func(o *Orchestrator) { o.newSubstrate = f }
}

// WithClientFactory replaces the default SMB2 client.
func WithClientFactory(f ClientFactory) Option {
	return func(o *Orchestrator) { o.newClient = f }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator using cfg for request defaults.
func NewOrchestrator(cfg config.ScanningConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:       cfg,
		newSubstrate: transport.New,
		newClient: func(s transport.Substrate, timeout time.Duration) smbclient.Client {
			return smbclient.NewSMB2Client(s, timeout)
		},
		metrics: metrics.GetGlobalMetrics(),
		logger:  logging.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithComponent("orchestrator")
	return o
}

// NewJob applies defaults to req, validates it and returns a pending job.
func (o *Orchestrator) NewJob(req ScanRequest) (*Job, error) {
	req = req.WithDefaults(o.config)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rng, _, err := req.NetworkRange(o.config.MaxRangeSize)
	if err != nil {
		return nil, err
	}
	return newJob(req, rng), nil
}

// Run executes job to a terminal state, delivering every message to sink in
// order. sink is never called concurrently and never called again after the
// terminal message. Run returns the final state.
func (o *Orchestrator) Run(ctx context.Context, job *Job, sink func(ProgressMessage)) JobState {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	em := &emitter{job: job, sink: sink}
	log := o.logger.WithJobID(job.ID)

	if !job.bind(cancel) {
		em.finish(StateCancelled, nil)
		return job.State()
	}

	o.metrics.JobStarted()
	defer func() {
		o.metrics.JobFinished(string(job.Request.Mode), string(job.State()), job.Summary().Duration())
	}()

	log.InfoScan("Scan job started", job.Range.String(), "mode", job.Request.Mode)

	err := o.run(ctx, job, em)
	switch {
	case err == nil:
		em.finish(StateCompleted, nil)
	case errors.IsFatal(err):
		em.finish(StateFailed, err)
	case ctx.Err() != nil:
		em.finish(StateCancelled, nil)
	default:
		em.finish(StateFailed, err)
	}

	summary := job.Summary()
	if job.State() == StateFailed {
		log.ErrorScan("Scan job failed", job.Range.String(), err,
			"hosts_alive", summary.HostsAlive,
			"shares_found", summary.SharesFound)
	} else {
		log.InfoScan("Scan job finished", job.Range.String(),
			"state", job.State(),
			"hosts_probed", summary.HostsProbed,
			"hosts_alive", summary.HostsAlive,
			"shares_found", summary.SharesFound,
			"duration", summary.Duration())
	}
	return job.State()
}

func (o *Orchestrator) run(ctx context.Context, job *Job, em *emitter) error {
	req := job.Request

	if err := job.transition(StatePortScanning); err != nil {
		return err
	}

	substrate, err := o.newSubstrate(req.Proxy)
	if err != nil {
		if !transport.IsUnavailable(err) {
			err = errors.ErrSubstrateUnavailable("proxy", err)
		}
		return err
	}
	if err := substrate.Check(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !transport.IsUnavailable(err) {
			err = errors.ErrSubstrateUnavailable(substrate.String(), err)
		}
		return err
	}

	em.emit(StageChangedMessage(StagePortScanning))

	scanner := &LivenessScanner{
		Substrate:   substrate,
		Port:        req.Port,
		Timeout:     req.ProbeTimeout(),
		Concurrency: req.PortScanConcurrency,
		Metrics:     o.metrics,
		Logger:      o.logger,
	}
	live, err := scanner.Scan(ctx, job.Range, func(h HostResult) {
		em.emit(HostFoundMessage(h))
	})
	if err != nil {
		return err
	}
	if len(live.Alive) == 0 {
		return nil
	}

	if err := job.transition(StateEnumerating); err != nil {
		return err
	}
	em.emit(StageChangedMessage(StageEnumerating))

	enumerator := &ShareEnumerator{
		Client:        o.newClient(substrate, o.config.OperationTimeout),
		Port:          req.Port,
		Mode:          req.Mode,
		Credentials:   req.Credentials,
		Concurrency:   req.EnumConcurrency,
		IncludeHidden: req.IncludeHidden,
		Metrics:       o.metrics,
		Logger:        o.logger,
	}
	_, err = enumerator.Enumerate(ctx, live.Alive, em.emit)
	return err
}

// emitter stamps and forwards messages for one job and closes after the
// first terminal message.
type emitter struct {
	mu     sync.Mutex
	job    *Job
	sink   func(ProgressMessage)
	seq    uint64
	closed bool
}

func (e *emitter) emit(m ProgressMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.job.record(m)
	e.send(m)
}

// finish moves the job to state and emits the matching terminal message.
func (e *emitter) finish(state JobState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if terr := e.job.transition(state); terr != nil {
		// Only a terminal job rejects a terminal state, and that job has
		// already emitted its terminal message.
		return
	}

	summary := e.job.Summary()
	var m ProgressMessage
	switch state {
	case StateCompleted:
		m = JobDoneMessage(summary)
	case StateCancelled:
		m = JobCancelledMessage(summary)
	default:
		m = JobFailedMessage(err, summary)
	}
	e.closed = true
	e.send(m)
}

func (e *emitter) send(m ProgressMessage) {
	e.seq++
	m.JobID = e.job.ID
	m.Seq = e.seq
	m.Timestamp = time.Now().UTC()
	e.sink(m)
}
