package scanning

import (
	"context"
	"fmt"
	"time"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/metrics"
	"github.com/anstrom/sharescan/internal/netrange"
	"github.com/anstrom/sharescan/internal/transport"
)

// LivenessScanner fans Probe out over a range with a bounded number of
// probes in flight.
type LivenessScanner struct {
	Substrate   transport.Substrate
	Port        int
	Timeout     time.Duration
	Concurrency int
	Metrics     metrics.Recorder
	Logger      *logging.Logger
}

// LivenessResult is what a completed or interrupted liveness pass saw.
type LivenessResult struct {
	Probed int
	Alive  []HostResult
}

type probeOutcome struct {
	host HostResult
	err  error
}

// Scan probes every address of rng and calls onResult once per address, in
// completion order, from the calling goroutine. On cancellation it returns
// ctx's error at once without waiting for probes still in flight. A
// substrate failure stops dispatch and is returned.
func (s *LivenessScanner) Scan(ctx context.Context, rng netrange.NetworkRange, onResult func(HostResult)) (LivenessResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewSlotPool(s.Concurrency)
	results := make(chan probeOutcome, pool.Capacity())
	dispatched := make(chan int, 1)

	go func() {
		n := 0
		defer func() { dispatched <- n }()

		for addr := range rng.Addresses() {
			key := addr.String()
			if err := pool.Acquire(ctx, key); err != nil {
				return
			}
			n++
			go s.probe(ctx, pool, key, results)
		}
	}()

	var res LivenessResult
	pending := (<-chan int)(dispatched)
	total := -1
	for total < 0 || res.Probed < total {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case total = <-pending:
			pending = nil
		case out := <-results:
			if out.err != nil {
				s.logger().ErrorScan("Liveness scan aborted", rng.String(), out.err)
				return res, out.err
			}
			res.Probed++
			if out.host.Alive {
				res.Alive = append(res.Alive, out.host)
			}
			onResult(out.host)
		}
	}

	return res, nil
}

// probe reports one outcome for address. A panic in the substrate is
// reported as TRANSPORT_LOST, which ends the scan.
func (s *LivenessScanner) probe(ctx context.Context, pool *SlotPool, address string, results chan<- probeOutcome) {
	defer pool.Release(address)

	var out probeOutcome
	defer func() {
		if r := recover(); r != nil {
			out = probeOutcome{err: errors.ErrTransportLost(fmt.Errorf("probing %s: %v", address, r))}
		}
		select {
		case results <- out:
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	liveness, err := Probe(ctx, s.Substrate, address, s.Port, s.Timeout)
	if s.Metrics != nil && err == nil {
		s.Metrics.RecordProbe(liveness == Alive, time.Since(start))
	}

	out = probeOutcome{
		host: HostResult{Address: address, Alive: liveness == Alive, ProbedAt: time.Now().UTC()},
		err:  err,
	}
}

func (s *LivenessScanner) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.Default()
	}
	return s.Logger
}
