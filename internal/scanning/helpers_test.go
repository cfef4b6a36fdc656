package scanning

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/metrics"
	"github.com/anstrom/sharescan/internal/smbclient"
	"github.com/anstrom/sharescan/internal/transport"
)

var errRefused = stderrors.New("connection refused")

// fakeSubstrate answers for addresses in alive and refuses everything else.
type fakeSubstrate struct {
	alive    map[string]bool
	block    bool // dead addresses hang until their context ends
	checkErr error
	openErr  func(address string) error
	panicOn  string

	inFlight atomic.Int32
	peak     atomic.Int32
	opened   atomic.Int32
}

func newFakeSubstrate(alive ...string) *fakeSubstrate {
	f := &fakeSubstrate{alive: make(map[string]bool)}
	for _, a := range alive {
		f.alive[a] = true
	}
	return f
}

func (f *fakeSubstrate) Open(ctx context.Context, address string, _ int, _ time.Duration) (net.Conn, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.opened.Add(1)

	if address == f.panicOn {
		panic("substrate exploded")
	}
	if f.openErr != nil {
		if err := f.openErr(address); err != nil {
			return nil, err
		}
	}
	if f.alive[address] {
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	// Give concurrent probes a chance to overlap.
	time.Sleep(time.Millisecond)
	return nil, errRefused
}

func (f *fakeSubstrate) Check(context.Context) error { return f.checkErr }

func (f *fakeSubstrate) String() string { return "fake" }

// collector records a job's stream.
type collector struct {
	mu       sync.Mutex
	messages []ProgressMessage
	onSend   func(ProgressMessage)
}

func (c *collector) sink(m ProgressMessage) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(m)
	}
}

func (c *collector) all() []ProgressMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ProgressMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *collector) ofType(t MessageType) []ProgressMessage {
	var out []ProgressMessage
	for _, m := range c.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *collector) last() ProgressMessage {
	all := c.all()
	return all[len(all)-1]
}

func newTestOrchestrator(t *testing.T, sub transport.Substrate, client smbclient.Client, rec metrics.Recorder) *Orchestrator {
	t.Helper()
	if rec == nil {
		rec = metrics.NewRegistryRecorder(metrics.NewRegistry())
	}
	return NewOrchestrator(config.Default().Scanning,
		WithSubstrateFactory(func(*transport.ProxyDescriptor) (transport.Substrate, error) {
			return sub, nil
		}),
		WithClientFactory(func(transport.Substrate, time.Duration) smbclient.Client {
			return client
		}),
		WithMetrics(rec),
		WithLogger(logging.NewNop()),
	)
}
