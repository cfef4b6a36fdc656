package daemon

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/worker"
)

// blockingRunner runs until its context ends, or returns err at once.
type blockingRunner struct {
	started chan struct{}
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{})}
}

func (r *blockingRunner) Start(ctx context.Context) error {
	close(r.started)
	if r.err != nil {
		return r.err
	}
	<-ctx.Done()
	return nil
}

type fixedStats struct {
	stats worker.Stats
	calls atomic.Int32
}

func (f *fixedStats) GetStats() worker.Stats {
	f.calls.Add(1)
	return f.stats
}

func TestDaemon_RunWritesAndRemovesPIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "sharescan.pid")
	runner := newBlockingRunner()
	d := New(runner, Options{PIDFile: pidFile, Logger: logging.NewNop()})

	var hooks []string
	d.OnShutdown("worker", func(context.Context) error {
		hooks = append(hooks, "worker")
		return nil
	})
	d.OnShutdown("browse", func(context.Context) error {
		hooks = append(hooks, "browse")
		return stderrors.New("ignored")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	<-runner.started
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.Equal(t, []string{"worker", "browse"}, hooks, "hooks run in order even after a failure")
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file removed on exit")
}

func TestDaemon_RunnerFailure(t *testing.T) {
	runner := newBlockingRunner()
	runner.err = stderrors.New("address in use")
	d := New(runner, Options{Logger: logging.NewNop()})

	hookRan := false
	d.OnShutdown("worker", func(context.Context) error {
		hookRan = true
		return nil
	})

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
	assert.True(t, hookRan)
}

func TestDaemon_CheckExistingPID(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  bool
	}{
		{name: "garbage is stale", contents: "not-a-pid"},
		{name: "own pid is stale", contents: strconv.Itoa(os.Getpid())},
		{name: "parent process is live", contents: strconv.Itoa(os.Getppid()), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pidFile := filepath.Join(t.TempDir(), "sharescan.pid")
			require.NoError(t, os.WriteFile(pidFile, []byte(tt.contents), DefaultFilePermissions))

			d := New(newBlockingRunner(), Options{PIDFile: pidFile, Logger: logging.NewNop()})
			err := d.checkExistingPID()
			if tt.wantErr {
				assert.Error(t, err)
				assert.FileExists(t, pidFile)
				return
			}
			assert.NoError(t, err)
			assert.NoFileExists(t, pidFile)
		})
	}
}

func TestDaemon_HealthCheckAndStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelDebug, Format: logging.FormatText}, &buf)
	stats := &fixedStats{stats: worker.Stats{JobsStarted: 3, JobsFailed: 3, JobsActive: 1}}

	d := New(newBlockingRunner(), Options{Stats: stats, Logger: logger})
	d.started = time.Now()

	d.performHealthCheck()
	assert.Contains(t, buf.String(), "Every scan job has failed")

	d.dumpStatus()
	assert.Contains(t, buf.String(), "Status dump")
	assert.Contains(t, buf.String(), "jobs_active=1")
	assert.Equal(t, int32(2), stats.calls.Load())
}

func TestNew_Defaults(t *testing.T) {
	d := New(newBlockingRunner(), Options{})
	assert.Equal(t, defaultHealthInterval, d.healthInterval)
	assert.Equal(t, defaultShutdownTimeout, d.shutdownTimeout)
	assert.NotNil(t, d.logger)
}
