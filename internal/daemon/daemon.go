// Package daemon runs the sharescan server process: it owns the PID file,
// reacts to signals, logs periodic health and runs shutdown hooks once the
// server stops.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/worker"
)

const (
	defaultHealthInterval  = time.Minute
	defaultShutdownTimeout = 30 * time.Second
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Runner is the long-running service, normally the API server.
type Runner interface {
	Start(ctx context.Context) error
}

// StatsSource reports worker statistics for health and status logs.
type StatsSource interface {
	GetStats() worker.Stats
}

// Options configures a Daemon.
type Options struct {
	PIDFile         string
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
	Stats           StatsSource
	Logger          *logging.Logger
}

type shutdownHook struct {
	name string
	fn   func(ctx context.Context) error
}

// Daemon represents the server process.
type Daemon struct {
	runner          Runner
	pidFile         string
	healthInterval  time.Duration
	shutdownTimeout time.Duration
	stats           StatsSource
	logger          *logging.Logger
	started         time.Time

	mu    sync.Mutex
	hooks []shutdownHook
}

// New creates a daemon around runner.
func New(runner Runner, opts Options) *Daemon {
	d := &Daemon{
		runner:          runner,
		pidFile:         opts.PIDFile,
		healthInterval:  opts.HealthInterval,
		shutdownTimeout: opts.ShutdownTimeout,
		stats:           opts.Stats,
		logger:          opts.Logger,
	}
	if d.healthInterval <= 0 {
		d.healthInterval = defaultHealthInterval
	}
	if d.shutdownTimeout <= 0 {
		d.shutdownTimeout = defaultShutdownTimeout
	}
	if d.logger == nil {
		d.logger = logging.Default()
	}
	d.logger = d.logger.WithComponent("daemon")
	return d
}

// OnShutdown registers fn to run after the runner has stopped. Hooks run in
// registration order.
func (d *Daemon) OnShutdown(name string, fn func(ctx context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, shutdownHook{name: name, fn: fn})
}

// Run writes the PID file, starts the runner and blocks until ctx is
// cancelled, SIGINT or SIGTERM arrives, or the runner fails. SIGUSR1 logs a
// status dump.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.createPIDFile(); err != nil {
		return err
	}
	defer d.removePIDFile()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	d.started = time.Now()
	runErr := make(chan error, 1)
	go func() {
		runErr <- d.runner.Start(ctx)
	}()
	d.logger.Info("Daemon started", "pid", os.Getpid())

	ticker := time.NewTicker(d.healthInterval)
	defer ticker.Stop()

	var err error
loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGUSR1 {
				d.dumpStatus()
				continue
			}
			d.logger.Info("Received shutdown signal", "signal", sig.String())
			cancel()
			err = <-runErr
			break loop
		case <-ctx.Done():
			err = <-runErr
			break loop
		case err = <-runErr:
			break loop
		case <-ticker.C:
			d.performHealthCheck()
		}
	}

	d.runHooks()
	if err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	d.logger.Info("Daemon stopped")
	return nil
}

func (d *Daemon) runHooks() {
	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer cancel()

	d.mu.Lock()
	hooks := append([]shutdownHook(nil), d.hooks...)
	d.mu.Unlock()

	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			d.logger.Error("Shutdown hook failed", "hook", h.name, "error", err)
		}
	}
}

// createPIDFile writes the PID file, refusing when another live process owns
// it.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.pidFile), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	d.logger.Debug("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID removes a stale PID file and fails on a live one.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid == os.Getpid() || !isProcessRunning(pid) {
		_ = os.Remove(d.pidFile)
		return nil
	}
	return fmt.Errorf("sharescan already running with PID %d", pid)
}

func (d *Daemon) removePIDFile() {
	if d.pidFile == "" {
		return
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Error removing PID file", "path", d.pidFile, "error", err)
	}
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// performHealthCheck logs worker load and flags a worker whose jobs all
// fail.
func (d *Daemon) performHealthCheck() {
	if d.stats == nil {
		return
	}
	s := d.stats.GetStats()
	d.logger.Debug("Health check",
		"jobs_active", s.JobsActive,
		"jobs_started", s.JobsStarted,
		"goroutines", runtime.NumGoroutine())
	if s.JobsStarted > 0 && s.JobsFailed == s.JobsStarted {
		d.logger.Warn("Every scan job has failed", "jobs_failed", s.JobsFailed)
	}
}

// dumpStatus logs process and worker state.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"uptime", time.Since(d.started).Round(time.Second).String(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
	}
	if d.stats != nil {
		s := d.stats.GetStats()
		fields = append(fields,
			"jobs_active", s.JobsActive,
			"jobs_completed", s.JobsCompleted,
			"jobs_failed", s.JobsFailed,
			"jobs_cancelled", s.JobsCancelled)
	}
	d.logger.Info("Status dump", fields...)
}
