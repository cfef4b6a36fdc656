package scanning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/metrics"
	"github.com/anstrom/sharescan/internal/smbclient"
)

// IsHiddenShare reports whether name is an administrative share.
func IsHiddenShare(name string) bool {
	return strings.HasSuffix(name, "$")
}

// ShareEnumerator lists the shares of alive hosts, and in deep mode probes
// each share's permissions. It has its own slot pool, sized independently of
// the liveness scanner.
type ShareEnumerator struct {
	Client        smbclient.Client
	Port          int
	Mode          ScanMode
	Credentials   smbclient.Credentials
	Concurrency   int
	IncludeHidden bool
	Metrics       metrics.Recorder
	Logger        *logging.Logger
}

// Enumerate processes every host and reports through emit, which must be
// safe for concurrent use. Shares of one host are emitted in listing order;
// hosts interleave freely. A host_enumerated message follows each finished
// host. Host failures are logged and skipped. Cancellation returns ctx's
// error without waiting for hosts in flight; a substrate failure stops the
// pass and is returned.
func (e *ShareEnumerator) Enumerate(ctx context.Context, hosts []HostResult, emit func(ProgressMessage)) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		done  int
		fatal error
		wg    sync.WaitGroup
	)
	finished := make(chan struct{})
	pool := NewSlotPool(e.Concurrency)

	go func() {
		defer close(finished)
		defer wg.Wait()

		for _, host := range hosts {
			if err := pool.Acquire(ctx, host.Address); err != nil {
				return
			}
			wg.Add(1)
			go func(address string) {
				defer wg.Done()
				defer pool.Release(address)

				abort := func(err error) {
					mu.Lock()
					if fatal == nil {
						fatal = err
					}
					mu.Unlock()
					cancel()
				}
				defer func() {
					if r := recover(); r != nil {
						abort(errors.ErrTransportLost(fmt.Errorf("enumerating %s: %v", address, r)))
					}
				}()

				if ctx.Err() != nil {
					return
				}
				if err := e.enumerateHost(ctx, address, emit); err != nil {
					if errors.IsFatal(err) {
						abort(err)
						return
					}
					if ctx.Err() != nil {
						return
					}
				}

				func() {
					mu.Lock()
					defer mu.Unlock()
					done++
					emit(HostEnumeratedMessage(address, done, len(hosts)))
				}()
			}(host.Address)
		}
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	if fatal != nil {
		return done, fatal
	}
	return done, ctx.Err()
}

func (e *ShareEnumerator) enumerateHost(ctx context.Context, host string, emit func(ProgressMessage)) error {
	start := time.Now()
	log := e.logger().WithHost(host)

	session, err := e.Client.Connect(ctx, host, e.Port, e.Credentials)
	if err != nil {
		return e.hostFailed(host, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug("Session close failed", "error", err)
		}
	}()

	names, err := session.ListShares(ctx)
	if err != nil {
		return e.hostFailed(host, err)
	}

	for _, name := range names {
		if !e.IncludeHidden && IsHiddenShare(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		perm := PermissionUnknown
		if e.Mode == ModeDeep {
			perm = e.probeShare(ctx, session, host, name)
		}

		emit(ShareFoundMessage(ShareResult{Host: host, Share: name, Permission: perm}))
		if e.Metrics != nil {
			e.Metrics.RecordShareFound(string(e.Mode), string(perm))
		}
	}

	if e.Metrics != nil {
		e.Metrics.RecordHostEnumerated(time.Since(start))
	}
	log.Debug("Host enumerated", "shares", len(names), "duration", time.Since(start))
	return nil
}

// probeShare runs the read and write probes. Failing to open the share at
// all downgrades it to inaccessible.
func (e *ShareEnumerator) probeShare(ctx context.Context, session smbclient.Session, host, share string) Permission {
	perms, err := session.ProbePermissions(ctx, share)
	if err != nil {
		e.logger().WithHost(host).Debug("Permission probe failed", "share", share, "error", err)
		return PermissionInaccessible
	}
	return PermissionFromProbe(perms)
}

func (e *ShareEnumerator) hostFailed(host string, err error) error {
	if errors.IsFatal(err) {
		return err
	}
	e.logger().WarnEnumeration("Host enumeration failed", host, err, "code", errors.GetCode(err))
	if e.Metrics != nil {
		e.Metrics.IncrementEnumerationFailures(string(errors.GetCode(err)))
	}
	return err
}

func (e *ShareEnumerator) logger() *logging.Logger {
	if e.Logger == nil {
		return logging.Default()
	}
	return e.Logger
}
