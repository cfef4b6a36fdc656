package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/scanning"
	"github.com/anstrom/sharescan/internal/worker"
)

const workerStopTimeout = 10 * time.Second

// scanOptions holds the scan command flags.
type scanOptions struct {
	exclude       []string
	mode          *modeValue
	proxy         proxyValue
	creds         credentialFlags
	port          int
	timeout       time.Duration
	workers       int
	enumWorkers   int
	includeHidden bool
	remote        string
	apiKey        string
	jsonLines     bool
}

var scanOpts = scanOptions{mode: newModeValue(scanning.ModeQuick)}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan RANGE",
	Short: "Find SMB hosts and list their shares",
	Long: `Scan probes every address of RANGE (an IPv4 CIDR or single address) on the
SMB port, then lists the shares of every host that answered.

Quick mode only lists shares. Deep mode also probes each share for read and
write access. Hidden shares (ending in $) are skipped unless --include-hidden
is given.

With --remote the job runs on a sharescan server started with 'sharescan
serve' and progress is streamed back over its websocket.`,
	Example: `  sharescan scan 192.168.1.0/24
  sharescan scan 10.0.0.0/16 --exclude 10.0.5.0/24 --mode deep -u alice -p secret
  sharescan scan 172.16.0.0/24 --proxy example1
  sharescan scan 172.16.0.0/24 --proxy 127.0.0.1:9050
  sharescan scan 10.0.0.0/24 --remote ws://scanner:8445/api/v1/scans/stream`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	f := scanCmd.Flags()
	f.StringSliceVar(&scanOpts.exclude, "exclude", nil, "Addresses or CIDRs to skip (repeatable)")
	f.Var(scanOpts.mode, "mode", "Scan mode: quick or deep")
	f.Var(&scanOpts.proxy, "proxy", "SOCKS5 proxy: a configured name or host:port")
	scanOpts.creds.register(f)
	f.IntVar(&scanOpts.port, "port", 0, "SMB port (default from config, 445)")
	f.DurationVar(&scanOpts.timeout, "timeout", 0, "Per-host probe timeout (default from config, 2s)")
	f.IntVar(&scanOpts.workers, "workers", 0, "Concurrent liveness probes (default from config, 100)")
	f.IntVar(&scanOpts.enumWorkers, "enum-workers", 0, "Concurrent share enumerations (default from config, 25)")
	f.BoolVar(&scanOpts.includeHidden, "include-hidden", false, "Report hidden ($) shares")
	f.StringVar(&scanOpts.remote, "remote", "", "Run on a sharescan server at this websocket URL")
	f.StringVar(&scanOpts.apiKey, "api-key", "", "API key for --remote (or SHARESCAN_API_KEY)")
	f.BoolVar(&scanOpts.jsonLines, "json", false, "Print progress messages as JSON lines")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := scanOpts.request(cfg, args[0])
	if err != nil {
		return err
	}

	w, cleanup, err := scanOpts.worker(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return executeScan(ctx, w, req, cmd.OutOrStdout(), scanOpts.jsonLines)
}

// request builds the scan request from flags. Unset tuning fields are left
// zero so the worker applies its own configuration.
func (o *scanOptions) request(cfg *config.Config, target string) (scanning.ScanRequest, error) {
	proxy, err := o.proxy.Resolve(cfg)
	if err != nil {
		return scanning.ScanRequest{}, err
	}
	return scanning.ScanRequest{
		Range:               target,
		Exclude:             o.exclude,
		Mode:                scanning.ScanMode(*o.mode),
		Proxy:               proxy,
		Credentials:         o.creds.credentials(),
		ProbeTimeoutMS:      int(o.timeout / time.Millisecond),
		PortScanConcurrency: o.workers,
		EnumConcurrency:     o.enumWorkers,
		Port:                o.port,
		IncludeHidden:       o.includeHidden,
	}, nil
}

// worker returns a remote worker for --remote and an in-process one
// otherwise.
func (o *scanOptions) worker(cfg *config.Config) (worker.Worker, func(), error) {
	logger := logging.Default()
	if o.remote != "" {
		key := o.apiKey
		if key == "" {
			key = envString("api_key")
		}
		ka := worker.WithKeepalive(worker.Keepalive{PongWait: cfg.API.StreamKeepalive})
		return worker.NewRemoteWorker(o.remote, key, cfg.Scanning.MessageBuffer, logger, ka), func() {}, nil
	}

	orch := scanning.NewOrchestrator(cfg.Scanning,
		scanning.WithMetrics(cliRecorder(cfg)),
		scanning.WithLogger(logger),
	)
	local := worker.NewLocalWorker(orch, cfg.Scanning.MessageBuffer, logger)
	return local, func() {
		ctx, cancel := context.WithTimeout(context.Background(), workerStopTimeout)
		defer cancel()
		_ = local.Stop(ctx)
	}, nil
}

// executeScan runs one job to completion, printing progress to out.
// Cancelling ctx cancels the job; the stream is still drained to its
// terminal message.
func executeScan(ctx context.Context, w worker.Worker, req scanning.ScanRequest, out io.Writer, jsonLines bool) error {
	h, err := w.Start(context.Background(), req)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.Done():
		}
	}()

	printer := newProgressPrinter(out, jsonLines)
	var last scanning.ProgressMessage
	for m := range h.Messages() {
		printer.handle(m)
		last = m
	}

	if err := printer.summary(last.Summary); err != nil {
		return err
	}

	switch last.Type {
	case scanning.MessageJobDone:
		return nil
	case scanning.MessageJobCancelled:
		return fmt.Errorf("scan %s cancelled", h.JobID())
	default:
		if last.Error != nil {
			return fmt.Errorf("scan %s failed: %s: %s", h.JobID(), last.Error.Code, last.Error.Message)
		}
		return fmt.Errorf("scan %s ended without a result", h.JobID())
	}
}
