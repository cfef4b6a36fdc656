package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/sharescan/internal/api"
	apihandlers "github.com/anstrom/sharescan/internal/api/handlers"
	"github.com/anstrom/sharescan/internal/browse"
	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/daemon"
	"github.com/anstrom/sharescan/internal/index"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/metrics"
	"github.com/anstrom/sharescan/internal/scanning"
	"github.com/anstrom/sharescan/internal/worker"
)

const (
	serverShutdownTimeout = 30 * time.Second
	metricsUpdateInterval = 15 * time.Second
)

// Serve command flags.
var (
	serveListen  string
	servePort    int
	serveAPIKeys []string
	serveNoAuth  bool
	servePIDFile string
)

// serveCmd runs the API server in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sharescan API server",
	Long: `Serve hosts a scan worker behind an HTTP API.

Remote controllers start jobs over the websocket at /api/v1/scans/stream
('sharescan scan --remote'). Jobs can also be started, listed and cancelled
over REST at /api/v1/scans, and shares browsed at /api/v1/browse.

When API key hashes are configured (api.api_key_hashes, or --api-key-hash)
every endpoint except health, liveness and version requires the key in the
X-API-Key header. Generate hashes with 'sharescan apikey hash'.

SIGINT or SIGTERM shuts the server down; SIGUSR1 logs a status dump.`,
	Example: `  sharescan serve
  sharescan serve --listen 0.0.0.0 --port 8445 --api-key-hash '$2a$10$...'`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config, 127.0.0.1)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config, 8445)")
	serveCmd.Flags().StringSliceVar(&serveAPIKeys, "api-key-hash", nil, "bcrypt hash of an accepted API key (repeatable)")
	serveCmd.Flags().StringVar(&servePIDFile, "pid-file", "", "Write the process ID to this file while serving")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "Disable API key checks even if hashes are configured")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cfg)

	logger := logging.Default()
	prom := metrics.GetGlobalMetrics()

	orch := scanning.NewOrchestrator(cfg.Scanning, scanning.WithMetrics(prom), scanning.WithLogger(logger))
	local := worker.NewLocalWorker(orch, cfg.Scanning.MessageBuffer, logger)
	cache := index.NewCache(cfg.Browse, prom, logger)
	manager := browse.NewManager(cfg, cache, browse.WithLogger(logger))

	srv, err := api.New(cfg, local, manager,
		api.WithLogger(logger),
		api.WithMetrics(prom),
		api.WithBuildInfo(apihandlers.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}),
	)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if len(cfg.API.APIKeyHashes) == 0 {
		logger.Warn("API key authentication disabled", "address", srv.GetAddress())
	}

	d := daemon.New(srv, daemon.Options{
		PIDFile:         servePIDFile,
		ShutdownTimeout: serverShutdownTimeout,
		Stats:           local,
		Logger:          logger,
	})
	d.OnShutdown("worker", local.Stop)
	d.OnShutdown("browse", func(context.Context) error {
		manager.CloseAll()
		cache.Close()
		return nil
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if cfg.Metrics.Enabled {
		go prom.StartPeriodicUpdates(ctx, metricsUpdateInterval)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sharescan %s listening on http://%s\n", version, srv.GetAddress())
	if err := d.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Server stopped")
	return nil
}

func applyServeFlags(cfg *config.Config) {
	if serveListen != "" {
		cfg.API.ListenAddr = serveListen
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if len(serveAPIKeys) > 0 {
		cfg.API.APIKeyHashes = append(cfg.API.APIKeyHashes, serveAPIKeys...)
	}
	if serveNoAuth {
		cfg.API.APIKeyHashes = nil
	}
}
