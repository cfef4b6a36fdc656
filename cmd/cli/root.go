// Package cli provides command-line interface commands for sharescan.
// This package implements the Cobra-based CLI structure with commands for
// scanning, browsing shares, serving the remote worker API and managing API
// keys.
package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/metrics"
)

const envPrefix = "SHARESCAN"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sharescan",
	Short: "SMB share scanner",
	Long: `sharescan finds hosts answering on the SMB port across an address range,
lists the shares they export and optionally probes read and write access.

Open shares can be browsed and searched through a cached recursive index,
and the scanner can run behind an API server that remote controllers drive
over a websocket.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPostRun: func(*cobra.Command, []string) {
		if verbose {
			logMetrics()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./sharescan.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("sharescan")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// loadConfig loads the config file, if any, and applies environment
// overrides. Command flags are applied on top by each command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, cfg.Validate()
}

// applyEnvOverrides copies SHARESCAN_* settings that have no flag of their
// own into cfg.
func applyEnvOverrides(cfg *config.Config) {
	if v := viper.GetString("log_level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("log_format"); v != "" {
		cfg.Logging.Format = v
	}
	if v := viper.GetInt("smb_port"); v > 0 {
		cfg.Scanning.Port = v
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyEnvOverrides(cfg)

	level := cfg.Logging.Level
	if verbose {
		level = string(logging.LevelDebug)
	}

	logger, err := logging.New(logging.Config{
		Level:     logging.LogLevel(level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: level == string(logging.LevelDebug),
	})
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Debug("Structured logging initialized", "level", level, "format", cfg.Logging.Format)
	}
}

// envString returns the SHARESCAN_-prefixed setting key, or "".
func envString(key string) string {
	return viper.GetString(key)
}

// cliRecorder returns the recorder used by one-shot commands. Without a
// scrape endpoint their events go to the in-memory registry.
func cliRecorder(cfg *config.Config) metrics.Recorder {
	metrics.SetEnabled(cfg.Metrics.Enabled)
	return metrics.NewRegistryRecorder(nil)
}

// logMetrics writes the in-memory registry to the debug log.
func logMetrics() {
	snapshot := metrics.GetMetrics()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m := snapshot[k]
		logging.Debug("metric", "name", m.Name, "type", string(m.Type), "labels", m.Labels, "value", m.Value)
	}
}
