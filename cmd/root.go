// Package cmd is the cassandra command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

var (
	cfg     *config.Config
	log     *logger.Logger
	tracing core.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "cassandra",
	Short: "Scope-gated recon and attack orchestrator for authorized testing",
	Long: `Cassandra fingerprints in-scope targets, runs the tools mapped to each
detected technology, extracts secrets and endpoints from client-side
scripts and probes numeric identifiers for IDOR.

Only run it against assets you are authorized to test.

COMMANDS:
  cassandra run --scope scope.json          Recon then scan every live host
  cassandra run --mode attack -t targets.txt Scan a fixed target list
  cassandra scope check <target>...         Explain scope decisions
  cassandra fingerprint <url>               Show the technology profile
  cassandra extract <url>                   Script extraction only
  cassandra idor <url>                      IDOR probe only
  cassandra workers enqueue|start|pending   Distributed processing via Redis
  cassandra results scans|secrets|endpoints Query stored findings`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		if err := initConfig(cmd); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		tracing, err = telemetry.New(cmd.Context(), cfg.Telemetry, Version)
		if err != nil {
			log.Warnw("Tracing disabled", "error", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if tracing != nil {
			if err := tracing.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to flush traces: %v\n", err)
			}
		}
		if log != nil {
			// Sync on a terminal returns EINVAL on Linux.
			if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
				fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
			}
		}
	},
}

// ExecuteContext runs the command tree; ctx is cancelled on interrupt.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	defaults := config.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.String("config", "", "optional YAML config file")

	flags.String("log-level", defaults.Logger.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Logger.Format, "log format (json, console)")
	bind("logger.level", "log-level", "CASSANDRA_LOG_LEVEL")
	bind("logger.format", "log-format", "CASSANDRA_LOG_FORMAT")

	flags.String("db-dsn", defaults.Database.DSN, "PostgreSQL connection string")
	flags.Bool("db-fallback-memory", defaults.Database.FallbackToMemory, "keep results in memory when the database is unreachable")
	bind("database.dsn", "db-dsn", "CASSANDRA_DATABASE_DSN", "DATABASE_URL")
	bind("database.fallback_to_memory", "db-fallback-memory", "CASSANDRA_DB_FALLBACK_MEMORY")

	flags.String("redis-addr", defaults.Redis.Addr, "Redis server address")
	flags.String("redis-password", "", "Redis password")
	bind("redis.addr", "redis-addr", "CASSANDRA_REDIS_ADDR")
	bind("redis.password", "redis-password", "CASSANDRA_REDIS_PASSWORD")

	flags.String("discord-webhook", "", "Discord webhook URL for alerts")
	bind("alerting.discord_webhook_url", "discord-webhook", "CASSANDRA_DISCORD_WEBHOOK_URL", "DISCORD_WEBHOOK_URL")

	flags.String("rules", defaults.Orchestrator.RulesFile, "technology rule table (JSON or YAML)")
	flags.String("proxies", defaults.Orchestrator.ProxyFile, "proxy list, one per line")
	flags.String("deny", defaults.Orchestrator.DenyFile, "deny list, one pattern per line")
	flags.String("storage-state", defaults.Orchestrator.StorageState, "browser storage state with session cookies")
	flags.String("output-dir", defaults.Orchestrator.OutputDir, "directory for recon and findings output")
	bind("orchestrator.rules_file", "rules", "CASSANDRA_RULES_FILE")
	bind("orchestrator.proxy_file", "proxies", "CASSANDRA_PROXY_FILE")
	bind("orchestrator.deny_file", "deny", "CASSANDRA_DENY_FILE")
	bind("orchestrator.storage_state", "storage-state", "CASSANDRA_STORAGE_STATE")
	bind("orchestrator.output_dir", "output-dir", "CASSANDRA_OUTPUT_DIR")

	flags.Bool("metrics", defaults.Metrics.Enabled, "expose Prometheus metrics")
	flags.String("metrics-addr", defaults.Metrics.Addr, "metrics listen address")
	bind("metrics.enabled", "metrics", "CASSANDRA_METRICS_ENABLED")
	bind("metrics.addr", "metrics-addr", "CASSANDRA_METRICS_ADDR")

	flags.Bool("tracing", defaults.Telemetry.Enabled, "export traces over OTLP/HTTP")
	flags.String("otlp-endpoint", defaults.Telemetry.Endpoint, "OTLP/HTTP collector endpoint")
	bind("telemetry.enabled", "tracing", "CASSANDRA_TRACING")
	bind("telemetry.endpoint", "otlp-endpoint", "CASSANDRA_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	viper.BindEnv("attack.ssrf_callback", "CASSANDRA_SSRF_CALLBACK")
	viper.BindEnv("http.proxy", "CASSANDRA_HTTP_PROXY")
	viper.BindEnv("extraction.chrome_path", "CASSANDRA_CHROME_PATH")
}

func bind(key, flag string, envs ...string) {
	viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	if len(envs) > 0 {
		viper.BindEnv(append([]string{key}, envs...)...)
	}
}

// initConfig layers defaults, the optional config file, environment and
// flags, in increasing precedence.
func initConfig(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CASSANDRA_CONFIG")
	}
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.SetEnvPrefix("CASSANDRA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	loaded, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// loadConfig decodes v on top of the defaults and validates the result.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	c := config.DefaultConfig()
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}
