package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"pkt.systems/pslog"

	"pkt.systems/maintd"
	"pkt.systems/maintd/internal/svcfields"
)

// app carries state shared by every command of one invocation.
type app struct {
	v       *viper.Viper
	logger  pslog.Logger
	logFile *lumberjack.Logger
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("MAINTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "maintd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if c, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if c == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{v: viper.New(), logger: baseLogger}
	v := a.v

	cmd := &cobra.Command{
		Use:           "maintd",
		Short:         "maintd keeps a fleet-wide maintenance flag with self-expiring leases",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  maintd --store mem://

  # Local directory shared by several servers on one host
  maintd --store disk:///var/lib/maintd

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  MAINTD_STORE=s3://localhost:9000/maintd?insecure=1 MAINTD_S3_ACCESS_KEY_ID=minioadmin MAINTD_S3_SECRET_ACCESS_KEY=minioadmin maintd

  # AWS S3 through the AWS SDK
  MAINTD_STORE=aws://my-bucket/maintd MAINTD_AWS_REGION=eu-north-1 maintd

  # Put the fleet in maintenance for 30 minutes, then watch it revert
  maintd set maintenance --lease 30m
  maintd watch
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			logLevel := strings.TrimSpace(v.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			logger := baseLogger
			if path := strings.TrimSpace(v.GetString("log-file")); path != "" {
				expanded, err := expandPath(path)
				if err != nil {
					return fmt.Errorf("expand log file %q: %w", path, err)
				}
				a.logFile = &lumberjack.Logger{
					Filename:   expanded,
					MaxSize:    v.GetInt("log-max-size"),
					MaxBackups: v.GetInt("log-max-backups"),
					MaxAge:     v.GetInt("log-max-age"),
					Compress:   true,
				}
				logger = pslog.NewStructured(cmd.Context(), a.logFile).With("app", "maintd")
			}
			switch strings.ToLower(logLevel) {
			case "none", "off", "disabled":
				a.logger = pslog.NoopLogger()
			default:
				level, ok := pslog.ParseLevel(logLevel)
				if !ok {
					return fmt.Errorf("invalid log level %q", logLevel)
				}
				a.logger = logger.LogLevel(level)
			}
			if configFile != "" {
				svcfields.WithSubsystem(a.logger, "cli.root").Debug("loaded config file", "path", configFile)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logFile != nil {
				return a.logFile.Close()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd.Context(), a)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.maintd/"+maintd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace|debug|info|warn|error|none)")
	persistentFlags.String("log-file", "", "write logs to this file with size based rotation instead of stderr")
	persistentFlags.Int("log-max-size", 10, "megabytes per log file before rotation")
	persistentFlags.Int("log-max-backups", 3, "rotated log files to keep")
	persistentFlags.Int("log-max-age", 7, "days to keep rotated log files")
	addClientFlags(persistentFlags)

	flags := cmd.Flags()
	flags.String("listen", maintd.DefaultListen, "listen address")
	flags.String("store", maintd.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.Duration("max-lease", maintd.DefaultMaxLease, "longest lease a client may request")
	flags.String("max-body", humanizeBytes(maintd.DefaultJSONMaxBytes), "maximum request body size")
	flags.Duration("sweeper-interval", maintd.DefaultSweeperInterval, "interval between expired lease sweeps (0 disables)")
	flags.Int("cas-attempts", maintd.DefaultCASAttempts, "compare-and-swap attempts per write")
	flags.Duration("shutdown-timeout", maintd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("metrics-listen", maintd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", maintd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Int("storage-retry-attempts", maintd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", maintd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", maintd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", maintd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("aws-region", "", "AWS region for aws:// backends")
	flags.String("azure-account", "", "Azure Storage account (overrides the URL host)")
	flags.String("azure-key", "", "Azure Storage account key (or use MAINTD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to https://<account>.blob.core.windows.net)")
	flags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	v.SetEnvPrefix("MAINTD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	names := []string{
		"config", "log-level", "log-file", "log-max-size", "log-max-backups", "log-max-age",
		"listen", "store", "max-lease", "max-body", "sweeper-interval", "cas-attempts", "shutdown-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"aws-region", "azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	}
	names = append(names, clientFlagNames...)
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newStatusCommand(a))
	cmd.AddCommand(newSetCommand(a))
	cmd.AddCommand(newWatchCommand(a))
	cmd.AddCommand(newResetCommand(a))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func runServer(ctx context.Context, a *app) error {
	logger := a.logger
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
		"welcome to maintd",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"gid", os.Getgid(),
	)
	var cfg maintd.Config
	if err := bindConfig(a.v, &cfg); err != nil {
		return err
	}
	server, err := maintd.NewServer(cfg, maintd.WithLogger(logger))
	if err != nil {
		return err
	}
	shutdownTimeout := a.v.GetDuration("shutdown-timeout")
	if shutdownTimeout <= 0 {
		shutdownTimeout = maintd.DefaultShutdownTimeout
	}
	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
	defer func() { _ = shutdown() }()

	go func() {
		<-ctx.Done()
		if err := shutdown(); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func bindConfig(v *viper.Viper, cfg *maintd.Config) error {
	cfg.Listen = v.GetString("listen")
	cfg.Store = v.GetString("store")
	cfg.MaxLease = v.GetDuration("max-lease")
	if maxBytes := strings.TrimSpace(v.GetString("max-body")); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse max-body: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.SweeperInterval = v.GetDuration("sweeper-interval")
	cfg.CASAttempts = v.GetInt("cas-attempts")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	cfg.AWSRegion = strings.TrimSpace(v.GetString("aws-region"))
	cfg.AzureAccount = strings.TrimSpace(v.GetString("azure-account"))
	cfg.AzureAccountKey = v.GetString("azure-key")
	cfg.AzureEndpoint = v.GetString("azure-endpoint")
	cfg.AzureSASToken = v.GetString("azure-sas-token")
	return nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := maintd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, maintd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// relative renders t against now the way humanize does, or "never" for the
// zero time.
func relative(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
