package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pkt.systems/maintd"
	"pkt.systems/maintd/api"
	maintdclient "pkt.systems/maintd/client"
	"pkt.systems/maintd/coordinator"
	"pkt.systems/maintd/internal/svcfields"
	"pkt.systems/maintd/internal/version"
)

const (
	defaultServerURL = "http://127.0.0.1:9343"
	// cacheFileNone selects a private in-memory cache instead of a file.
	cacheFileNone = "none"

	defaultReadTimeout  = maintdclient.DefaultReadTimeout
	defaultWriteTimeout = maintdclient.DefaultWriteTimeout
)

var clientFlagNames = []string{"server", "cache-file", "read-timeout", "write-timeout", "header", "source", "correlation-id"}

func addClientFlags(flags *pflag.FlagSet) {
	flags.String("server", defaultServerURL, "maintd server URL used by client commands")
	flags.String("cache-file", defaultCacheFile(), "device cache shared by client processes (\"none\" keeps it in memory)")
	flags.Duration("read-timeout", defaultReadTimeout, "timeout for state reads")
	flags.Duration("write-timeout", defaultWriteTimeout, "timeout for state writes")
	flags.StringSlice("header", nil, "extra request header as Key=Value (repeatable)")
	flags.String("source", defaultSource(), "label recorded with state changes")
	flags.String("correlation-id", "", "correlation identifier sent with requests (generated when empty)")
}

func defaultCacheFile() string {
	dir, err := maintd.DefaultConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), maintd.DefaultCacheFileName)
	}
	return filepath.Join(dir, maintd.DefaultCacheFileName)
}

func defaultSource() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "maintd-cli"
	}
	return "maintd-cli@" + host
}

type clientCLIConfig struct {
	a             *app
	server        string
	cacheFile     string
	readTimeout   time.Duration
	writeTimeout  time.Duration
	headers       map[string]string
	source        string
	correlationID string
}

func loadClientConfig(a *app) (*clientCLIConfig, error) {
	v := a.v
	cfg := &clientCLIConfig{
		a:             a,
		server:        strings.TrimSpace(v.GetString("server")),
		cacheFile:     strings.TrimSpace(v.GetString("cache-file")),
		readTimeout:   v.GetDuration("read-timeout"),
		writeTimeout:  v.GetDuration("write-timeout"),
		source:        strings.TrimSpace(v.GetString("source")),
		correlationID: strings.TrimSpace(v.GetString("correlation-id")),
	}
	if cfg.server == "" {
		cfg.server = defaultServerURL
	}
	if cfg.readTimeout <= 0 {
		cfg.readTimeout = defaultReadTimeout
	}
	if cfg.writeTimeout <= 0 {
		cfg.writeTimeout = defaultWriteTimeout
	}
	if cfg.correlationID == "" {
		cfg.correlationID = uuid.NewString()
	}
	headers, err := parseHeaders(v.GetStringSlice("header"))
	if err != nil {
		return nil, err
	}
	cfg.headers = headers
	return cfg, nil
}

func parseHeaders(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			key, value, ok = strings.Cut(pair, ":")
		}
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q (want Key=Value)", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func (c *clientCLIConfig) context(ctx context.Context) context.Context {
	return maintdclient.WithCorrelationID(ctx, c.correlationID)
}

func (c *clientCLIConfig) client() (*maintdclient.Client, error) {
	opts := []maintdclient.Option{
		maintdclient.WithLogger(c.a.logger),
		maintdclient.WithReadTimeout(c.readTimeout),
		maintdclient.WithWriteTimeout(c.writeTimeout),
		maintdclient.WithUserAgent(version.UserAgent("maintd-cli")),
	}
	for key, value := range c.headers {
		opts = append(opts, maintdclient.WithHeader(key, value))
	}
	return maintdclient.New(c.server, opts...)
}

func (c *clientCLIConfig) cache() (coordinator.Cache, error) {
	if c.cacheFile == "" || strings.EqualFold(c.cacheFile, cacheFileNone) {
		return coordinator.NewMemoryCache(), nil
	}
	path, err := expandPath(c.cacheFile)
	if err != nil {
		return nil, fmt.Errorf("expand cache path %q: %w", c.cacheFile, err)
	}
	return coordinator.NewFileCache(path, coordinator.FileCacheOptions{Logger: c.a.logger})
}

// coordinator builds a coordinator over the configured cache. The returned
// release func closes both.
func (c *clientCLIConfig) coordinator(tune func(*coordinator.Config)) (*coordinator.Coordinator, func(), error) {
	cli, err := c.client()
	if err != nil {
		return nil, nil, err
	}
	cache, err := c.cache()
	if err != nil {
		return nil, nil, err
	}
	cfg := coordinator.DefaultConfig()
	cfg.ReadTimeout = c.readTimeout
	cfg.WriteTimeout = c.writeTimeout
	cfg.Source = c.source
	if tune != nil {
		tune(&cfg)
	}
	coord, err := coordinator.New(cfg, cli, coordinator.WithCache(cache), coordinator.WithLogger(c.a.logger))
	if err != nil {
		_ = cache.Close()
		return nil, nil, err
	}
	release := func() {
		_ = coord.Close()
		_ = cache.Close()
	}
	return coord, release, nil
}

func newStatusCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the maintenance state held by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadClientConfig(a)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			state, err := cli.Read(cfg.context(cmd.Context()))
			if err != nil {
				return fmt.Errorf("read state from %s: %w", cfg.server, err)
			}
			switch strings.ToLower(output) {
			case "json":
				return writeJSON(cmd.OutOrStdout(), api.NewStateResponse(state))
			case "", "text":
				return printState(cmd.OutOrStdout(), state, time.Now())
			default:
				return fmt.Errorf("unknown output format %q (want text or json)", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json)")
	return cmd
}

func newSetCommand(a *app) *cobra.Command {
	var lease time.Duration
	var noWait bool
	cmd := &cobra.Command{
		Use:       "set <normal|maintenance>",
		Short:     "Switch the fleet between normal and maintenance mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(api.ModeNormal), string(api.ModeMaintenance)},
		Example: `
  # Maintenance for 30 minutes, reverting automatically afterwards
  maintd set maintenance --lease 30m

  # Maintenance until someone switches it off
  maintd set maintenance

  # Back to normal
  maintd set normal
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			mode, err := api.ParseMode(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadClientConfig(a)
			if err != nil {
				return err
			}
			coord, release, err := cfg.coordinator(nil)
			if err != nil {
				return err
			}
			defer release()

			ctx := cfg.context(cmd.Context())
			pending, err := coord.SetState(ctx, mode, lease)
			if err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(a.logger, "cli.set")
			if noWait {
				return printState(cmd.OutOrStdout(), coord.State(), time.Now())
			}
			res, err := pending.Wait(ctx)
			if err != nil {
				var writeErr *coordinator.WriteError
				if errors.As(err, &writeErr) && writeErr.Warning() {
					logger.Warn("state applied locally but not confirmed", "server", cfg.server, "error", writeErr.Err)
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", err)
					return printState(cmd.OutOrStdout(), writeErr.State, time.Now())
				}
				return err
			}
			logger.Debug("state confirmed", "mode", res.State.Mode, "applied_at", res.AppliedAt)
			return printState(cmd.OutOrStdout(), res.State, time.Now())
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", 0, "auto-revert to normal after this long (maintenance only; 0 means no lease)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return without waiting for the server to confirm")
	return cmd
}

func newWatchCommand(a *app) *cobra.Command {
	var pollInterval time.Duration
	var warnThreshold time.Duration
	var idleTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the maintenance state, connectivity and lease warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadClientConfig(a)
			if err != nil {
				return err
			}
			coord, release, err := cfg.coordinator(func(c *coordinator.Config) {
				c.PollInterval = pollInterval
				c.WarnThreshold = warnThreshold
				c.IdleTimeout = idleTimeout
			})
			if err != nil {
				return err
			}
			defer release()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			coord.Subscribe(func(ch coordinator.Change) {
				out.printf("%s %s -> %s (%s)\n", stamp(), describeMode(ch.Previous), describeMode(ch.Current), ch.Cause)
			})
			coord.OnPreExpiry(func(n coordinator.PreExpiryNotification) {
				out.printf("%s lease expires in %s at %s\n", stamp(), n.Remaining.Round(time.Second), api.FormatTime(n.LeaseExpiry))
			})
			// Checking flips on every poll; only settled transitions are shown.
			var shown coordinator.Status
			coord.Monitor().Subscribe(func(s coordinator.Status) {
				if s == coordinator.StatusChecking {
					return
				}
				out.mu.Lock()
				defer out.mu.Unlock()
				if s == shown {
					return
				}
				shown = s
				fmt.Fprintf(out.w, "%s server %s\n", stamp(), s)
			})

			ctx := cfg.context(cmd.Context())
			out.printf("%s watching %s as %s (current %s)\n", stamp(), cfg.server, coord.Config().Source, describeMode(coord.State()))
			if err := coord.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", coordinator.DefaultPollInterval, "interval between server polls")
	cmd.Flags().DurationVar(&warnThreshold, "warn-threshold", coordinator.DefaultWarnThreshold, "warn this long before a lease expires")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "pause polling after this much inactivity (0 keeps polling)")
	return cmd
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func stamp() string {
	return time.Now().Format(time.TimeOnly)
}

func describeMode(state api.State) string {
	if state.HasLease() {
		return fmt.Sprintf("%s until %s", state.Mode, api.FormatTime(state.LeaseExpiry))
	}
	return state.Mode.String()
}

func printState(out io.Writer, state api.State, now time.Time) error {
	lease := "none"
	if state.HasLease() {
		lease = fmt.Sprintf("%s (%s)", api.FormatTime(state.LeaseExpiry), relative(state.LeaseExpiry, now))
	}
	updated := "never"
	if !state.LastUpdatedAt.IsZero() {
		updated = fmt.Sprintf("%s (%s)", api.FormatTime(state.LastUpdatedAt), relative(state.LastUpdatedAt, now))
	}
	source := state.Source
	if source == "" {
		source = "-"
	}
	_, err := fmt.Fprintf(out, "mode:    %s\nlease:   %s\nupdated: %s\nsource:  %s\n", state.Mode, lease, updated, source)
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
