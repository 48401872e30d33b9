package maintd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/maintd/internal/httpapi"
	"pkt.systems/maintd/internal/statestore"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9343"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = httpapi.DefaultJSONMaxBytes
	// DefaultMaxLease is the longest lease a client may request.
	DefaultMaxLease = statestore.DefaultMaxLease
	// DefaultSweeperInterval sets how often expired leases are reverted server side.
	DefaultSweeperInterval = 10 * time.Second
	// DefaultCASAttempts bounds the compare-and-swap loop of a single write.
	DefaultCASAttempts = statestore.DefaultCASAttempts
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultShutdownTimeout bounds graceful shutdown in the CLI.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultCacheFileName is the coordinator cache file the CLI shares between invocations.
	DefaultCacheFileName = "state-cache.json"
)

// Config captures the tunables for a maintd server.
type Config struct {
	// Listen is the TCP address of the HTTP API.
	Listen string
	// Store selects the storage backend (mem://, disk:///path, s3://host/bucket,
	// aws://bucket, azure://account/container).
	Store string

	// MaxLease caps how far in the future a lease may end.
	MaxLease time.Duration
	// JSONMaxBytes bounds request bodies.
	JSONMaxBytes int64
	// SweeperInterval controls the expired lease sweep. Zero or negative disables it.
	SweeperInterval time.Duration
	// CASAttempts bounds the compare-and-swap loop of a write.
	CASAttempts int

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// S3 credentials for s3:// stores. Empty values fall back to the
	// MAINTD_S3_* and AWS/MinIO environment variables.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// AWSRegion is required for aws:// stores unless the URL carries ?region=.
	AWSRegion string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://
	// or a bare host[:port] meaning gRPC).
	OTLPEndpoint string
	// MetricsListen serves Prometheus /metrics when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus exporter.
	EnableProfilingMetrics bool
	// HTTPTracing wraps the API handlers with otelhttp. It is enabled
	// automatically when OTLPEndpoint is set.
	HTTPTracing bool
}

// Validate fills in defaults and checks the configuration.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory", "disk", "s3", "aws", "azure":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if c.MaxLease == 0 {
		c.MaxLease = DefaultMaxLease
	} else if c.MaxLease < 0 {
		return fmt.Errorf("config: max lease must be >= 0")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.CASAttempts <= 0 {
		c.CASAttempts = DefaultCASAttempts
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	if c.OTLPEndpoint != "" {
		if _, err := resolveOTLPTarget(c.OTLPEndpoint); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.HTTPTracing = true
	}
	return nil
}

// DefaultConfigDir returns $MAINTD_CONFIG_DIR or $HOME/.maintd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("MAINTD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".maintd"), nil
}
