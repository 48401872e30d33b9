package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/maintd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage maintd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.maintd/" + maintd.DefaultConfigFileName
	if dir, err := maintd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, maintd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default maintd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := maintd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, maintd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the flag names so a generated file can be read back
// with --config.
type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	Store                   string  `yaml:"store"`
	MaxLease                string  `yaml:"max-lease"`
	MaxBody                 string  `yaml:"max-body"`
	SweeperInterval         string  `yaml:"sweeper-interval"`
	CASAttempts             int     `yaml:"cas-attempts"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	AWSRegion               string  `yaml:"aws-region"`
	AzureAccount            string  `yaml:"azure-account"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	Server                  string  `yaml:"server"`
	CacheFile               string  `yaml:"cache-file"`
	ReadTimeout             string  `yaml:"read-timeout"`
	WriteTimeout            string  `yaml:"write-timeout"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                  maintd.DefaultListen,
		Store:                   maintd.DefaultStore,
		MaxLease:                maintd.DefaultMaxLease.String(),
		MaxBody:                 humanizeBytes(maintd.DefaultJSONMaxBytes),
		SweeperInterval:         maintd.DefaultSweeperInterval.String(),
		CASAttempts:             maintd.DefaultCASAttempts,
		ShutdownTimeout:         maintd.DefaultShutdownTimeout.String(),
		MetricsListen:           maintd.DefaultMetricsListen,
		PprofListen:             maintd.DefaultPprofListen,
		StorageRetryMaxAttempts: maintd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   maintd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    maintd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  maintd.DefaultStorageRetryMultiplier,
		Server:                  defaultServerURL,
		CacheFile:               defaultCacheFile(),
		ReadTimeout:             defaultReadTimeout.String(),
		WriteTimeout:            defaultWriteTimeout.String(),
		LogLevel:                "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
