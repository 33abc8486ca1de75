package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/blobkv"
)

// configFile is the on-disk YAML layout. Keys match the long flag names.
type configFile struct {
	Store                  string `yaml:"store"`
	Container              string `yaml:"container,omitempty"`
	Namespace              string `yaml:"namespace,omitempty"`
	ConnectionStringSecret string `yaml:"connection-string-secret,omitempty"`
	SASSecret              string `yaml:"sas-secret,omitempty"`
	SecretsURL             string `yaml:"secrets-url"`
	Account                string `yaml:"account,omitempty"`
	EndpointSuffix         string `yaml:"endpoint-suffix"`
	AzureEndpoint          string `yaml:"azure-endpoint,omitempty"`
	AWSRegion              string `yaml:"aws-region,omitempty"`
	S3AccessKeyID          string `yaml:"s3-access-key-id,omitempty"`
	LeaseOnWrite           bool   `yaml:"lease-on-write"`
	LeaseDuration          string `yaml:"lease-duration"`
	LeaseWait              string `yaml:"lease-wait"`
	ReleaseTimeout         string `yaml:"release-timeout"`
	SnapshotOnWrite        bool   `yaml:"snapshot-on-write"`
	DeleteExpiredOnRead    bool   `yaml:"delete-expired-on-read"`
	RetryAttempts          int    `yaml:"retry-attempts"`
	RetryBaseDelay         string `yaml:"retry-base-delay"`
	RetryMaxDelay          string `yaml:"retry-max-delay"`
	SweepInterval          string `yaml:"sweep-interval"`
	PageSize               int    `yaml:"page-size"`
	MetricsListen          string `yaml:"metrics-listen,omitempty"`
	OTLPEndpoint           string `yaml:"otlp-endpoint,omitempty"`
	RuntimeMetrics         bool   `yaml:"runtime-metrics,omitempty"`
}

func newConfigFile(cfg blobkv.Config) configFile {
	return configFile{
		Store:                  cfg.Store,
		Container:              cfg.Container,
		Namespace:              cfg.Namespace,
		ConnectionStringSecret: cfg.ConnectionStringSecret,
		SASSecret:              cfg.SASSecret,
		SecretsURL:             cfg.SecretsURL,
		Account:                cfg.Account,
		EndpointSuffix:         cfg.EndpointSuffix,
		AzureEndpoint:          cfg.AzureEndpoint,
		AWSRegion:              cfg.AWSRegion,
		S3AccessKeyID:          cfg.S3AccessKeyID,
		LeaseOnWrite:           cfg.LeaseOnWrite,
		LeaseDuration:          cfg.LeaseDuration.String(),
		LeaseWait:              cfg.LeaseWait.String(),
		ReleaseTimeout:         cfg.ReleaseTimeout.String(),
		SnapshotOnWrite:        cfg.SnapshotOnWrite,
		DeleteExpiredOnRead:    cfg.DeleteExpiredOnRead,
		RetryAttempts:          cfg.RetryAttempts,
		RetryBaseDelay:         cfg.RetryBaseDelay.String(),
		RetryMaxDelay:          cfg.RetryMaxDelay.String(),
		SweepInterval:          cfg.SweepInterval.String(),
		PageSize:               cfg.PageSize,
		MetricsListen:          cfg.MetricsListen,
		OTLPEndpoint:           cfg.OTLPEndpoint,
		RuntimeMetrics:         cfg.RuntimeMetrics,
	}
}

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(newConfigFile(cfg)); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	defaultOutput := "$HOME/.blobkv/" + blobkv.DefaultConfigFileName
	if path, err := blobkv.DefaultConfigFile(); err == nil {
		defaultOutput = path
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				path, err := blobkv.DefaultConfigFile()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			var defaults blobkv.Config
			if err := defaults.Validate(); err != nil {
				return err
			}
			data, err := yaml.Marshal(newConfigFile(defaults))
			if err != nil {
				return err
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
	return cmd
}
