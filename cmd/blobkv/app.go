package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/blobkv"
	"pkt.systems/blobkv/internal/correlation"
	"pkt.systems/blobkv/internal/kv"
	"pkt.systems/blobkv/internal/loggingutil"
)

type storeOpener func(ctx context.Context, cfg blobkv.Config, logger pslog.Logger) (*kv.Store, error)

// app holds the state shared by every subcommand of one root command.
type app struct {
	logger pslog.Logger
	v      *viper.Viper
	open   storeOpener
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	return newRootCommandWithOpener(baseLogger, blobkv.OpenStore)
}

func newRootCommandWithOpener(baseLogger pslog.Logger, open storeOpener) *cobra.Command {
	a := &app{
		logger: loggingutil.EnsureLogger(baseLogger),
		v:      viper.New(),
		open:   open,
	}
	cmd := &cobra.Command{
		Use:           "blobkv",
		Short:         "blobkv is a conditional, lease-protected key-value store on top of blob storage",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # In-memory store (tests/dev only)
  blobkv --store mem:// put greeting --value hello

  # Azure Blob Storage, connection string read from BLOBKV_SECRET_STORAGE
  BLOBKV_SECRET_STORAGE='DefaultEndpointsProtocol=https;...' \
    blobkv --store azure://myaccount/settings --connection-string-secret storage get greeting

  # MinIO (append ?insecure=true for HTTP)
  BLOBKV_STORE='s3://localhost:9000/settings?insecure=true&path-style=true' \
    BLOBKV_S3_ACCESS_KEY_ID=minioadmin BLOBKV_S3_SECRET_ACCESS_KEY=minioadmin blobkv get greeting

  # Remove expired entries every minute and expose Prometheus metrics
  blobkv sweep --interval 1m --metrics-listen :9464
`,
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.blobkv/"+blobkv.DefaultConfigFileName+")")
	persistent.String("store", blobkv.DefaultStore, "blob backend URL (mem://, azure://account/container, s3://host[:port]/bucket, aws://bucket)")
	persistent.String("container", "", "container name when the store URL carries none")
	persistent.StringP("namespace", "n", "", "namespace prefixed to every key")
	persistent.String("connection-string-secret", "", "name of the secret holding an Azure connection string")
	persistent.String("sas-secret", "", "name of the secret holding an Azure SAS token (used when no connection string secret is set)")
	persistent.String("secrets-url", blobkv.DefaultSecretsURL, "comma separated secret sources (env://PREFIX, file:///dir, bao://host:port/mount)")
	persistent.String("account", "", "Azure storage account for SAS credentials")
	persistent.String("endpoint-suffix", blobkv.DefaultEndpointSuffix, "Azure storage endpoint suffix")
	persistent.String("azure-endpoint", "", "explicit Azure Blob service endpoint (Azurite, sovereign clouds)")
	persistent.String("aws-region", "", "AWS region for aws:// backends")
	persistent.String("s3-access-key-id", "", "access key for s3:// backends (or BLOBKV_S3_ACCESS_KEY_ID)")
	persistent.String("s3-secret-access-key", "", "secret key for s3:// backends (or BLOBKV_S3_SECRET_ACCESS_KEY)")
	persistent.String("s3-session-token", "", "session token for s3:// backends")
	persistent.Bool("lease-on-write", false, "hold a blob lease for the duration of every write")
	persistent.Duration("lease-duration", blobkv.DefaultLeaseDuration, "requested lease duration (15s-60s)")
	persistent.Duration("lease-wait", 0, "how long to retry a held lease before giving up")
	persistent.Duration("release-timeout", blobkv.DefaultReleaseTimeout, "bound on lease release after an operation")
	persistent.Bool("snapshot-on-write", false, "snapshot the current version before every overwrite")
	persistent.Bool("delete-expired-on-read", false, "delete expired entries when a read observes them")
	persistent.Int("retry-attempts", blobkv.DefaultRetryAttempts, "total tries for transient backend errors")
	persistent.Duration("retry-base-delay", blobkv.DefaultRetryBaseDelay, "initial backoff for backend retries")
	persistent.Duration("retry-max-delay", blobkv.DefaultRetryMaxDelay, "maximum backoff for backend retries")
	persistent.Int("page-size", blobkv.DefaultPageSize, "listing page size used by sweeps")
	persistent.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	a.v.SetEnvPrefix("BLOBKV")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	persistent.VisitAll(func(flag *pflag.Flag) {
		if err := a.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(a.newGetCommand())
	cmd.AddCommand(a.newPutCommand())
	cmd.AddCommand(a.newDeleteCommand())
	cmd.AddCommand(a.newSnapshotCommand())
	cmd.AddCommand(a.newSweepCommand())
	cmd.AddCommand(a.newContainerCommand())
	cmd.AddCommand(a.newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// config loads the optional config file and merges it with flags and
// BLOBKV_* environment variables.
func (a *app) config() (blobkv.Config, error) {
	if _, err := a.loadConfigFile(); err != nil {
		return blobkv.Config{}, err
	}
	v := a.v
	cfg := blobkv.Config{
		Store:                  v.GetString("store"),
		Container:              v.GetString("container"),
		Namespace:              v.GetString("namespace"),
		ConnectionStringSecret: v.GetString("connection-string-secret"),
		SASSecret:              v.GetString("sas-secret"),
		SecretsURL:             v.GetString("secrets-url"),
		Account:                v.GetString("account"),
		EndpointSuffix:         v.GetString("endpoint-suffix"),
		AzureEndpoint:          v.GetString("azure-endpoint"),
		AWSRegion:              v.GetString("aws-region"),
		S3AccessKeyID:          v.GetString("s3-access-key-id"),
		S3SecretAccessKey:      v.GetString("s3-secret-access-key"),
		S3SessionToken:         v.GetString("s3-session-token"),
		LeaseOnWrite:           v.GetBool("lease-on-write"),
		LeaseDuration:          v.GetDuration("lease-duration"),
		LeaseWait:              v.GetDuration("lease-wait"),
		ReleaseTimeout:         v.GetDuration("release-timeout"),
		SnapshotOnWrite:        v.GetBool("snapshot-on-write"),
		DeleteExpiredOnRead:    v.GetBool("delete-expired-on-read"),
		RetryAttempts:          v.GetInt("retry-attempts"),
		RetryBaseDelay:         v.GetDuration("retry-base-delay"),
		RetryMaxDelay:          v.GetDuration("retry-max-delay"),
		SweepInterval:          v.GetDuration("sweep-interval"),
		PageSize:               v.GetInt("page-size"),
		MetricsListen:          v.GetString("metrics-listen"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
		RuntimeMetrics:         v.GetBool("runtime-metrics"),
	}
	if err := cfg.Validate(); err != nil {
		return blobkv.Config{}, err
	}
	return cfg, nil
}

// loggerFor returns the base logger at the configured level, tagged with
// subsystem.
func (a *app) loggerFor(subsystem string) pslog.Logger {
	logger := a.logger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(a.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	return loggingutil.WithSubsystem(logger, subsystem)
}

// openStore resolves the effective config and opens the store. The returned
// context carries a correlation id for the command.
func (a *app) openStore(cmd *cobra.Command) (context.Context, *kv.Store, blobkv.Config, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, cfg, err
	}
	ctx := correlation.Ensure(cmd.Context())
	logger := a.loggerFor("cli." + cmd.Name()).With("cid", correlation.ID(ctx))
	store, err := a.open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, cfg, err
	}
	return ctx, store, cfg, nil
}

func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := blobkv.DefaultConfigFile(); err == nil {
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
	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
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
