package blobkv

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/kv"
)

const (
	// DefaultStore points at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultContainer names the container used when the store URL carries none.
	DefaultContainer = "blobkv"
	// DefaultSecretsURL resolves secrets from BLOBKV_SECRET_<NAME> variables.
	DefaultSecretsURL = "env://BLOBKV_SECRET_"
	// DefaultEndpointSuffix is the Azure public cloud storage suffix.
	DefaultEndpointSuffix = kv.DefaultEndpointSuffix
	// DefaultLeaseDuration is how long write leases are requested for.
	DefaultLeaseDuration = kv.DefaultLeaseDuration
	// DefaultReleaseTimeout bounds lease release after an operation.
	DefaultReleaseTimeout = kv.DefaultReleaseTimeout
	// DefaultRetryAttempts is the total number of tries for transient backend errors.
	DefaultRetryAttempts = 4
	// DefaultRetryBaseDelay is the first backoff delay.
	DefaultRetryBaseDelay = 100 * time.Millisecond
	// DefaultRetryMaxDelay caps the backoff delay.
	DefaultRetryMaxDelay = 2 * time.Second
	// DefaultSweepInterval controls how often the sweeper removes expired entries.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultPageSize is the listing page size used by sweeps.
	DefaultPageSize = kv.DefaultPageSize
	// DefaultMetricsListen disables the Prometheus endpoint.
	DefaultMetricsListen = ""
	// DefaultConfigFileName is the file looked up under DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config describes how to open a store and what policies it applies.
type Config struct {
	Store     string `yaml:"store"`
	Container string `yaml:"container"`
	Namespace string `yaml:"namespace"`

	ConnectionStringSecret string `yaml:"connection-string-secret"`
	SASSecret              string `yaml:"sas-secret"`
	SecretsURL             string `yaml:"secrets-url"`
	Account                string `yaml:"account"`
	EndpointSuffix         string `yaml:"endpoint-suffix"`
	AzureEndpoint          string `yaml:"azure-endpoint"`

	AWSRegion         string `yaml:"aws-region"`
	S3AccessKeyID     string `yaml:"s3-access-key-id"`
	S3SecretAccessKey string `yaml:"-"`
	S3SessionToken    string `yaml:"-"`

	LeaseOnWrite        bool          `yaml:"lease-on-write"`
	LeaseDuration       time.Duration `yaml:"lease-duration"`
	LeaseWait           time.Duration `yaml:"lease-wait"`
	ReleaseTimeout      time.Duration `yaml:"release-timeout"`
	SnapshotOnWrite     bool          `yaml:"snapshot-on-write"`
	DeleteExpiredOnRead bool          `yaml:"delete-expired-on-read"`

	RetryAttempts  int           `yaml:"retry-attempts"`
	RetryBaseDelay time.Duration `yaml:"retry-base-delay"`
	RetryMaxDelay  time.Duration `yaml:"retry-max-delay"`

	SweepInterval time.Duration `yaml:"sweep-interval"`
	PageSize      int           `yaml:"page-size"`

	MetricsListen  string `yaml:"metrics-listen"`
	OTLPEndpoint   string `yaml:"otlp-endpoint"`
	RuntimeMetrics bool   `yaml:"runtime-metrics"`
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "azure", "s3", "aws":
	default:
		return fmt.Errorf("config: store scheme %q not supported (mem, azure, s3, aws)", u.Scheme)
	}
	ns, err := blob.CleanNamespace(c.Namespace)
	if err != nil {
		return fmt.Errorf("config: namespace: %w", err)
	}
	c.Namespace = ns
	if strings.TrimSpace(c.SecretsURL) == "" {
		c.SecretsURL = DefaultSecretsURL
	}
	if c.EndpointSuffix == "" {
		c.EndpointSuffix = DefaultEndpointSuffix
	}
	if u.Scheme == "azure" && c.ConnectionStringSecret == "" && c.SASSecret == "" {
		return fmt.Errorf("config: azure store requires a connection string or SAS secret name")
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.LeaseOnWrite && (c.LeaseDuration < kv.MinLeaseDuration || c.LeaseDuration > kv.MaxLeaseDuration) {
		return fmt.Errorf("config: lease duration must be between %s and %s", kv.MinLeaseDuration, kv.MaxLeaseDuration)
	}
	if c.LeaseWait < 0 {
		return fmt.Errorf("config: lease wait must be >= 0")
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	} else if c.RetryAttempts < 0 {
		return fmt.Errorf("config: retry attempts must be >= 0")
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay must be >= base delay")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("config: sweep interval must be >= 0")
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.RuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.blobkv).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("BLOBKV_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".blobkv"), nil
}

// DefaultConfigFile returns the default YAML config path.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
