package blobkv

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected default store, got %q", cfg.Store)
	}
	if cfg.SecretsURL != DefaultSecretsURL || cfg.EndpointSuffix != DefaultEndpointSuffix {
		t.Fatalf("unexpected secret defaults %q %q", cfg.SecretsURL, cfg.EndpointSuffix)
	}
	if cfg.LeaseDuration != DefaultLeaseDuration || cfg.ReleaseTimeout != DefaultReleaseTimeout {
		t.Fatalf("unexpected lease defaults %s %s", cfg.LeaseDuration, cfg.ReleaseTimeout)
	}
	if cfg.RetryAttempts != DefaultRetryAttempts || cfg.RetryBaseDelay != DefaultRetryBaseDelay || cfg.RetryMaxDelay != DefaultRetryMaxDelay {
		t.Fatalf("unexpected retry defaults %+v", cfg)
	}
	if cfg.SweepInterval != DefaultSweepInterval || cfg.PageSize != DefaultPageSize {
		t.Fatalf("unexpected sweep defaults %s %d", cfg.SweepInterval, cfg.PageSize)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"unknown scheme":       {Store: "disk:///var/lib/blobkv"},
		"azure without secret": {Store: "azure://acct/container"},
		"lease too short":      {LeaseOnWrite: true, LeaseDuration: 5 * time.Second},
		"lease too long":       {LeaseOnWrite: true, LeaseDuration: 90 * time.Second},
		"negative lease wait":  {LeaseWait: -time.Second},
		"negative retries":     {RetryAttempts: -1},
		"inverted retry delay": {RetryBaseDelay: time.Second, RetryMaxDelay: time.Millisecond},
		"negative sweep":       {SweepInterval: -time.Minute},
		"runtime metrics":      {RuntimeMetrics: true},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestConfigValidateNamespace(t *testing.T) {
	cfg := Config{Namespace: "/tenants/acme/"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Namespace != "tenants/acme" {
		t.Fatalf("namespace not normalised: %q", cfg.Namespace)
	}
	for _, ns := range []string{"../escape", "tenants//acme", "tenants/./acme"} {
		cfg := Config{Namespace: ns}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("namespace %q accepted as %q", ns, cfg.Namespace)
		}
	}
}

func TestLeaseDurationOnlyCheckedWithLeaseOnWrite(t *testing.T) {
	cfg := Config{LeaseDuration: 5 * time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("lease duration without leasing should pass: %v", err)
	}
}

func TestDefaultConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BLOBKV_CONFIG_DIR", dir)
	path, err := DefaultConfigFile()
	if err != nil {
		t.Fatalf("default config file: %v", err)
	}
	if path != filepath.Join(dir, "config.yaml") {
		t.Fatalf("unexpected path %q", path)
	}
	t.Setenv("BLOBKV_CONFIG_DIR", "relative")
	abs, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if !filepath.IsAbs(abs) || !strings.HasSuffix(abs, "relative") {
		t.Fatalf("expected absolute path, got %q", abs)
	}
}
