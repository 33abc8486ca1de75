package blobkv

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/blobkv/internal/blob"
	awsblob "pkt.systems/blobkv/internal/blob/aws"
	"pkt.systems/blobkv/internal/blob/azure"
	bloblogging "pkt.systems/blobkv/internal/blob/logging"
	"pkt.systems/blobkv/internal/blob/memory"
	"pkt.systems/blobkv/internal/blob/retry"
	"pkt.systems/blobkv/internal/blob/s3"
	"pkt.systems/blobkv/internal/clock"
	"pkt.systems/blobkv/internal/kv"
	"pkt.systems/blobkv/internal/loggingutil"
	"pkt.systems/blobkv/internal/secrets"
	"pkt.systems/blobkv/internal/secrets/openbao"
)

// CredentialSummary describes which credentials were selected for object
// storage. It never carries secret values.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// backendPlan is either a ready container or the parameters for resolving
// one through the secret store.
type backendPlan struct {
	scheme        string
	direct        blob.Container
	opener        kv.ContainerOpener
	containerName string
	account       string
}

// OpenStore validates cfg and returns a store for it. Containers resolved
// through secrets are opened lazily on the first operation.
func OpenStore(ctx context.Context, cfg Config, logger pslog.Logger) (*kv.Store, error) {
	return openStore(ctx, cfg, logger, nil)
}

func openStore(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (*kv.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = loggingutil.EnsureLogger(logger)
	clk = clock.Or(clk)
	plan, err := openBackend(ctx, cfg, clk)
	if err != nil {
		return nil, err
	}
	opts := kv.Options{
		Container:           plan.direct,
		ContainerName:       plan.containerName,
		Account:             plan.account,
		EndpointSuffix:      cfg.EndpointSuffix,
		Opener:              plan.opener,
		DefaultNamespace:    cfg.Namespace,
		LeaseOnWrite:        cfg.LeaseOnWrite,
		LeaseDuration:       cfg.LeaseDuration,
		LeaseWait:           cfg.LeaseWait,
		ReleaseTimeout:      cfg.ReleaseTimeout,
		SnapshotOnWrite:     cfg.SnapshotOnWrite,
		DeleteExpiredOnRead: cfg.DeleteExpiredOnRead,
		PageSize:            cfg.PageSize,
		Clock:               clk,
		Logger:              logger,
		Decorate:            decorator(cfg, plan.scheme, logger, clk),
	}
	if plan.direct == nil {
		resolver, err := OpenSecrets(cfg.SecretsURL)
		if err != nil {
			return nil, err
		}
		opts.Secrets = resolver
		opts.ConnectionStringSecret = cfg.ConnectionStringSecret
		opts.SASSecret = cfg.SASSecret
	}
	store, err := kv.New(opts)
	if err != nil {
		return nil, err
	}
	logger.Info("blobkv.store.opened",
		"scheme", plan.scheme,
		"container", plan.containerName,
		"namespace", cfg.Namespace,
		"lease_on_write", cfg.LeaseOnWrite,
		"snapshot_on_write", cfg.SnapshotOnWrite,
		"resolved_via_secret", plan.direct == nil,
	)
	return store, nil
}

// decorator stacks retries over tracing so every attempt gets its own span.
func decorator(cfg Config, scheme string, logger pslog.Logger, clk clock.Clock) func(blob.Container) blob.Container {
	retryCfg := retry.Config{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  2,
	}
	return func(c blob.Container) blob.Container {
		traced := bloblogging.Wrap(c, logger, loggingutil.Subsystem("blob", scheme))
		return retry.Wrap(traced, loggingutil.WithSubsystem(logger, "blob.retry"), clk, retryCfg)
	}
}

func openBackend(ctx context.Context, cfg Config, clk clock.Clock) (backendPlan, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return backendPlan{}, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
		name := containerOr(cfg.Container, strings.Trim(u.Host+u.Path, "/"))
		return backendPlan{scheme: "mem", direct: memory.New(name, memory.WithClock(clk)), containerName: name}, nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return backendPlan{}, err
		}
		return backendPlan{
			scheme:        "azure",
			opener:        azure.Opener{Endpoint: azureCfg.Endpoint, Prefix: azureCfg.Prefix},
			containerName: azureCfg.Container,
			account:       azureCfg.Account,
		}, nil
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return backendPlan{}, err
		}
		if cfg.ConnectionStringSecret != "" {
			return backendPlan{
				scheme:        "s3",
				opener:        s3.Opener{Prefix: s3cfg.Prefix, ForcePathStyle: s3cfg.ForcePathStyle},
				containerName: s3cfg.Bucket,
			}, nil
		}
		s3cfg.Clock = clk
		container, err := s3.New(s3cfg)
		if err != nil {
			return backendPlan{}, err
		}
		return backendPlan{scheme: "s3", direct: container, containerName: s3cfg.Bucket}, nil
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return backendPlan{}, err
		}
		awscfg.Clock = clk
		container, err := awsblob.New(ctx, awscfg)
		if err != nil {
			return backendPlan{}, err
		}
		return backendPlan{scheme: "aws", direct: container, containerName: awscfg.Bucket}, nil
	default:
		return backendPlan{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func containerOr(explicit, fallback string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if fallback != "" {
		return fallback
	}
	return DefaultContainer
}

// BuildAzureConfig parses azure://account/container[/prefix]. Credentials
// are left empty; they come from the secret resolver.
func BuildAzureConfig(cfg Config) (azure.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azure.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azure.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.Account != "" {
		account = cfg.Account
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	path := strings.Trim(u.Path, "/")
	parts := strings.SplitN(path, "/", 2)
	container := containerOr(cfg.Container, parts[0])
	prefix := ""
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(u.Query().Get("endpoint")); v != "" {
		endpoint = v
	}
	if account == "" && cfg.SASSecret != "" && cfg.ConnectionStringSecret == "" {
		return azure.Config{}, fmt.Errorf("azure: account name required for SAS access (azure://account/...)")
	}
	return azure.Config{
		Account:        account,
		Endpoint:       endpoint,
		EndpointSuffix: cfg.EndpointSuffix,
		Container:      container,
		Prefix:         prefix,
	}, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] for
// S3-compatible services.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	insecure := queryBool(query, "insecure", false)
	if strings.EqualFold(query.Get("scheme"), "http") {
		insecure = true
	}
	s3cfg := s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(query, "path-style", false),
	}
	summary := resolveGenericS3Credentials(cfg, &s3cfg)
	if s3cfg.AccessKey != "" && s3cfg.SecretKey == "" {
		return s3.Config{}, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return s3cfg, summary, nil
}

func resolveGenericS3Credentials(cfg Config, s3cfg *s3.Config) CredentialSummary {
	access := strings.TrimSpace(cfg.S3AccessKeyID)
	secret := cfg.S3SecretAccessKey
	token := cfg.S3SessionToken
	source := "config"
	if access == "" && secret == "" {
		access = strings.TrimSpace(os.Getenv("BLOBKV_S3_ACCESS_KEY_ID"))
		secret = os.Getenv("BLOBKV_S3_SECRET_ACCESS_KEY")
		token = os.Getenv("BLOBKV_S3_SESSION_TOKEN")
		source = "env:BLOBKV_S3_ACCESS_KEY_ID"
	}
	if access == "" && secret == "" {
		return CredentialSummary{Source: "chain"}
	}
	s3cfg.AccessKey = access
	s3cfg.SecretKey = secret
	s3cfg.SessionToken = token
	return CredentialSummary{AccessKey: access, HasSecret: secret != "", Source: source}
}

// BuildAWSConfig parses aws://bucket[/prefix] for Amazon S3.
func BuildAWSConfig(cfg Config) (awsblob.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsblob.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsblob.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsblob.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsblob.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or BLOBKV_AWS_REGION)")
	}
	awscfg := awsblob.Config{
		Endpoint:     strings.TrimSpace(query.Get("endpoint")),
		Region:       region,
		Bucket:       bucket,
		Prefix:       strings.Trim(u.Path, "/"),
		Insecure:     queryBool(query, "insecure", false),
		UsePathStyle: queryBool(query, "path-style", false),
	}
	summary := CredentialSummary{Source: "auto"}
	if access := strings.TrimSpace(cfg.S3AccessKeyID); access != "" {
		awscfg.AccessKey = access
		awscfg.SecretKey = cfg.S3SecretAccessKey
		awscfg.SessionToken = cfg.S3SessionToken
		summary = CredentialSummary{AccessKey: access, HasSecret: cfg.S3SecretAccessKey != "", Source: "config"}
	} else if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary = CredentialSummary{AccessKey: access, HasSecret: os.Getenv("AWS_SECRET_ACCESS_KEY") != "", Source: "env:AWS_ACCESS_KEY_ID"}
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	}
	return awscfg, summary, nil
}

// OpenSecrets builds a resolver from a comma-separated list of secret
// source URLs, consulted in order:
//
//	env://PREFIX                       environment variables PREFIX<NAME>
//	file:///run/secrets                one file per secret
//	bao://host:port/mount[?field=value&insecure=true]
//
// The OpenBao token is read from BAO_TOKEN.
func OpenSecrets(raw string) (secrets.Resolver, error) {
	var chain secrets.Chain
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		resolver, err := openSecretSource(part)
		if err != nil {
			return nil, err
		}
		chain = append(chain, resolver)
	}
	switch len(chain) {
	case 0:
		return nil, fmt.Errorf("secrets: no source configured")
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}

func openSecretSource(raw string) (secrets.Resolver, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, fmt.Errorf("secrets: source %q must be a URL (env://, file://, bao://)", raw)
	}
	switch strings.ToLower(scheme) {
	case "env":
		return secrets.Env{Prefix: rest}, nil
	case "file":
		if rest == "" {
			return nil, fmt.Errorf("secrets: file source requires a directory")
		}
		return secrets.File{Dir: rest}, nil
	case "bao", "openbao":
		u, err := url.Parse("https://" + rest)
		if err != nil {
			return nil, fmt.Errorf("secrets: parse %q: %w", raw, err)
		}
		query := u.Query()
		addr := "https://" + u.Host
		if queryBool(query, "insecure", false) {
			addr = "http://" + u.Host
		}
		return openbao.New(openbao.Config{
			Address: addr,
			Mount:   strings.Trim(u.Path, "/"),
			Field:   query.Get("field"),
		})
	default:
		return nil, fmt.Errorf("secrets: unsupported source scheme %q", scheme)
	}
}

func queryBool(q url.Values, key string, fallback bool) bool {
	v := q.Get(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
