package s3

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/blobkv/internal/blob"
)

// Opener resolves S3 connection strings into containers. A connection string
// is a semicolon separated list of Key=Value pairs:
//
//	Endpoint=localhost:9000;AccessKeyId=minio;SecretAccessKey=secret;Region=us-east-1;Insecure=true
//
// Shared access signatures have no S3 equivalent and are rejected.
type Opener struct {
	Prefix         string
	ForcePathStyle bool
}

// OpenConnectionString parses connectionString and returns a container for
// bucket.
func (o Opener) OpenConnectionString(_ context.Context, connectionString, bucket string) (blob.Container, error) {
	cfg, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	cfg.Bucket = bucket
	cfg.Prefix = o.Prefix
	if o.ForcePathStyle {
		cfg.ForcePathStyle = true
	}
	return New(cfg)
}

// OpenSharedAccessSignature always fails for S3.
func (Opener) OpenSharedAccessSignature(context.Context, string, string, string, string) (blob.Container, error) {
	return nil, fmt.Errorf("s3: shared access signatures are not supported")
}

// ParseConnectionString decodes the Key=Value form accepted by Opener.
func ParseConnectionString(connectionString string) (Config, error) {
	var cfg Config
	for _, part := range strings.Split(connectionString, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Config{}, fmt.Errorf("s3: malformed connection string segment %q", part)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "endpoint":
			cfg.Endpoint = value
		case "region":
			cfg.Region = value
		case "accesskeyid", "accesskey":
			cfg.AccessKey = value
		case "secretaccesskey", "secretkey":
			cfg.SecretKey = value
		case "sessiontoken":
			cfg.SessionToken = value
		case "insecure":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return Config{}, fmt.Errorf("s3: insecure: %w", err)
			}
			cfg.Insecure = b
		case "forcepathstyle":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return Config{}, fmt.Errorf("s3: forcepathstyle: %w", err)
			}
			cfg.ForcePathStyle = b
		default:
			return Config{}, fmt.Errorf("s3: unknown connection string key %q", key)
		}
	}
	if cfg.AccessKey != "" && cfg.SecretKey == "" {
		return Config{}, fmt.Errorf("s3: SecretAccessKey is required with AccessKeyId")
	}
	return cfg, nil
}
