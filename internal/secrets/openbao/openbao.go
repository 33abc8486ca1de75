// Package openbao resolves secrets from an OpenBao (or Vault compatible) KV
// version 2 secrets engine.
package openbao

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	api "github.com/openbao/openbao/api/v2"

	"pkt.systems/blobkv/internal/secrets"
)

// DefaultMount and DefaultField locate the secret value inside the engine.
const (
	DefaultMount = "secret"
	DefaultField = "value"
)

// Config controls the resolver. Empty Address and Token fall back to
// BAO_ADDR and BAO_TOKEN.
type Config struct {
	Address    string
	Token      string
	Mount      string
	Field      string
	HTTPClient *http.Client
}

type reader interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
}

// Resolver implements secrets.Resolver.
type Resolver struct {
	logical reader
	mount   string
	field   string
}

// New constructs a Resolver.
func New(cfg Config) (*Resolver, error) {
	config := api.DefaultConfig()
	if config.Error != nil {
		return nil, fmt.Errorf("openbao: config: %w", config.Error)
	}
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	if cfg.HTTPClient != nil {
		config.HttpClient = cfg.HTTPClient
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("openbao: client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	} else if client.Token() == "" {
		return nil, fmt.Errorf("openbao: no token configured: %w", secrets.ErrAuth)
	}
	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = DefaultMount
	}
	field := cfg.Field
	if field == "" {
		field = DefaultField
	}
	return &Resolver{logical: client.Logical(), mount: mount, field: field}, nil
}

// Secret reads <mount>/data/<name> and returns the configured field.
func (r *Resolver) Secret(ctx context.Context, name string) (string, error) {
	name = strings.Trim(name, "/")
	if name == "" {
		return "", fmt.Errorf("openbao: empty secret name")
	}
	secret, err := r.logical.ReadWithContext(ctx, path.Join(r.mount, "data", escapePath(name)))
	if err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) {
			switch respErr.StatusCode {
			case http.StatusNotFound:
				return "", fmt.Errorf("%w: %s", secrets.ErrNotFound, name)
			case http.StatusUnauthorized, http.StatusForbidden:
				return "", fmt.Errorf("openbao: read %s: %w", name, secrets.ErrAuth)
			}
		}
		return "", fmt.Errorf("openbao: read %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", secrets.ErrNotFound, name)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%w: %s", secrets.ErrNotFound, name)
	}
	value, ok := data[r.field].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s field %q", secrets.ErrNotFound, name, r.field)
	}
	return value, nil
}

func escapePath(name string) string {
	parts := strings.Split(name, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
