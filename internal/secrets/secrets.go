// Package secrets resolves named credentials (connection strings, shared
// access signatures) from the process environment, files or a secret store.
// Resolved values are never logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when a resolver has no secret by that name.
	ErrNotFound = errors.New("secrets: not found")
	// ErrAuth is returned when the resolver was refused access.
	ErrAuth = errors.New("secrets: access denied")
)

// Resolver returns the secret value stored under name.
type Resolver interface {
	Secret(ctx context.Context, name string) (string, error)
}

// Func adapts a function to Resolver.
type Func func(ctx context.Context, name string) (string, error)

// Secret calls f.
func (f Func) Secret(ctx context.Context, name string) (string, error) { return f(ctx, name) }

// Static resolves from an in-memory map.
type Static map[string]string

// Secret implements Resolver.
func (s Static) Secret(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Env resolves secrets from environment variables. The variable name is the
// prefix followed by the secret name upper-cased with every character other
// than letters and digits replaced by an underscore.
type Env struct {
	Prefix string
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Secret implements Resolver.
func (e Env) Secret(_ context.Context, name string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key := EnvName(e.Prefix, name)
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// EnvName returns the variable Env consults for name.
func EnvName(prefix, name string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// File resolves secrets from files named after the secret inside Dir, the
// layout used by mounted Kubernetes and Docker secrets. Trailing newlines are
// trimmed.
type File struct {
	Dir string
}

// Secret implements Resolver.
func (f File) Secret(_ context.Context, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("secrets: invalid secret name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, name))
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		case errors.Is(err, os.ErrPermission):
			return "", fmt.Errorf("%w: %s", ErrAuth, name)
		}
		return "", fmt.Errorf("secrets: read %s: %w", name, err)
	}
	v := strings.TrimRight(string(data), "\r\n")
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// Chain consults each resolver in order and returns the first hit. Only
// ErrNotFound moves on to the next resolver.
type Chain []Resolver

// Secret implements Resolver.
func (c Chain) Secret(ctx context.Context, name string) (string, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		v, err := r.Secret(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}
