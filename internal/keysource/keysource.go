// Package keysource resolves rotation-key references such as
// "env:TUNROT_ROTATION_KEY" or "aws-sm:tunnel/rotation-key" into the key
// material used to authenticate pollers.
package keysource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/logging"
	"github.com/systmms/tunrot/internal/secure"
)

// Fetcher retrieves the value behind one reference scheme.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, location string) (string, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, location string) (string, error) {
	return f(ctx, location)
}

// Resolver maps reference schemes to fetchers.
type Resolver struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
	logger   *logging.Logger
}

// NewResolver returns a resolver with every built-in scheme registered.
// Cloud clients are created lazily on first use.
func NewResolver(logger *logging.Logger) *Resolver {
	r := &Resolver{
		fetchers: make(map[string]Fetcher),
		logger:   logger,
	}
	r.Register("env", FetcherFunc(fetchEnv))
	r.Register("file", FetcherFunc(fetchFile))
	r.Register("keyring", FetcherFunc(fetchKeyring))
	r.Register("literal", FetcherFunc(func(_ context.Context, v string) (string, error) {
		logger.Warn("rotation key given as a literal; use env:, file: or keyring: outside of tests")
		return v, nil
	}))
	r.Register("aws-sm", newAWSSecretsManagerFetcher(nil))
	r.Register("aws-ssm", newAWSSSMFetcher(nil))
	r.Register("gcp-sm", newGCPSecretManagerFetcher(""))
	r.Register("azure-kv", newAzureKeyVaultFetcher(nil))
	return r
}

// Register installs or replaces the fetcher for scheme.
func (r *Resolver) Register(scheme string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[scheme] = f
}

// Schemes lists the registered schemes, sorted.
func (r *Resolver) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fetchers))
	for s := range r.fetchers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the value a reference points at. Surrounding whitespace
// (typically a trailing newline in a key file) is trimmed.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, location, err := Parse(ref)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	f, ok := r.fetchers[scheme]
	r.mu.RUnlock()
	if !ok {
		return "", dserrors.ConfigError{
			Field:      "rotation_key",
			Value:      scheme + ":",
			Message:    "unknown key source",
			Suggestion: "Supported sources: " + strings.Join(r.Schemes(), ", "),
		}
	}

	r.logger.Debug("Resolving rotation key from %s source", scheme)
	value, err := f.Fetch(ctx, location)
	if err != nil {
		return "", fmt.Errorf("failed to resolve rotation key from %s: %w", scheme, err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("rotation key from %s is empty", scheme)
	}
	return value, nil
}

// ResolveKey resolves ref and seals the result into a secure.Key.
func (r *Resolver) ResolveKey(ctx context.Context, ref string) (*secure.Key, error) {
	value, err := r.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return secure.NewKey(value)
}

// Parse splits a reference into scheme and location.
func Parse(ref string) (scheme, location string, err error) {
	scheme, location, ok := strings.Cut(ref, ":")
	if !ok || scheme == "" || location == "" {
		return "", "", dserrors.ConfigError{
			Field:      "rotation_key",
			Message:    "key reference must look like <source>:<location>",
			Suggestion: "For example env:TUNROT_ROTATION_KEY or keyring:tunrot/client",
		}
	}
	return scheme, location, nil
}

func fetchEnv(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return value, nil
}

func fetchFile(_ context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("key file %s is accessible by group or others (mode %v)", path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// KeyringService is the default keyring service name for client keys.
const KeyringService = "tunrot"

// SplitKeyringLocation parses "service/account"; a bare account uses
// KeyringService.
func SplitKeyringLocation(location string) (service, account string) {
	if s, a, ok := strings.Cut(location, "/"); ok {
		return s, a
	}
	return KeyringService, location
}

func fetchKeyring(_ context.Context, location string) (string, error) {
	service, account := SplitKeyringLocation(location)
	value, err := keyring.Get(service, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no keyring entry for %s/%s; run 'tunrot agent login'", service, account)
		}
		return "", err
	}
	return value, nil
}

// StoreInKeyring saves value under a keyring location.
func StoreInKeyring(location, value string) error {
	service, account := SplitKeyringLocation(location)
	return keyring.Set(service, account, value)
}
