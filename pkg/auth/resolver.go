// Package auth resolves upstream AI provider API keys. A resolver prefers a
// freshly cached or freshly fetched dynamic key and degrades through an
// ordered chain of static sources (config file, environment) when the key
// endpoint is unavailable or disabled.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ivy113/fast-agent/pkg/common"
)

const (
	defaultCacheDuration = 30 * time.Minute
	defaultTimeout       = 10 * time.Second
)

// Config configures dynamic key fetching for a Resolver.
type Config struct {
	// Enabled toggles dynamic fetching. When false the resolver never
	// touches the network and goes straight to the static sources.
	Enabled bool
	// EndpointURL is the base URL of the key endpoint; the provider name is
	// appended as a path segment.
	EndpointURL string
	// CacheDuration is the TTL applied to fetched keys when the endpoint
	// response carries no expires_in. Defaults to 30 minutes.
	CacheDuration time.Duration
	// Timeout is the hard deadline for a single fetch. Defaults to 10s.
	Timeout time.Duration
	// AuthToken, when set, is sent as a bearer token to the key endpoint.
	AuthToken string
	// Headers are extra headers sent with every fetch.
	Headers map[string]string
}

type cachedKey struct {
	value     string
	expiresAt time.Time
}

// Resolver resolves provider API keys with a layered strategy: a valid
// cached key wins, then a fresh fetch from the key endpoint, then the static
// sources in registration order. Fetch failures never surface to callers;
// only exhausting every source does, as a *NoCredentialError.
//
// The cache lock is not held across the network call, so concurrent Resolve
// calls for the same provider during a miss may fetch twice. Both fetched
// keys are valid and the last write wins; a slow endpoint never blocks
// resolution of other providers.
type Resolver struct {
	config  Config
	fetcher KeyFetcher
	sources []KeySource
	clock   common.Clock
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedKey
}

// NewResolver creates a Resolver. The fetcher may be nil when cfg.Enabled is
// false. The sources slice is tried in order on fallback. A nil clock uses
// common.AppClock.
func NewResolver(cfg Config, fetcher KeyFetcher, sources []KeySource, clock common.Clock, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = common.AppClock
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = defaultCacheDuration
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Resolver{
		config:  cfg,
		fetcher: fetcher,
		sources: sources,
		clock:   clock,
		logger:  logger,
		cache:   make(map[string]cachedKey),
	}
}

// Resolve returns a usable API key for the provider, or a *NoCredentialError
// when every source is exhausted.
func (r *Resolver) Resolve(ctx context.Context, provider string) (string, error) {
	provider = strings.ToLower(provider)

	attemptedDynamic := false
	if r.config.Enabled && r.fetcher != nil && provider != "" {
		if key, ok := r.cachedValue(provider); ok {
			r.logger.Debug("Using cached API key", zap.String("provider", provider))
			return key, nil
		}

		attemptedDynamic = true
		key, err := r.fetchAndCache(ctx, provider)
		if err == nil {
			return key, nil
		}

		// Fetch failures are recoverable: log, record, fall through to the
		// static sources.
		r.logger.Warn("Dynamic key fetch failed, falling back to static sources",
			zap.String("provider", provider),
			zap.Error(err))
		common.FireObservabilityEvent("system", "key_fetch_error", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
	}

	for _, source := range r.sources {
		key, ok := source.Lookup(provider)
		if !ok {
			continue
		}
		r.logger.Debug("Resolved API key from static source",
			zap.String("provider", provider),
			zap.String("source", source.Name()))
		common.FireObservabilityEvent("system", "key_fallback", map[string]any{
			"provider": provider,
			"source":   source.Name(),
		})
		return key, nil
	}

	r.logger.Warn("No API key available",
		zap.String("provider", provider),
		zap.Bool("attempted_dynamic", attemptedDynamic))
	common.FireObservabilityEvent("system", "key_resolution_failed", map[string]any{
		"provider":          provider,
		"attempted_dynamic": attemptedDynamic,
	})
	return "", &NoCredentialError{
		Provider:         provider,
		AttemptedDynamic: attemptedDynamic,
		Suggestion:       suggestProvider(provider, r.knownProviders()),
	}
}

// ClearCache drops the cached key for one provider, forcing a refetch on the
// next Resolve. Useful when a caller learns a key was rotated or revoked.
func (r *Resolver) ClearCache(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, strings.ToLower(provider))
}

// ClearAll drops every cached key.
func (r *Resolver) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cachedKey)
}

// cachedValue returns the cached key for the provider when one exists and
// has not expired. Expired entries are dropped on sight.
func (r *Resolver) cachedValue(provider string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[provider]
	if !ok {
		return "", false
	}
	if !r.clock.Now().Before(entry.expiresAt) {
		delete(r.cache, provider)
		return "", false
	}
	return entry.value, true
}

// fetchAndCache performs a single fetch bounded by the configured timeout
// and, on success, stores the key. A TTL of zero or less from the endpoint
// is stored as already expired: the value is usable for this call only.
func (r *Resolver) fetchAndCache(ctx context.Context, provider string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	fetched, err := r.fetcher.FetchKey(ctx, provider)
	if err != nil {
		return "", err
	}

	ttl := r.config.CacheDuration
	if fetched.HasTTL {
		ttl = fetched.TTL
	}

	now := r.clock.Now()
	r.mu.Lock()
	r.cache[provider] = cachedKey{value: fetched.Value, expiresAt: now.Add(ttl)}
	r.mu.Unlock()

	r.logger.Info("Fetched and cached API key",
		zap.String("provider", provider),
		zap.Duration("ttl", ttl))
	common.FireObservabilityEvent("system", "key_fetch", map[string]any{
		"provider":    provider,
		"ttl_seconds": ttl.Seconds(),
	})
	return fetched.Value, nil
}

type providerLister interface {
	Providers() []string
}

// knownProviders collects provider names from sources that can enumerate
// them, for typo suggestions.
func (r *Resolver) knownProviders() []string {
	var names []string
	for _, source := range r.sources {
		if lister, ok := source.(providerLister); ok {
			names = append(names, lister.Providers()...)
		}
	}
	return names
}
