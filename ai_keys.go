package ai_keys

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/ivy113/fast-agent/pkg/auth"
	"github.com/ivy113/fast-agent/pkg/common"
)

const APP_VERSION = "0.1.0"

// ProviderHeaderName is the request header consulted for the target provider
// when the directive does not pin one.
const ProviderHeaderName = "X-Ai-Provider"

func init() {
	caddy.RegisterModule(AIKeyInjector{})
	httpcaddyfile.RegisterHandlerDirective("ai_key_injector", parseAIKeyInjectorCaddyfile)
}

// AIKeyInjector is a Caddy HTTP handler module that resolves an upstream AI
// provider API key and injects it as the Authorization header before handing
// the request to the next handler (typically a reverse proxy). Keys come
// from a dynamic key endpoint with TTL caching, falling back to static keys
// from the Caddyfile and then to <PROVIDER>_API_KEY environment variables.
type AIKeyInjector struct {
	// Provider pins the provider for every request through this handler.
	// When empty, the X-Ai-Provider request header is used instead.
	Provider string `json:"provider,omitempty"`

	// Enabled toggles dynamic key fetching.
	Enabled bool `json:"enabled,omitempty"`
	// EndpointURL is the base URL of the dynamic key endpoint.
	EndpointURL string `json:"endpoint_url,omitempty"`
	// CacheDurationSeconds is the default TTL for fetched keys when the
	// endpoint response omits expires_in.
	CacheDurationSeconds int `json:"cache_duration_seconds,omitempty"`
	// TimeoutSeconds bounds a single fetch round trip.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// AuthToken authenticates to the key endpoint as a bearer token.
	AuthToken string `json:"auth_token,omitempty"`
	// Headers are extra headers sent to the key endpoint.
	Headers map[string]string `json:"headers,omitempty"`
	// StaticKeys maps provider names to statically configured keys, the
	// first fallback when dynamic fetching fails or is disabled.
	StaticKeys map[string]string `json:"static_keys,omitempty"`

	logger   *zap.Logger
	resolver *auth.Resolver
}

// CaddyModule returns the Caddy module information.
func (AIKeyInjector) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.ai_key_injector",
		New: func() caddy.Module { return new(AIKeyInjector) },
	}
}

// Provision sets up the module.
func (m *AIKeyInjector) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger(m)

	if common.TryInstrumentAppObservability() {
		m.logger.Info("PostHog observability instrumentation enabled")
	} else {
		m.logger.Debug("PostHog observability instrumentation not configured, skipping")
	}

	cfg := auth.Config{
		Enabled:       m.Enabled,
		EndpointURL:   m.EndpointURL,
		CacheDuration: time.Duration(m.CacheDurationSeconds) * time.Second,
		Timeout:       time.Duration(m.TimeoutSeconds) * time.Second,
		AuthToken:     m.AuthToken,
		Headers:       m.Headers,
	}

	var fetcher auth.KeyFetcher
	if m.Enabled {
		fetcher = auth.NewHTTPKeyFetcher(m.EndpointURL, m.AuthToken, m.Headers, cfg.Timeout, m.logger)
	}

	sources := []auth.KeySource{
		auth.NewConfigKeySource(m.StaticKeys),
		auth.NewEnvKeySource(m.logger),
	}
	m.resolver = auth.NewResolver(cfg, fetcher, sources, common.AppClock, m.logger)

	m.logger.Info("AI key injector provisioned",
		zap.String("version", APP_VERSION),
		zap.Bool("dynamic_enabled", m.Enabled),
		zap.String("endpoint_url", m.EndpointURL),
		zap.Int("num_static_keys", len(m.StaticKeys)),
	)

	common.FireObservabilityEvent("system", "key_injector_start", map[string]any{
		"version":         APP_VERSION,
		"dynamic_enabled": m.Enabled,
		"num_static_keys": len(m.StaticKeys),
	})

	return nil
}

// Validate ensures the module is configured correctly.
func (m *AIKeyInjector) Validate() error {
	if m.Enabled && m.EndpointURL == "" {
		return fmt.Errorf("endpoint_url is required when dynamic key fetching is enabled")
	}
	return nil
}

// ServeHTTP implements the caddyhttp.Handler interface.
func (m *AIKeyInjector) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	provider := m.Provider
	if provider == "" {
		provider = r.Header.Get(ProviderHeaderName)
	}
	if provider == "" {
		http.Error(w, "Provider not specified: configure one on the handler or set the "+ProviderHeaderName+" header", http.StatusBadRequest)
		return fmt.Errorf("no provider for request to %s", r.URL.Path)
	}

	key, err := m.resolver.Resolve(r.Context(), provider)
	if err != nil {
		var noCred *auth.NoCredentialError
		if errors.As(err, &noCred) {
			m.logger.Error("No upstream API credentials available",
				zap.String("provider", noCred.Provider),
				zap.Bool("attempted_dynamic", noCred.AttemptedDynamic),
				zap.String("suggestion", noCred.Suggestion),
			)
			http.Error(w, "Service Unavailable: Could not retrieve API credentials.", http.StatusServiceUnavailable)
			return err
		}
		http.Error(w, "Internal server error resolving API credentials", http.StatusInternalServerError)
		return err
	}

	r.Header.Set("Authorization", "Bearer "+key)
	r.Header.Del(ProviderHeaderName)

	return next.ServeHTTP(w, r)
}

// UnmarshalCaddyfile sets up the AIKeyInjector from Caddyfile tokens.
//
//	ai_key_injector [<provider>] {
//	    endpoint_url <url>
//	    cache_duration <seconds>
//	    timeout <seconds>
//	    auth_token <token>
//	    header <name> <value>
//	    static_key <provider> <key>
//	}
//
// Setting endpoint_url enables dynamic fetching.
func (m *AIKeyInjector) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	if m.StaticKeys == nil {
		m.StaticKeys = make(map[string]string)
	}

	for d.Next() {
		if d.NextArg() {
			m.Provider = strings.ToLower(d.Val())
		}
		for d.NextBlock(0) {
			switch d.Val() {
			case "endpoint_url":
				if !d.NextArg() {
					return d.ArgErr()
				}
				m.EndpointURL = d.Val()
				m.Enabled = true
			case "cache_duration":
				if !d.NextArg() {
					return d.ArgErr()
				}
				seconds, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid cache_duration '%s': %v", d.Val(), err)
				}
				m.CacheDurationSeconds = seconds
			case "timeout":
				if !d.NextArg() {
					return d.ArgErr()
				}
				seconds, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid timeout '%s': %v", d.Val(), err)
				}
				m.TimeoutSeconds = seconds
			case "auth_token":
				if !d.NextArg() {
					return d.ArgErr()
				}
				m.AuthToken = d.Val()
			case "header":
				args := d.RemainingArgs()
				if len(args) != 2 {
					return d.Errf("header expects <name> <value>, got %d args", len(args))
				}
				m.Headers[args[0]] = args[1]
			case "static_key":
				args := d.RemainingArgs()
				if len(args) != 2 {
					return d.Errf("static_key expects <provider> <key>, got %d args", len(args))
				}
				m.StaticKeys[strings.ToLower(args[0])] = args[1]
			default:
				return d.Errf("unrecognized ai_key_injector option '%s'", d.Val())
			}
		}
	}
	return nil
}

func parseAIKeyInjectorCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m AIKeyInjector
	err := m.UnmarshalCaddyfile(h.Dispenser)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*AIKeyInjector)(nil)
	_ caddy.Validator             = (*AIKeyInjector)(nil)
	_ caddyhttp.MiddlewareHandler = (*AIKeyInjector)(nil)
	_ caddyfile.Unmarshaler       = (*AIKeyInjector)(nil)
)
