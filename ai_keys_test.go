package ai_keys

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ivy113/fast-agent/pkg/auth"
)

func TestUnmarshalCaddyfile(t *testing.T) {
	d := caddyfile.NewTestDispenser(`ai_key_injector anthropic {
		endpoint_url http://localhost:8000
		cache_duration 300
		timeout 10
		auth_token secret-token
		header X-Team ml
		static_key anthropic sk-static
		static_key OpenAI sk-static2
	}`)

	var m AIKeyInjector
	require.NoError(t, m.UnmarshalCaddyfile(d))

	assert.Equal(t, "anthropic", m.Provider)
	assert.True(t, m.Enabled, "endpoint_url implies dynamic fetching")
	assert.Equal(t, "http://localhost:8000", m.EndpointURL)
	assert.Equal(t, 300, m.CacheDurationSeconds)
	assert.Equal(t, 10, m.TimeoutSeconds)
	assert.Equal(t, "secret-token", m.AuthToken)
	assert.Equal(t, map[string]string{"X-Team": "ml"}, m.Headers)
	assert.Equal(t, map[string]string{"anthropic": "sk-static", "openai": "sk-static2"}, m.StaticKeys)
}

func TestUnmarshalCaddyfileStaticOnly(t *testing.T) {
	d := caddyfile.NewTestDispenser(`ai_key_injector {
		static_key anthropic sk-static
	}`)

	var m AIKeyInjector
	require.NoError(t, m.UnmarshalCaddyfile(d))
	assert.False(t, m.Enabled)
	assert.Empty(t, m.Provider)
}

func TestUnmarshalCaddyfileRejectsUnknownOption(t *testing.T) {
	d := caddyfile.NewTestDispenser(`ai_key_injector {
		retries 3
	}`)

	var m AIKeyInjector
	assert.Error(t, m.UnmarshalCaddyfile(d))
}

func TestValidate(t *testing.T) {
	m := &AIKeyInjector{Enabled: true}
	assert.Error(t, m.Validate(), "enabled without endpoint_url must not validate")

	m.EndpointURL = "http://localhost:8000"
	assert.NoError(t, m.Validate())

	assert.NoError(t, (&AIKeyInjector{}).Validate())
}

// newStaticInjector builds a handler whose resolver only knows the given
// static keys, bypassing Provision so no caddy runtime is needed.
func newStaticInjector(provider string, staticKeys map[string]string) *AIKeyInjector {
	logger := zap.NewNop()
	sources := []auth.KeySource{
		auth.NewConfigKeySource(staticKeys),
		auth.NewEnvKeySource(logger),
	}
	return &AIKeyInjector{
		Provider: provider,
		logger:   logger,
		resolver: auth.NewResolver(auth.Config{Timeout: time.Second}, nil, sources, nil, logger),
	}
}

func TestServeHTTPInjectsAuthorization(t *testing.T) {
	m := newStaticInjector("anthropic", map[string]string{"anthropic": "sk-static"})

	var gotAuth string
	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		gotAuth = r.Header.Get("Authorization")
		return nil
	})

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	w := httptest.NewRecorder()
	require.NoError(t, m.ServeHTTP(w, r, next))
	assert.Equal(t, "Bearer sk-static", gotAuth)
}

func TestServeHTTPProviderFromHeader(t *testing.T) {
	m := newStaticInjector("", map[string]string{"openai": "sk-oai"})

	var sawProviderHeader bool
	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		sawProviderHeader = r.Header.Get(ProviderHeaderName) != ""
		return nil
	})

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set(ProviderHeaderName, "OpenAI")
	w := httptest.NewRecorder()
	require.NoError(t, m.ServeHTTP(w, r, next))
	assert.False(t, sawProviderHeader, "provider header must not leak upstream")
}

func TestServeHTTPNoProvider(t *testing.T) {
	m := newStaticInjector("", nil)

	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		t.Error("next handler must not run without a provider")
		return nil
	})

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	w := httptest.NewRecorder()
	assert.Error(t, m.ServeHTTP(w, r, next))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeHTTPNoCredential(t *testing.T) {
	m := newStaticInjector("voidprovider", nil)

	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		t.Error("next handler must not run without credentials")
		return nil
	})

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	w := httptest.NewRecorder()
	err := m.ServeHTTP(w, r, next)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var noCred *auth.NoCredentialError
	require.ErrorAs(t, err, &noCred)
	assert.Equal(t, "voidprovider", noCred.Provider)
	assert.False(t, noCred.AttemptedDynamic)
}
