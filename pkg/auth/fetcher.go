package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// maxKeyResponseBytes caps how much of the endpoint response is read.
	maxKeyResponseBytes = 1 << 20

	// tokenRefreshInterval is the rotation period assumed for the adaptive
	// token poller response format when estimating a token's remaining life.
	tokenRefreshInterval = 30 * time.Minute

	// minTokenTTL is the floor for that estimate.
	minTokenTTL = time.Minute
)

// FetchedKey is a key returned by the remote endpoint, with the TTL the
// endpoint reported, when it reported one.
type FetchedKey struct {
	Value  string
	TTL    time.Duration
	HasTTL bool
}

// KeyFetcher fetches an API key for a provider from a remote endpoint. A
// fetch is a single round trip; there is no retrying inside a fetch.
type KeyFetcher interface {
	FetchKey(ctx context.Context, provider string) (FetchedKey, error)
}

// HTTPKeyFetcher implements KeyFetcher against a key endpoint:
// GET {endpoint}/{provider} returning {"api_key": "...", "expires_in": 600}.
// The adaptive token poller variant {"token": "...", "age_seconds": 120} is
// accepted too.
type HTTPKeyFetcher struct {
	endpointURL string
	authToken   string
	headers     map[string]string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewHTTPKeyFetcher creates an HTTPKeyFetcher. The timeout bounds the whole
// round trip; when zero or negative the default of 10s applies. The auth
// token, when set, is sent as a bearer token; extra headers are sent on
// every request.
func NewHTTPKeyFetcher(endpointURL, authToken string, headers map[string]string, timeout time.Duration, logger *zap.Logger) *HTTPKeyFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPKeyFetcher{
		endpointURL: strings.TrimRight(endpointURL, "/"),
		authToken:   authToken,
		headers:     headers,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// keyResponse covers both response shapes the key endpoint may speak.
type keyResponse struct {
	APIKey     string `json:"api_key"`
	ExpiresIn  *int64 `json:"expires_in"`
	Token      string `json:"token"`
	AgeSeconds *int64 `json:"age_seconds"`
}

// FetchKey performs a single GET against the key endpoint for the provider.
// Any transport error, non-2xx status, or unusable body is returned as an
// error; the caller decides whether that is fatal.
func (f *HTTPKeyFetcher) FetchKey(ctx context.Context, provider string) (FetchedKey, error) {
	reqURL := f.endpointURL + "/" + url.PathEscape(provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return FetchedKey{}, fmt.Errorf("build key request: %w", err)
	}
	for name, value := range f.headers {
		req.Header.Set(name, value)
	}
	if f.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.authToken)
	}

	f.logger.Debug("Fetching API key from endpoint",
		zap.String("url", reqURL),
		zap.String("provider", provider))

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return FetchedKey{}, fmt.Errorf("key endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyResponseBytes))
	if err != nil {
		return FetchedKey{}, fmt.Errorf("read key endpoint response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FetchedKey{}, fmt.Errorf("key endpoint returned HTTP %d for provider %s", resp.StatusCode, provider)
	}

	var payload keyResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return FetchedKey{}, fmt.Errorf("malformed key endpoint response: %w", err)
	}

	switch {
	case payload.APIKey != "":
		fetched := FetchedKey{Value: payload.APIKey}
		if payload.ExpiresIn != nil {
			fetched.TTL = time.Duration(*payload.ExpiresIn) * time.Second
			fetched.HasTTL = true
		}
		return fetched, nil

	case payload.Token != "":
		// Adaptive token poller format: estimate the remaining lifetime from
		// the token's age, assuming the poller's usual 30 minute rotation.
		fetched := FetchedKey{Value: payload.Token}
		if payload.AgeSeconds != nil {
			remaining := tokenRefreshInterval - time.Duration(*payload.AgeSeconds)*time.Second
			if remaining < minTokenTTL {
				remaining = minTokenTTL
			}
			fetched.TTL = remaining
			fetched.HasTTL = true
		}
		return fetched, nil
	}

	return FetchedKey{}, fmt.Errorf("key endpoint response has no api_key or token field for provider %s", provider)
}
