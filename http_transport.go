package driftlock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"
)

// HTTPTransportConfig configures the JSON-over-HTTP transport.
type HTTPTransportConfig struct {
	// Endpoint is the base URL of the remote sync service.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds every round trip. Default: 30s
	Timeout Duration `yaml:"timeout"`

	// Compress snappy-encodes request bodies and accepts snappy responses.
	// Default: true
	Compress bool `yaml:"compress"`

	// Credential supplies the bearer token per request.
	Credential CredentialFunc `yaml:"-"`

	// Client allows injecting a custom HTTP client for testing.
	Client HTTPDoer `yaml:"-"`
}

// DefaultHTTPTransportConfig returns transport defaults.
func DefaultHTTPTransportConfig(endpoint string) HTTPTransportConfig {
	return HTTPTransportConfig{
		Endpoint: endpoint,
		Timeout:  Duration(30 * time.Second),
		Compress: true,
	}
}

// HTTPTransport implements Transport over JSON with optional snappy bodies.
// Push posts to /v1/sync/push, pull posts to /v1/sync/pull.
type HTTPTransport struct {
	config HTTPTransportConfig
	client HTTPDoer
}

// NewHTTPTransport creates a transport against the configured endpoint.
func NewHTTPTransport(config HTTPTransportConfig) (*HTTPTransport, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("http transport requires an endpoint")
	}
	if config.Timeout <= 0 {
		config.Timeout = Duration(30 * time.Second)
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout.Std()}
	}
	return &HTTPTransport{config: config, client: client}, nil
}

// Push implements Transport.Push.
func (t *HTTPTransport) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := t.post(ctx, "/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull implements Transport.Pull.
func (t *HTTPTransport) Pull(ctx context.Context, req *PullRequest) (*ChangesPage, error) {
	var page ChangesPage
	if err := t.post(ctx, "/v1/sync/pull", req, &page); err != nil {
		return nil, err
	}
	for i := range page.Changes {
		if err := page.Changes[i].Validate(); err != nil {
			return nil, newSyncError(ClassValidation, "invalid change in pull page", err)
		}
	}
	return &page, nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if t.config.Compress {
		payload = snappy.Encode(nil, payload)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout.Std())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.config.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.config.Compress {
		httpReq.Header.Set("Content-Encoding", "snappy")
		httpReq.Header.Set("Accept-Encoding", "snappy")
	}

	if t.config.Credential != nil {
		token, err := t.config.Credential(ctx)
		if err != nil {
			return newSyncError(ClassAuth, "obtain credential", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// Includes timeouts. Never interpreted as implicit success; the
		// idempotency keys in the batch make the retry safe.
		return newSyncError(ClassNetwork, "send request", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return newSyncError(ClassNetwork, "read response", err)
	}
	if resp.Header.Get("Content-Encoding") == "snappy" {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("decode snappy response: %w", err)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy: 401/403 are
// auth failures the application must repair, 5xx/429 are transient, and any
// other 4xx means the remote considers the whole request malformed.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newSyncError(ClassAuth, fmt.Sprintf("remote returned status %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return newSyncError(ClassNetwork, fmt.Sprintf("remote returned status %d", resp.StatusCode), nil)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return newSyncError(ClassValidation,
			fmt.Sprintf("remote returned status %d: %s", resp.StatusCode, string(body)), nil)
	}
}
