// Package provider calls the remote services that fulfil charged requests
// and settles each request from the outcome.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/settlehub/internal/retry"
)

var (
	// ErrProviderFailure is returned when a provider reports or causes a failure.
	ErrProviderFailure = errors.New("provider failure")
	// ErrNoProvider is returned when no provider is registered for a service.
	ErrNoProvider = errors.New("no provider registered for service")
	// ErrCircuitOpen is returned while a service's circuit breaker is open.
	ErrCircuitOpen = errors.New("provider circuit open")
)

// Call is one unit of provider work.
type Call struct {
	RequestID string          `json:"requestId"`
	ServiceID string          `json:"serviceId"`
	AccountID string          `json:"accountId"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
}

// Provider performs the work for a charged request. Errors wrapped with
// retry.Permanent are not retried.
type Provider interface {
	Invoke(ctx context.Context, call Call) (json.RawMessage, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, call Call) (json.RawMessage, error)

func (f Func) Invoke(ctx context.Context, call Call) (json.RawMessage, error) { return f(ctx, call) }

// Registry maps service ids to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register sets the provider for serviceID.
func (r *Registry) Register(serviceID string, p Provider) {
	r.mu.Lock()
	r.providers[serviceID] = p
	r.mu.Unlock()
}

// Lookup returns the provider for serviceID.
func (r *Registry) Lookup(serviceID string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[serviceID]
	return p, ok
}

// maxResultBytes bounds provider responses.
const maxResultBytes = 1 << 20

// HTTPProvider posts the call as JSON and treats a 2xx JSON body as the result.
// 4xx responses are permanent failures; 5xx and transport errors may be retried.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProvider creates a provider for endpoint. Per-call deadlines come
// from the context.
func NewHTTPProvider(endpoint string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func (p *HTTPProvider) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrProviderFailure, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrProviderFailure, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", call.RequestID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrProviderFailure, err)
	}
	if len(data) > maxResultBytes {
		return nil, retry.Permanent(fmt.Errorf("%w: response too large", ErrProviderFailure))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(bytes.TrimSpace(data)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(data) {
			return nil, retry.Permanent(fmt.Errorf("%w: response is not JSON", ErrProviderFailure))
		}
		return json.RawMessage(data), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, retry.Permanent(fmt.Errorf("%w: status %d: %s", ErrProviderFailure, resp.StatusCode, truncate(data, 200)))
	default:
		return nil, fmt.Errorf("%w: status %d", ErrProviderFailure, resp.StatusCode)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
