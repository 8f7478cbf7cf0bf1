package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// RelayBackend talks to a minimal HTTP relay: PUT /snapshot stores the
// current state, GET /snapshot fetches it, 404 means nothing has been
// pushed yet.
type RelayBackend struct {
	baseURL string
	client  *http.Client
}

func NewRelayBackend(baseURL string, timeout time.Duration) (*RelayBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("relay backend: URL not configured")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RelayBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (r *RelayBackend) Name() string { return "relay" }

func (r *RelayBackend) PutSnapshot(ctx context.Context, deviceID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.baseURL+"/snapshot", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("relay backend: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", deviceID)

	resp, err := r.client.Do(req)
	if err != nil {
		return r.classify("put", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Backend: "relay", Op: "put", Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (r *RelayBackend) GetSnapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("relay backend: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, r.classify("get", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoSnapshot
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Backend: "relay", Op: "get", Status: resp.StatusCode, Body: string(body)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, r.classify("get", err)
	}
	return data, nil
}

func (r *RelayBackend) classify(op string, err error) error {
	ne := NetworkError{Backend: "relay", Op: op, Err: err}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{NetworkError: ne}
	}
	return &ne
}
