package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// HTTPClient handles HTTP communication between sites
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
	// retry configuration for transient failures inside a single send
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates a new HTTP client with timeout
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// WithRetry configures retry attempts for transient failures (5xx or transport errors).
// Retries are disabled by default; protocol-level retries are driven by timeouts.
func (c *HTTPClient) WithRetry(maxRetries int, retryDelay time.Duration) *HTTPClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay < 0 {
		retryDelay = 0
	}

	c.maxRetries = maxRetries
	c.retryDelay = retryDelay
	return c
}

// DefaultHTTPClient creates a client with default 5 second timeout
func DefaultHTTPClient() *HTTPClient {
	return NewHTTPClient(5 * time.Second)
}

// HealthCheck checks if a site is alive
func (c *HTTPClient) HealthCheck(ctx context.Context, addr string) (*protocol.HealthResponse, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", addr), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	var health protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}

	return &health, nil
}

// SendMessage posts a protocol message to a site. The receiver only queues it.
func (c *HTTPClient) SendMessage(ctx context.Context, addr string, msg *protocol.Message) error {
	resp, err := c.postJSON(ctx, addr, "message", msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("message rejected with status: %d", resp.StatusCode)
	}
	return nil
}

// StartTransaction submits a transaction to a coordinator site and waits for its outcome
func (c *HTTPClient) StartTransaction(ctx context.Context, addr string, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
	resp, err := c.postJSON(ctx, addr, "transaction", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeTransactionResponse(resp.Body)
}

// ListTransactions returns the in-flight transactions of a site
func (c *HTTPClient) ListTransactions(ctx context.Context, addr string) (*protocol.TransactionListResponse, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/transactions", addr), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list transactions failed with status: %d", resp.StatusCode)
	}

	var list protocol.TransactionListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, addr, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("http://%s/%s", addr, path), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (c *HTTPClient) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	attempts := c.maxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("transient status: %d", resp.StatusCode)
			// Ensure we drain/close to avoid leaking connections
			if resp.Body != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}

		if attempt == attempts-1 {
			break
		}

		if c.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}

	return nil, lastErr
}

func decodeTransactionResponse(body io.Reader) (*protocol.TransactionResponse, error) {
	var txResp protocol.TransactionResponse
	if err := json.NewDecoder(body).Decode(&txResp); err != nil {
		return nil, err
	}
	return &txResp, nil
}
