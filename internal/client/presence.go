// Package client talks to the consultation server on behalf of a doctor agent.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrLeaseGone is returned by Beat when the server no longer knows the
	// lease. The caller is expected to connect again.
	ErrLeaseGone = errors.New("client: presence lease expired")
	// ErrRejected is returned for any other non-success answer.
	ErrRejected = errors.New("client: request rejected")
)

// PresenceClient implements heartbeat.Backend over the presence endpoints.
type PresenceClient struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewPresenceClient parses serverURL and prepares a client. A nil httpClient
// falls back to http.DefaultClient.
func NewPresenceClient(serverURL string, httpClient *http.Client, timeout time.Duration, logger *slog.Logger) (*PresenceClient, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(serverURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse server url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: server url %q must be absolute", serverURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceClient{
		base:    base,
		http:    httpClient,
		timeout: timeout,
		logger:  logger.With("component", "PresenceClient"),
	}, nil
}

type connectResponse struct {
	LeaseID string `json:"lease_id"`
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Connect opens a presence lease for doctorID.
func (c *PresenceClient) Connect(ctx context.Context, doctorID string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/presence", doctorID)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", rejection(resp)
	}
	var body connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("client: decode connect response: %w", err)
	}
	if body.LeaseID == "" {
		return "", fmt.Errorf("%w: empty lease id", ErrRejected)
	}
	c.logger.DebugContext(ctx, "presence lease opened", "doctor_id", doctorID, "lease_id", body.LeaseID)
	return body.LeaseID, nil
}

// Beat renews the lease.
func (c *PresenceClient) Beat(ctx context.Context, doctorID, leaseID string) error {
	resp, err := c.do(ctx, http.MethodPut, "/api/presence/"+url.PathEscape(leaseID), doctorID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusGone:
		return ErrLeaseGone
	default:
		return rejection(resp)
	}
}

// SignOff closes the lease and marks the doctor offline.
func (c *PresenceClient) SignOff(ctx context.Context, doctorID, leaseID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/presence/"+url.PathEscape(leaseID), doctorID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return rejection(resp)
	}
	return nil
}

func (c *PresenceClient) do(ctx context.Context, method, path, doctorID string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	target := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("X-User-ID", doctorID)
	req.Header.Set("X-User-Role", "doctor")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func rejection(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.ErrorCode != "" {
		return fmt.Errorf("%w: status %d (%s): %s", ErrRejected, resp.StatusCode, body.ErrorCode, body.Message)
	}
	if body.Message != "" {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, body.Message)
	}
	return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
}
