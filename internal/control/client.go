package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   45 * time.Second,
		},
	}
}

// Status retrieves the service status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ReloadCert asks the service to re-read its certificate.
func (c *Client) ReloadCert(ctx context.Context) error {
	return c.reload(ctx, "/reload/cert")
}

// ReloadAuth asks the service to refresh its credentials.
func (c *Client) ReloadAuth(ctx context.Context) error {
	return c.reload(ctx, "/reload/auth")
}

func (c *Client) reload(ctx context.Context, path string) error {
	var resp ReloadResponse
	err := c.do(ctx, http.MethodPost, path, &resp)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("reload %s: %s", resp.Reloaded, resp.Error)
	}
	return nil
}

// do sends a request to the control socket and decodes the JSON reply.
// Reload failures come back as 500 with a ReloadResponse body, so the body
// is decoded before the status is checked.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "application/json" {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
