package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
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
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the controller status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &status, nil
}

// Reconnect resets the named remote, or every remote if node is empty.
func (c *Client) Reconnect(ctx context.Context, node string) error {
	q := url.Values{}
	if node != "" {
		q.Set("node", node)
	}
	resp, err := c.do(ctx, http.MethodPost, "/reconnect", q)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Focus moves input focus to the named node.
func (c *Client) Focus(ctx context.Context, node string) error {
	resp, err := c.do(ctx, http.MethodPost, "/focus", url.Values{"node": {node}})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do performs a request against the control socket. Non-2xx responses are
// turned into errors; 404 and 409 wrap ErrUnknownNode and ErrNotConnected.
func (c *Client) do(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	// Use a dummy host since we're connecting via Unix socket
	u := "http://localhost" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var body ErrorResponse
	msg := http.StatusText(resp.StatusCode)
	if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, msg)
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, msg)
	default:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
