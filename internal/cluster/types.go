package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// Routes served by Handler.
const (
	InvalidationsPath = "/v1/invalidations"
	HealthPath        = "/v1/health"
)

// Message is the body of POST /v1/invalidations.
type Message struct {
	Origin        string               `json:"origin"`
	Invalidations *types.Invalidations `json:"invalidations"`
}

// Health is the body returned by GET /v1/health.
type Health struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
}

// DefaultTimeout bounds one request to a peer.
const DefaultTimeout = 5 * time.Second

// Client sends JSON requests to peers.
type Client struct {
	http *http.Client
}

// NewClient returns a Client whose requests time out after timeout, or
// DefaultTimeout if timeout is not positive.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// PostJSON posts body to url and decodes the response into out, if out is
// not nil.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
