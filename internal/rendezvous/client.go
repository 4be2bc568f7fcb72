package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/pkg/types"
)

// Client talks to a rendezvous server over its JSON HTTP API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *logrus.Entry
}

// NewClient creates a client for the server at baseURL, e.g. "http://host:10000".
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Logger:  logging.For("rendezvous-client"),
	}
}

// Register implements Service.
func (c *Client) Register(ctx context.Context, id types.PeerID, ep types.Endpoint) error {
	if err := validateRegistration(id, ep); err != nil {
		return err
	}

	port, _ := json.Marshal(ep.Port)
	body, err := json.Marshal(RegisterRequest{Username: string(id), IP: ep.IP, Port: port})
	if err != nil {
		return fmt.Errorf("marshal register request: %w", err)
	}

	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/register", body, &resp); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}

	c.Logger.WithFields(logrus.Fields{
		"peer_id":      id,
		"endpoint":     ep.String(),
		"active_peers": resp.ActivePeers,
	}).Debug("Registered with rendezvous server")
	return nil
}

// Lookup implements Service. An unknown id yields ErrNotFound.
func (c *Client) Lookup(ctx context.Context, id types.PeerID) (types.Endpoint, error) {
	if id == "" {
		return types.Endpoint{}, fmt.Errorf("%w: empty peer id", ErrInvalidRequest)
	}

	var resp PeerResponse
	if err := c.do(ctx, http.MethodGet, "/get_peer/"+url.PathEscape(string(id)), nil, &resp); err != nil {
		return types.Endpoint{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	return types.Endpoint{IP: resp.IP, Port: resp.Port}, nil
}

// ListPeers returns every id the server knows.
func (c *Client) ListPeers(ctx context.Context) ([]types.PeerID, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/list_peers", nil, &resp); err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return resp.Peers, nil
}

// Status returns the server's index status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/", nil, &resp); err != nil {
		return StatusResponse{}, fmt.Errorf("status: %w", err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/get_peer/") {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
