// Package backend is the HTTP client for the external camera backend: it
// serves the signaling address, the camera registry, and per-camera fallback
// stream URLs. Camera CRUD lives entirely on the backend side.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

// Camera is immutable reference data for one camera, identified by ID.
type Camera struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	StreamEndpoint string `json:"streamEndpoint"`
}

// Config is the subset of backend configuration the dashboard consumes.
type Config struct {
	SignalingServerURL string `json:"signaling_server_url"`
}

type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the backend at base (scheme + host, no
// trailing slash required). httpClient may be nil.
func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: httpClient,
	}
}

// FetchConfig retrieves the signaling server address.
func (c *Client) FetchConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := c.getJSON(ctx, "/api/config", &cfg); err != nil {
		return Config{}, err
	}
	if cfg.SignalingServerURL == "" {
		return Config{}, fmt.Errorf("backend: config has no signaling_server_url")
	}
	return cfg, nil
}

// FetchCameras retrieves the full camera list.
func (c *Client) FetchCameras(ctx context.Context) ([]Camera, error) {
	var out struct {
		Cameras []Camera `json:"cameras"`
	}
	if err := c.getJSON(ctx, "/api/cameras", &out); err != nil {
		return nil, err
	}
	return out.Cameras, nil
}

// FetchStreamURL retrieves the non-WebRTC fallback stream URL for one camera.
func (c *Client) FetchStreamURL(ctx context.Context, cameraID string) (string, error) {
	var out struct {
		StreamURL string `json:"streamUrl"`
	}
	path := "/api/cameras/" + url.PathEscape(cameraID) + "/stream"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	return out.StreamURL, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Keep a bounded slice of the body for the error message.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("backend: GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: GET %s: decode: %w", path, err)
	}
	return nil
}
