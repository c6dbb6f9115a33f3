// Package client is the thin HTTP client relays use to talk to the origin
// registry. It does URL construction and response decoding only; retry policy
// belongs to the calling relay.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	originregistry "github.com/wolfeidau/origin-registry"
	"github.com/wolfeidau/origin-registry/telemetry"
)

var (
	// ErrConflict is returned when the registry rejects a write because the
	// key already holds different content.
	ErrConflict = errors.New("client: conflict")

	// ErrNotFound is returned when a revoke or refresh targets no entries.
	ErrNotFound = errors.New("client: not found")

	// ErrRejected is returned when the registry rejects the request as
	// malformed or unauthorized.
	ErrRejected = errors.New("client: rejected")
)

// Client talks to one origin registry on behalf of one relay.
type Client struct {
	baseURL    *url.URL
	relay      originregistry.RelayID
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the registry at baseURL, acting as the given
// relay. The relay token may be a bare identifier or the conventional host
// name ("relay3").
func New(baseURL, relay string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing registry url: %w", err)
	}

	id, err := originregistry.ParseRelayID(relay)
	if err != nil {
		return nil, fmt.Errorf("parsing relay identifier: %w", err)
	}

	c := &Client{
		baseURL: u,
		relay:   id,
		httpClient: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil),
			Timeout:   10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetOrigin fetches this relay's next-hop record for the namespace.
// Absence is reported as (nil, nil).
func (c *Client) GetOrigin(ctx context.Context, namespace string) (*originregistry.Origin, error) {
	resp, err := c.do(ctx, http.MethodGet, c.originPath(namespace), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var origin originregistry.Origin
	if err := json.NewDecoder(resp.Body).Decode(&origin); err != nil {
		return nil, fmt.Errorf("decoding origin record: %w", err)
	}
	return &origin, nil
}

// SetOrigin announces this relay as the publisher of the namespace.
func (c *Client) SetOrigin(ctx context.Context, namespace string, origin originregistry.Origin) error {
	resp, err := c.do(ctx, http.MethodPost, c.originPath(namespace), &origin)
	if err != nil {
		return err
	}
	defer drain(resp)
	return checkStatus(resp)
}

// DeleteOrigin revokes the namespace across every relay.
func (c *Client) DeleteOrigin(ctx context.Context, namespace string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.namespacePath(namespace), nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	return checkStatus(resp)
}

// PatchOrigin refreshes the namespace's records, asserting they still hold
// the given content.
func (c *Client) PatchOrigin(ctx context.Context, namespace string, origin originregistry.Origin) error {
	resp, err := c.do(ctx, http.MethodPatch, c.namespacePath(namespace), &origin)
	if err != nil {
		return err
	}
	defer drain(resp)
	return checkStatus(resp)
}

func (c *Client) originPath(namespace string) string {
	return fmt.Sprintf("/origin/%s/%s", url.PathEscape(c.relay.String()), url.PathEscape(namespace))
}

func (c *Client) namespacePath(namespace string) string {
	return fmt.Sprintf("/origin/%s", url.PathEscape(namespace))
}

func (c *Client) do(ctx context.Context, method, path string, body *originregistry.Origin) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding origin record: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// checkStatus maps response statuses back to client error kinds.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusBadRequest:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(detail)))
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
}

// drain discards any remaining body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
