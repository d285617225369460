// Package client keeps a local replica of a task list's order in sync with the server.
package client

import (
	"bytes"
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

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/astromechza/automerge-tasklists/pkg/api"
	"github.com/astromechza/automerge-tasklists/pkg/crdt"
)

// Client talks to one sync server on behalf of one identity and device.
type Client struct {
	baseURL    *url.URL
	identity   string
	deviceID   string
	httpClient *http.Client
	dialer     *websocket.Dialer
	retries    uint64
	logger     *slog.Logger
}

// Options tunes a Client. Zero values use http.DefaultClient, the default websocket dialer,
// three retries of transient failures and the default logger.
type Options struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Retries    int
	Logger     *slog.Logger
}

func New(baseURL, identity, deviceID string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}
	if strings.TrimSpace(identity) == "" || strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("identity and device id must be set")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:    u,
		identity:   identity,
		deviceID:   deviceID,
		httpClient: opts.HTTPClient,
		dialer:     opts.Dialer,
		retries:    uint64(opts.Retries),
		logger:     opts.Logger,
	}, nil
}

// DeviceID returns the device this client acts for.
func (c *Client) DeviceID() string {
	return c.deviceID
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set(api.HeaderIdentity, c.identity)
	h.Set(api.HeaderDeviceID, c.deviceID)
	return h
}

// do sends one JSON request, retrying network errors and 5xx responses with exponential backoff.
func (c *Client) do(ctx context.Context, method string, path []string, body, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	target := c.baseURL.JoinPath(path...).String()
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.once(ctx, method, target, raw, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.temporary() {
				c.logger.Warn("retrying request", "method", method, "url", target, "status", apiErr.Status)
				return retry.RetryableError(err)
			}
			return err
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("retrying request", "method", method, "url", target, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, method, target string, raw []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header = c.headers()
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		apiErr.Code = api.CodeInternal
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}
	apiErr.Code = body.Code
	apiErr.Message = body.Message
	return apiErr
}

// Open starts a session on listID and returns a replica seeded with the server's document.
// kind is "active" or "background".
func (c *Client) Open(ctx context.Context, listID, kind string) (*Replica, error) {
	var res api.StartSessionResponse
	if err := c.do(ctx, http.MethodPost, []string{"lists", listID, "sessions"}, api.StartSessionRequest{Kind: kind}, &res); err != nil {
		return nil, fmt.Errorf("failed to start session on %s: %w", listID, err)
	}
	doc, err := crdt.Decode(res.DocumentState)
	if err != nil {
		return nil, err
	}
	if err := doc.SetActor(c.deviceID); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	c.logger.Info("opened list", "list", listID, "session", res.SessionID, "heads", doc.Heads(), "expires", res.ExpiresAt)
	return &Replica{
		client:       c,
		listID:       listID,
		kind:         kind,
		sessionID:    res.SessionID,
		expiresAt:    res.ExpiresAt,
		doc:          doc,
		baseline:     res.StateVector,
		serverVector: res.StateVector,
	}, nil
}
