// Package console is the operator-side client of the relay: REST commands
// plus a live event feed over the console WebSocket session.
package console

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

	"github.com/coder/websocket"

	"github.com/ashureev/dasher-automate/internal/api"
	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/protocol"
)

// ErrNotConnected is returned when the relay has no live device for the id.
var ErrNotConnected = errors.New("device not connected")

const (
	defaultTimeout = 10 * time.Second
	pingInterval   = 30 * time.Second
)

// Client talks to one relay.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the relay at baseURL (http or https).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the last known status of a device.
func (c *Client) Status(ctx context.Context, deviceID string) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status/"+url.PathEscape(deviceID), nil, &out)
	return out, err
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) ([]domain.StatusRecord, error) {
	var out api.SessionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// PushRules replaces the rule set on a device.
func (c *Client) PushRules(ctx context.Context, deviceID string, rules domain.RuleSet) error {
	return c.do(ctx, http.MethodPost, "/api/rules/"+url.PathEscape(deviceID), api.RulesRequest{Rules: &rules}, nil)
}

// Control sends a control action. "toggle" switches automation on or off.
func (c *Client) Control(ctx context.Context, deviceID, action string, enabled bool) error {
	return c.do(ctx, http.MethodPost, "/api/control/"+url.PathEscape(deviceID), api.ControlRequest{Action: action, Enabled: &enabled}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotConnected
	case resp.StatusCode >= 300:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Watch joins the console session of deviceID and calls fn for every message
// the relay delivers, until ctx is cancelled or the relay closes the session.
// Cancellation returns nil.
func (c *Client) Watch(ctx context.Context, deviceID string, fn func(protocol.Message)) error {
	conn, _, err := websocket.Dial(ctx, c.wsURL(domain.ConsoleSessionID(deviceID)), nil)
	if err != nil {
		return fmt.Errorf("dial console session: %w", err)
	}
	defer conn.CloseNow()

	go c.keepAlive(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read console session: %w", err)
		}
		m, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("Skipping undecodable message", "error", err)
			continue
		}
		fn(m)
	}
}

// keepAlive pings the relay so idle sweeps leave the session open.
func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := protocol.Encode(protocol.Ping())
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (c *Client) wsURL(sessionID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + url.PathEscape(sessionID)
}
