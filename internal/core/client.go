package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/maimbot/napcat-adapter/internal/config"
	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

// Outbound size guards. The hard cap protects the core service from frames
// it will refuse anyway; the soft cap flags chats that routinely produce
// oversized payloads.
const (
	maxOutboundBytes  = 95 * 1024 * 1024
	warnOutboundBytes = 1 << 20
)

// inboundReadLimit bounds frames received from the core service.
const inboundReadLimit = 1 << 27

// Handler receives each message the core service pushes down.
type Handler func(msg protocol.MessageBase)

// Client maintains the upstream connection to the core bot service. It
// reconnects with exponential backoff for as long as its context lives, and
// transparently applies the api_client envelope when configured.
type Client struct {
	mode     string
	url      string
	apiKey   string
	platform string

	handler Handler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewClient builds a client from the core section of the config.
func NewClient(cfg config.CoreConfig) *Client {
	url := cfg.BaseURL
	if cfg.Mode == config.ModeLegacy {
		url = fmt.Sprintf("ws://%s:%d/ws", cfg.Host, cfg.Port)
	}
	return &Client{
		mode:     cfg.Mode,
		url:      url,
		apiKey:   cfg.APIKey,
		platform: cfg.PlatformName,
	}
}

// SetHandler installs the inbound message handler. Call before Run.
func (c *Client) SetHandler(h Handler) { c.handler = h }

// Connected reports whether the upstream link is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run dials the core service and keeps the connection alive until ctx is
// canceled. Each drop is retried with exponential backoff; a successful
// session resets the schedule.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		slog.Warn("core connection lost, reconnecting", "error", err, "retry_in", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session dials once and pumps inbound frames until the connection drops.
func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("core dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(inboundReadLimit)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("core connected", "url", c.url, "mode", c.mode)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("core read: %w", err)
		}
		c.dispatch(data)
	}
}

// dispatch decodes one inbound frame and hands it to the handler. In
// api_client mode the frame arrives in the API envelope and is unwrapped.
func (c *Client) dispatch(data []byte) {
	if c.handler == nil {
		return
	}

	var msg protocol.MessageBase
	if c.mode == config.ModeAPIClient {
		var api protocol.APIMessage
		if err := json.Unmarshal(data, &api); err != nil {
			slog.Warn("dropping malformed core frame", "error", err)
			return
		}
		msg = protocol.FromAPISend(api)
	} else {
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("dropping malformed core frame", "error", err)
			return
		}
	}
	c.handler(msg)
}

// Stop closes the live connection. Run's backoff loop exits via its context.
func (c *Client) Stop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "adapter shutting down")
	}
}

// SendMessage pushes one canonical envelope upstream, wrapping it for
// api_client mode. Oversized payloads are dropped with the originating chat
// logged so the offender can be found.
func (c *Client) SendMessage(ctx context.Context, msg protocol.MessageBase) error {
	var payload any = msg
	if c.mode == config.ModeAPIClient {
		payload = protocol.ToAPIReceive(msg, c.apiKey, c.platform)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal core message: %w", err)
	}

	if len(data) > maxOutboundBytes {
		slog.Error("dropping oversized message",
			"bytes", len(data), "limit", maxOutboundBytes, "origin", originOf(msg))
		return fmt.Errorf("message of %d bytes exceeds %d byte limit", len(data), maxOutboundBytes)
	}
	if len(data) > warnOutboundBytes {
		slog.Warn("large message sent upstream", "bytes", len(data), "origin", originOf(msg))
	}
	return c.write(ctx, data)
}

// SendCustom pushes an arbitrary JSON payload upstream, used for command
// responses and send-confirmation notifications.
func (c *Client) SendCustom(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal core payload: %w", err)
	}
	return c.write(ctx, data)
}

func (c *Client) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("core not connected")
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("core write: %w", err)
	}
	return nil
}

// originOf names the chat a message came from, for oversize diagnostics.
func originOf(msg protocol.MessageBase) string {
	info := msg.MessageInfo
	if info.GroupInfo != nil {
		return fmt.Sprintf("group %d", info.GroupInfo.GroupID)
	}
	if info.UserInfo != nil {
		return fmt.Sprintf("user %d", info.UserInfo.UserID)
	}
	return "unknown"
}
