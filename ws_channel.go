package tabsplit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// frame is the minimal view of any server frame, used to route it before
// decoding the body.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func isChangeFrame(t string) bool {
	switch PushEventType(t) {
	case PushInsert, PushUpdate, PushDelete:
		return true
	}
	return false
}

// ============================================================================
// WSSource
// ============================================================================

// WSSource opens one WebSocket per resource key at
// <base>/ws?token=...&resource=<key>. The server first sends an
// "authenticated" frame, then change frames for that resource.
type WSSource struct {
	baseURL string
	config  RealtimeConfig
	Log     zerolog.Logger
}

// NewWSSource creates a WebSocket push source for baseURL (http or https).
func NewWSSource(baseURL string, config *RealtimeConfig) *WSSource {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSSource{baseURL: strings.TrimRight(baseURL, "/"), config: cfg, Log: zerolog.Nop()}
}

// URL returns the WebSocket URL for resourceKey.
func (s *WSSource) URL(resourceKey string) string {
	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	q := url.Values{}
	if s.config.Token != "" {
		q.Set("token", s.config.Token)
	}
	q.Set("resource", resourceKey)
	return wsURL + "/ws?" + q.Encode()
}

func (s *WSSource) OpenChannel(ctx context.Context, resourceKey string, handler PushHandler) (PushChannel, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancelDial()

	conn, resp, err := websocket.Dial(dialCtx, s.URL(resourceKey), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &RemoteError{Kind: KindAuth, Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: "websocket rejected credentials", Err: err}
		}
		return nil, &RemoteError{Kind: KindNetwork, Message: "websocket dial", Err: err}
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, &RemoteError{Kind: KindNetwork, Message: "read auth frame", Err: err}
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != "authenticated" {
		conn.Close(websocket.StatusPolicyViolation, "")
		if f.Type == "error" {
			return nil, NewRemoteError(KindAuth, "ws_auth", string(f.Payload))
		}
		return nil, NewRemoteError(KindNetwork, "ws_handshake", fmt.Sprintf("expected 'authenticated', got '%s'", f.Type))
	}

	connCtx, cancel := context.WithCancel(ctx)
	ch := &wsChannel{
		channelState: newChannelState(cancel),
		conn:         conn,
		key:          resourceKey,
		handler:      handler,
		log:          s.Log.With().Str("resource", resourceKey).Logger(),
	}
	go ch.readLoop(connCtx)
	go ch.heartbeatLoop(connCtx, s.config.HeartbeatInterval)
	return ch, nil
}

// ============================================================================
// wsChannel
// ============================================================================

type wsChannel struct {
	*channelState
	conn    *websocket.Conn
	key     string
	handler PushHandler
	log     zerolog.Logger
}

func (c *wsChannel) Close() error {
	if c.closed() {
		return nil
	}
	c.finish(nil)
	return c.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
}

func (c *wsChannel) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if !c.closed() {
				c.finish(fmt.Errorf("websocket read: %w", err))
				c.conn.CloseNow()
			}
			return
		}

		var f frame
		if json.Unmarshal(data, &f) != nil || !isChangeFrame(f.Type) {
			continue
		}
		ev, err := decodePushEvent(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable push frame")
			continue
		}
		if ev.ResourceKey != "" && ev.ResourceKey != c.key {
			continue
		}
		c.handler(ev)
	}
}

func (c *wsChannel) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return
				}
				// Heartbeat failed; force close.
				c.finish(fmt.Errorf("heartbeat: %w", err))
				c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
