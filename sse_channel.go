package tabsplit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var errStaleStream = errors.New("sse stream stale")

// SSESource opens one server-sent events stream per resource key at
// <base>/sse?token=...&resource=<key>. Each "data: " line carries one
// change frame; lines starting with ':' are heartbeats.
type SSESource struct {
	baseURL string
	config  RealtimeConfig
	Log     zerolog.Logger
}

// NewSSESource creates an SSE push source for baseURL.
func NewSSESource(baseURL string, config *RealtimeConfig) *SSESource {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SSESource{baseURL: strings.TrimRight(baseURL, "/"), config: cfg, Log: zerolog.Nop()}
}

// URL returns the stream URL for resourceKey.
func (s *SSESource) URL(resourceKey string) string {
	q := url.Values{}
	if s.config.Token != "" {
		q.Set("token", s.config.Token)
	}
	q.Set("resource", resourceKey)
	return s.baseURL + "/sse?" + q.Encode()
}

func (s *SSESource) OpenChannel(ctx context.Context, resourceKey string, handler PushHandler) (PushChannel, error) {
	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.URL(resourceKey), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The handshake timeout only covers the response headers.
	timer := time.AfterFunc(s.config.HandshakeTimeout, cancel)
	resp, err := s.config.HTTPClient.Do(req)
	timer.Stop()
	if err != nil {
		cancel()
		return nil, &RemoteError{Kind: KindNetwork, Message: "sse connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &RemoteError{
			Kind:    classifyStatus(resp.StatusCode),
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: fmt.Sprintf("SSE HTTP %d", resp.StatusCode),
		}
	}

	ch := &sseChannel{
		channelState: newChannelState(cancel),
		key:          resourceKey,
		handler:      handler,
		lastData:     time.Now(),
		log:          s.Log.With().Str("resource", resourceKey).Logger(),
	}
	go ch.readLoop(resp.Body)
	go ch.watchdog(connCtx, s.config.WatchdogInterval, s.config.StaleAfter)
	return ch, nil
}

type sseChannel struct {
	*channelState
	key     string
	handler PushHandler
	log     zerolog.Logger

	mu       sync.Mutex
	lastData time.Time
}

func (c *sseChannel) Close() error {
	c.finish(nil)
	return nil
}

func (c *sseChannel) readLoop(body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if c.closed() {
			return
		}
		line := scanner.Text()

		c.mu.Lock()
		c.lastData = time.Now()
		c.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var f frame
		if json.Unmarshal([]byte(payload), &f) != nil || !isChangeFrame(f.Type) {
			continue
		}
		ev, err := decodePushEvent([]byte(payload))
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable push frame")
			continue
		}
		if ev.ResourceKey != "" && ev.ResourceKey != c.key {
			continue
		}
		c.handler(ev)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.finish(fmt.Errorf("sse stream ended: %w", err))
}

func (c *sseChannel) watchdog(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastData) > staleAfter
			c.mu.Unlock()
			if stale {
				c.finish(errStaleStream)
				return
			}
		}
	}
}
