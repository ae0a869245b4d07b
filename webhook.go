package tabsplit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// WebhookSignatureHeader carries the HMAC-SHA256 signature of the body.
const WebhookSignatureHeader = "X-Tabsplit-Signature"

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 webhook signature.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the "sha256=<hex>" signature of body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEvent parses a webhook body into a PushEvent.
func ParseWebhookEvent(body string) (PushEvent, error) {
	var f frame
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return PushEvent{}, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if !isChangeFrame(f.Type) {
		return PushEvent{}, fmt.Errorf("unknown webhook event type: %q", f.Type)
	}
	ev, err := decodePushEvent([]byte(body))
	if err != nil {
		return PushEvent{}, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if ev.ResourceKey == "" {
		return PushEvent{}, fmt.Errorf("missing resource field in webhook payload")
	}
	if ev.ID == "" {
		return PushEvent{}, fmt.Errorf("missing record id in webhook payload")
	}
	return ev, nil
}

// ============================================================================
// WebhookSource
// ============================================================================

// WebhookSource is a PushSource fed by signed HTTP webhooks. Each verified
// POST is routed to the channels open for the event's resource key.
type WebhookSource struct {
	secret string
	log    zerolog.Logger

	mu       sync.RWMutex
	channels map[string][]*webhookChannel
}

// NewWebhookSource creates a webhook receiver verifying with secret.
func NewWebhookSource(secret string, log zerolog.Logger) (*WebhookSource, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookSource{
		secret:   secret,
		log:      log,
		channels: make(map[string][]*webhookChannel),
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookSource) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

func (w *WebhookSource) OpenChannel(ctx context.Context, resourceKey string, handler PushHandler) (PushChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &webhookChannel{
		channelState: newChannelState(nil),
		source:       w,
		key:          resourceKey,
		handler:      handler,
	}
	w.mu.Lock()
	w.channels[resourceKey] = append(w.channels[resourceKey], ch)
	w.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-ch.Done():
		}
	}()
	return ch, nil
}

func (w *WebhookSource) remove(ch *webhookChannel) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.channels[ch.key]
	for i, c := range list {
		if c == ch {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(w.channels, ch.key)
	} else {
		w.channels[ch.key] = list
	}
}

// Handle processes a webhook request (verify + parse + route).
// Returns the status code and response body for the caller to write.
func (w *WebhookSource) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseWebhookEvent(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.RLock()
	targets := append([]*webhookChannel(nil), w.channels[ev.ResourceKey]...)
	w.mu.RUnlock()

	delivered := 0
	for _, ch := range targets {
		if ch.deliver(ev) {
			delivered++
		}
	}
	if delivered == 0 {
		w.log.Debug().Str("resource", ev.ResourceKey).Msg("webhook event for unsubscribed resource")
		return http.StatusAccepted, map[string]any{"ok": true, "delivered": 0}
	}
	return http.StatusOK, map[string]any{"ok": true, "delivered": delivered}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	src, _ := tabsplit.NewWebhookSource("secret", logger)
//	http.Handle("/webhook", src.HTTPHandler())
func (w *WebhookSource) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

type webhookChannel struct {
	*channelState
	source  *WebhookSource
	key     string
	handler PushHandler

	// deliverMu keeps events of one channel in arrival order across
	// concurrent requests.
	deliverMu sync.Mutex
}

func (c *webhookChannel) deliver(ev PushEvent) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.closed() {
		return false
	}
	c.handler(ev)
	return true
}

func (c *webhookChannel) Close() error {
	if c.closed() {
		return nil
	}
	c.source.remove(c)
	c.finish(nil)
	return nil
}
