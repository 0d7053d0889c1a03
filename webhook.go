package atelier

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookEvent names the events Atelier pushes to bot endpoints.
const (
	WebhookMessageCreated = "message.created"
	WebhookFollowCreated  = "follow.created"
)

// WebhookPayload is one event POSTed to a registered bot endpoint. The same
// domains that share the socket share the webhook channel: chat messages
// and follow notifications.
type WebhookPayload struct {
	Source       string               `json:"source"`
	Event        string               `json:"event"`
	Timestamp    int64                `json:"timestamp"`
	Message      *Message             `json:"message,omitempty"`
	Sender       *Participant         `json:"sender,omitempty"`
	Conversation *WebhookConversation `json:"conversation,omitempty"`
	Follow       *FollowNotification  `json:"follow,omitempty"`
}

// WebhookConversation identifies the conversation an event belongs to.
type WebhookConversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants,omitempty"`
}

// WebhookReply is an optional message reply returned by a handler for
// message.created events.
type WebhookReply struct {
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// WebhookHandlerFunc handles one verified payload.
type WebhookHandlerFunc func(payload *WebhookPayload) (*WebhookReply, error)

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an Atelier webhook signature using
// HMAC-SHA256 with constant-time comparison.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses and validates a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "atelier" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	switch payload.Event {
	case WebhookMessageCreated:
		if payload.Message == nil || payload.Message.ID == "" || payload.Sender == nil || payload.Conversation == nil {
			return nil, fmt.Errorf("message.created payload missing message, sender, or conversation")
		}
	case WebhookFollowCreated:
		if payload.Follow == nil || payload.Follow.Follower == "" {
			return nil, fmt.Errorf("follow.created payload missing follower")
		}
	case "":
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	return &payload, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook verifies, parses, and dispatches Atelier webhook requests.
type Webhook struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewWebhook creates a webhook handler bound to a shared secret.
func NewWebhook(secret string, onEvent WebhookHandlerFunc) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Webhook{secret: secret, onEvent: onEvent}, nil
}

// Verify checks a request signature.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body.
func (w *Webhook) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes one request: verify, parse, dispatch. It returns the
// status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	reply, err := w.onEvent(payload)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	if reply != nil {
		return http.StatusOK, reply
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler for webhook requests.
//
// Example:
//
//	wh, _ := atelier.NewWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Atelier-Signature"))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// StaleAfter reports whether a payload timestamp is older than the given
// window; bridges use it to drop replayed deliveries.
func (p *WebhookPayload) StaleAfter(window time.Duration) bool {
	if p.Timestamp == 0 {
		return false
	}
	return time.Since(time.Unix(p.Timestamp, 0)) > window
}
