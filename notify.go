package chatsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ============================================================================
// Gate
// ============================================================================

// UIState is queried when an incoming message might raise an alert.
type UIState interface {
	WindowFocused() bool
	ChatPanelOpen() bool
}

// ShouldAlert decides whether msg deserves a sound and an OS notification.
// The only silent case is a focused window with the chat panel showing the
// sender's thread.
func ShouldAlert(msg *Message, windowFocused bool, activePeerID string, panelOpen bool) bool {
	return !(windowFocused && panelOpen && msg.SenderID == activePeerID)
}

// Alerter raises a user-visible alert for a message.
type Alerter interface {
	Alert(ctx context.Context, msg Message) error
}

// AlertFunc adapts a function to Alerter.
type AlertFunc func(ctx context.Context, msg Message) error

func (f AlertFunc) Alert(ctx context.Context, msg Message) error { return f(ctx, msg) }

// MultiAlerter delivers to every alerter and joins their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, msg Message) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Webhook delivery
// ============================================================================

// SignatureHeader carries the HMAC-SHA256 of the alert body.
const SignatureHeader = "X-Chatsync-Signature"

const (
	alertSource       = "chatsync"
	AlertEventMessage = "message.alert"
)

// AlertPayload is the body posted by WebhookAlerter.
type AlertPayload struct {
	Source    string  `json:"source"`
	Event     string  `json:"event"`
	Timestamp int64   `json:"timestamp"`
	Message   Message `json:"message"`
}

// SignAlert returns the "sha256=<hex>" signature of body.
func SignAlert(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyAlertSignature checks a signature produced by SignAlert in constant
// time. The "sha256=" prefix is optional.
func VerifyAlertSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseAlertPayload decodes and validates a webhook body.
func ParseAlertPayload(body []byte) (*AlertPayload, error) {
	var p AlertPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON in alert body: %w", err)
	}
	if p.Source != alertSource {
		return nil, fmt.Errorf("unknown alert source: %s", p.Source)
	}
	if p.Event == "" {
		return nil, fmt.Errorf("missing event field in alert payload")
	}
	if p.Message.ID == "" || p.Message.SenderID == "" {
		return nil, fmt.Errorf("missing message id or sender in alert payload")
	}
	return &p, nil
}

// WebhookAlerter posts signed alerts to a desktop bridge that owns the
// speaker and the OS notification center.
type WebhookAlerter struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookAlerter creates an alerter. client may be nil.
func NewWebhookAlerter(url, secret string, client *http.Client) (*WebhookAlerter, error) {
	if url == "" {
		return nil, fmt.Errorf("alert webhook url is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("alert webhook secret is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookAlerter{url: url, secret: secret, client: client, now: time.Now}, nil
}

func (w *WebhookAlerter) Alert(ctx context.Context, msg Message) error {
	body, err := json.Marshal(&AlertPayload{
		Source:    alertSource,
		Event:     AlertEventMessage,
		Timestamp: w.now().Unix(),
		Message:   msg,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignAlert(body, w.secret))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver alert: bridge returned %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// Webhook receiver
// ============================================================================

// AlertReceiver is the bridge side of WebhookAlerter.
type AlertReceiver struct {
	secret  string
	onAlert func(*AlertPayload) error
}

// NewAlertReceiver creates a receiver that calls onAlert for every verified
// payload.
func NewAlertReceiver(secret string, onAlert func(*AlertPayload) error) (*AlertReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("alert webhook secret is required")
	}
	return &AlertReceiver{secret: secret, onAlert: onAlert}, nil
}

// Handle verifies, parses and dispatches one request body. It returns the
// status code and response body for the caller to write.
func (a *AlertReceiver) Handle(body []byte, signature string) (int, any) {
	if !VerifyAlertSignature(body, signature, a.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	p, err := ParseAlertPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if err := a.onAlert(p); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP accepts POSTed alerts.
func (a *AlertReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	status, data := a.Handle(body, r.Header.Get(SignatureHeader))
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
