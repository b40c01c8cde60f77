package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-alert-secret"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const testAlertBody = `{"source":"chatsync","event":"message.alert","timestamp":1700000000,` +
	`"message":{"id":"m1","sender_id":"p1","recipient_id":"me","content":"hi","created_at":"2026-03-01T09:00:00Z","is_read":false}}`

// ============================================================================
// Gate
// ============================================================================

func TestShouldAlert(t *testing.T) {
	msg := &Message{ID: "m1", SenderID: "p1", RecipientID: "me"}

	for _, focused := range []bool{false, true} {
		for _, panel := range []bool{false, true} {
			for _, active := range []string{"p1", "p2"} {
				name := fmt.Sprintf("focused=%v panel=%v active=%s", focused, panel, active)
				t.Run(name, func(t *testing.T) {
					want := !(focused && panel && active == "p1")
					if got := ShouldAlert(msg, focused, active, panel); got != want {
						t.Fatalf("expected %v, got %v", want, got)
					}
				})
			}
		}
	}
}

func TestMultiAlerter(t *testing.T) {
	var calls int
	ok := AlertFunc(func(ctx context.Context, msg Message) error { calls++; return nil })
	bad := AlertFunc(func(ctx context.Context, msg Message) error { calls++; return errors.New("speaker busy") })

	err := MultiAlerter{bad, ok}.Alert(context.Background(), Message{ID: "m1"})
	if err == nil || !strings.Contains(err.Error(), "speaker busy") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected every alerter called, got %d", calls)
	}
}

// ============================================================================
// Signatures
// ============================================================================

func TestVerifyAlertSignature(t *testing.T) {
	body := []byte(testAlertBody)

	t.Run("round trip", func(t *testing.T) {
		sig := SignAlert(body, testSecret)
		if sig != makeTestSignature(testAlertBody, testSecret) {
			t.Fatalf("unexpected signature %s", sig)
		}
		if !VerifyAlertSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignAlert(body, testSecret), "sha256=")
		if !VerifyAlertSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("rejects", func(t *testing.T) {
		sig := SignAlert(body, testSecret)
		cases := map[string]bool{
			"wrong secret":  VerifyAlertSignature(body, sig, "other"),
			"tampered body": VerifyAlertSignature([]byte(testAlertBody+" "), sig, testSecret),
			"empty sig":     VerifyAlertSignature(body, "", testSecret),
			"prefix only":   VerifyAlertSignature(body, "sha256=", testSecret),
			"short sig":     VerifyAlertSignature(body, "sha256=abcd", testSecret),
			"empty body":    VerifyAlertSignature(nil, sig, testSecret),
		}
		for name, ok := range cases {
			if ok {
				t.Fatalf("%s: expected rejection", name)
			}
		}
	})
}

func TestParseAlertPayload(t *testing.T) {
	p, err := ParseAlertPayload([]byte(testAlertBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Event != AlertEventMessage || p.Message.ID != "m1" || p.Message.SenderID != "p1" {
		t.Fatalf("unexpected payload: %+v", p)
	}

	bad := []string{
		`not json`,
		`{"source":"other","event":"message.alert","message":{"id":"m1","sender_id":"p1"}}`,
		`{"source":"chatsync","message":{"id":"m1","sender_id":"p1"}}`,
		`{"source":"chatsync","event":"message.alert","message":{"id":"m1"}}`,
	}
	for _, body := range bad {
		if _, err := ParseAlertPayload([]byte(body)); err == nil {
			t.Fatalf("expected error for %s", body)
		}
	}
}

// ============================================================================
// Delivery
// ============================================================================

func TestNewWebhookAlerter(t *testing.T) {
	if _, err := NewWebhookAlerter("", testSecret, nil); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewWebhookAlerter("http://bridge", "", nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestWebhookAlerterToReceiver(t *testing.T) {
	var (
		mu  sync.Mutex
		got []*AlertPayload
	)
	recv, err := NewAlertReceiver(testSecret, func(p *AlertPayload) error {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv := httptest.NewServer(recv)
	defer srv.Close()

	alerter, err := NewWebhookAlerter(srv.URL, testSecret, srv.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := Message{ID: "m1", SenderID: "p1", RecipientID: "me", Content: "new lab result"}
	if err := alerter.Alert(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Message.Content != "new lab result" || got[0].Source != "chatsync" {
		t.Fatalf("unexpected delivery: %+v", got)
	}

	t.Run("wrong secret rejected", func(t *testing.T) {
		bad, _ := NewWebhookAlerter(srv.URL, "wrong", srv.Client())
		if err := bad.Alert(context.Background(), msg); err == nil || !strings.Contains(err.Error(), "401") {
			t.Fatalf("expected 401 error, got %v", err)
		}
	})
}

func TestAlertReceiverHandle(t *testing.T) {
	recv, _ := NewAlertReceiver(testSecret, func(p *AlertPayload) error {
		if p.Message.ID == "fail" {
			return errors.New("speaker unavailable")
		}
		return nil
	})

	tests := []struct {
		name   string
		body   string
		sig    string
		status int
	}{
		{"ok", testAlertBody, makeTestSignature(testAlertBody, testSecret), http.StatusOK},
		{"bad signature", testAlertBody, "sha256=00", http.StatusUnauthorized},
		{"bad payload", `{"source":"x"}`, makeTestSignature(`{"source":"x"}`, testSecret), http.StatusBadRequest},
		{
			"handler error",
			strings.Replace(testAlertBody, `"id":"m1"`, `"id":"fail"`, 1),
			makeTestSignature(strings.Replace(testAlertBody, `"id":"m1"`, `"id":"fail"`, 1), testSecret),
			http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := recv.Handle([]byte(tt.body), tt.sig)
			if status != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, status)
			}
		})
	}

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		recv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}
