package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relaybot/internal/domain"
)

func TestWebhook_SendSignedPayload(t *testing.T) {
	secret := "test-secret"
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, Secret: secret, Logger: testLogger()})
	msg := domain.NewMessage("webhook", "room-1", "hello")
	msg.ThreadID = "th-9"

	res := wh.Send(context.Background(), msg)
	if !res.OK {
		t.Fatalf("send failed: %s", res.Error)
	}
	if res.MessageID != msg.ID {
		t.Errorf("MessageID = %q, want %q", res.MessageID, msg.ID)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["chat_id"] != "room-1" || payload["content"] != "hello" || payload["thread_id"] != "th-9" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestWebhook_NoSecretSkipsSignature(t *testing.T) {
	var sigPresent bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sigPresent = r.Header["X-Signature-256"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, Logger: testLogger()})
	res := wh.Send(context.Background(), domain.NewMessage("webhook", "room-1", "hi"))
	if !res.OK {
		t.Fatalf("send failed: %s", res.Error)
	}
	if sigPresent {
		t.Error("signature header set without a secret")
	}
}

func TestWebhook_ClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, Logger: testLogger()})
	res := wh.Send(context.Background(), domain.NewMessage("webhook", "room-1", "hi"))
	if res.OK {
		t.Fatal("expected failure on 403")
	}
	if !strings.Contains(res.Error, "not authorized") {
		t.Errorf("error %q should carry the not-authorized marker", res.Error)
	}
}

func TestWebhook_ServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, Logger: testLogger()})
	res := wh.Send(context.Background(), domain.NewMessage("webhook", "room-1", "hi"))
	if res.OK {
		t.Fatal("expected failure on 502")
	}
	if strings.Contains(res.Error, "not authorized") || strings.Contains(res.Error, "invalid argument") {
		t.Errorf("error %q should stay retryable", res.Error)
	}
}
