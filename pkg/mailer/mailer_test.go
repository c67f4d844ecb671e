package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPMailerPostsJSONWithBearer(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m, err := NewHTTPMailer(srv.URL, "key-1", "noreply@example.com", time.Second)
	if err != nil {
		t.Fatalf("new mailer: %v", err)
	}
	if err := m.Send(context.Background(), Message{To: "a@b.co", Subject: "hi", Text: "body"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "Bearer key-1" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if got.From != "noreply@example.com" || got.To != "a@b.co" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestHTTPMailerReportsProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	m, _ := NewHTTPMailer(srv.URL, "key-1", "", time.Second)
	err := m.Send(context.Background(), Message{To: "a@b.co"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected provider status in error, got %v", err)
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	if err := (LogMailer{}).Send(context.Background(), Message{}); err != ErrNoRecipient {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}

func TestTemplatesRenderLinks(t *testing.T) {
	tpl := Templates{FrontendURL: "https://app.example.com/", From: "noreply@example.com"}
	msg, err := tpl.PasswordReset("a@b.co", "tok/en", time.Hour)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(msg.Text, "https://app.example.com/reset-password?token=tok%2Fen") {
		t.Fatalf("missing reset link: %s", msg.Text)
	}
	if !strings.Contains(msg.Text, "1 hour") {
		t.Fatalf("missing ttl: %s", msg.Text)
	}

	msg, err = tpl.Verification("a@b.co", "abc", 90*time.Minute)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(msg.Text, "/verify-email?token=abc") || !strings.Contains(msg.Text, "90 minutes") {
		t.Fatalf("unexpected verification body: %s", msg.Text)
	}

	msg, err = tpl.PasswordChanged("a@b.co", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Subject == "" || !strings.Contains(msg.Text, "2026") {
		t.Fatalf("unexpected confirmation: %+v", msg)
	}
}
