package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHTTPSenderPostsMessage(t *testing.T) {
	var (
		received      sendPayload
		authorization string
	)
	mailServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			http.NotFound(w, r)
			return
		}
		authorization = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer mailServer.Close()

	sender, err := NewHTTPSender(HTTPSenderConfig{
		BaseURL:     mailServer.URL + "/",
		APIKey:      "mail-key",
		FromAddress: "hello@tutorlink.example.com",
		HTTPClient:  mailServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	err = sender.Send(context.Background(), Message{To: "teacher@example.com", Subject: "New lead", Text: "A parent needs help with algebra."})
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if authorization != "Bearer mail-key" {
		t.Fatalf("unexpected authorization header %q", authorization)
	}
	if received.From != "hello@tutorlink.example.com" || len(received.To) != 1 || received.To[0] != "teacher@example.com" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestHTTPSenderReportsRejection(t *testing.T) {
	mailServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer mailServer.Close()

	sender, err := NewHTTPSender(HTTPSenderConfig{BaseURL: mailServer.URL, FromAddress: "a@b.c", HTTPClient: mailServer.Client()})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if err := sender.Send(context.Background(), Message{To: "x@example.com", Subject: "s"}); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	if err := sender.Send(context.Background(), Message{Subject: "s"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected invalid message, got %v", err)
	}
}

func TestLogSenderRecordsEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sender := LogSender{Logger: zap.New(core)}
	if err := sender.Send(context.Background(), Message{To: "x@example.com", Subject: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logs.FilterMessage("mail delivery skipped").Len() != 1 {
		t.Fatalf("expected skipped-delivery log entry")
	}
}
