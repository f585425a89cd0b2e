// Package mailer sends transactional email through an HTTP mail API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidMessage = errors.New("mailer: invalid message")
	ErrDeliveryFailed = errors.New("mailer: delivery failed")
)

const defaultTimeout = 10 * time.Second

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Text    string
}

// Sender delivers email.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// HTTPSenderConfig configures HTTPSender.
type HTTPSenderConfig struct {
	BaseURL     string
	APIKey      string
	FromAddress string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// HTTPSender posts messages to `{BaseURL}/emails` with a bearer API key.
type HTTPSender struct {
	endpoint   string
	apiKey     string
	from       string
	httpClient *http.Client
	logger     *zap.Logger
}

type sendPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// NewHTTPSender constructs an HTTPSender.
func NewHTTPSender(cfg HTTPSenderConfig) (*HTTPSender, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("mailer: base url required")
	}
	if strings.TrimSpace(cfg.FromAddress) == "" {
		return nil, fmt.Errorf("mailer: from address required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSender{
		endpoint:   baseURL + "/emails",
		apiKey:     cfg.APIKey,
		from:       cfg.FromAddress,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Send delivers the message.
func (s *HTTPSender) Send(ctx context.Context, message Message) error {
	recipient := strings.TrimSpace(message.To)
	if recipient == "" || strings.TrimSpace(message.Subject) == "" {
		return ErrInvalidMessage
	}
	body, err := json.Marshal(sendPayload{
		From:    s.from,
		To:      []string{recipient},
		Subject: message.Subject,
		Text:    message.Text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	response, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		s.logger.Warn("mail delivery rejected", zap.Int("status", response.StatusCode))
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, response.StatusCode)
	}
	return nil
}

// LogSender records messages in the log instead of sending them. It is used when no
// mail API is configured.
type LogSender struct {
	Logger *zap.Logger
}

// Send logs the message envelope.
func (s LogSender) Send(_ context.Context, message Message) error {
	if strings.TrimSpace(message.To) == "" {
		return ErrInvalidMessage
	}
	if s.Logger != nil {
		s.Logger.Info("mail delivery skipped",
			zap.String("to", message.To),
			zap.String("subject", message.Subject))
	}
	return nil
}
