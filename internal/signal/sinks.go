package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nats-io/nats.go"

	"github.com/perpflow/scanner/internal/model"
)

// defaultWebhookTimeout bounds a single webhook POST.
const defaultWebhookTimeout = 5 * time.Second

// signalBody is the wire shape shared by the NATS and webhook sinks.
type signalBody struct {
	Rule    string         `json:"rule"`
	Symbol  string         `json:"symbol"`
	Payload map[string]any `json:"payload"`
}

func encodeSignal(sig model.Signal) ([]byte, error) {
	return json.Marshal(signalBody{
		Rule:    sig.RuleName,
		Symbol:  sig.Symbol,
		Payload: sig.Payload,
	})
}

// NATSSink publishes signals on a single subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink connects to NATS and returns a publishing sink.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("perpflow-scanner"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

// NewNATSSinkConn wraps an existing connection; used by tests with an
// embedded server.
func NewNATSSinkConn(nc *nats.Conn, subject string) *NATSSink {
	return &NATSSink{nc: nc, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(_ context.Context, sig model.Signal) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	data, err := encodeSignal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return s.nc.Publish(s.subject, data)
}

// Close drains and closes the underlying connection.
func (s *NATSSink) Close() {
	s.nc.Close()
}

// WebhookSink POSTs signals as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink with the given per-request timeout.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, sig model.Signal) error {
	data, err := encodeSignal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// TelegramSink sends a short alert message per signal.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink creates a Telegram sink for one chat.
func NewTelegramSink(botToken string, chatID int64) (*TelegramSink, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	return &TelegramSink{api: api, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(_ context.Context, sig model.Signal) error {
	score, _ := sig.Payload["score"].(float64)
	rank, _ := sig.Payload["rank"].(int)
	text := fmt.Sprintf("🚨 *%s* matched on `%s`\nrank: %d  score: %.4f",
		sig.RuleName, sig.Symbol, rank, score)
	msg := tgbotapi.NewMessage(s.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := s.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
