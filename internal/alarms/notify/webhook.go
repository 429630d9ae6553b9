package notify

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
)

const (
	defaultWebhookTimeout = 10 * time.Second
	errorBodyLimit        = 512
)

// Message is one rendered notification.
type Message struct {
	AlarmID  string
	Event    string
	Severity string
	Content  string
}

// Channel delivers rendered notifications.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// webhookPayload is the chat-bot text message shape; the alarm block is
// ignored by bots and read by automation behind the same URL.
type webhookPayload struct {
	MsgType string       `json:"msgtype"`
	Text    webhookText  `json:"text"`
	Alarm   webhookAlarm `json:"alarm"`
}

type webhookText struct {
	Content string `json:"content"`
}

type webhookAlarm struct {
	ID       string `json:"id"`
	Event    string `json:"event"`
	Severity string `json:"severity"`
}

// WebhookChannel posts notifications to an HTTP endpoint.
type WebhookChannel struct {
	url     string
	client  *http.Client
	headers http.Header
}

// WebhookOption configures a WebhookChannel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithWebhookTimeout bounds each request.
func WithWebhookTimeout(timeout time.Duration) WebhookOption {
	return func(ch *WebhookChannel) {
		if timeout > 0 {
			ch.client = &http.Client{Timeout: timeout}
		}
	}
}

// WithWebhookHeader adds a header to every request.
func WithWebhookHeader(key, value string) WebhookOption {
	return func(ch *WebhookChannel) {
		if key != "" {
			ch.headers.Set(key, value)
		}
	}
}

// NewWebhookChannel constructs a channel posting to url.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	ch := &WebhookChannel{
		url:     url,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch, nil
}

// Send posts msg. Any non-2xx answer is an error carrying the start of the
// response body.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if w == nil {
		return errors.New("webhook channel: nil")
	}
	body, err := json.Marshal(webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: msg.Content},
		Alarm:   webhookAlarm{ID: msg.AlarmID, Event: msg.Event, Severity: msg.Severity},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for key, values := range w.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook channel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return fmt.Errorf("webhook channel: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
