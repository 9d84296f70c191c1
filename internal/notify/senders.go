package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// maxRetryAfter caps how long a sender honours a 429 Retry-After.
const maxRetryAfter = 5 * time.Second

// Webhook posts each message as a JSON document to a fixed URL. Telegram
// and Discord differ only in the URL and the document shape.
type Webhook struct {
	name   string
	url    string
	body   func(title, message string) any
	client *http.Client
}

// NewTelegramSender posts through the Bot API sendMessage method with the
// title in bold. An empty apiURL selects DefaultTelegramAPI.
func NewTelegramSender(apiURL, token, chatID string) *Webhook {
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	return &Webhook{
		name: "telegram",
		url:  fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(apiURL, "/"), token),
		body: func(title, message string) any {
			return map[string]string{
				"chat_id":    chatID,
				"text":       fmt.Sprintf("*%s*\n%s", title, message),
				"parse_mode": "Markdown",
			}
		},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewDiscordSender posts to a Discord channel webhook.
func NewDiscordSender(webhookURL string) *Webhook {
	return &Webhook{
		name: "discord",
		url:  webhookURL,
		body: func(title, message string) any {
			return map[string]string{"content": fmt.Sprintf("**%s**\n%s", title, message)}
		},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the channel in logs.
func (w *Webhook) Name() string { return w.name }

// Send posts one message. A 429 is retried once after the advertised delay
// when that delay is short; any other non-2xx status is an error.
func (w *Webhook) Send(ctx context.Context, title, message string) error {
	payload, err := json.Marshal(w.body(title, message))
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", w.name, err)
	}

	retry, err := w.post(ctx, payload)
	if err != nil || retry == 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", w.name, ctx.Err())
	case <-time.After(retry):
	}
	_, err = w.post(ctx, payload)
	return err
}

// post sends payload once. It returns a positive delay when the endpoint
// asked to be retried shortly.
func (w *Webhook) post(ctx context.Context, payload []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("%s: create request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: send request: %w", w.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			if d := time.Duration(secs) * time.Second; d > 0 && d <= maxRetryAfter {
				return d, nil
			}
		}
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return 0, fmt.Errorf("%s: unexpected status %d: %s", w.name, resp.StatusCode, string(msg))
}

var _ Sender = (*Webhook)(nil)
