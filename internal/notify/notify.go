// Package notify sends best-effort operator notifications. Grounded
// on the teacher's postSlack helper in trader.go: a webhook POST that
// never blocks the trading loop on delivery failure.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/duskline/spotpilot/internal/obslog"
)

// Notifier delivers a single-line operator message.
type Notifier interface {
	Notify(ctx context.Context, msg string)
}

// WebhookNotifier posts {"text": msg} to a Slack-compatible incoming
// webhook URL, exactly the shape postSlack built.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier returns a Notifier, or a NoopNotifier if url is
// empty -- mirrors postSlack's "no SLACK_WEBHOOK configured" early
// return.
func NewWebhookNotifier(url string) Notifier {
	if url == "" {
		return NoopNotifier{}
	}
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, msg string) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	body := map[string]string{"text": msg}
	bs, err := json.Marshal(body)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(bs))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		obslog.Warnf("NOTIFY", "webhook delivery failed: %v", err)
		return
	}
	resp.Body.Close()
}

// NoopNotifier discards all messages.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, msg string) {}

var _ Notifier = (*WebhookNotifier)(nil)
var _ Notifier = NoopNotifier{}
