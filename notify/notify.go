// Package notify pushes lifecycle events to the operator through an
// ntfy-compatible endpoint. Notifications are best effort: failures are
// logged and counted, never surfaced to the pipeline.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/helpers"
	"github.com/quillmail/quill/lifecycle"
	"github.com/quillmail/quill/logger"
	"github.com/quillmail/quill/mail"
	"github.com/quillmail/quill/pkg/metrics"
)

// previewLength bounds how much draft text a notification shows.
const previewLength = 120

// Notifier publishes to one ntfy topic. It satisfies lifecycle.Notifier.
type Notifier struct {
	baseURL string
	topic   string
	client  *http.Client
}

func New(cfg *config.NotifierConfig) (*Notifier, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid notifier timeout: %w", err)
	}
	return &Notifier{
		baseURL: strings.TrimRight(cfg.GetURL(), "/"),
		topic:   cfg.GetTopic(),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// NotifyDraftReady announces a draft waiting for review.
func (n *Notifier) NotifyDraftReady(ctx context.Context, draft *lifecycle.Draft, msg *mail.Message) {
	body := fmt.Sprintf("Subject: %s\nFrom: %s\nPreview: %s\nDraft ID: %s",
		msg.Subject, msg.Sender, helpers.Snippet(draft.GeneratedText, previewLength), draft.ID)
	n.send(ctx, "draft_ready", "Draft ready for review", body, "default",
		[]string{"email", "draft", "pencil"})
}

// NotifyDraftSent announces a delivered reply.
func (n *Notifier) NotifyDraftSent(ctx context.Context, draft *lifecycle.Draft, msg *mail.Message) {
	body := fmt.Sprintf("Subject: %s\nTo: %s\nDraft ID: %s", msg.Subject, msg.Sender, draft.ID)
	n.send(ctx, "draft_sent", "Draft sent", body, "default",
		[]string{"email", "sent", "white_check_mark"})
}

// NotifyError announces a failed draft.
func (n *Notifier) NotifyError(ctx context.Context, messageID string, cause error) {
	body := fmt.Sprintf("Message %s: %v", messageID, cause)
	n.send(ctx, "error", "Draft pipeline error", body, "high",
		[]string{"error", "warning", "x"})
}

func (n *Notifier) send(ctx context.Context, event, title, message, priority string, tags []string) {
	url := n.baseURL + "/" + n.topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		logger.Error("notification request build failed", "event", event, "error", err)
		metrics.NotificationsSent.WithLabelValues(event, "error").Inc()
		return
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", strings.Join(tags, ","))

	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warn("notification failed", "event", event, "error", err)
		metrics.NotificationsSent.WithLabelValues(event, "error").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warn("notification rejected", "event", event, "status", resp.StatusCode)
		metrics.NotificationsSent.WithLabelValues(event, "error").Inc()
		return
	}
	metrics.NotificationsSent.WithLabelValues(event, "ok").Inc()
}
