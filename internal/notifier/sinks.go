package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "bulkrun/pkg/logx"
)

// LogSink writes every notification to the structured log.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("event", string(n.Kind)),
		logx.String("batch_id", n.BatchID),
		logx.String("owner_id", n.OwnerID),
		logx.String("status", n.Status),
		logx.Int("processed", n.Processed),
		logx.Int("total", n.Total),
		logx.Int("failed", n.Failed),
	}
	if n.Error != "" {
		fields = append(fields, logx.String("error", n.Error))
		s.Log.Warn("batch notification", fields...)
		return nil
	}
	s.Log.Info("batch notification", fields...)
	return nil
}

// WebhookSink POSTs the notification as JSON. The batch's own webhook URL wins
// over the configured default.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{URL: strings.TrimSpace(url), Client: &http.Client{Timeout: timeout}}
}

func (*WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) target(n Notification) string {
	if n.WebhookURL != "" {
		return n.WebhookURL
	}
	return s.URL
}

func (s *WebhookSink) Accepts(n Notification) bool { return s.target(n) != "" }

func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target(n), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bulkrun-notifier")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s: status %d", s.target(n), resp.StatusCode)
	}
	return nil
}
