package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bulkrun/internal/model"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Kind names the batch lifecycle moment a notification reports.
type Kind string

const (
	KindStarted   Kind = "batch.started"
	KindCompleted Kind = "batch.completed"
	KindFailed    Kind = "batch.failed"
	KindError     Kind = "batch.error"
)

// Notification is the payload handed to sinks. It is JSON-encoded as-is by the
// webhook sink.
type Notification struct {
	Kind       Kind      `json:"event"`
	BatchID    string    `json:"batch_id"`
	OwnerID    string    `json:"owner_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Total      int       `json:"total_items"`
	Processed  int       `json:"processed_items"`
	Successful int       `json:"successful_items"`
	Failed     int       `json:"failed_items"`
	Percentage int       `json:"percentage"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`

	// WebhookURL is the per-batch override taken from the batch's notification
	// flags. It is not part of the wire payload.
	WebhookURL string `json:"-"`
}

// FromBatch snapshots b for kind. err is optional.
func FromBatch(kind Kind, b *model.Batch, err error) Notification {
	n := Notification{
		Kind:       kind,
		BatchID:    b.ID,
		OwnerID:    b.OwnerID,
		Type:       string(b.Type),
		Status:     string(b.Status),
		Total:      b.TotalItems,
		Processed:  b.ProcessedItems,
		Successful: b.SuccessfulItems,
		Failed:     b.FailedItems,
		Percentage: b.Progress.Percentage,
		WebhookURL: strings.TrimSpace(b.Notifications.WebhookURL),
		At:         time.Now(),
	}
	if err != nil {
		n.Error = err.Error()
	}
	return n
}

// Text renders a one-line operator message.
func (n Notification) Text() string {
	var sb strings.Builder
	switch n.Kind {
	case KindStarted:
		sb.WriteString("▶️ ")
	case KindCompleted:
		sb.WriteString("✅ ")
	case KindFailed, KindError:
		sb.WriteString("🚨 ")
	}
	fmt.Fprintf(&sb, "%s batch %s (%s) %s: %d/%d processed, %d ok, %d failed",
		strings.ToLower(n.Type), n.BatchID, n.OwnerID, n.Status, n.Processed, n.Total, n.Successful, n.Failed)
	if n.Error != "" {
		sb.WriteString(": ")
		sb.WriteString(n.Error)
	}
	return sb.String()
}

// Gateway is what the batch orchestrator calls at lifecycle points.
// Implementations must return quickly; delivery happens elsewhere.
type Gateway interface {
	OnStart(ctx context.Context, b *model.Batch) error
	OnComplete(ctx context.Context, b *model.Batch) error
	OnError(ctx context.Context, b *model.Batch, err error) error
}

// Nop is a Gateway that drops everything.
type Nop struct{}

func (Nop) OnStart(context.Context, *model.Batch) error        { return nil }
func (Nop) OnComplete(context.Context, *model.Batch) error     { return nil }
func (Nop) OnError(context.Context, *model.Batch, error) error { return nil }

// Sink performs one delivery attempt.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Accepter is implemented by sinks that only handle some notifications
// (for example the webhook sink without a target URL).
type Accepter interface {
	Accepts(n Notification) bool
}

type HistoryItem struct {
	At   time.Time
	Sink string
	Text string
}

// DeliveryEvent is published on the event bus for notifier lifecycle events
// (notify.queued, notify.sent, notify.failed, notify.deduped, notify.dropped).
type DeliveryEvent struct {
	Sink    string    `json:"sink"`
	Kind    Kind      `json:"kind"`
	BatchID string    `json:"batch_id"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
