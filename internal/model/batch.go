package model

import (
	"strings"
	"time"
)

// BatchType selects the Item Processor operation used for every item in a batch.
type BatchType string

const (
	TypeCreate BatchType = "CREATE"
	TypeVerify BatchType = "VERIFY"
	TypeUpdate BatchType = "UPDATE"
	TypeDelete BatchType = "DELETE"
	TypeExport BatchType = "EXPORT"
)

// BatchTypes lists every supported type in a stable order.
var BatchTypes = []BatchType{TypeCreate, TypeVerify, TypeUpdate, TypeDelete, TypeExport}

func (t BatchType) Valid() bool {
	switch t {
	case TypeCreate, TypeVerify, TypeUpdate, TypeDelete, TypeExport:
		return true
	}
	return false
}

// ParseBatchType accepts any casing ("verify", "Verify", "VERIFY").
func ParseBatchType(s string) (BatchType, bool) {
	t := BatchType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchQueued     BatchStatus = "QUEUED"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
	BatchCancelled  BatchStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are expected.
// RetryFailedItems is the only operation allowed to reopen a terminal batch.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// Cancellable reports whether CancelBatch may move the batch to CANCELLED.
func (s BatchStatus) Cancellable() bool {
	switch s {
	case BatchPending, BatchQueued, BatchProcessing:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// BatchConfig holds the per-batch execution policy.
type BatchConfig struct {
	MaxConcurrency     int           `json:"max_concurrency"`
	ParallelProcessing bool          `json:"parallel_processing"`
	RetryAttempts      int           `json:"retry_attempts"`
	RetryDelay         time.Duration `json:"retry_delay"`
	Timeout            time.Duration `json:"timeout"`
	Priority           Priority      `json:"priority"`
}

// NotificationFlags selects which lifecycle callbacks fire for a batch.
type NotificationFlags struct {
	OnStart    bool   `json:"on_start"`
	OnComplete bool   `json:"on_complete"`
	OnError    bool   `json:"on_error"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Email      string `json:"email,omitempty"`
}

// Progress is recomputed from counters whenever they change.
// EstimatedRemaining is nil while throughput is unknown.
type Progress struct {
	Percentage         int            `json:"percentage"`
	Stage              string         `json:"stage"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	EstimatedRemaining *time.Duration `json:"estimated_remaining,omitempty"`
}

// ErrorRecord is a batch-level record of a permanently failed item.
type ErrorRecord struct {
	ItemID    string    `json:"item_id"`
	Index     int       `json:"index"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

type BatchMetrics struct {
	ProcessingTime time.Duration `json:"processing_time"`
	Throughput     float64       `json:"throughput"` // items per second
}

// QueueRef points at the coordinating job driving the batch.
type QueueRef struct {
	Name     string `json:"name"`
	JobID    string `json:"job_id"`
	Attempts int    `json:"attempts"`
}

// Batch is the aggregate for one bulk submission.
type Batch struct {
	ID      string      `json:"id"`
	OwnerID string      `json:"owner_id"`
	Type    BatchType   `json:"type"`
	Status  BatchStatus `json:"status"`

	TotalItems      int `json:"total_items"`
	ProcessedItems  int `json:"processed_items"`
	SuccessfulItems int `json:"successful_items"`
	FailedItems     int `json:"failed_items"`
	SkippedItems    int `json:"skipped_items"`

	Config        BatchConfig       `json:"config"`
	Notifications NotificationFlags `json:"notifications"`
	Progress      Progress          `json:"progress"`
	Errors        []ErrorRecord     `json:"errors,omitempty"`
	Metrics       BatchMetrics      `json:"metrics"`
	Queue         QueueRef          `json:"queue"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared state.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	cp := *b
	if b.Errors != nil {
		cp.Errors = append([]ErrorRecord(nil), b.Errors...)
	}
	cp.Progress.StartedAt = cloneTime(b.Progress.StartedAt)
	cp.Progress.CompletedAt = cloneTime(b.Progress.CompletedAt)
	if b.Progress.EstimatedRemaining != nil {
		d := *b.Progress.EstimatedRemaining
		cp.Progress.EstimatedRemaining = &d
	}
	return &cp
}

// AppendError keeps only the most recent limit records.
func (b *Batch) AppendError(rec ErrorRecord, limit int) {
	if limit <= 0 {
		limit = DefaultErrorLimit
	}
	b.Errors = append(b.Errors, rec)
	if len(b.Errors) > limit {
		b.Errors = append([]ErrorRecord(nil), b.Errors[len(b.Errors)-limit:]...)
	}
}

// DefaultErrorLimit bounds Batch.Errors.
const DefaultErrorLimit = 100

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
