package batch

import (
	"encoding/json"
	"time"

	"bulkrun/internal/model"
)

// CreateRequest is a bulk submission. Durations are Go duration strings.
type CreateRequest struct {
	Type          string                  `json:"type"`
	Items         []json.RawMessage       `json:"items"`
	Config        ConfigRequest           `json:"config"`
	Notifications model.NotificationFlags `json:"notifications"`
}

// ConfigRequest overrides Policy.Defaults field by field. Zero values keep the
// default.
type ConfigRequest struct {
	MaxConcurrency     int    `json:"max_concurrency,omitempty"`
	ParallelProcessing *bool  `json:"parallel_processing,omitempty"`
	RetryAttempts      int    `json:"retry_attempts,omitempty"`
	RetryDelay         string `json:"retry_delay,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
	Priority           string `json:"priority,omitempty"`
}

// CreateResult reports a submission. Validation failures set Success=false and
// Error; they are not returned as errors.
type CreateResult struct {
	Success    bool              `json:"success"`
	BatchID    string            `json:"batch_id,omitempty"`
	TotalItems int               `json:"total_items,omitempty"`
	Status     model.BatchStatus `json:"status,omitempty"`
	Error      *ValidationError  `json:"error,omitempty"`
}

// StatusView is the read projection of a batch.
type StatusView struct {
	BatchID         string             `json:"batch_id"`
	OwnerID         string             `json:"owner_id"`
	Type            model.BatchType    `json:"type"`
	Status          model.BatchStatus  `json:"status"`
	TotalItems      int                `json:"total_items"`
	ProcessedItems  int                `json:"processed_items"`
	SuccessfulItems int                `json:"successful_items"`
	FailedItems     int                `json:"failed_items"`
	SkippedItems    int                `json:"skipped_items"`
	Progress        model.Progress     `json:"progress"`
	Metrics         model.BatchMetrics `json:"metrics"`
	Config          model.BatchConfig  `json:"config"`
	Queue           model.QueueRef     `json:"queue"`
	LastError       *model.ErrorRecord `json:"last_error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func newStatusView(b *model.Batch) StatusView {
	v := StatusView{
		BatchID:         b.ID,
		OwnerID:         b.OwnerID,
		Type:            b.Type,
		Status:          b.Status,
		TotalItems:      b.TotalItems,
		ProcessedItems:  b.ProcessedItems,
		SuccessfulItems: b.SuccessfulItems,
		FailedItems:     b.FailedItems,
		SkippedItems:    b.SkippedItems,
		Progress:        b.Progress,
		Metrics:         b.Metrics,
		Config:          b.Config,
		Queue:           b.Queue,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
	if n := len(b.Errors); n > 0 {
		e := b.Errors[n-1]
		v.LastError = &e
	}
	return v
}

// ResultsQuery pages item results. Errors is the size of the recent-errors
// slice (default Policy.RecentErrors).
type ResultsQuery struct {
	Statuses []model.ItemStatus
	Limit    int
	Offset   int
	Errors   int
}

type ItemResult struct {
	ID             string           `json:"id"`
	Index          int              `json:"index"`
	Status         model.ItemStatus `json:"status"`
	Output         json.RawMessage  `json:"output,omitempty"`
	Error          *model.ItemError `json:"error,omitempty"`
	Attempts       int              `json:"attempts"`
	ProcessingTime time.Duration    `json:"processing_time"`
}

type Summary struct {
	Total          int           `json:"total"`
	Processed      int           `json:"processed"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	ProcessingTime time.Duration `json:"processing_time"`
	Throughput     float64       `json:"throughput"`
}

// Results holds one page of items plus the batch summary. ItemsTotal counts
// every item matching the query, not only the page.
type Results struct {
	BatchID    string              `json:"batch_id"`
	Status     model.BatchStatus   `json:"status"`
	Items      []ItemResult        `json:"items"`
	ItemsTotal int                 `json:"items_total"`
	Errors     []model.ErrorRecord `json:"errors"`
	Summary    Summary             `json:"summary"`
}

type ListQuery struct {
	Status model.BatchStatus
	Type   model.BatchType
	Limit  int
	Offset int
}

type RetryOptions struct {
	// ResetAttempts also retries items whose attempt budget is spent, starting
	// them from zero.
	ResetAttempts bool
}

// BatchEvent is published as batch.queued, batch.started, batch.completed,
// batch.failed and batch.cancelled.
type BatchEvent struct {
	BatchID   string            `json:"batch_id"`
	OwnerID   string            `json:"owner_id"`
	Type      model.BatchType   `json:"type"`
	Status    model.BatchStatus `json:"status"`
	Processed int               `json:"processed"`
	Total     int               `json:"total"`
	Error     string            `json:"error,omitempty"`
}

// ItemEvent is published as item.running, item.completed, item.retrying and
// item.failed.
type ItemEvent struct {
	BatchID string           `json:"batch_id"`
	ItemID  string           `json:"item_id"`
	Index   int              `json:"index"`
	Status  model.ItemStatus `json:"status"`
	Attempt int              `json:"attempt"`
	Error   string           `json:"error,omitempty"`
}

type jobPayload struct {
	BatchID string
}
