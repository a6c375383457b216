package model

import (
	"encoding/json"
	"time"
)

type ItemStatus string

const (
	ItemPending   ItemStatus = "PENDING"
	ItemRunning   ItemStatus = "RUNNING"
	ItemCompleted ItemStatus = "COMPLETED"
	ItemFailed    ItemStatus = "FAILED"
	ItemRetrying  ItemStatus = "RETRYING"
	ItemSkipped   ItemStatus = "SKIPPED"
)

func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemCompleted, ItemFailed, ItemSkipped:
		return true
	}
	return false
}

// ItemError is the structured failure recorded on an item.
type ItemError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// RetryState tracks failed attempts.
//
// Count is the number of failed attempts so far and MaxRetries the total attempt
// budget; Count never exceeds MaxRetries.
type RetryState struct {
	Count         int        `json:"count"`
	MaxRetries    int        `json:"max_retries"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

type ItemMetrics struct {
	ProcessingTime time.Duration `json:"processing_time"`
	Attempts       int           `json:"attempts"`
}

type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageCompleted StageStatus = "COMPLETED"
	StageFailed    StageStatus = "FAILED"
)

type Stage struct {
	Name   string      `json:"name"`
	Status StageStatus `json:"status"`
}

// Item is one unit of work owned by exactly one Batch.
type Item struct {
	ID      string     `json:"id"`
	BatchID string     `json:"batch_id"`
	Index   int        `json:"index"`
	Status  ItemStatus `json:"status"`

	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`

	Retry     RetryState  `json:"retry"`
	Metrics   ItemMetrics `json:"metrics"`
	Stages    []Stage     `json:"stages"`
	LastError *ItemError  `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	if it.Input != nil {
		cp.Input = append(json.RawMessage(nil), it.Input...)
	}
	if it.Output != nil {
		cp.Output = append(json.RawMessage(nil), it.Output...)
	}
	if it.Stages != nil {
		cp.Stages = append([]Stage(nil), it.Stages...)
	}
	if it.LastError != nil {
		e := *it.LastError
		cp.LastError = &e
	}
	cp.Retry.NextAttemptAt = cloneTime(it.Retry.NextAttemptAt)
	return &cp
}

var stageNames = map[BatchType][]string{
	TypeCreate: {"VALIDATION", "DATA_PREP", "SUBMIT", "CONFIRMATION", "COMPLETION"},
	TypeVerify: {"VALIDATION", "LOOKUP", "VERIFICATION", "COMPLETION"},
	TypeUpdate: {"VALIDATION", "LOOKUP", "DATA_PREP", "SUBMIT", "COMPLETION"},
	TypeDelete: {"VALIDATION", "LOOKUP", "SUBMIT", "COMPLETION"},
	TypeExport: {"VALIDATION", "COLLECT", "SERIALIZE", "COMPLETION"},
}

// StagesFor returns a fresh PENDING stage list for the batch type.
func StagesFor(t BatchType) []Stage {
	names := stageNames[t]
	out := make([]Stage, len(names))
	for i, n := range names {
		out[i] = Stage{Name: n, Status: StagePending}
	}
	return out
}

// CompleteStages marks every stage COMPLETED.
func (it *Item) CompleteStages() {
	for i := range it.Stages {
		it.Stages[i].Status = StageCompleted
	}
}

// FailStage marks the first non-completed stage FAILED.
func (it *Item) FailStage() {
	for i := range it.Stages {
		if it.Stages[i].Status != StageCompleted {
			it.Stages[i].Status = StageFailed
			return
		}
	}
}

// ResetStages puts every stage back to PENDING (used when a failed item is retried).
func (it *Item) ResetStages() {
	for i := range it.Stages {
		it.Stages[i].Status = StagePending
	}
}
