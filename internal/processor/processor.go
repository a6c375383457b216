package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"bulkrun/internal/model"
)

// Request is one item invocation.
type Request struct {
	BatchID string
	ItemID  string
	Index   int
	Type    model.BatchType
	Attempt int // 1-based
	Input   json.RawMessage
}

// Processor performs the work for one item. Implementations must honour ctx;
// the orchestrator cancels it at the per-item timeout.
type Processor interface {
	Process(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

func (f Func) Process(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Well-known ItemError codes.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeTimeout      = "TIMEOUT"
	CodeUnavailable  = "UNAVAILABLE"
	CodeRejected     = "REJECTED"
	CodeUnsupported  = "UNSUPPORTED_TYPE"
	CodeInternal     = "INTERNAL"
	CodeCancelled    = "CANCELLED"
)

// ItemError is a classified processing failure.
type ItemError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ItemError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *ItemError) Unwrap() error { return e.Err }

// Permanent builds a non-retryable ItemError.
func Permanent(code, format string, args ...any) *ItemError {
	return &ItemError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transient builds a retryable ItemError.
func Transient(code, format string, args ...any) *ItemError {
	return &ItemError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Classify maps any error to an ItemError. Deadline errors become TIMEOUT,
// cancellation becomes a non-retryable CANCELLED, and unknown errors are
// retryable INTERNAL failures.
func Classify(err error) *ItemError {
	if err == nil {
		return nil
	}
	var ie *ItemError
	if errors.As(err, &ie) {
		return ie
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ItemError{Code: CodeTimeout, Message: "item processing timed out", Retryable: true, Err: err}
	case errors.Is(err, context.Canceled):
		return &ItemError{Code: CodeCancelled, Message: "item processing cancelled", Err: err}
	}
	return &ItemError{Code: CodeInternal, Message: err.Error(), Retryable: true, Err: err}
}

// Registry dispatches by batch type.
type Registry struct {
	mu       sync.RWMutex
	byType   map[model.BatchType]Processor
	fallback Processor
}

func NewRegistry() *Registry {
	return &Registry{byType: map[model.BatchType]Processor{}}
}

// Register binds p to t, replacing any earlier binding.
func (r *Registry) Register(t model.BatchType, p Processor) {
	r.mu.Lock()
	r.byType[t] = p
	r.mu.Unlock()
}

// SetFallback handles types with no explicit binding.
func (r *Registry) SetFallback(p Processor) {
	r.mu.Lock()
	r.fallback = p
	r.mu.Unlock()
}

func (r *Registry) Lookup(t model.BatchType) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byType[t]; ok {
		return p, true
	}
	return r.fallback, r.fallback != nil
}

func (r *Registry) Process(ctx context.Context, req Request) (json.RawMessage, error) {
	p, ok := r.Lookup(req.Type)
	if !ok {
		return nil, Permanent(CodeUnsupported, "no processor for batch type %s", req.Type)
	}
	return p.Process(ctx, req)
}

// Echo returns the item input unchanged. Inputs of the form
// {"fail": "<code>", "retryable": bool} fail instead, which makes dry runs
// exercise the failure paths.
type Echo struct{}

func (Echo) Process(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var probe struct {
		Fail      string `json:"fail"`
		Retryable bool   `json:"retryable"`
	}
	if len(req.Input) > 0 && json.Unmarshal(req.Input, &probe) == nil && probe.Fail != "" {
		return nil, &ItemError{Code: probe.Fail, Message: "requested failure", Retryable: probe.Retryable}
	}
	if len(req.Input) == 0 {
		return json.RawMessage(`null`), nil
	}
	return append(json.RawMessage(nil), req.Input...), nil
}
