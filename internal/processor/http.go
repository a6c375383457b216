package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"bulkrun/internal/model"
)

const maxResponseBody = 1 << 20

// HTTP POSTs each item to the endpoint configured for its batch type.
//
// 2xx responses become the item output (non-JSON bodies are stored as a JSON
// string). 429 and 5xx are retryable; other statuses reject the item.
type HTTP struct {
	endpoints map[model.BatchType]string
	client    *http.Client
}

func NewHTTP(endpoints map[model.BatchType]string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	eps := make(map[model.BatchType]string, len(endpoints))
	for t, u := range endpoints {
		eps[t] = strings.TrimSpace(u)
	}
	return &HTTP{endpoints: eps, client: &http.Client{Timeout: timeout}}
}

type httpRequest struct {
	BatchID string          `json:"batch_id"`
	ItemID  string          `json:"item_id"`
	Index   int             `json:"index"`
	Type    model.BatchType `json:"type"`
	Attempt int             `json:"attempt"`
	Input   json.RawMessage `json:"input,omitempty"`
}

func (p *HTTP) Process(ctx context.Context, req Request) (json.RawMessage, error) {
	url := p.endpoints[req.Type]
	if url == "" {
		return nil, Permanent(CodeUnsupported, "no endpoint for batch type %s", req.Type)
	}
	body, err := json.Marshal(httpRequest{
		BatchID: req.BatchID,
		ItemID:  req.ItemID,
		Index:   req.Index,
		Type:    req.Type,
		Attempt: req.Attempt,
		Input:   req.Input,
	})
	if err != nil {
		return nil, Permanent(CodeInvalidInput, "encode request: %v", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(CodeInternal, "build request: %v", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Idempotency-Key", req.BatchID+"/"+req.ItemID)

	resp, err := p.client.Do(hreq)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, Classify(cerr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ItemError{Code: CodeTimeout, Message: err.Error(), Retryable: true, Err: err}
		}
		return nil, &ItemError{Code: CodeUnavailable, Message: err.Error(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &ItemError{Code: CodeUnavailable, Message: "read response: " + err.Error(), Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode/100 == 2:
		return asJSON(data), nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(CodeUnavailable, "%s returned %d: %s", url, resp.StatusCode, snippet(data))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, Permanent(CodeInvalidInput, "%s returned %d: %s", url, resp.StatusCode, snippet(data))
	default:
		return nil, Permanent(CodeRejected, "%s returned %d: %s", url, resp.StatusCode, snippet(data))
	}
}

func asJSON(b []byte) json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return json.RawMessage(`null`)
	}
	if json.Valid(b) {
		return append(json.RawMessage(nil), b...)
	}
	s, _ := json.Marshal(string(b))
	return s
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
