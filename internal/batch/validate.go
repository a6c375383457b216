package batch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"bulkrun/internal/model"
)

var validate = validator.New()

const (
	maxRetryAttempts = 20
	maxRetryDelay    = time.Hour
	maxItemTimeout   = 24 * time.Hour
	maxConcurrency   = 1000
)

// parseCreate validates a submission and resolves its effective config.
func parseCreate(ownerID string, req CreateRequest, pol Policy) (model.BatchType, model.BatchConfig, *ValidationError) {
	if err := validate.Var(strings.TrimSpace(ownerID), "required"); err != nil {
		return "", model.BatchConfig{}, &ValidationError{Field: "owner_id", Reason: "required"}
	}

	typ := model.BatchType(strings.ToUpper(strings.TrimSpace(req.Type)))
	if err := validate.Var(string(typ), "required,oneof=CREATE VERIFY UPDATE DELETE EXPORT"); err != nil {
		return "", model.BatchConfig{}, &ValidationError{Field: "type", Reason: "must be one of: CREATE,VERIFY,UPDATE,DELETE,EXPORT"}
	}

	if len(req.Items) == 0 {
		return "", model.BatchConfig{}, &ValidationError{Field: "items", Reason: "must not be empty"}
	}
	if err := validate.Var(len(req.Items), fmt.Sprintf("max=%d", pol.MaxItems)); err != nil {
		return "", model.BatchConfig{}, &ValidationError{Field: "items", Reason: fmt.Sprintf("must contain at most %d items", pol.MaxItems)}
	}
	for i, raw := range req.Items {
		if len(raw) > 0 && !json.Valid(raw) {
			return "", model.BatchConfig{}, &ValidationError{Field: fmt.Sprintf("items[%d]", i), Reason: "must be valid JSON"}
		}
	}

	cfg := pol.Defaults
	c := req.Config
	if c.MaxConcurrency != 0 {
		if err := validate.Var(c.MaxConcurrency, fmt.Sprintf("min=1,max=%d", maxConcurrency)); err != nil {
			return "", model.BatchConfig{}, &ValidationError{Field: "config.max_concurrency", Reason: fmt.Sprintf("must be between 1 and %d", maxConcurrency)}
		}
		cfg.MaxConcurrency = c.MaxConcurrency
	}
	if c.ParallelProcessing != nil {
		cfg.ParallelProcessing = *c.ParallelProcessing
	}
	if c.RetryAttempts != 0 {
		if err := validate.Var(c.RetryAttempts, fmt.Sprintf("min=1,max=%d", maxRetryAttempts)); err != nil {
			return "", model.BatchConfig{}, &ValidationError{Field: "config.retry_attempts", Reason: fmt.Sprintf("must be between 1 and %d", maxRetryAttempts)}
		}
		cfg.RetryAttempts = c.RetryAttempts
	}
	if s := strings.TrimSpace(c.RetryDelay); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 || d > maxRetryDelay {
			return "", model.BatchConfig{}, &ValidationError{Field: "config.retry_delay", Reason: "must be a duration between 0s and 1h"}
		}
		cfg.RetryDelay = d
	}
	if s := strings.TrimSpace(c.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 || d > maxItemTimeout {
			return "", model.BatchConfig{}, &ValidationError{Field: "config.timeout", Reason: "must be a positive duration up to 24h"}
		}
		cfg.Timeout = d
	}
	if s := strings.ToUpper(strings.TrimSpace(c.Priority)); s != "" {
		if err := validate.Var(s, "oneof=LOW NORMAL HIGH CRITICAL"); err != nil {
			return "", model.BatchConfig{}, &ValidationError{Field: "config.priority", Reason: "must be one of: LOW,NORMAL,HIGH,CRITICAL"}
		}
		cfg.Priority = model.Priority(s)
	}

	if u := strings.TrimSpace(req.Notifications.WebhookURL); u != "" {
		if err := validate.Var(u, "url,startswith=http"); err != nil {
			return "", model.BatchConfig{}, &ValidationError{Field: "notifications.webhook_url", Reason: "must be an http(s) URL"}
		}
	}
	if e := strings.TrimSpace(req.Notifications.Email); e != "" {
		if err := validate.Var(e, "email"); err != nil {
			return "", model.BatchConfig{}, &ValidationError{Field: "notifications.email", Reason: "must be an email address"}
		}
	}
	return typ, cfg, nil
}
