package batch

import (
	"strings"

	"bulkrun/internal/model"
)

const (
	queueCritical = "batch.critical"
	queueHigh     = "batch.high"
)

// Route picks the coordinating queue and job priority for a batch. CRITICAL and
// HIGH batches get dedicated queues; everything else shares a per-type queue
// where LOW sorts after NORMAL.
func Route(t model.BatchType, p model.Priority) (string, int) {
	switch p {
	case model.PriorityCritical:
		return queueCritical, 1
	case model.PriorityHigh:
		return queueHigh, 2
	case model.PriorityLow:
		return typeQueue(t), 10
	default:
		return typeQueue(t), 5
	}
}

func typeQueue(t model.BatchType) string {
	return "batch." + strings.ToLower(string(t))
}

// QueueNames lists every queue Route can return.
func QueueNames() []string {
	out := []string{queueCritical, queueHigh}
	for _, t := range model.BatchTypes {
		out = append(out, typeQueue(t))
	}
	return out
}
