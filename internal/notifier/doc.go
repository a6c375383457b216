// Package notifier delivers batch lifecycle notifications.
//
// Service implements Gateway for the batch orchestrator. Calls never block on
// delivery: notifications are queued and sent by a small worker pool with a
// token-bucket rate limit, retry with jittered backoff, and a dedup window so a
// batch that is reconciled after a restart does not notify twice.
//
// # Sinks
//
// Each notification fans out to every configured Sink (log, webhook,
// Telegram). A sink may opt out of individual notifications by implementing
// Accepter. Delivery failures are logged and published on the event bus as
// notify.failed; they never change batch state.
package notifier
