// Package notifier alerts operators when scheduled items fail.
//
// It listens for item.failed events on the bus and turns them into chat
// messages. Delivery is asynchronous: a bounded queue feeds a small worker
// pool that rate limits and retries sends. Repeats of the same owner and
// failure reason are suppressed for a window; the suppression timestamps can
// be persisted so a restart does not re-alert.
//
// # History
//
// The service keeps a small in-memory history of recently sent alerts.
package notifier
