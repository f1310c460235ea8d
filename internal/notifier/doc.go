// Package notifier delivers operator notifications.
//
// A notification is a (subject, body) pair. The Service queues it, applies a
// dedup window and a rate limit, and hands it to a Transport. Delivery is
// best-effort: a failed send is logged and published on the bus, never
// retried. When the service is disabled, notifications go to the log.
package notifier
