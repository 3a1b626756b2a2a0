// Package outbox buffers publishes issued while a connection is down.
//
// Each connection has a bounded FIFO governed by a Policy. When the
// connection comes back the bridge calls Flush, which hands messages to
// the send callback strictly oldest first and stops at the first failure.
// With PersistOnDisk the queue is mirrored into SQLite and restored by
// Load on the next start.
package outbox
