// Package arrival implements the durable arrival queue.
//
// Inbound messages are written to the arrived_messages SQLite table before
// they are handed to the application, and removed only when the
// application acknowledges them. Anything still in the table after a crash
// or restart is delivered again, so delivery is at-least-once.
//
// Enumeration order is arrival timestamp, ties broken by insertion order.
package arrival
