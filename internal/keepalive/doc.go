// Package keepalive schedules the bridge-driven keepalive ping of one
// connection.
//
// The scheduler wakes every interval, takes a WakeLock, and asks its
// Pinger to ping the broker. The lock is released exactly once per wake:
// immediately when no ping could be sent, otherwise when the ping
// completes or the scheduler is stopped, whichever happens first. A
// successful ping pushes the next wake a full interval out so wakes do
// not drift towards each other.
package keepalive
