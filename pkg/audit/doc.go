// Package audit appends immutable audit events with a process-wide
// monotonic sequence.
package audit
