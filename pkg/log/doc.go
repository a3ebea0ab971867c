// Package log wraps zerolog with a process-global logger and helpers
// for attaching component, cluster and correlation fields.
package log
