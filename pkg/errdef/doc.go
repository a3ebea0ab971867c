// Package errdef defines the error kinds shared across components, so
// the REST layer and the CLI can map any failure onto a status code or
// exit code without knowing its origin.
package errdef
