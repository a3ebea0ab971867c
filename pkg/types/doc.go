// Package types defines the core entity structs shared across the
// control plane: clusters, services, mappings, proxy registrations,
// users, certificate material and audit events.
package types
