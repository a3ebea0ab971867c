// Package snapshot derives deterministic, versioned discovery
// resource bundles from a cluster's persisted state and caches them
// per version while subscribers hold references.
package snapshot
