// Package storage hides the persistent store behind typed,
// transactional repository operations with optimistic concurrency.
// Schema evolution is an ordered series of forward-only migrations
// applied when the store opens.
package storage
