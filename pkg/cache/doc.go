// Package cache provides the optional key-value side store used for
// session and snapshot state.
package cache
