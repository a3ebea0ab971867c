// Package events distributes entity-change notifications between the
// service layer, the snapshot builder and the discovery server.
package events
