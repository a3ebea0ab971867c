// Package discovery implements the push-streaming configuration
// protocol: long-lived WebSocket streams delivering versioned
// snapshot resources to data-plane subscribers, with ack/nack
// tracking and keep-alive liveness.
package discovery
