package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/cordonlabs/cordon/pkg/snapshot"
)

// FrameType tags each wire record.
type FrameType string

const (
	FrameSubscribe FrameType = "subscribe"
	FrameResponse  FrameType = "response"
	FrameAck       FrameType = "ack"
	FrameNack      FrameType = "nack"
)

// Frame is the envelope carried in each WebSocket binary message.
type Frame struct {
	Type FrameType       `json:"type"`
	Body json.RawMessage `json:"body"`
}

// SubscribeRequest expresses (or re-expresses, after reconnect) the
// resource collections a subscriber wants.
type SubscribeRequest struct {
	ResourceTypes    []snapshot.ResourceType `json:"resource_types"`
	LastAckedVersion string                  `json:"last_acked_version,omitempty"`
}

// DiscoveryResponse carries all resources of the subscribed types at
// one snapshot version.
type DiscoveryResponse struct {
	Version   string             `json:"version"`
	Resources snapshot.Resources `json:"resources"`
}

// Ack acknowledges a version; as a nack it carries the error and the
// last version the subscriber successfully applied.
type Ack struct {
	Version     string `json:"version"`
	Error       string `json:"error,omitempty"`
	LastApplied string `json:"last_applied,omitempty"`
}

// encodeFrame marshals a typed body into its envelope.
func encodeFrame(t FrameType, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", t, err)
	}
	return json.Marshal(&Frame{Type: t, Body: raw})
}

// decodeFrame parses an envelope.
func decodeFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return f, nil
}
