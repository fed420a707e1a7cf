package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/0xmhha/block-streamer/pkg/types"
)

// EventTypeBlock is the envelope type of block payloads
const EventTypeBlock = "block"

// Serializer encodes blocks into event payloads
type Serializer interface {
	Serialize(block *types.Block) ([]byte, error)
	Deserialize(data []byte) (*Envelope, error)
	ContentType() string
}

// JSONSerializer implements Serializer using JSON encoding
type JSONSerializer struct {
	nodeID string
	now    func() time.Time
}

// Ensure JSONSerializer implements Serializer
var _ Serializer = (*JSONSerializer)(nil)

// NewJSONSerializer creates a new JSON serializer stamping payloads with nodeID
func NewJSONSerializer(nodeID string) *JSONSerializer {
	return &JSONSerializer{nodeID: nodeID, now: time.Now}
}

// Envelope wraps a block with type and origin information
type Envelope struct {
	Type       string       `json:"type"`
	ProducedAt time.Time    `json:"produced_at"`
	NodeID     string       `json:"node_id,omitempty"`
	Block      *types.Block `json:"block"`
}

// Serialize converts a block to JSON bytes
func (s *JSONSerializer) Serialize(block *types.Block) ([]byte, error) {
	if block == nil {
		return nil, ErrSerializationFailed
	}

	data, err := json.Marshal(Envelope{
		Type:       EventTypeBlock,
		ProducedAt: s.now().UTC(),
		NodeID:     s.nodeID,
		Block:      block,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return data, nil
}

// Deserialize converts JSON bytes back to an envelope
func (s *JSONSerializer) Deserialize(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrDeserializationFailed
	}

	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}
	if envelope.Type != EventTypeBlock || envelope.Block == nil {
		return nil, fmt.Errorf("%w: unexpected envelope type %q", ErrDeserializationFailed, envelope.Type)
	}
	return &envelope, nil
}

// ContentType returns the MIME type for JSON
func (s *JSONSerializer) ContentType() string {
	return "application/json"
}
