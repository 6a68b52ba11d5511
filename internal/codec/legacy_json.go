package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"meshcast/internal/dataType"

	"github.com/google/uuid"
)

var ErrNotJSONPacket = errors.New("not a json packet")

// jsonEnvelope is the legacy textual framing. It carries no nonce or tag, and
// Sequence is optional; zero means the sender did not number its messages.
type jsonEnvelope struct {
	ID           uuid.UUID               `json:"id"`
	Source       dataType.SourceIdentity `json:"source"`
	Type         string                  `json:"type"`
	Sequence     uint32                  `json:"sequence,omitempty"`
	Timestamp    int64                   `json:"timestamp"`
	AckRequested bool                    `json:"ack_requested,omitempty"`
	Payload      json.RawMessage         `json:"payload,omitempty"`
}

func EncodeJSON(env *dataType.Envelope) ([]byte, error) {
	if env.Encrypted {
		return nil, fmt.Errorf("legacy framing cannot carry encrypted payloads")
	}
	je := jsonEnvelope{
		ID:           env.ID,
		Source:       env.Source,
		Type:         env.Type,
		Sequence:     env.SenderSequence,
		Timestamp:    env.SendTicks,
		AckRequested: env.AckRequested,
	}
	if len(env.Payload) > 0 {
		je.Payload = json.RawMessage(env.Payload)
	}
	return json.Marshal(je)
}

func DecodeJSON(data []byte) (*dataType.Envelope, error) {
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotJSONPacket
	}
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSONPacket, err)
	}
	if je.ID == uuid.Nil || je.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrNotJSONPacket)
	}
	env := &dataType.Envelope{
		ID:             je.ID,
		Source:         je.Source,
		Type:           je.Type,
		SenderSequence: je.Sequence,
		SendTicks:      je.Timestamp,
		AckRequested:   je.AckRequested,
		Legacy:         true,
	}
	if len(je.Payload) > 0 {
		env.Payload = []byte(je.Payload)
	}
	return env, nil
}
