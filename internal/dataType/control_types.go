package dataType

import (
	"strings"

	"github.com/google/uuid"
)

// Reserved message types. Application types must not start with "__".
const (
	MessageTypeAck       = "__ack"
	MessageTypeRekey     = "__rekey"
	MessageTypeHeartbeat = "__heartbeat"
)

func IsControlType(t string) bool {
	return strings.HasPrefix(t, "__")
}

type AckMessage struct {
	OriginalID uuid.UUID `json:"original_id"` // Message being acknowledged
	Target     uuid.UUID `json:"target"`      // Source that requested the ack
}

type RekeyMessage struct {
	Key            []byte `json:"key"`             // New master key
	EffectiveTicks int64  `json:"effective_ticks"` // When receivers should switch
	Fingerprint    []byte `json:"fingerprint"`     // Fingerprint of the new key
}

type HeartbeatMessage struct {
	SourceID      uuid.UUID         `json:"source_id"`
	DeviceName    string            `json:"device_name"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
