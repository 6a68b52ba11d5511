package dataType

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrNoPayload is returned by DecodePayload when the envelope carries no content.
var ErrNoPayload = errors.New("envelope has no payload")

// SourceIdentity names one running process on the group. ID is the only part
// carried by the binary header; Name and FriendlyName travel in heartbeats.
type SourceIdentity struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	FriendlyName string    `json:"friendly_name,omitempty"`
}

func NewSourceIdentity(name, friendly string) SourceIdentity {
	return SourceIdentity{ID: uuid.New(), Name: name, FriendlyName: friendly}
}

func (s SourceIdentity) String() string {
	if s.Name == "" {
		return s.ID.String()
	}
	return fmt.Sprintf("%s(%s)", s.Name, s.ID)
}

// Envelope is one decoded protocol message. Payload always holds the plaintext
// serialized content; it is turned into a typed value only by DecodePayload.
type Envelope struct {
	ID             uuid.UUID
	Source         SourceIdentity
	Type           string
	SenderSequence uint32
	SendTicks      int64
	AckRequested   bool
	Encrypted      bool
	Nonce          []byte
	Tag            []byte
	Payload        []byte
	Legacy         bool
}

func (e *Envelope) SendTime() time.Time {
	return TimeFromTicks(e.SendTicks)
}

func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return ErrNoPayload
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func (e *Envelope) IsControl() bool {
	return IsControlType(e.Type)
}

// Ticks are 100ns intervals since the Unix epoch.
const ticksPerSecond = int64(time.Second / 100)

func TicksFromTime(t time.Time) int64 {
	return t.UnixNano() / 100
}

func TimeFromTicks(ticks int64) time.Time {
	return time.Unix(ticks/ticksPerSecond, (ticks%ticksPerSecond)*100)
}

// ArrivalRecord is one datagram handed over by the socket layer. The buffer
// behind Data may be pooled; Release hands it back and only the first call counts.
type ArrivalRecord struct {
	Data      []byte
	Length    int
	Sequence  uint64
	Timestamp time.Time
	Sender    net.Addr

	release  func()
	released atomic.Bool
}

func NewArrivalRecord(data []byte, seq uint64, ts time.Time, sender net.Addr, release func()) *ArrivalRecord {
	return &ArrivalRecord{
		Data:      data,
		Length:    len(data),
		Sequence:  seq,
		Timestamp: ts,
		Sender:    sender,
		release:   release,
	}
}

func (a *ArrivalRecord) Bytes() []byte {
	return a.Data[:a.Length]
}

// Release returns the underlying buffer. It reports whether this call did the release.
func (a *ArrivalRecord) Release() bool {
	if !a.released.CompareAndSwap(false, true) {
		return false
	}
	if a.release != nil {
		a.release()
	}
	a.Data = nil
	return true
}

func (a *ArrivalRecord) Released() bool {
	return a.released.Load()
}
