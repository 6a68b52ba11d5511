// Package codec frames envelopes for the wire.
//
// Binary layout (little endian):
//
//	0      magic 0xAA
//	1      version
//	2      flags (bit0 ack requested, bit1 encrypted)
//	3-15   reserved, zero
//	16-19  sender sequence
//	20-35  message id
//	36-51  source id
//	52-59  send time ticks
//	60     type length N
//	61..   type name (N bytes, UTF-8)
//	       nonce (12 bytes) and tag (16 bytes) when encrypted
//	       payload
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"meshcast/internal/dataType"

	"github.com/google/uuid"
)

const (
	Magic   byte = 0xAA
	Version byte = 1

	FlagAckRequested byte = 1 << 0
	FlagEncrypted    byte = 1 << 1

	NonceSize = 12
	TagSize   = 16

	// FixedHeaderSize covers everything up to and including the type length byte.
	FixedHeaderSize = 61
	MaxTypeLength   = 255

	offVersion  = 1
	offFlags    = 2
	offSequence = 16
	offID       = 20
	offSource   = 36
	offTicks    = 52
	offTypeLen  = 60
)

var (
	// ErrNotBinaryPacket means the buffer does not start with the magic byte.
	// Callers may try another framing; it is not a corruption signal.
	ErrNotBinaryPacket = errors.New("not a binary packet")
	ErrTruncated       = errors.New("packet truncated")
	ErrBadCryptoFields = errors.New("nonce or tag has wrong size")
)

// Header is the part of a packet that can be read without touching the payload.
type Header struct {
	Version        byte
	Flags          byte
	SenderSequence uint32
	MessageID      uuid.UUID
	SourceID       uuid.UUID
	SendTicks      int64
	Type           string
}

func (h *Header) AckRequested() bool { return h.Flags&FlagAckRequested != 0 }
func (h *Header) Encrypted() bool    { return h.Flags&FlagEncrypted != 0 }

// Frame is a fully parsed packet. HeaderBytes is a copy of the encoded header,
// so it outlives the receive buffer, and is the associated data authenticated
// by the AEAD.
type Frame struct {
	Envelope        *dataType.Envelope
	HeaderBytes     []byte
	VersionMismatch bool
}

func flagsFor(env *dataType.Envelope) byte {
	var flags byte
	if env.AckRequested {
		flags |= FlagAckRequested
	}
	if env.Encrypted {
		flags |= FlagEncrypted
	}
	return flags
}

// truncateType caps a type name at MaxTypeLength bytes. The cut is byte based
// and may split a multi-byte rune; senders should keep type names short.
func truncateType(t string) string {
	if len(t) > MaxTypeLength {
		return t[:MaxTypeLength]
	}
	return t
}

// EncodeHeader returns the header bytes for env, which double as the AEAD
// associated data for encrypted packets.
func EncodeHeader(env *dataType.Envelope, senderSequence uint32) []byte {
	return appendHeader(nil, env, senderSequence)
}

func appendHeader(dst []byte, env *dataType.Envelope, senderSequence uint32) []byte {
	typ := truncateType(env.Type)
	start := len(dst)
	dst = append(dst, make([]byte, FixedHeaderSize)...)
	h := dst[start:]
	h[0] = Magic
	h[offVersion] = Version
	h[offFlags] = flagsFor(env)
	binary.LittleEndian.PutUint32(h[offSequence:], senderSequence)
	copy(h[offID:offID+16], env.ID[:])
	copy(h[offSource:offSource+16], env.Source.ID[:])
	binary.LittleEndian.PutUint64(h[offTicks:], uint64(env.SendTicks))
	h[offTypeLen] = byte(len(typ))
	return append(dst, typ...)
}

// Encode frames env. When env.Encrypted is set, nonce and tag must be present
// and payload is the ciphertext; otherwise nonce and tag are ignored.
func Encode(env *dataType.Envelope, senderSequence uint32, nonce, tag, payload []byte) ([]byte, error) {
	size := FixedHeaderSize + len(truncateType(env.Type)) + len(payload)
	if env.Encrypted {
		if len(nonce) != NonceSize || len(tag) != TagSize {
			return nil, ErrBadCryptoFields
		}
		size += NonceSize + TagSize
	}

	out := make([]byte, 0, size)
	out = appendHeader(out, env, senderSequence)
	if env.Encrypted {
		out = append(out, nonce...)
		out = append(out, tag...)
	}
	out = append(out, payload...)
	return out, nil
}

// DecodeHeader parses only the header; the payload is left untouched.
func DecodeHeader(data []byte) (*Header, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrTruncated
	}
	if data[0] != Magic {
		return nil, 0, ErrNotBinaryPacket
	}
	if len(data) < FixedHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(data), FixedHeaderSize)
	}

	typeLen := int(data[offTypeLen])
	headerLen := FixedHeaderSize + typeLen
	if len(data) < headerLen {
		return nil, 0, fmt.Errorf("%w: type name needs %d bytes", ErrTruncated, typeLen)
	}

	h := &Header{
		Version:        data[offVersion],
		Flags:          data[offFlags],
		SenderSequence: binary.LittleEndian.Uint32(data[offSequence:]),
		SendTicks:      int64(binary.LittleEndian.Uint64(data[offTicks:])),
		Type:           string(data[FixedHeaderSize:headerLen]),
	}
	copy(h.MessageID[:], data[offID:offID+16])
	copy(h.SourceID[:], data[offSource:offSource+16])
	return h, headerLen, nil
}

// Decode parses a whole packet. Payload bytes are copied out of data so the
// caller may recycle its buffer as soon as Decode returns.
func Decode(data []byte) (*Frame, error) {
	h, headerLen, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	env := &dataType.Envelope{
		ID:             h.MessageID,
		Source:         dataType.SourceIdentity{ID: h.SourceID},
		Type:           h.Type,
		SenderSequence: h.SenderSequence,
		SendTicks:      h.SendTicks,
		AckRequested:   h.AckRequested(),
		Encrypted:      h.Encrypted(),
	}

	rest := data[headerLen:]
	if env.Encrypted {
		if len(rest) < NonceSize+TagSize {
			return nil, fmt.Errorf("%w: missing nonce/tag", ErrTruncated)
		}
		env.Nonce = clone(rest[:NonceSize])
		env.Tag = clone(rest[NonceSize : NonceSize+TagSize])
		rest = rest[NonceSize+TagSize:]
	}
	env.Payload = clone(rest)

	return &Frame{
		Envelope:        env,
		HeaderBytes:     clone(data[:headerLen]),
		VersionMismatch: h.Version != Version,
	}, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
