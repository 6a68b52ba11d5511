// Package serializer turns typed messages into packets and back, applying
// the security handler between the codec and the payload.
package serializer

import (
	"encoding/json"
	"errors"
	"fmt"

	"meshcast/internal/codec"
	"meshcast/internal/dataType"

	"go.uber.org/zap"
)

var (
	ErrEncryptionUnavailable = errors.New("encryption requested but no key installed")
	ErrDecrypt               = errors.New("decrypt failed")
)

// Cipher is the part of the security handler the serializer needs.
type Cipher interface {
	Enabled() bool
	Encrypt(plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error)
	Decrypt(nonce, ciphertext, tag, aad []byte) ([]byte, error)
}

type Serializer struct {
	cipher Cipher
	log    *zap.Logger
}

func New(cipher Cipher, log *zap.Logger) *Serializer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Serializer{cipher: cipher, log: log}
}

// Serialize encodes payload as JSON into env.Payload and frames env. The
// packet is encrypted whenever the cipher is enabled.
func (s *Serializer) Serialize(env *dataType.Envelope, payload any) ([]byte, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		env.Payload = raw
	}

	env.Encrypted = s.cipher != nil && s.cipher.Enabled()
	if !env.Encrypted {
		env.Nonce, env.Tag = nil, nil
		return codec.Encode(env, env.SenderSequence, nil, nil, env.Payload)
	}

	aad := codec.EncodeHeader(env, env.SenderSequence)
	nonce, ciphertext, tag, err := s.cipher.Encrypt(env.Payload, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionUnavailable, err)
	}
	env.Nonce, env.Tag = nonce, tag
	return codec.Encode(env, env.SenderSequence, nonce, tag, ciphertext)
}

// Deserialize parses a packet in either framing. Encrypted payloads are
// opened here, so the returned envelope always carries plaintext.
func (s *Serializer) Deserialize(data []byte) (*dataType.Envelope, error) {
	if len(data) > 0 && data[0] != codec.Magic {
		return codec.DecodeJSON(data)
	}

	frame, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	env := frame.Envelope
	if frame.VersionMismatch {
		s.log.Debug("packet version mismatch, parsed best effort",
			zap.Uint8("version", data[1]),
			zap.String("type", env.Type))
	}

	if !env.Encrypted {
		return env, nil
	}
	if s.cipher == nil {
		return nil, fmt.Errorf("%w: no cipher configured", ErrDecrypt)
	}
	plaintext, err := s.cipher.Decrypt(env.Nonce, env.Payload, env.Tag, frame.HeaderBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	env.Payload = plaintext
	return env, nil
}
