// Package security derives, rotates and applies the group's shared keys.
package security

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize = chacha20poly1305.NonceSize // 12
	TagSize   = chacha20poly1305.Overhead  // 16
	KeySize   = chacha20poly1305.KeySize   // 32

	MinMasterKeySize = 16

	contextIntegrity   = "Meshcast.Integrity"
	contextEncryption  = "Meshcast.Encryption"
	contextFingerprint = "Meshcast.Fingerprint"

	fingerprintSize = 8
)

var (
	ErrKeyTooShort      = fmt.Errorf("master key shorter than %d bytes", MinMasterKeySize)
	ErrSessionDestroyed = errors.New("key session destroyed")
	ErrAuthFailed       = errors.New("message authentication failed")
)

// KeySession holds the subkeys derived from one master key. Destroy zeroes
// them; the session is unusable afterwards.
//
// The AEAD keeps its own copy of the encryption key inside x/crypto which we
// cannot reach; dropping the reference is the best available there.
type KeySession struct {
	mu            sync.RWMutex
	integrityKey  []byte
	encryptionKey []byte
	aead          cipher.AEAD
	fingerprint   []byte
}

func NewKeySession(masterKey []byte) (*KeySession, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, ErrKeyTooShort
	}

	hashKey := masterKey
	if len(hashKey) > blake2b.Size {
		sum := blake2b.Sum512(masterKey)
		hashKey = sum[:]
		defer clear(sum[:])
	}

	integrity, err := deriveSubkey(hashKey, contextIntegrity)
	if err != nil {
		return nil, err
	}
	encryption, err := deriveSubkey(hashKey, contextEncryption)
	if err != nil {
		clear(integrity)
		return nil, err
	}

	ks := &KeySession{
		integrityKey:  make([]byte, KeySize),
		encryptionKey: make([]byte, KeySize),
	}
	copy(ks.integrityKey, integrity)
	copy(ks.encryptionKey, encryption)
	clear(integrity)
	clear(encryption)

	ks.aead, err = chacha20poly1305.New(ks.encryptionKey)
	if err != nil {
		ks.Destroy()
		return nil, fmt.Errorf("init aead: %w", err)
	}
	ks.fingerprint = ks.mac([]byte(contextFingerprint))[:fingerprintSize]
	return ks, nil
}

func deriveSubkey(key []byte, context string) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", context, err)
	}
	h.Write([]byte(context))
	return h.Sum(nil), nil
}

func (ks *KeySession) mac(data []byte) []byte {
	h, _ := blake2b.New256(ks.integrityKey)
	h.Write(data)
	return h.Sum(nil)
}

// Authenticate returns a MAC of data under the integrity key.
func (ks *KeySession) Authenticate(data []byte) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.aead == nil {
		return nil, ErrSessionDestroyed
	}
	return ks.mac(data), nil
}

// Fingerprint identifies the key without revealing it.
func (ks *KeySession) Fingerprint() []byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]byte, len(ks.fingerprint))
	copy(out, ks.fingerprint)
	return out
}

// Seal encrypts plaintext with a fresh random nonce. aad is authenticated but not encrypted.
func (ks *KeySession) Seal(plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.aead == nil {
		return nil, nil, nil, ErrSessionDestroyed
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := ks.aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - TagSize
	return nonce, sealed[:split], sealed[split:], nil
}

func (ks *KeySession) Open(nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.aead == nil {
		return nil, ErrSessionDestroyed
	}
	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, ErrAuthFailed
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := ks.aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Destroy zeroes the key material. Safe to call more than once.
func (ks *KeySession) Destroy() {
	if ks == nil {
		return
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	clear(ks.integrityKey)
	clear(ks.encryptionKey)
	clear(ks.fingerprint)
	ks.aead = nil
}

func (ks *KeySession) Destroyed() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.aead == nil
}
