package security

import (
	"bytes"
	"errors"
	"sync"
)

var ErrNoKey = errors.New("no key installed")

// KeyManager holds the current session and, during a rotation grace period,
// the previous one so packets sealed just before the switch still open.
type KeyManager struct {
	mu       sync.RWMutex
	current  *KeySession
	previous *KeySession
}

func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// SetKey installs key as current. With retainPrevious the old current session
// becomes previous; otherwise both old sessions are destroyed.
func (km *KeyManager) SetKey(key []byte, retainPrevious bool) error {
	next, err := NewKeySession(key)
	if err != nil {
		return err
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if retainPrevious && km.current != nil {
		km.previous.Destroy()
		km.previous = km.current
	} else {
		km.previous.Destroy()
		km.current.Destroy()
		km.previous = nil
	}
	km.current = next
	return nil
}

// ClearPreviousKey ends the grace period.
func (km *KeyManager) ClearPreviousKey() {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.previous.Destroy()
	km.previous = nil
}

func (km *KeyManager) HasKey() bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.current != nil
}

func (km *KeyManager) HasPreviousKey() bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.previous != nil
}

func (km *KeyManager) Fingerprint() []byte {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.current == nil {
		return nil
	}
	return km.current.Fingerprint()
}

// IsCurrent reports whether key derives the session currently in use.
func (km *KeyManager) IsCurrent(key []byte) bool {
	ks, err := NewKeySession(key)
	if err != nil {
		return false
	}
	defer ks.Destroy()
	return bytes.Equal(ks.Fingerprint(), km.Fingerprint())
}

func (km *KeyManager) Encrypt(plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.current == nil {
		return nil, nil, nil, ErrNoKey
	}
	return km.current.Seal(plaintext, aad)
}

// Decrypt tries the current session, then the previous one.
func (km *KeyManager) Decrypt(nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.current == nil {
		return nil, ErrNoKey
	}
	plaintext, err := km.current.Open(nonce, ciphertext, tag, aad)
	if err == nil {
		return plaintext, nil
	}
	if km.previous == nil || !errors.Is(err, ErrAuthFailed) {
		return nil, err
	}
	return km.previous.Open(nonce, ciphertext, tag, aad)
}

// Close destroys every session.
func (km *KeyManager) Close() {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.current.Destroy()
	km.previous.Destroy()
	km.current = nil
	km.previous = nil
}
