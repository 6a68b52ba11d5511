package security

// Handler exposes the key manager to the serializer. When disabled, nothing
// is encrypted on send, but encrypted packets are still opened if a key exists.
type Handler struct {
	keys    *KeyManager
	enabled bool
}

func NewHandler(keys *KeyManager, enabled bool) *Handler {
	return &Handler{keys: keys, enabled: enabled}
}

func (h *Handler) Enabled() bool {
	return h.enabled && h.keys.HasKey()
}

func (h *Handler) Keys() *KeyManager {
	return h.keys
}

func (h *Handler) Encrypt(plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error) {
	return h.keys.Encrypt(plaintext, aad)
}

func (h *Handler) Decrypt(nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	return h.keys.Decrypt(nonce, ciphertext, tag, aad)
}
