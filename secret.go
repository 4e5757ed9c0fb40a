package axon

import "sync"

// Secret holds an opaque credential, typically the CONNECT password. The
// engine reads it once per connection attempt while building the CONNECT
// packet and zeroes the working copy immediately after encoding; the Secret
// itself survives for reconnects until Destroy.
type Secret struct {
	mu    sync.Mutex
	value []byte
}

// NewSecret copies value into a new Secret. The caller may zero its own
// slice afterwards.
func NewSecret(value []byte) *Secret {
	s := &Secret{value: make([]byte, len(value))}
	copy(s.value, value)
	return s
}

// NewSecretString is a convenience wrapper for string credentials.
func NewSecretString(value string) *Secret {
	return NewSecret([]byte(value))
}

// reveal returns a fresh copy of the secret, or nil after Destroy.
func (s *Secret) reveal() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == nil {
		return nil
	}
	out := make([]byte, len(s.value))
	copy(out, s.value)
	return out
}

// Destroy zeroes and drops the held credential. Subsequent connection
// attempts send no password.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.value)
	s.value = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
