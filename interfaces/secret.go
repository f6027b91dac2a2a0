package interfaces

import (
	"runtime"
	"sync"
)

// Secret owns raw key material. The buffer is zeroed by Destroy, which every
// owner must call (usually deferred) once the material is consumed.
// A runtime cleanup wipes the buffer if an owner drops the value without
// destroying it, but that is a backstop and not part of the contract.
type Secret struct {
	mu      sync.Mutex
	buf     []byte
	cleanup runtime.Cleanup
}

// NewSecret takes ownership of buf. The caller must not keep other references to it.
func NewSecret(buf []byte) *Secret {
	s := &Secret{buf: buf}
	s.cleanup = runtime.AddCleanup(s, Wipe, buf)
	return s
}

// CopySecret copies src into a newly owned Secret. src is left untouched.
func CopySecret(src []byte) *Secret {
	buf := make([]byte, len(src))
	copy(buf, src)
	return NewSecret(buf)
}

// Expose returns the underlying buffer. The returned slice is only valid
// until Destroy and must not be retained or logged.
func (s *Secret) Expose() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Len returns the secret length, 0 once destroyed.
func (s *Secret) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Destroy zeroes the buffer. Safe to call more than once and on nil.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return
	}
	Wipe(s.buf)
	s.buf = nil
	s.cleanup.Stop()
}

// Destroyed reports whether Destroy was called.
func (s *Secret) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf == nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
