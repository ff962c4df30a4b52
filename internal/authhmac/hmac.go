// Package authhmac implements the keyed hash used to authenticate echoed
// pings and bubbles. The secret is a process-wide singleton, reference
// counted by Init/Close so multiple tunnels in the same process share one
// secret the way the original design note (§9, "global mutable HMAC key")
// describes: rewritten here as explicit initialization and teardown instead
// of an implicit global.
package authhmac

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net"
	"sync"
)

// Len is the output length of Generate/Verify, in bytes.
const Len = 20

var (
	mu       sync.Mutex
	refCount int
	secret   [32]byte
)

// Init increments the process-wide secret's reference count, generating a
// fresh random secret on the first call. Every Init must be matched by a
// Close.
func Init() error {
	mu.Lock()
	defer mu.Unlock()
	if refCount == 0 {
		if _, err := rand.Read(secret[:]); err != nil {
			return fmt.Errorf("authhmac: generating secret: %w", err)
		}
	}
	refCount++
	return nil
}

// Close decrements the reference count, wiping the secret once the last
// holder releases it.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if refCount == 0 {
		return
	}
	refCount--
	if refCount == 0 {
		for i := range secret {
			secret[i] = 0
		}
	}
}

// Generate writes the HMAC over (src, dst, secret) into out, which must be
// at least Len bytes.
func Generate(src, dst net.IP, out []byte) {
	mu.Lock()
	s := secret
	mu.Unlock()

	mac := hmac.New(sha256.New, s[:])
	mac.Write(src.To16())
	mac.Write(dst.To16())
	sum := mac.Sum(nil)
	copy(out, sum[:Len])
}

// Verify reports whether candidate is the HMAC that Generate(src, dst, _)
// would produce, using a constant-time comparison.
func Verify(src, dst net.IP, candidate []byte) bool {
	if len(candidate) < Len {
		return false
	}
	want := make([]byte, Len)
	Generate(src, dst, want)
	return subtle.ConstantTimeCompare(want, candidate[:Len]) == 1
}
