package credentials

import (
	"golang.org/x/oauth2"
)

// TokenLength is the length of every value produced by the default generator.
const TokenLength = 43

// Generator produces opaque random credentials.
type Generator interface {
	// GenerateToken returns a new URL-safe random string.
	// It panics if the system random source fails.
	GenerateToken() string
}

// Func adapts a plain function to the Generator interface.
type Func func() string

// GenerateToken calls f.
func (f Func) GenerateToken() string {
	return f()
}

type randomGenerator struct{}

// New returns the default crypto/rand backed generator.
func New() Generator {
	return randomGenerator{}
}

// GenerateToken returns 32 random bytes encoded as unpadded base64url.
// oauth2.GenerateVerifier panics on rand.Read failure, which is the
// intended behaviour for an exhausted entropy source.
func (randomGenerator) GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// Sequence returns a generator that replays values in order and then falls
// back to the default generator. It is intended for tests that need to
// force token collisions.
func Sequence(values ...string) Generator {
	ch := make(chan string, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)

	fallback := New()
	return Func(func() string {
		if v, ok := <-ch; ok {
			return v
		}
		return fallback.GenerateToken()
	})
}
