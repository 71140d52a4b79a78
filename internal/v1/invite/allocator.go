// Package invite generates and canonicalizes the six-character invite
// codes sessions are looked up by.
package invite

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/n64arcade/multiplayer-coordinator/internal/v1/metrics"
)

// charset excludes the ambiguous glyphs 0/O/1/I.
const charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLen    = 6
	maxRetries = 8
)

// Exists reports whether code already names a live session. Callers
// supply it so the allocator stays decoupled from the registry.
type Exists func(code string) bool

// Generate draws a code uniformly at random from the 32-symbol charset,
// retrying on collision with a live session up to maxRetries times. If
// collisions persist past that, it falls back to a timestamp-salted draw
// once; if that also collides the registry is treated as saturated.
func Generate(exists Exists) (string, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate invite code: %w", err)
		}
		if !exists(code) {
			return code, nil
		}
		metrics.InviteCodeCollisions.Inc()
	}

	code, err := saltedCode()
	if err != nil {
		return "", fmt.Errorf("failed to generate salted invite code: %w", err)
	}
	if exists(code) {
		return "", fmt.Errorf("capacity_exhausted")
	}
	return code, nil
}

func randomCode() (string, error) {
	buf := make([]byte, codeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return encode(buf), nil
}

// saltedCode mixes the current monotonic clock reading into the random
// draw as a last-resort tie-breaker when pure randomness keeps colliding,
// which in practice only happens as the registry nears exhaustion.
func saltedCode() (string, error) {
	buf := make([]byte, codeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	salt := time.Now().UnixNano()
	for i := range buf {
		buf[i] ^= byte(salt >> (8 * (i % 8)))
	}
	return encode(buf), nil
}

func encode(buf []byte) string {
	var b strings.Builder
	b.Grow(codeLen)
	for _, v := range buf {
		b.WriteByte(charset[int(v)%len(charset)])
	}
	return b.String()
}

// Canonicalize upper-cases a code so lookups are case-insensitive at the
// boundary.
func Canonicalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether code has the right length and charset to be a
// plausible invite code, without checking liveness.
func Valid(code string) bool {
	if len(code) != codeLen {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(charset, c) {
			return false
		}
	}
	return true
}
