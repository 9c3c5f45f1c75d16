// Package rand is the module's shared non-cryptographic random source.
// It seeds a PCG generator from crypto/rand once and guards it with a mutex,
// so the helpers are safe to call from any goroutine.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const (
	bytesInUint64 = 8
	charset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var defaultSource = newSource()

func newSource() *source {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &source{
		//nolint:gosec // jitter and log ids, no security required
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type source struct {
	mut sync.Mutex
	rng *rand.Rand
}

func (s *source) float64() float64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.rng.Float64()
}

func (s *source) base62Str(length int) string {
	buf := make([]byte, length)

	s.mut.Lock()
	for i := range buf {
		buf[i] = charset[s.rng.IntN(len(charset))]
	}
	s.mut.Unlock()

	return string(buf)
}

// Float64 returns a pseudo-random number in [0.0, 1.0).
func Float64() float64 {
	return defaultSource.float64()
}

// NewSessionID returns a random base62 identifier of the given length.
func NewSessionID(length int) string {
	return defaultSource.base62Str(length)
}
