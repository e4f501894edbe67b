package outq

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"sync"
)

type rand struct {
	*mathrand.Rand
	sync.Mutex
}

// NewPseudoRand returns a new PRNG seeded with random bytes from crypto/rand,
// safe for concurrent use.
func NewPseudoRand() *rand {
	return &rand{Rand: mathrand.New(mathrand.NewSource(CryptoRandInt()))}
}

func (r *rand) Int63n(n int64) int64 {
	r.Lock()
	defer r.Unlock()
	return r.Rand.Int63n(n)
}

func (r *rand) Intn(n int) int {
	r.Lock()
	defer r.Unlock()
	return r.Rand.Intn(n)
}

// CryptoRandInt returns a cryptographically random number.
func CryptoRandInt() int64 {
	buf := make([]byte, 8)
	_, err := cryptorand.Read(buf)
	if err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf))
}
