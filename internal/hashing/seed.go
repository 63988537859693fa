package hashing

import (
	"crypto/rand"
	"encoding/binary"
)

// randSeed reads a seed for math/rand from the OS CSPRNG. GenerateUID only
// needs non-predictable starting state, not cryptographic randomness on
// every draw, so seeding once here and using math/rand thereafter is
// enough and keeps the draw loop cheap.
func randSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) &^ (1 << 63))
}
