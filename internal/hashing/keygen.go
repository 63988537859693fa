// Package hashing generates the short, stable identifiers metasmith uses as
// content-addressed keys: type keys, plan keys, relay message ids.
package hashing

import (
	"crypto/sha256"
	"math/big"
	"math/rand"
)

// vocab is the 62-glyph alphabet (digits, uppercase, lowercase) used for
// generated and derived keys. Callers that need filesystem-hostile
// characters avoided stick to this default; Full additionally allows "-_"
// for contexts (like relay channel names) that already tolerate them.
var vocab = buildVocab(false)
var vocabFull = buildVocab(true)

func buildVocab(full bool) []byte {
	var v []byte
	for c := byte('0'); c <= '9'; c++ {
		v = append(v, c)
	}
	for c := byte('A'); c <= 'Z'; c++ {
		v = append(v, c)
	}
	for c := byte('a'); c <= 'z'; c++ {
		v = append(v, c)
	}
	if full {
		v = append(v, '-', '_')
	}
	return v
}

// KeyGenerator produces fixed-length keys either by random draw
// (GenerateUID) or by deterministic derivation from a seed value (FromInt,
// FromStr, FromHex). Two KeyGenerators with the same Full setting derive
// identical keys from the same input; only GenerateUID depends on the
// generator's internal random state.
type KeyGenerator struct {
	full bool
	rng  *rand.Rand
}

// New returns a KeyGenerator. When full is true, generated and derived keys
// may contain "-" and "_" in addition to alphanumerics.
func New(full bool) *KeyGenerator {
	return &KeyGenerator{full: full, rng: rand.New(rand.NewSource(randSeed()))}
}

// NewSeeded returns a KeyGenerator whose random draws are reproducible,
// for tests that need deterministic GenerateUID output.
func NewSeeded(full bool, seed int64) *KeyGenerator {
	return &KeyGenerator{full: full, rng: rand.New(rand.NewSource(seed))}
}

func (g *KeyGenerator) vocab() []byte {
	if g.full {
		return vocabFull
	}
	return vocab
}

// GenerateUID draws a random key of length l, redrawing if it collides with
// blacklist. A nil or empty blacklist always returns on the first draw.
func (g *KeyGenerator) GenerateUID(l int, blacklist map[string]struct{}) string {
	v := g.vocab()
	for {
		buf := make([]byte, l)
		for i := range buf {
			buf[i] = v[g.rng.Intn(len(v))]
		}
		key := string(buf)
		if _, collide := blacklist[key]; !collide {
			return key
		}
	}
}

// FromInt encodes i in the generator's vocabulary as a fixed-length key,
// most-significant glyph first unless littleEndian is set. Values whose
// base-N representation would need more than l glyphs are truncated to the
// low-order l glyphs, matching the original's fixed-width digit buffer.
func (g *KeyGenerator) FromInt(i *big.Int, l int, littleEndian bool) string {
	v := g.vocab()
	base := big.NewInt(int64(len(v)))

	chunks := make([]byte, l)
	for idx := range chunks {
		chunks[idx] = v[0]
	}

	n := new(big.Int).Set(i)
	zero := big.NewInt(0)
	mod := new(big.Int)
	place := 0
	for n.Cmp(zero) > 0 && place < l {
		n.DivMod(n, base, mod)
		chunks[place] = v[mod.Int64()]
		place++
	}

	if !littleEndian {
		for a, b := 0, len(chunks)-1; a < b; a, b = a+1, b-1 {
			chunks[a], chunks[b] = chunks[b], chunks[a]
		}
	}
	return string(chunks)
}

// FromStr derives a key of length l from the sha256 digest of s, so the
// same string always maps to the same key regardless of process or machine.
func (g *KeyGenerator) FromStr(s string, l int) string {
	sum := sha256.Sum256([]byte(s))
	i := new(big.Int).SetBytes(sum[:])
	return g.FromInt(i, l, false)
}

// FromHex derives a key of length l from a hex-encoded integer.
func (g *KeyGenerator) FromHex(hex string, l int, littleEndian bool) (string, error) {
	i, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return "", &InvalidHexError{Hex: hex}
	}
	return g.FromInt(i, l, littleEndian), nil
}

// InvalidHexError reports a hex string that big.Int could not parse.
type InvalidHexError struct {
	Hex string
}

func (e *InvalidHexError) Error() string {
	return "hashing: invalid hex string " + e.Hex
}
