// Package minhash computes MinHash signatures over shingle sets.
//
// A Family holds params.NumHash hash functions. Each shingle is hashed once
// with a base 64-bit hash (xxh3 by default); function i is then the
// splitmix64 finalizer of base ^ seed[i]. Seeds come from iterating the
// splitmix64 step from the family seed, so two families built from the same
// backend and seed are identical and signatures are reproducible.
package minhash

import (
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dchest/siphash"
	"github.com/zeebo/xxh3"

	"neardup/internal/params"
)

// DefaultSeed seeds the default family.
const DefaultSeed uint64 = 0x517cc1b727220a95

// Signature holds one minimum per hash function.
type Signature [params.NumHash]uint64

// Empty is the signature of an empty shingle set.
var Empty = func() Signature {
	var s Signature
	for i := range s {
		s[i] = math.MaxUint64
	}
	return s
}()

// Similarity estimates the Jaccard similarity of the underlying sets as the
// fraction of positions where the two signatures agree.
func (s *Signature) Similarity(o *Signature) float64 {
	return float64(s.Matches(o)) / params.NumHash
}

// Matches counts equal positions.
func (s *Signature) Matches(o *Signature) int {
	n := 0
	for i := range s {
		if s[i] == o[i] {
			n++
		}
	}
	return n
}

// IsEmpty reports whether s is the signature of an empty set.
func (s *Signature) IsEmpty() bool { return *s == Empty }

// Backend names a base hash.
type Backend string

const (
	XXH3    Backend = "xxh3"
	XXHash  Backend = "xxhash"
	SipHash Backend = "siphash"
)

// Backends lists the supported base hashes.
func Backends() []Backend { return []Backend{XXH3, XXHash, SipHash} }

// Family is an immutable set of NumHash hash functions. Safe for
// concurrent use.
type Family struct {
	backend Backend
	seed    uint64
	base    func(string) uint64
	seeds   [params.NumHash]uint64
}

// NewFamily builds the family for backend and seed.
func NewFamily(backend Backend, seed uint64) (*Family, error) {
	f := &Family{backend: backend, seed: seed}

	switch Backend(strings.ToLower(string(backend))) {
	case XXH3, "":
		f.backend = XXH3
		f.base = xxh3.HashString
	case XXHash:
		f.backend = XXHash
		f.base = xxhash.Sum64String
	case SipHash:
		f.backend = SipHash
		k0, k1 := splitmix64(seed), splitmix64(^seed)
		f.base = func(s string) uint64 { return siphash.Hash(k0, k1, []byte(s)) }
	default:
		return nil, fmt.Errorf("minhash: unknown hash backend %q (use one of %v)", backend, Backends())
	}

	state := seed
	for i := range f.seeds {
		state = splitmix64(state)
		f.seeds[i] = state
	}
	return f, nil
}

// Default returns the xxh3 family with DefaultSeed.
func Default() *Family {
	f, _ := NewFamily(XXH3, DefaultSeed)
	return f
}

// Backend reports the family's base hash.
func (f *Family) Backend() Backend { return f.backend }

// Seed reports the family seed.
func (f *Family) Seed() uint64 { return f.seed }

// Sign returns the MinHash signature of shingles. Duplicate shingles do
// not change the result; an empty set yields Empty.
func (f *Family) Sign(shingles []string) Signature {
	sig := Empty
	for _, sh := range shingles {
		base := f.base(sh)
		for i, seed := range f.seeds {
			if h := mix(base ^ seed); h < sig[i] {
				sig[i] = h
			}
		}
	}
	return sig
}

// mix is the splitmix64 finalizer.
func mix(x uint64) uint64 {
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func splitmix64(state uint64) uint64 {
	return mix(state + 0x9e3779b97f4a7c15)
}
