package pipeline

import (
	"sync"

	"neardup/internal/minhash"
)

const (
	chunkBits = 12
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
)

type sigChunk [chunkSize]minhash.Signature

// sigStore holds one signature per line ID in fixed-size chunks so growth
// never copies existing signatures. Concurrent puts to distinct IDs are safe.
type sigStore struct {
	mu     sync.RWMutex
	chunks []*sigChunk
}

func (s *sigStore) chunk(id uint32) *sigChunk {
	i := int(id >> chunkBits)
	s.mu.RLock()
	if i < len(s.chunks) {
		c := s.chunks[i]
		s.mu.RUnlock()
		return c
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) <= i {
		s.chunks = append(s.chunks, new(sigChunk))
	}
	return s.chunks[i]
}

func (s *sigStore) put(id uint32, sig *minhash.Signature) {
	s.chunk(id)[id&chunkMask] = *sig
}

// Signature implements compare.Signatures.
func (s *sigStore) Signature(id uint32) *minhash.Signature {
	i := int(id >> chunkBits)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i >= len(s.chunks) {
		return nil
	}
	return &s.chunks[i][id&chunkMask]
}

// lineIndex records where each line ID came from.
type lineIndex struct {
	paths []string
	locs  []lineLoc
}

type lineLoc struct {
	file uint32
	num  uint32
}

func (x *lineIndex) add(file, num int) {
	x.locs = append(x.locs, lineLoc{file: uint32(file), num: uint32(num)})
}

// Locate implements report.Locator.
func (x *lineIndex) Locate(id uint32) (string, int, bool) {
	if int(id) >= len(x.locs) {
		return "", 0, false
	}
	l := x.locs[id]
	return x.paths[l.file], int(l.num), true
}
