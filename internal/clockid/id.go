package clockid

import "github.com/google/uuid"

// IDGenerator abstracts session identifier minting so tests can supply
// deterministic ids.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator mints RFC 4122 version 4 identifiers.
type UUIDGenerator struct{}

// NewID returns a fresh UUIDv4 string.
func (UUIDGenerator) NewID() string {
	return uuid.New().String()
}

// Sequence returns ids from a fixed list in order, then repeats the last
// one. Intended for tests that need predictable session ids.
type Sequence struct {
	IDs []string
	n   int
}

// NewID returns the next id in the sequence.
func (s *Sequence) NewID() string {
	if len(s.IDs) == 0 {
		return "test-session"
	}
	if s.n >= len(s.IDs) {
		return s.IDs[len(s.IDs)-1]
	}
	id := s.IDs[s.n]
	s.n++
	return id
}
