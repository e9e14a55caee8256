package correlation

import (
	"math"
	"sync"
)

// MaxID is the largest correlation id. Ids wrap from MaxID back to 1; 0 is
// reserved for uncorrelated envelopes.
const MaxID uint32 = math.MaxUint32

// Sequence hands out correlation ids over [1, MaxID]. One sequence is shared
// by every module bound to the same channel.
type Sequence struct {
	mu   sync.Mutex
	last uint32
}

// NewSequence returns a sequence whose first id is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next id, wrapping to 1 after MaxID.
func (s *Sequence) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == MaxID {
		s.last = 1
	} else {
		s.last++
	}
	return s.last
}
