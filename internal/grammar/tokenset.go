package grammar

var emptySet = &TokenSet{}

// TokenSet is an immutable set of token ids.
type TokenSet struct {
	ids  []int
	bits []uint64
}

func newTokenSet(size int, ids []int) *TokenSet {
	s := &TokenSet{
		ids:  ids,
		bits: make([]uint64, (size+63)/64),
	}
	for _, id := range ids {
		s.bits[id/64] |= 1 << (uint(id) % 64)
	}
	return s
}

// Contains reports whether id is in the set. A nil set contains nothing.
func (s *TokenSet) Contains(id int) bool {
	if s == nil || id < 0 || id/64 >= len(s.bits) {
		return false
	}
	return s.bits[id/64]&(1<<(uint(id)%64)) != 0
}

func (s *TokenSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IDs returns the members in ascending order. The slice is shared and must
// not be modified.
func (s *TokenSet) IDs() []int {
	if s == nil {
		return nil
	}
	return s.ids
}
