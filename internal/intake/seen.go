package intake

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// SeenSet remembers the most recent task ids accepted by this node. It is
// bounded; once full, the id inserted longest ago is forgotten. Lookups do
// not refresh an id, so eviction follows insertion order.
type SeenSet struct {
	cache *lru.Cache
}

// NewSeenSet creates a set holding up to size ids.
func NewSeenSet(size int) (*SeenSet, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen-task set: %w", err)
	}
	return &SeenSet{cache: cache}, nil
}

// Add inserts id and reports whether it was already present. Check and
// insert are one atomic step.
func (s *SeenSet) Add(id string) (alreadySeen bool) {
	alreadySeen, _ = s.cache.ContainsOrAdd(id, struct{}{})
	return alreadySeen
}

// Contains reports whether id is remembered.
func (s *SeenSet) Contains(id string) bool {
	return s.cache.Contains(id)
}

// Len returns the number of remembered ids.
func (s *SeenSet) Len() int {
	return s.cache.Len()
}
