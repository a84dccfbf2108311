package txn

import (
	"hash/fnv"
	"sort"
	"sync"
)

// Stripes is a fixed pool of mutexes addressed by key hash. Two actions for
// the same principal or strategy serialize; unrelated keys rarely contend.
type Stripes struct {
	locks []sync.Mutex
}

func NewStripes(n int) *Stripes {
	if n <= 0 {
		n = 256
	}
	return &Stripes{locks: make([]sync.Mutex, n)}
}

func (s *Stripes) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.locks)))
}

// Lock acquires the stripes of all keys in ascending stripe order and returns
// the release func. Keys sharing a stripe are locked once.
func (s *Stripes) Lock(keys ...string) (unlock func()) {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		i := s.index(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		s.locks[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.locks[idx[j]].Unlock()
		}
	}
}
