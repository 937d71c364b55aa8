package set

import "sort"

type ordered interface {
	~int | ~string
}

// Set holds values of type V keyed by K. Values always come back sorted by key, so anything derived from a set
// (dependency lists, grant statements, hashes) is deterministic.
type Set[K ordered, V any] struct {
	valuesByKey map[K]V
	getKey      func(V) K
}

func NewSet[T ordered](vals ...T) *Set[T, T] {
	return NewSetWithCustomKey(func(v T) T {
		return v
	}, vals...)
}

// NewSetWithCustomKey creates a set whose values are deduplicated by getKey. Adding a value with a key already present
// replaces the stored value.
func NewSetWithCustomKey[K ordered, V any](getKey func(V) K, vals ...V) *Set[K, V] {
	s := &Set[K, V]{
		valuesByKey: make(map[K]V, len(vals)),
		getKey:      getKey,
	}
	s.Add(vals...)
	return s
}

func (s *Set[K, V]) Add(vals ...V) {
	for _, val := range vals {
		s.valuesByKey[s.getKey(val)] = val
	}
}

func (s *Set[K, V]) Len() int {
	return len(s.valuesByKey)
}

func (s *Set[K, V]) Has(val V) bool {
	_, ok := s.valuesByKey[s.getKey(val)]
	return ok
}

func (s *Set[K, V]) Values() []V {
	values := make([]V, 0, len(s.valuesByKey))
	for _, val := range s.valuesByKey {
		values = append(values, val)
	}
	sort.Slice(values, func(i, j int) bool {
		return s.getKey(values[i]) < s.getKey(values[j])
	})
	return values
}
