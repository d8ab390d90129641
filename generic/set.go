package generic

// Set is an unordered collection of unique items.
type Set[T any] interface {
	Add(item T) bool
	Clear()
	Contains(items ...T) bool
	Clone() Set[T]
	Count() int
	Remove(item T) bool
	ToSlice() []T
}

// NewSet creates a Set of comparable items.
func NewSet[T comparable](items ...T) Set[T] {
	s := make(set[T], len(items))
	for _, item := range items {
		s.Add(item)
	}
	return s
}

type set[T comparable] map[T]Void

func (s set[T]) Add(item T) bool {
	if _, found := s[item]; found {
		return false
	}
	s[item] = NewVoid()
	return true
}

func (s set[T]) Clear() {
	for item := range s {
		delete(s, item)
	}
}

func (s set[T]) Clone() Set[T] {
	res := make(set[T], len(s))
	for item := range s {
		res[item] = NewVoid()
	}
	return res
}

func (s set[T]) Contains(items ...T) bool {
	for _, item := range items {
		if _, found := s[item]; !found {
			return false
		}
	}
	return true
}

func (s set[T]) Count() int {
	return len(s)
}

func (s set[T]) Remove(item T) bool {
	if _, found := s[item]; !found {
		return false
	}
	delete(s, item)
	return true
}

func (s set[T]) ToSlice() []T {
	slice := make([]T, 0, len(s))
	for item := range s {
		slice = append(slice, item)
	}
	return slice
}

// NewPolymorphicSet creates a Set of interface values, compared by their dynamic type and value. Every item must be
// of a comparable dynamic type (e.g. a pointer), or Add will panic.
func NewPolymorphicSet[T any](items ...T) Set[T] {
	s := make(polymorphicSet[T], len(items))
	for _, item := range items {
		s.Add(item)
	}
	return s
}

type polymorphicSet[T any] map[any]Void

func (s polymorphicSet[T]) Add(item T) bool {
	if _, found := s[item]; found {
		return false
	}
	s[item] = NewVoid()
	return true
}

func (s polymorphicSet[T]) Clear() {
	for item := range s {
		delete(s, item)
	}
}

func (s polymorphicSet[T]) Clone() Set[T] {
	res := make(polymorphicSet[T], len(s))
	for item := range s {
		res[item] = NewVoid()
	}
	return res
}

func (s polymorphicSet[T]) Contains(items ...T) bool {
	for _, item := range items {
		if _, found := s[item]; !found {
			return false
		}
	}
	return true
}

func (s polymorphicSet[T]) Count() int {
	return len(s)
}

func (s polymorphicSet[T]) Remove(item T) bool {
	if _, found := s[item]; !found {
		return false
	}
	delete(s, item)
	return true
}

func (s polymorphicSet[T]) ToSlice() []T {
	slice := make([]T, 0, len(s))
	for item := range s {
		slice = append(slice, item.(T))
	}
	return slice
}
