package generic

import (
	"sort"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	assert := assert_.New(t)

	s := NewSet[string]()
	assert.Equal(0, s.Count())
	assert.True(s.Add("h264"))
	assert.False(s.Add("h264"))
	assert.True(s.Contains("h264"))
	assert.False(s.Contains("h264", "vp9"))

	clone := s.Clone()
	assert.True(clone.Add("vp9"))
	assert.False(s.Contains("vp9"), "clone should not share storage")

	assert.True(s.Remove("h264"))
	assert.False(s.Remove("h264"))
	assert.Equal(0, s.Count())

	clone.Clear()
	assert.Equal(0, clone.Count())

	items := NewSet(3, 1, 2).ToSlice()
	sort.Ints(items)
	assert.Equal([]int{1, 2, 3}, items)
}

type named interface{ Name() string }

type namedThing struct{ name string }

func (n *namedThing) Name() string { return n.name }

func TestPolymorphicSet(t *testing.T) {
	assert := assert_.New(t)

	a, b := &namedThing{"a"}, &namedThing{"a"}
	s := NewPolymorphicSet[named](a)
	assert.True(s.Contains(a))
	assert.False(s.Contains(b), "distinct pointers are distinct items")
	assert.True(s.Add(b))
	assert.Equal(2, s.Count())
	assert.Len(s.ToSlice(), 2)
	assert.True(s.Remove(a))
	assert.Equal([]named{b}, s.ToSlice())
}
