package sync_

import (
	"sync"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

var _ RMutexer[int] = NewMutexed(123)
var _ Mutexer[int] = NewMutexed(123)
var _ Mutexer[int] = NewRWMutexed(123)
var _ RMutexer[int] = NewRWMutexed(123).RMutexer()

func TestRWMutexed(t *testing.T) {
	assert := assert_.New(t)
	rw := NewRWMutexed(map[string]int{"a": 1})
	r := rw.RMutexer()
	assert.Equal(1, r.Get()["a"])
	old := rw.Swap(map[string]int{"b": 2})
	assert.Equal(1, old["a"])
	_ = r.Locked(func(m *map[string]int) error {
		assert.Equal(2, (*m)["b"])
		return nil
	})
}

func TestMutexedRace(t *testing.T) {
	assert := assert_.New(t)
	rw := NewRWMutexed(0)
	m := NewMutexed(0)
	start := NewEvent()
	wg := sync.WaitGroup{}

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start.Wait()
			for j := 0; j < 50; j++ {
				_ = rw.Locked(func(v *int) error {
					*v++
					return nil
				})
				_ = m.Locked(func(v *int) error {
					*v++
					return nil
				})
			}
		}()
		go func() {
			defer wg.Done()
			<-start.Wait()
			for j := 0; j < 50; j++ {
				_ = rw.Get()
				_ = rw.RLocked(func(v *int) error { return nil })
			}
		}()
	}

	start.Set()
	wg.Wait()

	assert.Equal(2500, rw.Get())
	assert.Equal(2500, m.Get())
}
