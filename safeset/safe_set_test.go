package safeset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSafeSet(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := NewSafeSet[string]()
		assert.Equal(t, 0, s.Size())
	})

	t.Run("initial values are deduplicated", func(t *testing.T) {
		s := NewSafeSet("a", "b", "a")
		assert.Equal(t, 2, s.Size())
		assert.False(t, s.Add("a"))
		assert.False(t, s.Add("b"))
	})
}

func TestSafeSet_Add(t *testing.T) {
	s := NewSafeSet[int]()

	assert.True(t, s.Add(1))
	assert.False(t, s.Add(1), "second add reports existing element")
	assert.True(t, s.Add(2))
	assert.Equal(t, 2, s.Size())
}

func TestSafeSet_ConcurrentAdd(t *testing.T) {
	s := NewSafeSet[int]()
	const goroutines = 32

	var wg sync.WaitGroup
	added := make([]bool, goroutines)
	wg.Add(goroutines)
	for g := range goroutines {
		go func(idx int) {
			defer wg.Done()
			added[idx] = s.Add(7)
			s.Size()
		}(g)
	}
	wg.Wait()

	winners := 0
	for _, ok := range added {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, s.Size())
}
