package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtomicClockSet(t *testing.T) {
	c := NewAtomic(5)
	assert.Equal(t, uint64(5), c.Val())
	c.Set(2)
	assert.Equal(t, uint64(2), c.Val())
}

func TestAtomicClockObserve(t *testing.T) {
	c := NewAtomic(10)
	c.Observe(3)
	assert.Equal(t, uint64(10), c.Val())
	c.Observe(42)
	assert.Equal(t, uint64(42), c.Val())
}

func TestAtomicClockConcurrentObserve(t *testing.T) {
	c := NewAtomic(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for j := uint64(1); j <= 100; j++ {
				c.Observe(base*100 + j)
			}
		}(uint64(i))
	}
	wg.Wait()
	assert.Equal(t, uint64(800), c.Val())
}
