package interrupt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalLatches(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.Interrupted())

	s.Interrupt()
	assert.True(t, s.Interrupted())

	// Firing again must be harmless.
	s.Interrupt()
	assert.True(t, s.Interrupted())
}

func TestHooksRunOnceInOrder(t *testing.T) {
	s := NewSignal()

	var order []int
	s.OnInterrupt(func() { order = append(order, 1) })
	s.OnInterrupt(func() { order = append(order, 2) })

	s.Interrupt()
	s.Interrupt()

	assert.Equal(t, []int{1, 2}, order)
}

func TestHookAfterFireRunsImmediately(t *testing.T) {
	s := NewSignal()
	s.Interrupt()

	ran := false
	s.OnInterrupt(func() { ran = true })
	assert.True(t, ran)
}

func TestNilHookIgnored(t *testing.T) {
	s := NewSignal()
	s.OnInterrupt(nil)
	s.Interrupt()
	assert.True(t, s.Interrupted())
}

func TestConcurrentInterrupt(t *testing.T) {
	s := NewSignal()

	var fired int
	s.OnInterrupt(func() { fired++ })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Interrupt()
		}()
	}
	wg.Wait()

	assert.True(t, s.Interrupted())
	assert.Equal(t, 1, fired, "hooks must run exactly once")
}
