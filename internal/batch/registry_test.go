package batch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	id, running := r.Active()
	assert.False(t, running)
	assert.Zero(t, id)

	require.True(t, r.Acquire())
	r.SetActive(7)

	id, running = r.Active()
	assert.True(t, running)
	assert.Equal(t, int64(7), id)

	assert.False(t, r.Acquire(), "slot must stay held until released")

	r.Release()
	id, running = r.Active()
	assert.False(t, running)
	assert.Zero(t, id)
	assert.True(t, r.Acquire(), "released slot is acquirable again")
}

func TestRegistrySingleWinnerUnderContention(t *testing.T) {
	r := NewRegistry()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Acquire() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
