package ordering

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverDropsStaleRevisions(t *testing.T) {
	g := NewGate[string]()
	var got []uint64
	record := func(rev uint64) func() {
		return func() { got = append(got, rev) }
	}

	assert.True(t, g.Deliver("t1", 1, record(1)))
	assert.True(t, g.Deliver("t1", 3, record(3)))
	assert.False(t, g.Deliver("t1", 2, record(2)))
	assert.False(t, g.Deliver("t1", 3, record(3)))
	assert.True(t, g.Deliver("t2", 1, record(1)))

	assert.Equal(t, []uint64{1, 3, 1}, got)
	assert.Equal(t, uint64(3), g.Last("t1"))
}

func TestForgetResetsKey(t *testing.T) {
	g := NewGate[string]()
	require.True(t, g.Deliver("t1", 5, func() {}))

	g.Forget("t1")
	assert.Equal(t, uint64(0), g.Last("t1"))
	assert.True(t, g.Deliver("t1", 1, func() {}))
}

func TestConcurrentDeliveryIsMonotonic(t *testing.T) {
	g := NewGate[string]()
	var (
		mu   sync.Mutex
		seen []uint64
	)

	var wg sync.WaitGroup
	for rev := uint64(1); rev <= 200; rev++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Deliver("a1", rev, func() {
				mu.Lock()
				seen = append(seen, rev)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.Equal(t, uint64(200), g.Last("a1"))
}
