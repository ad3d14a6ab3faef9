package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidNode(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)
	_, err = New(maxNodeID + 1)
	assert.Error(t, err)
}

func TestGenerateIsUniqueAcrossGoroutines(t *testing.T) {
	sf, err := New(7)
	require.NoError(t, err)

	const workers, perWorker = 8, 2000
	ids := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- sf.Generate()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, workers*perWorker)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
}

func TestGenerateIsIncreasing(t *testing.T) {
	sf, err := New(1)
	require.NoError(t, err)
	prev := sf.Generate()
	for i := 0; i < 5000; i++ {
		next := sf.Generate()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestTimestamp(t *testing.T) {
	sf, err := New(3)
	require.NoError(t, err)
	before := time.Now().Add(-time.Second)
	ts := sf.Timestamp(sf.Generate())
	assert.True(t, ts.After(before), "timestamp %v should be after %v", ts, before)
}

func TestGlobalGenerator(t *testing.T) {
	a, b := Generate(), Generate()
	assert.NotEqual(t, a, b)
	assert.NotNil(t, Default())
}
