package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DrainPreservesOrder(t *testing.T) {
	q := NewQueue[int](0)
	assert.Empty(t, q.Drain())

	for i := 0; i < 5; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestQueue_ReusesBuffers(t *testing.T) {
	q := NewQueue[string](0)
	q.Push("a")
	first := q.Drain()
	require.Equal(t, []string{"a"}, first)

	q.Push("b")
	q.Push("c")
	assert.Equal(t, []string{"b", "c"}, q.Drain())
}

func TestQueue_Limit(t *testing.T) {
	q := NewQueue[int](2)
	assert.True(t, q.Push(1))
	assert.True(t, q.Push(2))
	assert.False(t, q.Push(3))
	assert.Equal(t, uint64(1), q.Dropped())

	assert.Equal(t, []int{1, 2}, q.Drain())
	assert.True(t, q.Push(4))
}

func TestQueue_ConcurrentProducer(t *testing.T) {
	q := NewQueue[int](0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			q.Push(i)
		}
	}()

	var got []int
	for len(got) < 1000 {
		got = append(got, q.Drain()...)
	}
	wg.Wait()

	for i, v := range got {
		require.Equal(t, i, v)
	}
}
