package ringbuf

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_WalkFirstN(t *testing.T) {
	ring := New[int](5)
	for i := 0; i < 7; i++ {
		ring.PushFront(i)
	}

	actual := make([]int, 0)
	ring.WalkFirstN(7, func(v int) {
		actual = append(actual, v)
	})
	assert.Equal(t, []int{6, 5, 4, 3, 2}, actual)
}

func TestRing_PartiallyFilled(t *testing.T) {
	ring := New[int](4)
	_, ok := ring.Newest()
	assert.False(t, ok)

	ring.PushFront(1).PushFront(2)

	newest, ok := ring.Newest()
	require.True(t, ok)
	assert.Equal(t, 2, newest)
	assert.Equal(t, []int{2, 1}, ring.Values())
	assert.Equal(t, 2, ring.Len())
	assert.Equal(t, 4, ring.Cap())
}

func TestRing_JSON(t *testing.T) {
	ring := New[int](3)
	ring.PushFront(1).PushFront(2).PushFront(3).PushFront(4)

	data, err := json.Marshal(ring)
	require.NoError(t, err)

	var restored Ring[int]
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, []int{4, 3, 2}, restored.Values())
}
