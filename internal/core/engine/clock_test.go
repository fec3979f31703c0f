package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClock_StartsAtZero(t *testing.T) {
	c := NewClock("node-1")
	require.Equal(t, uint64(0), c.Counter)
	require.Equal(t, "node-1", c.NodeID)
}

func TestClock_Tick(t *testing.T) {
	c := NewClock("node-1")
	got := c.Tick()
	require.Equal(t, uint64(1), got.Counter)
	require.Equal(t, uint64(2), c.Tick().Counter)
}

func TestClock_Observe(t *testing.T) {
	t.Run("takes max plus one", func(t *testing.T) {
		c := ClockAt("node-1", 3)
		got := c.Observe(ClockAt("node-2", 7))
		require.Equal(t, uint64(8), got.Counter)
		require.Equal(t, "node-1", got.NodeID)
	})

	t.Run("advances past own counter", func(t *testing.T) {
		c := ClockAt("node-1", 10)
		got := c.Observe(ClockAt("node-2", 5))
		require.Equal(t, uint64(11), got.Counter)
	})
}

func TestClock_Compare(t *testing.T) {
	t.Run("by counter", func(t *testing.T) {
		require.Equal(t, -1, ClockAt("node-b", 1).Compare(ClockAt("node-a", 2)))
		require.Equal(t, 1, ClockAt("node-a", 2).Compare(ClockAt("node-b", 1)))
	})

	t.Run("node id breaks ties", func(t *testing.T) {
		require.Equal(t, -1, ClockAt("node-a", 5).Compare(ClockAt("node-b", 5)))
		require.Equal(t, 0, ClockAt("node-a", 5).Compare(ClockAt("node-a", 5)))
	})
}

func TestClock_Relations(t *testing.T) {
	require.True(t, ClockAt("node-1", 1).HappenedBefore(ClockAt("node-2", 2)))
	require.False(t, ClockAt("node-2", 2).HappenedBefore(ClockAt("node-1", 1)))

	require.True(t, ClockAt("node-1", 5).ConcurrentWith(ClockAt("node-2", 5)))
	require.False(t, ClockAt("node-1", 5).ConcurrentWith(ClockAt("node-1", 5)))
}

func TestClock_SerializationFormat(t *testing.T) {
	data, err := json.Marshal(ClockAt("node-1", 10))
	require.NoError(t, err)
	require.JSONEq(t, `{"nodeId":"node-1","counter":10}`, string(data))

	var parsed LogicalClock
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Equal(t, ClockAt("node-1", 10), parsed)
}
