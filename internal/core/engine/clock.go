package engine

// LogicalClock is a hybrid logical clock value: a monotonically increasing
// counter paired with the owning node's identifier.
//
// Ordering rules:
//  1. Higher counter wins.
//  2. Equal counters are broken by lexicographic node id.
//
// This yields a total order across operations from all nodes, which is what
// makes conflict resolution deterministic.
type LogicalClock struct {
	NodeID  string `json:"nodeId"`
	Counter uint64 `json:"counter"`
}

// NewClock returns a clock for node nodeID starting at counter 0.
func NewClock(nodeID string) LogicalClock {
	return LogicalClock{NodeID: nodeID}
}

// ClockAt returns a clock with an explicit counter value.
func ClockAt(nodeID string, counter uint64) LogicalClock {
	return LogicalClock{NodeID: nodeID, Counter: counter}
}

// Tick advances the clock by one and returns the new value. Invoked exactly
// once before emitting a local operation.
func (c *LogicalClock) Tick() LogicalClock {
	c.Counter++
	return *c
}

// Observe folds an incoming clock into this one: the counter becomes
// max(self, incoming)+1 and the node id is unchanged. Invoked before
// applying any remote operation so the local clock dominates everything it
// has seen.
func (c *LogicalClock) Observe(incoming LogicalClock) LogicalClock {
	if incoming.Counter > c.Counter {
		c.Counter = incoming.Counter
	}
	c.Counter++
	return *c
}

// Compare orders two clocks. Returns -1, 0 or +1.
func (c LogicalClock) Compare(other LogicalClock) int {
	switch {
	case c.Counter < other.Counter:
		return -1
	case c.Counter > other.Counter:
		return 1
	case c.NodeID < other.NodeID:
		return -1
	case c.NodeID > other.NodeID:
		return 1
	default:
		return 0
	}
}

// HappenedBefore reports whether c is strictly dominated by other on the
// counter alone.
func (c LogicalClock) HappenedBefore(other LogicalClock) bool {
	return c.Counter < other.Counter
}

// ConcurrentWith reports whether the two clocks share a counter but come
// from different nodes.
func (c LogicalClock) ConcurrentWith(other LogicalClock) bool {
	return c.Counter == other.Counter && c.NodeID != other.NodeID
}
