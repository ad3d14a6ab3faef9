package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// =============================================================================
// Snowflake ID Generator
// =============================================================================

// Default epoch: 2024-01-01 00:00:00 UTC
var defaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

const (
	nodeBits     = 10
	sequenceBits = 12
	maxNodeID    = -1 ^ (-1 << nodeBits)
	maxSequence  = -1 ^ (-1 << sequenceBits)
	timeShift    = nodeBits + sequenceBits
	nodeShift    = sequenceBits
)

// Snowflake generates unique, strictly increasing IDs.
// Structure: timestamp(41) | node(10) | sequence(12)
//
// The bridge uses it for JSON-RPC request ids, so an id is never handed out
// twice for the lifetime of the process.
type Snowflake struct {
	nodeID   int64
	epoch    int64
	sequence int64
	lastTime int64
	mu       sync.Mutex
}

// New creates a new Snowflake generator.
func New(nodeID int64) (*Snowflake, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("node ID must be between 0 and %d", maxNodeID)
	}
	return &Snowflake{
		nodeID: nodeID,
		epoch:  defaultEpoch,
	}, nil
}

// Generate generates a new unique ID.
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.lastTime {
		// Clock moved backwards; keep issuing from the last seen millisecond.
		now = s.lastTime
	}
	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// Wait for next millisecond
			for now <= s.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return ((now - s.epoch) << timeShift) |
		(s.nodeID << nodeShift) |
		s.sequence
}

// GenerateString generates an ID as a string.
func (s *Snowflake) GenerateString() string {
	return strconv.FormatInt(s.Generate(), 10)
}

// Timestamp extracts the timestamp from an ID.
func (s *Snowflake) Timestamp(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + s.epoch)
}

// =============================================================================
// Global Generator
// =============================================================================

var (
	globalGenerator *Snowflake
	globalOnce      sync.Once
	initErr         error
)

// Init initializes the global generator with the given node ID.
// Only the first call has an effect; an invalid node ID falls back to node 0
// and the error is returned.
func Init(nodeID int64) error {
	globalOnce.Do(func() {
		gen, err := New(nodeID)
		if err != nil {
			initErr = err
			gen, _ = New(0)
		}
		globalGenerator = gen
	})
	return initErr
}

// Default returns the global generator, initializing it with node 0 if needed.
func Default() *Snowflake {
	_ = Init(0)
	return globalGenerator
}

// Generate generates an ID using the global generator.
func Generate() int64 {
	return Default().Generate()
}
