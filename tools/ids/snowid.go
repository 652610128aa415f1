// Package ids hands out 64-bit snowflake ids for connections and chats.
package ids

import (
	"fmt"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12
	MaxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

// Epoch is the zero point of the timestamp bits.
var Epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator yields ids laid out as 41 bits of milliseconds since Epoch,
// 10 bits of node id and a 12 bit sequence.
type Generator struct {
	mu     sync.Mutex
	nodeID uint64
	seq    uint64
	lastMS int64
	now    func() time.Time
}

var (
	defaultGen *Generator
	once       sync.Once
)

// NewGenerator falls back to node 1 when nodeID is out of range.
func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > MaxNode {
		nodeID = 1
	}
	return &Generator{nodeID: uint64(nodeID), now: time.Now}
}

func initDefault() {
	once.Do(func() {
		defaultGen = NewGenerator(1)
	})
}

// SetNodeID sets the node id of the package generator. Every gateway and
// persister sharing a deployment needs a distinct one.
func SetNodeID(nodeID int64) error {
	if nodeID < 0 || nodeID > MaxNode {
		return fmt.Errorf("node id %d out of range [0,%d]", nodeID, MaxNode)
	}
	initDefault()
	defaultGen.mu.Lock()
	defaultGen.nodeID = uint64(nodeID)
	defaultGen.mu.Unlock()
	return nil
}

func Generate() uint64 {
	initDefault()
	return defaultGen.Next()
}

// Next never returns 0. When the clock steps back the last timestamp is
// reused until the clock catches up, so ids stay increasing.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().Sub(Epoch).Milliseconds()
	if ms < g.lastMS {
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			ms++ // sequence exhausted, borrow the next millisecond
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms
	return uint64(ms&(1<<41-1))<<(nodeBits+seqBits) | g.nodeID<<seqBits | g.seq
}

// Node extracts the node id bits of id.
func Node(id uint64) int64 { return int64((id >> seqBits) & MaxNode) }

// Time extracts the millisecond timestamp of id.
func Time(id uint64) time.Time {
	return Epoch.Add(time.Duration(id>>(nodeBits+seqBits)) * time.Millisecond)
}
