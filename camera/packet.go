package camera

import (
	"sync"
	"time"
)

const (
	// Queue sizes handed out by the hardware for each stream
	PreviewQueueSize   = 10
	RecordingQueueSize = 30
)

// Packet is one encoded payload taken from a hardware output stream
type Packet struct {
	Data      []byte
	Timestamp time.Time
}

// PacketSource is a hardware output queue. TryGet never blocks; it reports
// false when nothing is available right now.
type PacketSource interface {
	TryGet() (Packet, bool)
}

// Queue is a bounded FIFO that drops its oldest packet when a new one
// arrives while full. Producers call Push, the drain loop calls TryGet.
type Queue struct {
	mu      sync.Mutex
	packets []Packet
	max     int
	dropped uint64
}

// NewQueue creates a queue holding at most max packets
func NewQueue(max int) *Queue {
	if max < 1 {
		max = 1
	}
	return &Queue{
		packets: make([]Packet, 0, max),
		max:     max,
	}
}

// Push appends a packet, evicting the oldest one on overflow
func (q *Queue) Push(p Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.packets) == q.max {
		copy(q.packets, q.packets[1:])
		q.packets = q.packets[:q.max-1]
		q.dropped++
	}
	q.packets = append(q.packets, p)
}

// TryGet pops the oldest packet if there is one
func (q *Queue) TryGet() (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.packets) == 0 {
		return Packet{}, false
	}
	p := q.packets[0]
	copy(q.packets, q.packets[1:])
	q.packets[len(q.packets)-1] = Packet{}
	q.packets = q.packets[:len(q.packets)-1]
	return p, true
}

// Len returns the number of queued packets
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Dropped returns how many packets were evicted because nobody drained them in time
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
