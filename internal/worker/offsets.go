package worker

import (
	"slices"
	"sync"

	kafkago "github.com/segmentio/kafka-go"
)

// offsetTracker releases commits per partition strictly in offset order.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight []int64 // dispatch order, ascending
	finished map[int64]kafkago.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[int]*partitionOffsets{}}
}

func (t *offsetTracker) track(msg kafkago.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.parts[msg.Partition]
	if !ok {
		p = &partitionOffsets{finished: map[int64]kafkago.Message{}}
		t.parts[msg.Partition] = p
	}
	p.inflight = append(p.inflight, msg.Offset)
}

// finish records msg as handled and returns the last message of the finished prefix of its
// partition, if the prefix grew. Untracked messages are returned as is.
func (t *offsetTracker) finish(msg kafkago.Message) (kafkago.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.parts[msg.Partition]
	if !ok || !slices.Contains(p.inflight, msg.Offset) {
		return msg, true
	}
	p.finished[msg.Offset] = msg

	var last kafkago.Message
	released := false
	for len(p.inflight) > 0 {
		m, done := p.finished[p.inflight[0]]
		if !done {
			break
		}
		delete(p.finished, p.inflight[0])
		p.inflight = p.inflight[1:]
		last, released = m, true
	}
	return last, released
}
