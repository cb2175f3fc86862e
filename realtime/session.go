package realtime

import (
	"sort"
	"sync"
)

// Session holds the sequencing state for one logical channel session. The
// state survives reconnects: after a new hello_ack the unacked outbound
// frames are replayed, and inbound duplicates from the peer's own replay
// are suppressed by sequence number.
type Session struct {
	mu sync.Mutex

	// Outbound.
	nextSeq uint64
	unacked map[uint64]*Frame

	// Inbound.
	lastDelivered uint64
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		unacked: make(map[uint64]*Frame),
	}
}

// Stamp assigns the next sequence number to a sequenced frame and retains
// it for replay until acknowledged. Unsequenced frames pass through
// untouched.
func (s *Session) Stamp(f *Frame) {
	if !f.Type.Sequenced() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	f.Seq = s.nextSeq
	s.unacked[f.Seq] = f
}

// AckThrough releases all retained frames with sequence numbers up to and
// including seq.
func (s *Session) AckThrough(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.unacked {
		if k <= seq {
			delete(s.unacked, k)
		}
	}
}

// Unacked returns the retained frames in sequence order. These are the
// frames to replay after a reconnect.
func (s *Session) Unacked() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]*Frame, 0, len(s.unacked))
	for _, f := range s.unacked {
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Seq < frames[j].Seq })
	return frames
}

// Accept records an inbound sequenced frame and reports whether it should
// be delivered. Duplicates — frames at or below the delivery cursor — are
// rejected, which makes at-least-once replay from the peer exactly-once at
// this end.
func (s *Session) Accept(f *Frame) bool {
	if !f.Type.Sequenced() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Seq <= s.lastDelivered {
		return false
	}
	s.lastDelivered = f.Seq
	return true
}

// LastDelivered returns the inbound delivery cursor, reported to the peer
// in hello and ack frames.
func (s *Session) LastDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivered
}

// PendingCount returns the number of retained outbound frames.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unacked)
}
