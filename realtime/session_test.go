package realtime

import "testing"

func statusFrame(t *testing.T) *Frame {
	t.Helper()
	f, err := NewFrame(FrameJobStatus, JobStatus{JobID: "job_1", State: "running"})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	return f
}

func TestStampAssignsMonotonicSeq(t *testing.T) {
	s := NewSession()

	for want := uint64(1); want <= 3; want++ {
		f := statusFrame(t)
		s.Stamp(f)
		if f.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, f.Seq)
		}
	}
	if n := s.PendingCount(); n != 3 {
		t.Fatalf("expected 3 retained frames, got %d", n)
	}
}

func TestStampSkipsControlFrames(t *testing.T) {
	s := NewSession()

	hb := NewHeartbeatFrame(0)
	s.Stamp(hb)
	if hb.Seq != 0 {
		t.Fatalf("control frame got sequenced: %d", hb.Seq)
	}
	if n := s.PendingCount(); n != 0 {
		t.Fatalf("control frame was retained, pending=%d", n)
	}
}

func TestAckReleasesFrames(t *testing.T) {
	s := NewSession()
	for range 5 {
		s.Stamp(statusFrame(t))
	}

	s.AckThrough(3)

	unacked := s.Unacked()
	if len(unacked) != 2 {
		t.Fatalf("expected 2 unacked frames, got %d", len(unacked))
	}
	if unacked[0].Seq != 4 || unacked[1].Seq != 5 {
		t.Fatalf("expected seqs 4,5, got %d,%d", unacked[0].Seq, unacked[1].Seq)
	}
}

func TestUnackedOrdered(t *testing.T) {
	s := NewSession()
	for range 10 {
		s.Stamp(statusFrame(t))
	}

	frames := s.Unacked()
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Fatalf("replay out of order at %d: seq %d", i, f.Seq)
		}
	}
}

func TestAcceptSuppressesDuplicates(t *testing.T) {
	s := NewSession()

	assign := &Frame{Type: FrameJobAssign, Seq: 1}
	if !s.Accept(assign) {
		t.Fatal("first delivery rejected")
	}
	// Replay of the same frame after a reconnect must not deliver twice.
	if s.Accept(assign) {
		t.Fatal("duplicate delivery accepted")
	}

	next := &Frame{Type: FrameJobAssign, Seq: 2}
	if !s.Accept(next) {
		t.Fatal("next frame rejected")
	}
	if s.LastDelivered() != 2 {
		t.Fatalf("expected cursor 2, got %d", s.LastDelivered())
	}
}

func TestAcceptPassesControlFrames(t *testing.T) {
	s := NewSession()
	hb := NewHeartbeatFrame(7)
	if !s.Accept(hb) {
		t.Fatal("control frame rejected")
	}
	if !s.Accept(hb) {
		t.Fatal("control frames must never be deduplicated")
	}
}
