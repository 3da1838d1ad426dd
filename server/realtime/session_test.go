package realtime

import (
	"testing"
	"time"
)

func frame(event string) Outbound {
	return Outbound{Event: event, Timestamp: time.Now()}
}

func TestSendEvictsOldestNonCritical(t *testing.T) {
	s := newSession("s1", "alice", "user", "contest", nil)

	for i := 0; i < queueDepth; i++ {
		s.Send(frame("timer_update"), false)
	}
	s.Send(frame("submission_result"), true)

	items := s.drain()
	if len(items) != queueDepth {
		t.Fatalf("queue len = %d, want %d", len(items), queueDepth)
	}
	last := items[len(items)-1]
	if last.msg.Event != "submission_result" || !last.critical {
		t.Fatalf("critical frame missing from tail: %+v", last)
	}
	select {
	case <-s.Done():
		t.Fatal("session closed while eviction was possible")
	default:
	}
}

func TestSendDropsNonCriticalWhenSaturatedWithCritical(t *testing.T) {
	s := newSession("s1", "alice", "user", "contest", nil)

	for i := 0; i < queueDepth; i++ {
		s.Send(frame("submission_result"), true)
	}
	s.Send(frame("timer_update"), false)

	items := s.drain()
	if len(items) != queueDepth {
		t.Fatalf("queue len = %d", len(items))
	}
	for _, it := range items {
		if !it.critical {
			t.Fatalf("non-critical frame slipped in: %+v", it)
		}
	}
	select {
	case <-s.Done():
		t.Fatal("dropping a non-critical frame must not close the session")
	default:
	}
}

func TestSendClosesOnCriticalOverflow(t *testing.T) {
	s := newSession("s1", "alice", "user", "contest", nil)

	for i := 0; i < queueDepth+1; i++ {
		s.Send(frame("submission_result"), true)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("session should close when a critical frame cannot be queued")
	}
	if s.closeCode != CodeBackpressureClosed {
		t.Fatalf("close code = %s", s.closeCode)
	}
	// Post-close sends are no-ops.
	s.Send(frame("timer_update"), false)
}

func TestCloseIdempotent(t *testing.T) {
	s := newSession("s1", "alice", "user", "contest", nil)
	s.Close(CodeBackpressureClosed, "backpressure")
	s.Close(CodeServerError, "error")
	if s.closeCode != CodeBackpressureClosed {
		t.Fatalf("second close overwrote code: %s", s.closeCode)
	}
}
