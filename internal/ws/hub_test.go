package ws

import (
	"sync"
	"testing"

	"chatbox/internal/models"
)

// recorder is a Receiver with a bounded queue, mirroring session
// delivery semantics.
type recorder struct {
	mu     sync.Mutex
	frames []models.ServerFrame
	cap    int
}

func newRecorder(capacity int) *recorder {
	return &recorder{cap: capacity}
}

func (r *recorder) Queue(frame models.ServerFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) >= r.cap {
		return false
	}
	r.frames = append(r.frames, frame)
	return true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestHubJoinSend(t *testing.T) {
	hub := NewHub()
	a := newRecorder(10)
	b := newRecorder(10)
	c := newRecorder(10)

	hub.Join("room", a)
	hub.Join("room", b)
	hub.Join("other", c)

	hub.Send("room", models.ServerFrame{Type: models.FrameTypeUpdate})

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("expected both room members to receive, got %d and %d", a.count(), b.count())
	}
	if c.count() != 0 {
		t.Errorf("expected no delivery outside the group, got %d", c.count())
	}

	// Sends to unknown groups are a no-op.
	hub.Send("nobody-here", models.ServerFrame{Type: models.FrameTypeUpdate})
}

func TestHubLeave(t *testing.T) {
	hub := NewHub()
	a := newRecorder(10)
	b := newRecorder(10)

	hub.Join("room", a)
	hub.Join("room", b)
	hub.Leave("room", a)

	hub.Send("room", models.ServerFrame{Type: models.FrameTypeUpdate})

	if a.count() != 0 {
		t.Errorf("expected no delivery after leave, got %d", a.count())
	}
	if b.count() != 1 {
		t.Errorf("expected remaining member to receive, got %d", b.count())
	}

	// Leaving a group never joined is safe.
	hub.Leave("ghost", a)
}

func TestHubLeaveAll(t *testing.T) {
	hub := NewHub()
	a := newRecorder(10)

	hub.Join(UpdateGroup, a)
	hub.Join(UserGroup(7), a)

	hub.LeaveAll(a)

	hub.Send(UpdateGroup, models.ServerFrame{Type: models.FrameTypeRefresh})
	hub.Send(UserGroup(7), models.ServerFrame{Type: models.FrameTypeUpdate})

	if a.count() != 0 {
		t.Errorf("expected no delivery after LeaveAll, got %d", a.count())
	}
}

func TestHubDropOnFull(t *testing.T) {
	hub := NewHub()
	a := newRecorder(1)

	hub.Join("room", a)
	hub.Send("room", models.ServerFrame{Type: models.FrameTypeUpdate})
	// Second send hits a full queue and is dropped, not blocked on.
	hub.Send("room", models.ServerFrame{Type: models.FrameTypeUpdate})

	if a.count() != 1 {
		t.Errorf("expected 1 delivered frame, got %d", a.count())
	}
}

func TestSessionRegistry(t *testing.T) {
	hub := NewHub()
	first := newRecorder(10)
	second := newRecorder(10)

	if hub.HasSession(1) {
		t.Error("expected no session initially")
	}

	hub.RegisterSession(1, first)
	if !hub.HasSession(1) {
		t.Error("expected live session after register")
	}

	// A newer connection replaces the tracked entry.
	hub.RegisterSession(1, second)

	// The stale session closing must not evict the newer one.
	hub.UnregisterSession(1, first)
	if !hub.HasSession(1) {
		t.Error("stale unregister evicted the live session")
	}

	hub.UnregisterSession(1, second)
	if hub.HasSession(1) {
		t.Error("expected no session after unregister")
	}
}
