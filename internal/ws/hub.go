package ws

import (
	"fmt"
	"sync"

	"chatbox/internal/models"
)

// Receiver is one delivery target for group sends. Queue must never
// block; implementations drop when their buffer is full.
type Receiver interface {
	Queue(frame models.ServerFrame) bool
}

// Hub is the named-group pub/sub fan-out. Delivery is fire-and-forget,
// at-most-once per joined receiver; nothing is queued for absent ones.
//
// It also owns the per-user session registry used by the update
// scheduler: one tracked receiver per user id, a newer connection
// overwrites the entry for that user (the older one is considered
// stale, not forcibly closed).
type Hub struct {
	groups   map[string]map[Receiver]struct{}
	sessions map[int64]Receiver

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		groups:   make(map[string]map[Receiver]struct{}),
		sessions: make(map[int64]Receiver),
	}
}

// UserGroup is the private group name for a user's unread updates.
func UserGroup(userID int64) string {
	return fmt.Sprintf("g%d", userID)
}

// UpdateGroup is the shared group used by the periodic scheduler broadcast.
const UpdateGroup = "update"

func (h *Hub) Join(group string, r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[group]
	if !ok {
		members = make(map[Receiver]struct{})
		h.groups[group] = members
	}
	members[r] = struct{}{}
}

func (h *Hub) Leave(group string, r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(group, r)
}

// LeaveAll removes the receiver from every group it joined.
func (h *Hub) LeaveAll(r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for group := range h.groups {
		h.removeLocked(group, r)
	}
}

func (h *Hub) removeLocked(group string, r Receiver) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, r)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Send delivers the frame to every currently joined receiver of the
// group. Safe to call from many concurrent producers.
func (h *Hub) Send(group string, frame models.ServerFrame) {
	h.mu.RLock()
	members := make([]Receiver, 0, len(h.groups[group]))
	for r := range h.groups[group] {
		members = append(members, r)
	}
	h.mu.RUnlock()

	for _, r := range members {
		r.Queue(frame)
	}
}

// RegisterSession tracks r as the latest session for the user.
func (h *Hub) RegisterSession(userID int64, r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[userID] = r
}

// UnregisterSession removes the tracked entry, but only if it still
// points at r: a newer session must not be evicted by a stale one
// closing late.
func (h *Hub) UnregisterSession(userID int64, r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == r {
		delete(h.sessions, userID)
	}
}

// HasSession reports whether the user has a live tracked session.
func (h *Hub) HasSession(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[userID]
	return ok
}
