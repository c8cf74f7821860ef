package update

import (
	"context"
	"log/slog"
	"time"

	"chatbox/internal/chat"
	"chatbox/internal/models"
	"chatbox/internal/ws"
)

const (
	DefaultScanCap  = 500
	DefaultInterval = 30 * time.Second
)

// broadcaster is the delivery side of the scheduler: named-group sends
// plus the live-session check used to decide between socket push and
// web push.
type broadcaster interface {
	Send(group string, frame models.ServerFrame)
	HasSession(userID int64) bool
}

// notifier delivers unread briefs to users without a live session.
type notifier interface {
	Notify(userID int64, briefs []models.ConversationBrief)
}

// Updater computes per-user unread briefs and pushes them through the
// broadcaster. It also drives the periodic shared-group refresh tick.
type Updater struct {
	registry *chat.Registry
	hub      broadcaster
	push     notifier // nil when web push is not configured
	scanCap  int
	interval time.Duration
}

func NewUpdater(registry *chat.Registry, hub broadcaster, push notifier, scanCap int, interval time.Duration) *Updater {
	if scanCap <= 0 {
		scanCap = DefaultScanCap
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Updater{
		registry: registry,
		hub:      hub,
		push:     push,
		scanCap:  scanCap,
		interval: interval,
	}
}

// PushUnread sends the user's unread conversation briefs to their
// private group. Users with no live session get a web push instead,
// when configured.
func (u *Updater) PushUnread(userID int64) {
	briefs, err := u.registry.UnreadBriefs(userID, u.scanCap)
	if err != nil {
		slog.Error("failed to compute unread briefs", "member_id", userID, "error", err)
		return
	}
	if len(briefs) == 0 {
		return
	}

	if !u.hub.HasSession(userID) {
		if u.push != nil {
			u.push.Notify(userID, briefs)
		}
		return
	}
	u.hub.Send(ws.UserGroup(userID), models.ServerFrame{
		Type: models.FrameTypeUpdate,
		Data: briefs,
	})
}

// Notify pushes unread briefs to every participant of the conversation
// except the author of the change.
func (u *Updater) Notify(conv models.Conversation, exceptUserID int64) {
	for _, userID := range conv.Users {
		if userID != exceptUserID {
			u.PushUnread(userID)
		}
	}
}

// Run broadcasts a refresh event on the shared update group on every
// tick until ctx is cancelled. Sessions react by fetching posts newer
// than their watermark for their selected conversation.
func (u *Updater) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.hub.Send(ws.UpdateGroup, models.ServerFrame{Type: models.FrameTypeRefresh})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
