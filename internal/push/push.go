package push

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"chatbox/internal/models"
	"chatbox/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
)

// Service sends Web Push notifications for unread updates to members
// without a live socket session.
type Service struct {
	storage         *storage.BboltStorage
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
}

func NewService(st *storage.BboltStorage, vapidPublicKey, vapidPrivateKey, subscriber string) *Service {
	return &Service{
		storage:         st,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
	}
}

func (s *Service) PublicKey() string {
	return s.vapidPublicKey
}

// Subscribe stores a browser push subscription for a member. The raw
// JSON must at least parse as a webpush subscription.
func (s *Service) Subscribe(memberID int64, raw []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil || sub.Endpoint == "" {
		return models.ValidationError{Field: "subscription", Message: "invalid push subscription"}
	}
	return s.storage.UpsertPushSubscription(storage.PushSubscription{
		ID:       uuid.NewString(),
		MemberID: memberID,
		Raw:      raw,
	})
}

// Notify sends the unread briefs to every subscription of a member.
// Expired endpoints are dropped.
func (s *Service) Notify(memberID int64, briefs []models.ConversationBrief) {
	if s == nil {
		return
	}
	subs, err := s.storage.ListPushSubscriptions(memberID)
	if err != nil {
		slog.Error("failed to list push subscriptions", "member_id", memberID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(models.ServerFrame{
		Type: models.FrameTypeUpdate,
		Data: briefs,
	})
	if err != nil {
		slog.Error("failed to marshal push payload", "error", err)
		return
	}

	for _, stored := range subs {
		var sub webpush.Subscription
		if err := json.Unmarshal(stored.Raw, &sub); err != nil {
			_ = s.storage.DeletePushSubscription(stored.ID)
			continue
		}
		resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
			Subscriber:      s.subscriber,
			VAPIDPublicKey:  s.vapidPublicKey,
			VAPIDPrivateKey: s.vapidPrivateKey,
			TTL:             60,
		})
		if err != nil {
			slog.Warn("failed to send web push", "member_id", memberID, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			_ = s.storage.DeletePushSubscription(stored.ID)
		}
		_ = resp.Body.Close()
	}
}
