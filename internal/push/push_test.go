package push

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"chatbox/internal/models"
	"chatbox/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.BboltStorage) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "push_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	st, err := storage.NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return NewService(st, "pub", "priv", "mailto:admin@localhost"), st
}

func TestSubscribe(t *testing.T) {
	svc, st := newTestService(t)

	raw := []byte(`{"endpoint":"https://push.example/send/abc","keys":{"p256dh":"k1","auth":"k2"}}`)
	if err := svc.Subscribe(7, raw); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	subs, err := st.ListPushSubscriptions(7)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if string(subs[0].Raw) != string(raw) {
		t.Error("subscription JSON not stored verbatim")
	}

	t.Run("InvalidJSON", func(t *testing.T) {
		var verr models.ValidationError
		if err := svc.Subscribe(7, []byte("not json")); !errors.As(err, &verr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("MissingEndpoint", func(t *testing.T) {
		var verr models.ValidationError
		if err := svc.Subscribe(7, []byte(`{"keys":{}}`)); !errors.As(err, &verr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})
}

func TestNotifyNilService(t *testing.T) {
	var svc *Service
	// Push not configured: a no-op, not a panic.
	svc.Notify(1, []models.ConversationBrief{{ID: 1}})
}

func TestNotifyNoSubscriptions(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Notify(42, []models.ConversationBrief{{ID: 1, Unread: 1}})
}

func TestPublicKey(t *testing.T) {
	svc, _ := newTestService(t)
	if svc.PublicKey() != "pub" {
		t.Errorf("unexpected public key %q", svc.PublicKey())
	}
}
