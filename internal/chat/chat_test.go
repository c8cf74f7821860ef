package chat

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatbox/internal/models"
	"chatbox/internal/storage"
)

func newTestStorage(t *testing.T) *storage.BboltStorage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "chat_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	st, err := storage.NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addMember(t *testing.T, st *storage.BboltStorage, username string) int64 {
	t.Helper()
	id, err := st.NextMemberID()
	if err != nil {
		t.Fatal(err)
	}
	err = st.UpsertMember(models.Member{ID: id, Username: username, Status: models.MemberStatusActive}, "")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestStoreAppend(t *testing.T) {
	st := newTestStorage(t)
	store := NewStore(st, 50)
	registry := NewRegistry(st)

	alice := addMember(t, st, "alice")
	bob := addMember(t, st, "bob")
	carol := addMember(t, st, "carol")

	conv, err := registry.Create(alice, "trio", []int64{alice, bob, carol}, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Run("Validation", func(t *testing.T) {
		var verr models.ValidationError

		_, err := store.Append(conv.ID, alice, "")
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for empty content, got %v", err)
		}

		_, err = store.Append(conv.ID, alice, strings.Repeat("x", MaxContentLen+1))
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for oversized content, got %v", err)
		}

		// Exactly at the limit is fine.
		if _, err := store.Append(conv.ID, alice, strings.Repeat("x", MaxContentLen)); err != nil {
			t.Fatalf("Append at limit failed: %v", err)
		}
	})

	t.Run("UnreadIncrement", func(t *testing.T) {
		post, err := store.Append(conv.ID, alice, "hello everyone")
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if post.ID == 0 {
			t.Error("expected assigned post id")
		}
		if post.Title != "hello everyone" {
			t.Errorf("unexpected title %q", post.Title)
		}
		if post.TitleFurl != "hello-everyone" {
			t.Errorf("unexpected furl %q", post.TitleFurl)
		}

		got, err := registry.Unread(conv.ID, alice)
		if err != nil {
			t.Fatal(err)
		}
		if got != 0 {
			t.Errorf("author unread changed: %d", got)
		}
		for _, id := range []int64{bob, carol} {
			got, err := registry.Unread(conv.ID, id)
			if err != nil {
				t.Fatal(err)
			}
			if got != 2 {
				t.Errorf("member %d: expected unread 2, got %d", id, got)
			}
		}
	})

	t.Run("LastPostPointer", func(t *testing.T) {
		post, err := store.Append(conv.ID, bob, "latest")
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		got, err := registry.GetByID(conv.ID, alice)
		if err != nil {
			t.Fatal(err)
		}
		if got.LastPostID != post.ID {
			t.Errorf("expected LastPostID %d, got %d", post.ID, got.LastPostID)
		}
	})

	t.Run("MissingConversation", func(t *testing.T) {
		if _, err := store.Append(999, alice, "hi"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SystemAndFilePosts", func(t *testing.T) {
		sys, err := store.AppendSystem(conv.ID, alice, "bob joined", "join")
		if err != nil {
			t.Fatalf("AppendSystem failed: %v", err)
		}
		if !sys.IsSystem() {
			t.Error("expected system post")
		}

		file, err := store.AppendFile(conv.ID, alice, "photo.png", "file-1")
		if err != nil {
			t.Fatalf("AppendFile failed: %v", err)
		}
		if !file.IsFile() {
			t.Error("expected file post")
		}
	})
}

func TestStorePage(t *testing.T) {
	st := newTestStorage(t)
	store := NewStore(st, 5)
	registry := NewRegistry(st)

	alice := addMember(t, st, "alice")
	bob := addMember(t, st, "bob")
	conv, err := registry.Create(alice, "", []int64{alice, bob}, false)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 12; i++ {
		if _, err := store.Append(conv.ID, alice, "message"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	t.Run("CapsAtPageSize", func(t *testing.T) {
		posts, err := store.Page(conv.ID, models.PageQuery{}, 100)
		if err != nil {
			t.Fatalf("Page failed: %v", err)
		}
		if len(posts) != 5 {
			t.Errorf("expected page of 5, got %d", len(posts))
		}
	})

	t.Run("CursorWindow", func(t *testing.T) {
		posts, err := store.Page(conv.ID, models.PageQuery{LoadFrom: 6, LoadTo: 9}, 5)
		if err != nil {
			t.Fatalf("Page failed: %v", err)
		}
		if len(posts) != 2 {
			t.Fatalf("expected posts 7 and 8, got %d posts", len(posts))
		}
		if posts[0].ID != 7 || posts[1].ID != 8 {
			t.Errorf("unexpected window: %d, %d", posts[0].ID, posts[1].ID)
		}
	})
}

func TestRegistry(t *testing.T) {
	st := newTestStorage(t)
	store := NewStore(st, 50)
	registry := NewRegistry(st)

	alice := addMember(t, st, "alice")
	bob := addMember(t, st, "bob")
	carol := addMember(t, st, "carol")

	t.Run("CreateValidation", func(t *testing.T) {
		var verr models.ValidationError
		if _, err := registry.Create(alice, "", []int64{alice}, false); !errors.As(err, &verr) {
			t.Errorf("expected ValidationError for single participant, got %v", err)
		}

		conv, err := registry.Create(alice, "", []int64{alice, bob, bob}, false)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if len(conv.Users) != 2 {
			t.Errorf("expected deduplicated participants, got %v", conv.Users)
		}
	})

	t.Run("Access", func(t *testing.T) {
		conv, err := registry.Create(alice, "", []int64{alice, bob}, false)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := registry.GetByID(conv.ID, alice); err != nil {
			t.Errorf("participant denied: %v", err)
		}
		if _, err := registry.GetByID(conv.ID, carol); !errors.Is(err, models.ErrForbidden) {
			t.Errorf("expected ErrForbidden, got %v", err)
		}
		if _, err := registry.GetByID(999, alice); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("MarkRead", func(t *testing.T) {
		conv, err := registry.Create(alice, "", []int64{alice, bob}, false)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := store.Append(conv.ID, bob, "unread this"); err != nil {
			t.Fatal(err)
		}

		unread, _ := registry.Unread(conv.ID, alice)
		if unread != 1 {
			t.Fatalf("expected unread 1, got %d", unread)
		}
		if err := registry.MarkRead(conv.ID, alice); err != nil {
			t.Fatalf("MarkRead failed: %v", err)
		}
		unread, _ = registry.Unread(conv.ID, alice)
		if unread != 0 {
			t.Errorf("expected unread 0 after MarkRead, got %d", unread)
		}
	})

	t.Run("HydratePosts", func(t *testing.T) {
		conv, err := registry.Create(alice, "", []int64{alice, bob}, false)
		if err != nil {
			t.Fatal(err)
		}
		post, err := store.Append(conv.ID, alice, "some *markdown* here")
		if err != nil {
			t.Fatal(err)
		}

		hydrated := registry.HydratePosts([]models.Post{post})
		if hydrated[0].Sender == nil || hydrated[0].Sender.Username != "alice" {
			t.Errorf("expected sender alice, got %+v", hydrated[0].Sender)
		}
		if !strings.Contains(hydrated[0].HTML, "<em>markdown</em>") {
			t.Errorf("expected rendered markdown, got %q", hydrated[0].HTML)
		}

		if got := registry.HydratePosts(nil); got == nil {
			t.Error("expected empty slice, got nil")
		}
	})
}

func TestBriefOrdering(t *testing.T) {
	st := newTestStorage(t)

	clock := int64(1000)
	st.SetNowFunc(func() time.Time {
		clock += 10
		return time.Unix(clock, 0)
	})

	store := NewStore(st, 50)
	registry := NewRegistry(st)

	alice := addMember(t, st, "alice")
	bob := addMember(t, st, "bob")
	carol := addMember(t, st, "carol")

	convA, err := registry.Create(alice, "with bob", []int64{alice, bob}, false)
	if err != nil {
		t.Fatal(err)
	}
	convB, err := registry.Create(alice, "with carol", []int64{alice, carol}, false)
	if err != nil {
		t.Fatal(err)
	}

	// A conversation with no posts yet never shows up.
	briefs, err := registry.BriefsForUser(alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(briefs) != 0 {
		t.Fatalf("expected no briefs before any posts, got %d", len(briefs))
	}

	if _, err := store.Append(convA.ID, bob, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(convB.ID, carol, "second"); err != nil {
		t.Fatal(err)
	}

	briefs, err = registry.BriefsForUser(alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(briefs) != 2 {
		t.Fatalf("expected 2 briefs, got %d", len(briefs))
	}
	// convB got the later post, so it lists first.
	if briefs[0].ID != convB.ID || briefs[1].ID != convA.ID {
		t.Errorf("unexpected order: %d, %d", briefs[0].ID, briefs[1].ID)
	}
	if briefs[0].LastMsg != "second" {
		t.Errorf("expected lastMsg %q, got %q", "second", briefs[0].LastMsg)
	}
	if briefs[0].Unread != 1 {
		t.Errorf("expected unread 1, got %d", briefs[0].Unread)
	}
	if !briefs[0].InDay {
		t.Error("expected fresh brief to be inDay")
	}

	// New activity in convA moves it back to the front.
	if _, err := store.Append(convA.ID, bob, "third"); err != nil {
		t.Fatal(err)
	}
	briefs, err = registry.BriefsForUser(alice)
	if err != nil {
		t.Fatal(err)
	}
	if briefs[0].ID != convA.ID {
		t.Errorf("expected conversation %d first after new post, got %d", convA.ID, briefs[0].ID)
	}
	if briefs[0].Unread != 2 {
		t.Errorf("expected unread 2, got %d", briefs[0].Unread)
	}

	t.Run("UnreadBriefs", func(t *testing.T) {
		if err := registry.MarkRead(convB.ID, alice); err != nil {
			t.Fatal(err)
		}
		unread, err := registry.UnreadBriefs(alice, 500)
		if err != nil {
			t.Fatal(err)
		}
		if len(unread) != 1 {
			t.Fatalf("expected 1 unread brief, got %d", len(unread))
		}
		if unread[0].ID != convA.ID {
			t.Errorf("expected conversation %d, got %d", convA.ID, unread[0].ID)
		}
	})
}
