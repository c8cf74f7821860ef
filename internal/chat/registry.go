package chat

import (
	"errors"
	"sort"
	"time"

	"chatbox/internal/content"
	"chatbox/internal/models"
	"chatbox/internal/storage"
)

// Registry maps conversations to participant sets, unread counters and
// last-activity timestamps.
type Registry struct {
	storage *storage.BboltStorage
	now     func() time.Time
}

func NewRegistry(st *storage.BboltStorage) *Registry {
	return &Registry{storage: st, now: time.Now}
}

// Create starts a new conversation between the given participants.
func (r *Registry) Create(starterID int64, name string, users []int64, isGroup bool) (models.Conversation, error) {
	if len(users) < 2 {
		return models.Conversation{}, models.ValidationError{Field: "users", Message: "at least two participants required"}
	}
	seen := make(map[int64]bool, len(users))
	unique := make([]int64, 0, len(users))
	for _, u := range users {
		if !seen[u] {
			seen[u] = true
			unique = append(unique, u)
		}
	}
	return r.storage.CreateConversation(models.Conversation{
		StarterID: starterID,
		Name:      name,
		IsGroup:   isGroup,
		Users:     unique,
	})
}

// GetByID returns a conversation after checking that the requesting user
// is among its participants.
func (r *Registry) GetByID(convID, requestingUserID int64) (models.Conversation, error) {
	conv, err := r.storage.GetConversation(convID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasUser(requestingUserID) {
		return models.Conversation{}, models.ErrForbidden
	}
	return conv, nil
}

// BriefsForUser returns the user's conversation briefs sorted by
// last-message time descending. Conversations with no posts yet are
// skipped.
func (r *Registry) BriefsForUser(userID int64) ([]models.ConversationBrief, error) {
	rows, err := r.storage.ListUserMaps(userID)
	if err != nil {
		return nil, err
	}
	return r.briefs(rows)
}

// UnreadBriefs returns briefs for conversations with unread posts,
// scanning at most maxScan rows ordered by last-update descending.
func (r *Registry) UnreadBriefs(userID int64, maxScan int) ([]models.ConversationBrief, error) {
	rows, err := r.storage.ListUserMaps(userID)
	if err != nil {
		return nil, err
	}
	unread := rows[:0]
	for _, row := range rows {
		if row.Unread > 0 {
			unread = append(unread, row)
		}
		if maxScan > 0 && len(unread) >= maxScan {
			break
		}
	}
	return r.briefs(unread)
}

func (r *Registry) briefs(rows []models.UserMap) ([]models.ConversationBrief, error) {
	now := r.now().Unix()
	briefs := make([]models.ConversationBrief, 0, len(rows))
	for _, row := range rows {
		conv, err := r.storage.GetConversation(row.ConversationID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if conv.LastPostID == 0 {
			continue
		}
		last, err := r.lastPost(conv)
		if err != nil {
			return nil, err
		}
		briefs = append(briefs, models.ConversationBrief{
			ID:          row.ConversationID,
			InDay:       now-row.UpdatedAt < int64(models.InDayWindow.Seconds()),
			IsGroup:     conv.IsGroup,
			IsOnline:    row.Online,
			LastMsg:     last.Content,
			LastMsgID:   last.ID,
			LastMsgTime: last.Time,
			Title:       conv.Name,
			Unread:      row.Unread,
			Update:      row.UpdatedAt,
		})
	}
	// Rows arrive ordered by update desc; last-message time wins,
	// stable sort keeps that order as the tie-break.
	sort.SliceStable(briefs, func(i, j int) bool {
		return briefs[i].LastMsgTime > briefs[j].LastMsgTime
	})
	return briefs, nil
}

func (r *Registry) lastPost(conv models.Conversation) (models.Post, error) {
	posts, err := r.storage.ListPosts(conv.ID, models.PageQuery{LoadFrom: conv.LastPostID - 1}, 1)
	if err != nil {
		return models.Post{}, err
	}
	if len(posts) == 0 {
		return models.Post{}, models.ErrNotFound
	}
	return posts[0], nil
}

// MarkRead resets the user's unread counter for a conversation.
func (r *Registry) MarkRead(convID, userID int64) error {
	return r.storage.ResetUnread(convID, userID)
}

// MarkOnline and MarkOffline toggle the per-mapping presence flag.
// Best-effort, not authoritative.
func (r *Registry) MarkOnline(convID, userID int64) error {
	return r.storage.SetOnline(convID, userID, true)
}

func (r *Registry) MarkOffline(convID, userID int64) error {
	return r.storage.SetOnline(convID, userID, false)
}

// SetPresence toggles the online flag on all of the user's mappings.
func (r *Registry) SetPresence(userID int64, online bool) error {
	return r.storage.SetOnlineForUser(userID, online)
}

// Member returns one member's public profile.
func (r *Registry) Member(id int64) (models.Member, error) {
	member, _, err := r.storage.GetMember(id)
	return member, err
}

// HydratePosts attaches sender profiles and rendered HTML to posts
// before they go out on the wire. Storage never holds either.
func (r *Registry) HydratePosts(posts []models.Post) []models.Post {
	senders := make(map[int64]*models.Member)
	for i := range posts {
		p := &posts[i]
		sender, ok := senders[p.AuthorID]
		if !ok {
			if m, _, err := r.storage.GetMember(p.AuthorID); err == nil {
				sender = &m
			}
			senders[p.AuthorID] = sender
		}
		p.Sender = sender
		if html, err := content.Render(p.Content); err == nil {
			p.HTML = html
		}
	}
	if posts == nil {
		posts = []models.Post{}
	}
	return posts
}

// Unread returns the user's unread count for one conversation.
func (r *Registry) Unread(convID, userID int64) (int, error) {
	row, err := r.storage.GetUserMap(convID, userID)
	if err != nil {
		return 0, err
	}
	return row.Unread, nil
}
