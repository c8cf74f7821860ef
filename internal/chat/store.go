package chat

import (
	"fmt"
	"log/slog"

	"chatbox/internal/content"
	"chatbox/internal/models"
	"chatbox/internal/storage"
)

const (
	MaxContentLen   = 500
	DefaultPageSize = 50
)

// Store is the durable append-only log of posts per conversation.
// It owns pagination and ordering; the underlying storage makes
// append + unread-increment + last-post-pointer-update one transaction.
type Store struct {
	storage  *storage.BboltStorage
	pageSize int
}

func NewStore(st *storage.BboltStorage, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{storage: st, pageSize: pageSize}
}

func (s *Store) PageSize() int {
	return s.pageSize
}

// Append validates and saves a post authored by authorID. The owning
// conversation's last-post pointer is updated and every other
// participant's unread counter is incremented atomically with the save.
func (s *Store) Append(convID, authorID int64, text string) (models.Post, error) {
	if text == "" {
		return models.Post{}, models.ValidationError{Field: "content", Message: "must not be empty"}
	}
	if len([]rune(text)) > MaxContentLen {
		return models.Post{}, models.ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("must not exceed %d characters", MaxContentLen),
		}
	}

	text = content.Sanitize(text)
	title := content.Title(text)
	post := models.Post{
		ConvID:    convID,
		AuthorID:  authorID,
		Content:   text,
		Title:     title,
		TitleFurl: content.Furl(title),
	}

	saved, err := s.storage.AppendPost(post)
	if err != nil {
		return models.Post{}, err
	}

	slog.Debug("post appended", "conversation_id", convID, "post_id", saved.ID, "author_id", authorID)
	return saved, nil
}

// AppendSystem saves a system post, not attributed to user input.
func (s *Store) AppendSystem(convID, authorID int64, text, sys string) (models.Post, error) {
	post := models.Post{
		ConvID:   convID,
		AuthorID: authorID,
		Content:  text,
		Sys:      sys,
	}
	return s.storage.AppendPost(post)
}

// AppendFile saves a post carrying an attached-file reference.
func (s *Store) AppendFile(convID, authorID int64, text, fileID string) (models.Post, error) {
	title := content.Title(text)
	post := models.Post{
		ConvID:    convID,
		AuthorID:  authorID,
		Content:   content.Sanitize(text),
		Title:     title,
		TitleFurl: content.Furl(title),
		FileID:    fileID,
	}
	return s.storage.AppendPost(post)
}

// Page returns a page of posts ordered by post id ascending.
// With LoadFrom/LoadTo set the page is cursor-bounded on post ids;
// otherwise it is a catch-up page of posts newer than LastUpdate.
func (s *Store) Page(convID int64, q models.PageQuery, maxSize int) ([]models.Post, error) {
	if maxSize <= 0 || maxSize > s.pageSize {
		maxSize = s.pageSize
	}
	return s.storage.ListPosts(convID, q, maxSize)
}
