package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"chatbox/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketMembers            = []byte("members")
	bucketConversations      = []byte("conversations")
	bucketUserMaps           = []byte("user_maps")
	bucketPosts              = []byte("posts")
	bucketTokens             = []byte("tokens")
	bucketRegistrationTokens = []byte("registration_tokens")
	bucketFiles              = []byte("files")
	bucketPushSubscriptions  = []byte("push_subscriptions")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketMembers,
			bucketConversations,
			bucketUserMaps,
			bucketPosts,
			bucketTokens,
			bucketRegistrationTokens,
			bucketFiles,
			bucketPushSubscriptions,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SetNowFunc overrides the clock. Tests only.
func (s *BboltStorage) SetNowFunc(now func() time.Time) {
	s.now = now
}

// UpsertMember stores new or updated member data.
func (s *BboltStorage) UpsertMember(member models.Member, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMembers)
		dbMember := &DBMember{
			ID:           member.ID,
			Username:     member.Username,
			Avatar:       member.Avatar,
			LastVisit:    member.LastVisit,
			LastActivity: member.LastActivity,
			PasswordHash: passwordHash,
			Status:       string(member.Status),
		}
		data, err := dbMember.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbMember.Key(), data)
	})
}

// NextMemberID allocates a new member id.
func (s *BboltStorage) NextMemberID() (int64, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		id, err = tx.Bucket(bucketMembers).NextSequence()
		return err
	})
	return int64(id), err
}

func memberFromDB(m DBMember) models.Member {
	return models.Member{
		ID:           m.ID,
		Username:     m.Username,
		Avatar:       m.Avatar,
		LastVisit:    m.LastVisit,
		LastActivity: m.LastActivity,
		Status:       models.MemberStatus(m.Status),
	}
}

// GetMember returns a member and its password hash.
func (s *BboltStorage) GetMember(id int64) (models.Member, string, error) {
	var dbMember DBMember
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMembers).Get(i64Key(id))
		if data == nil {
			return models.ErrNotFound
		}
		return dbMember.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Member{}, "", err
	}
	return memberFromDB(dbMember), dbMember.PasswordHash, nil
}

// ListMembers returns all members stored in the database.
func (s *BboltStorage) ListMembers() ([]models.Member, map[int64]string, error) {
	var members []models.Member
	hashes := make(map[int64]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMembers).ForEach(func(k, v []byte) error {
			var dbMember DBMember
			if err := dbMember.UnmarshalBinary(v); err != nil {
				return err
			}
			members = append(members, memberFromDB(dbMember))
			hashes[dbMember.ID] = dbMember.PasswordHash
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return members, hashes, nil
}

func conversationFromDB(c DBConversation) models.Conversation {
	return models.Conversation{
		ID:           c.ID,
		StarterID:    c.StarterID,
		StartedAt:    c.StartedAt,
		LastPostID:   c.LastPostID,
		LastChat:     c.LastChat,
		Name:         c.Name,
		IsGroup:      c.IsGroup,
		GroupOptions: c.GroupOptions,
		Users:        c.Users,
	}
}

func conversationToDB(c models.Conversation) DBConversation {
	return DBConversation{
		ID:           c.ID,
		StarterID:    c.StarterID,
		StartedAt:    c.StartedAt,
		LastPostID:   c.LastPostID,
		LastChat:     c.LastChat,
		Name:         c.Name,
		IsGroup:      c.IsGroup,
		GroupOptions: c.GroupOptions,
		Users:        c.Users,
	}
}

// CreateConversation assigns an id, persists the conversation and creates
// one user-map row per participant.
func (s *BboltStorage) CreateConversation(conv models.Conversation) (models.Conversation, error) {
	now := s.now().Unix()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		conv.ID = int64(seq)
		conv.StartedAt = now
		if conv.LastChat == nil {
			conv.LastChat = make(map[int64]int64)
		}

		dbConv := conversationToDB(conv)
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbConv.Key(), data); err != nil {
			return err
		}

		maps := tx.Bucket(bucketUserMaps)
		for _, userID := range conv.Users {
			row := DBUserMap{
				UserID:    userID,
				ConvID:    conv.ID,
				Online:    true,
				UpdatedAt: now,
			}
			rowData, err := row.MarshalBinary()
			if err != nil {
				return err
			}
			if err := maps.Put(row.Key(), rowData); err != nil {
				return err
			}
		}
		return nil
	})
	return conv, err
}

// GetConversation returns a conversation by id.
func (s *BboltStorage) GetConversation(id int64) (models.Conversation, error) {
	var dbConv DBConversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get(i64Key(id))
		if data == nil {
			return models.ErrNotFound
		}
		return dbConv.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conversationFromDB(dbConv), nil
}

// AppendPost saves a post and, in the same transaction, updates the owning
// conversation's last-post pointer and snapshot and increments the unread
// counter of every other participant. Partial application would corrupt
// unread counts, so all of it commits or none of it does.
func (s *BboltStorage) AppendPost(post models.Post) (models.Post, error) {
	now := s.now().Unix()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketConversations)
		convKey := i64Key(post.ConvID)
		convData := convBucket.Get(convKey)
		if convData == nil {
			return models.ErrNotFound
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(convData); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}

		chatBucket, err := tx.Bucket(bucketPosts).CreateBucketIfNotExists(convKey)
		if err != nil {
			return fmt.Errorf("failed to create conversation posts bucket: %w", err)
		}
		seq, err := chatBucket.NextSequence()
		if err != nil {
			return err
		}
		post.ID = int64(seq)
		post.Time = now

		dbPost := DBPost{
			ID:        post.ID,
			Time:      post.Time,
			ConvID:    post.ConvID,
			AuthorID:  post.AuthorID,
			Content:   post.Content,
			Title:     post.Title,
			TitleFurl: post.TitleFurl,
			FileID:    post.FileID,
			Sys:       post.Sys,
		}
		data, err := dbPost.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal post: %w", err)
		}
		if err := chatBucket.Put(dbPost.Key(), data); err != nil {
			return fmt.Errorf("failed to put post: %w", err)
		}

		// Last-post pointer and per-author snapshot.
		dbConv.LastPostID = post.ID
		if dbConv.LastChat == nil {
			dbConv.LastChat = make(map[int64]int64)
		}
		dbConv.LastChat[post.AuthorID] = now
		newConvData, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convBucket.Put(convKey, newConvData); err != nil {
			return err
		}

		// Unread counters for everyone but the author.
		maps := tx.Bucket(bucketUserMaps)
		for _, userID := range dbConv.Users {
			row := DBUserMap{UserID: userID, ConvID: post.ConvID}
			if existing := maps.Get(row.Key()); existing != nil {
				if err := row.UnmarshalBinary(existing); err != nil {
					return err
				}
			}
			if userID != post.AuthorID {
				row.Unread++
			}
			row.UpdatedAt = now
			rowData, err := row.MarshalBinary()
			if err != nil {
				return err
			}
			if err := maps.Put(row.Key(), rowData); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Post{}, err
	}
	return post, nil
}

func postFromDB(p DBPost) models.Post {
	return models.Post{
		ID:        p.ID,
		Time:      p.Time,
		ConvID:    p.ConvID,
		AuthorID:  p.AuthorID,
		Content:   p.Content,
		Title:     p.Title,
		TitleFurl: p.TitleFurl,
		FileID:    p.FileID,
		Sys:       p.Sys,
	}
}

// ListPosts returns posts for a conversation selected by the query,
// ordered by post id ascending and truncated to maxSize.
func (s *BboltStorage) ListPosts(convID int64, q models.PageQuery, maxSize int) ([]models.Post, error) {
	var posts []models.Post
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketPosts).Bucket(i64Key(convID))
		if chatBucket == nil {
			return nil // no posts for this conversation yet
		}

		c := chatBucket.Cursor()
		byCursor := q.LoadFrom > 0 || q.LoadTo > 0

		startKey := make([]byte, 8)
		if q.LoadFrom > 0 {
			// Strictly greater than the cursor.
			binary.BigEndian.PutUint64(startKey, uint64(q.LoadFrom+1))
		}

		for k, v := c.Seek(startKey); k != nil; k, v = c.Next() {
			if q.LoadTo > 0 && bytes.Compare(k, i64Key(q.LoadTo)) >= 0 {
				break
			}
			var dbPost DBPost
			if err := dbPost.UnmarshalBinary(v); err != nil {
				return err
			}
			if !byCursor && dbPost.Time <= q.LastUpdate {
				continue
			}
			posts = append(posts, postFromDB(dbPost))
			if len(posts) >= maxSize {
				break
			}
		}
		return nil
	})
	return posts, err
}

// ListUserMaps returns all user-map rows for a user, ordered by
// update timestamp descending.
func (s *BboltStorage) ListUserMaps(userID int64) ([]models.UserMap, error) {
	var rows []models.UserMap
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUserMaps).ForEach(func(k, v []byte) error {
			var row DBUserMap
			if err := row.UnmarshalBinary(v); err != nil {
				return err
			}
			if row.UserID != userID {
				return nil
			}
			rows = append(rows, models.UserMap{
				UserID:         row.UserID,
				ConversationID: row.ConvID,
				Unread:         row.Unread,
				Online:         row.Online,
				UpdatedAt:      row.UpdatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Stable keeps prior (conversation id) order on equal timestamps.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].UpdatedAt > rows[j].UpdatedAt
	})
	return rows, nil
}

// GetUserMap returns the row for one (conversation, user) pair.
func (s *BboltStorage) GetUserMap(convID, userID int64) (models.UserMap, error) {
	row := DBUserMap{UserID: userID, ConvID: convID}
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUserMaps).Get(row.Key())
		if data == nil {
			return models.ErrNotFound
		}
		return row.UnmarshalBinary(data)
	})
	if err != nil {
		return models.UserMap{}, err
	}
	return models.UserMap{
		UserID:         row.UserID,
		ConversationID: row.ConvID,
		Unread:         row.Unread,
		Online:         row.Online,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (s *BboltStorage) updateUserMap(convID, userID int64, mutate func(*DBUserMap)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUserMaps)
		row := DBUserMap{UserID: userID, ConvID: convID}
		data := b.Get(row.Key())
		if data == nil {
			return models.ErrNotFound
		}
		if err := row.UnmarshalBinary(data); err != nil {
			return err
		}
		mutate(&row)
		row.UpdatedAt = s.now().Unix()
		newData, err := row.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(row.Key(), newData)
	})
}

// ResetUnread zeroes the unread counter for one pair and bumps its
// update timestamp.
func (s *BboltStorage) ResetUnread(convID, userID int64) error {
	return s.updateUserMap(convID, userID, func(row *DBUserMap) {
		row.Unread = 0
	})
}

// SetOnline toggles the per-mapping online flag.
func (s *BboltStorage) SetOnline(convID, userID int64, online bool) error {
	return s.updateUserMap(convID, userID, func(row *DBUserMap) {
		row.Online = online
	})
}

// SetOnlineForUser toggles the online flag on all of a user's rows.
// Best-effort presence, not authoritative.
func (s *BboltStorage) SetOnlineForUser(userID int64, online bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUserMaps)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row DBUserMap
			if err := row.UnmarshalBinary(v); err != nil {
				return err
			}
			if row.UserID != userID || row.Online == online {
				continue
			}
			row.Online = online
			data, err := row.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStorage) UpsertToken(memberID int64, tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbToken := &DBToken{MemberID: memberID, TokenHash: tokenHash}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put(dbToken.Key(), data)
	})
}

func (s *BboltStorage) GetToken(tokenHash string) (int64, error) {
	var dbToken DBToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(tokenHash))
		if data == nil {
			return models.ErrNotFound
		}
		return dbToken.UnmarshalBinary(data)
	})
	return dbToken.MemberID, err
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

// ListMemberTokens returns the hashes of all tokens issued to a member.
func (s *BboltStorage) ListMemberTokens(memberID int64) ([]string, error) {
	var hashes []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbToken.MemberID == memberID {
				hashes = append(hashes, dbToken.TokenHash)
			}
			return nil
		})
	})
	return hashes, err
}

func (s *BboltStorage) UpsertRegistrationToken(memberID int64, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbToken := &DBRegistrationToken{MemberID: memberID, Token: token}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRegistrationTokens).Put(dbToken.Key(), data)
	})
}

func (s *BboltStorage) GetRegistrationToken(memberID int64) (string, error) {
	var dbToken DBRegistrationToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRegistrationTokens).Get(i64Key(memberID))
		if data == nil {
			return models.ErrNotFound
		}
		return dbToken.UnmarshalBinary(data)
	})
	return dbToken.Token, err
}

func (s *BboltStorage) DeleteRegistrationToken(memberID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistrationTokens).Delete(i64Key(memberID))
	})
}
