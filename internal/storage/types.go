package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func i64Key(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

type DBMember struct {
	ID           int64  `msgpack:"id"`
	Username     string `msgpack:"username"`
	Avatar       string `msgpack:"avatar"`
	LastVisit    int64  `msgpack:"lastVisit"`
	LastActivity int64  `msgpack:"lastActivity"`
	PasswordHash string `msgpack:"passwordHash"`
	Status       string `msgpack:"status"`
}

func (m *DBMember) Key() []byte {
	return i64Key(m.ID)
}

func (m *DBMember) MarshalBinary() (data []byte, err error) {
	type alias DBMember
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMember) UnmarshalBinary(data []byte) error {
	type alias DBMember
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBConversation struct {
	ID           int64           `msgpack:"id"`
	StarterID    int64           `msgpack:"starterId"`
	StartedAt    int64           `msgpack:"startedAt"`
	LastPostID   int64           `msgpack:"lastPostId"`
	LastChat     map[int64]int64 `msgpack:"lastChat"`
	Name         string          `msgpack:"name"`
	IsGroup      bool            `msgpack:"isGroup"`
	GroupOptions string          `msgpack:"groupOptions"`
	Users        []int64         `msgpack:"users"`
}

func (c *DBConversation) Key() []byte {
	return i64Key(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBUserMap struct {
	UserID    int64 `msgpack:"userId"`
	ConvID    int64 `msgpack:"convId"`
	Unread    int   `msgpack:"unread"`
	Online    bool  `msgpack:"online"`
	UpdatedAt int64 `msgpack:"updatedAt"`
}

// Key is conversation id then user id, one row per pair.
func (m *DBUserMap) Key() []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(m.ConvID))
	binary.BigEndian.PutUint64(key[8:], uint64(m.UserID))
	return key
}

func (m *DBUserMap) MarshalBinary() (data []byte, err error) {
	type alias DBUserMap
	return msgpack.Marshal((*alias)(m))
}

func (m *DBUserMap) UnmarshalBinary(data []byte) error {
	type alias DBUserMap
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPost struct {
	ID        int64  `msgpack:"id"`
	Time      int64  `msgpack:"time"`
	ConvID    int64  `msgpack:"convId"`
	AuthorID  int64  `msgpack:"authorId"`
	Content   string `msgpack:"content"`
	Title     string `msgpack:"title"`
	TitleFurl string `msgpack:"titleFurl"`
	FileID    string `msgpack:"fileId"`
	Sys       string `msgpack:"sys"`
}

func (p *DBPost) Key() []byte {
	return i64Key(p.ID)
}

func (p *DBPost) MarshalBinary() (data []byte, err error) {
	type alias DBPost
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPost) UnmarshalBinary(data []byte) error {
	type alias DBPost
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBToken struct {
	MemberID  int64  `msgpack:"memberId"`
	TokenHash string `msgpack:"tokenHash"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.TokenHash)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBRegistrationToken struct {
	MemberID int64  `msgpack:"memberId"`
	Token    string `msgpack:"token"`
}

func (t *DBRegistrationToken) Key() []byte {
	return i64Key(t.MemberID)
}

func (t *DBRegistrationToken) MarshalBinary() (data []byte, err error) {
	type alias DBRegistrationToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBRegistrationToken) UnmarshalBinary(data []byte) error {
	type alias DBRegistrationToken
	return msgpack.Unmarshal(data, (*alias)(t))
}
