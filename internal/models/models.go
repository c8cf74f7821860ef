package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError reports malformed input naming the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type MemberStatus string

const (
	MemberStatusCreated MemberStatus = "created"
	MemberStatusActive  MemberStatus = "active"
	MemberStatusBanned  MemberStatus = "banned"
)

// Member represents a chat participant.
type Member struct {
	ID           int64        `json:"id"`
	Username     string       `json:"username"`
	Avatar       string       `json:"avatar"`
	LastVisit    int64        `json:"lastVisit"`    // Unix timestamp (seconds)
	LastActivity int64        `json:"lastActivity"` // Unix timestamp (seconds)
	Status       MemberStatus `json:"-"`
}

func (m Member) Banned() bool {
	return m.Status == MemberStatusBanned
}

// Conversation is a named thread with a fixed participant set.
type Conversation struct {
	ID           int64
	StarterID    int64
	StartedAt    int64
	LastPostID   int64
	LastChat     map[int64]int64 // participant id -> last post time snapshot
	Name         string
	IsGroup      bool
	GroupOptions string
	Users        []int64
}

// HasUser reports whether id is in the conversation's participant set.
func (c *Conversation) HasUser(id int64) bool {
	for _, u := range c.Users {
		if u == id {
			return true
		}
	}
	return false
}

// UserMap links one (user, conversation) pair to its unread/presence state.
// Exactly one row exists per pair.
type UserMap struct {
	UserID         int64
	ConversationID int64
	Unread         int
	Online         bool
	UpdatedAt      int64
}

// Post is one immutable message within a conversation.
type Post struct {
	ID        int64  `json:"id"`
	Time      int64  `json:"chatTime"` // Unix timestamp (seconds)
	ConvID    int64  `json:"-"`
	AuthorID  int64  `json:"-"`
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
	Title     string `json:"-"`
	TitleFurl string `json:"-"`
	FileID    string `json:"fileID,omitempty"`
	Sys       string `json:"sys,omitempty"`

	// Sender is attached at serialization time, never stored.
	Sender *Member `json:"sender,omitempty"`
}

func (p *Post) IsSystem() bool { return p.Sys != "" }
func (p *Post) IsFile() bool   { return p.FileID != "" }

// ConversationBrief is a lightweight summary of a conversation's
// unread/recency state for listing. Computed on demand, never stored.
type ConversationBrief struct {
	Icon        string `json:"icon"`
	ID          int64  `json:"id"`
	InDay       bool   `json:"inDay"`
	IsGroup     bool   `json:"isGroup"`
	IsOnline    bool   `json:"isOnline"`
	LastMsg     string `json:"lastMsg"`
	LastMsgID   int64  `json:"lastMsgID"`
	LastMsgTime int64  `json:"lastMsgTime"`
	Title       string `json:"title"`
	Unread      int    `json:"unread"`
	Update      int64  `json:"update"`
}

// PageQuery selects a page of posts. LoadFrom/LoadTo are id cursors
// (strictly greater / strictly less). When neither is set, posts with
// creation time strictly greater than LastUpdate are returned instead.
type PageQuery struct {
	LoadFrom   int64 `json:"loadFrom,omitempty"`
	LoadTo     int64 `json:"loadTo,omitempty"`
	LastUpdate int64 `json:"lastUpdate"`
}

// ClientFrame is an inbound websocket frame.
type ClientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServerFrame is an outbound websocket frame.
type ServerFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ErrorData is the payload of an error frame, tagged with the
// originating command so the client can correlate.
type ErrorData struct {
	From    string `json:"from"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

const (
	FrameTypeGetConv     = "get-conv"
	FrameTypeSetChatID   = "set-chat-id"
	FrameTypeSendMessage = "send-message"
	FrameTypeUpdate      = "update"
	FrameTypeChat        = "chat"
	FrameTypeRefresh     = "refresh"
	FrameTypeError       = "error"
)

// ErrorFrame builds an error frame for the given command.
func ErrorFrame(from, message string, code int) ServerFrame {
	return ServerFrame{
		Type: FrameTypeError,
		Data: ErrorData{From: from, Message: message, Code: code},
	}
}

// InDayWindow is the recency window for a brief's inDay flag.
const InDayWindow = 24 * time.Hour
