package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"chatbox/internal/chat"
	"chatbox/internal/models"
)

type wsConn interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// unreadPusher notifies the update scheduler that a conversation changed.
type unreadPusher interface {
	Notify(conv models.Conversation, exceptUserID int64)
}

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

const sendBuffer = 100

// Session is the live state of one connected client: its identity, the
// currently selected conversation and the watermark used for
// incremental fetches on shared update ticks.
type Session struct {
	conn     wsConn
	hub      *Hub
	store    *chat.Store
	registry *chat.Registry
	updates  unreadPusher
	member   models.Member

	state        atomic.Int32
	selected     int64
	conversation *models.Conversation
	lastUpdate   int64

	fromClient chan models.ClientFrame
	fromServer chan models.ServerFrame
	errorCh    chan error
}

func NewSession(
	hub *Hub,
	conn wsConn,
	member models.Member,
	store *chat.Store,
	registry *chat.Registry,
	updates unreadPusher,
) *Session {
	return &Session{
		conn:       conn,
		hub:        hub,
		store:      store,
		registry:   registry,
		updates:    updates,
		member:     member,
		fromClient: make(chan models.ClientFrame),
		fromServer: make(chan models.ServerFrame, sendBuffer),
		errorCh:    make(chan error, 2),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Queue hands a frame to the session for delivery. Never blocks:
// the frame is dropped when the buffer is full or the session is closed.
func (s *Session) Queue(frame models.ServerFrame) bool {
	if s.State() == StateClosed {
		return false
	}
	select {
	case s.fromServer <- frame:
		return true
	default:
		return false
	}
}

// Authenticate moves the session out of Connecting. An anonymous or
// banned identity closes it instead.
func (s *Session) Authenticate() error {
	if s.member.ID == 0 || s.member.Banned() {
		s.state.Store(int32(StateClosed))
		return models.ErrUnauthorized
	}
	s.state.Store(int32(StateAuthenticated))
	return nil
}

// Handle runs the session until the connection drops or ctx is
// cancelled. On accept it joins the shared update group and the user's
// private group and registers itself for scheduler fan-out.
func (s *Session) Handle(ctx context.Context) error {
	if s.State() != StateAuthenticated {
		s.conn.Close()
		return models.ErrUnauthorized
	}

	s.state.Store(int32(StateActive))
	s.hub.Join(UpdateGroup, s)
	s.hub.Join(UserGroup(s.member.ID), s)
	s.hub.RegisterSession(s.member.ID, s)
	if err := s.registry.SetPresence(s.member.ID, true); err != nil {
		slog.Warn("failed to set presence", "member_id", s.member.ID, "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(s.fromClient)
		close(s.errorCh)
		s.hub.LeaveAll(s)
		s.hub.UnregisterSession(s.member.ID, s)
		if err := s.registry.SetPresence(s.member.ID, false); err != nil {
			slog.Warn("failed to clear presence", "member_id", s.member.ID, "error", err)
		}
		s.state.Store(int32(StateClosed))
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		s.errorCh <- s.pumpFrames(ctx)
		cancel()
	})

	wg.Go(func() {
		s.errorCh <- s.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-s.errorCh:
	case <-ctx.Done():
	}
	s.conn.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (s *Session) pumpFrames(ctx context.Context) error {
	for {
		var frame models.ClientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case s.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-s.fromClient:
			if err := s.processClientFrame(frame); err != nil {
				return err
			}
		case frame := <-s.fromServer:
			if frame.Type == models.FrameTypeRefresh {
				if err := s.handleRefresh(); err != nil {
					return err
				}
				continue
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) processClientFrame(frame models.ClientFrame) error {
	if s.State() != StateActive {
		return models.ErrUnauthorized
	}

	switch frame.Type {
	case models.FrameTypeGetConv:
		return s.handleGetConv(frame.Data)
	case models.FrameTypeSetChatID:
		return s.handleSetChatID(frame.Data)
	case models.FrameTypeSendMessage:
		return s.handleSendMessage(frame.Data)
	}

	return s.sendError(frame.Type, "Invalid data", 400)
}

func (s *Session) sendError(from, message string, code int) error {
	return s.conn.WriteJSON(models.ErrorFrame(from, message, code))
}

func (s *Session) sendResponse(frameType string, data any) error {
	return s.conn.WriteJSON(models.ServerFrame{Type: frameType, Data: data})
}

// resolve finds the target conversation for a command: the explicit
// chatID, falling back to the session's selected conversation. A failed
// resolve of the selected id clears the selection.
func (s *Session) resolve(pk int64, from string) (models.Conversation, error) {
	if pk == 0 {
		if pk = s.selected; pk == 0 {
			return models.Conversation{}, s.sendError(from, "No chatID", 400)
		}
	}
	if pk == s.selected && s.conversation != nil {
		return *s.conversation, nil
	}

	conv, err := s.registry.GetByID(pk, s.member.ID)
	if err == nil {
		return conv, nil
	}
	if pk == s.selected {
		s.selected = 0
		s.conversation = nil
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		return models.Conversation{}, s.sendError(from, "Conversation does not exist", 404)
	case errors.Is(err, models.ErrForbidden):
		return models.Conversation{}, s.sendError(from, "You are not in this conversation", 403)
	}
	slog.Error("failed to resolve conversation", "conversation_id", pk, "error", err)
	return models.Conversation{}, s.sendError(from, "Internal error", 500)
}

type getConvData struct {
	ChatID     int64 `json:"chatID"`
	LoadFrom   int64 `json:"loadFrom"`
	LoadTo     int64 `json:"loadTo"`
	LastUpdate int64 `json:"lastUpdate"`
}

func (s *Session) handleGetConv(raw json.RawMessage) error {
	var data getConvData
	if err := json.Unmarshal(raw, &data); err != nil {
		return s.sendError(models.FrameTypeGetConv, "Invalid data", 400)
	}

	conv, err := s.resolve(data.ChatID, models.FrameTypeGetConv)
	if err != nil || conv.ID == 0 {
		return err
	}

	posts, err := s.store.Page(conv.ID, models.PageQuery{
		LoadFrom:   data.LoadFrom,
		LoadTo:     data.LoadTo,
		LastUpdate: data.LastUpdate,
	}, s.store.PageSize())
	if err != nil {
		slog.Error("failed to page posts", "conversation_id", conv.ID, "error", err)
		return s.sendError(models.FrameTypeGetConv, "Internal error", 500)
	}

	// Fetching a conversation acknowledges it as read.
	if err := s.registry.MarkRead(conv.ID, s.member.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Warn("failed to mark read", "conversation_id", conv.ID, "error", err)
	}

	s.advanceWatermark(posts)
	return s.sendResponse(models.FrameTypeGetConv, map[string]any{
		"messages": s.registry.HydratePosts(posts),
	})
}

type setChatIDData struct {
	ChatID int64 `json:"chatID"`
}

// Error frames from this command report "set-chatID", matching what
// clients already correlate on.
const setChatIDReply = "set-chatID"

func (s *Session) handleSetChatID(raw json.RawMessage) error {
	var data setChatIDData
	if err := json.Unmarshal(raw, &data); err != nil || data.ChatID < 1 {
		return s.sendError(setChatIDReply, "Invalid data", 400)
	}

	conv, err := s.resolve(data.ChatID, setChatIDReply)
	if err != nil || conv.ID == 0 {
		return err
	}

	s.selected = conv.ID
	s.conversation = &conv
	if err := s.registry.MarkOnline(conv.ID, s.member.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Warn("failed to mark online", "conversation_id", conv.ID, "error", err)
	}
	return s.sendResponse(setChatIDReply, map[string]any{"success": true})
}

type sendMessageData struct {
	ChatID  int64  `json:"chatID"`
	Message string `json:"message"`
}

func (s *Session) handleSendMessage(raw json.RawMessage) error {
	var data sendMessageData
	if err := json.Unmarshal(raw, &data); err != nil {
		return s.sendError(models.FrameTypeSendMessage, "Invalid data", 400)
	}

	conv, err := s.resolve(data.ChatID, models.FrameTypeSendMessage)
	if err != nil || conv.ID == 0 {
		return err
	}

	if _, err := s.store.Append(conv.ID, s.member.ID, data.Message); err != nil {
		var verr models.ValidationError
		if errors.As(err, &verr) {
			return s.sendError(models.FrameTypeSendMessage, verr.Error(), 400)
		}
		slog.Error("failed to append post", "conversation_id", conv.ID, "error", err)
		return s.sendError(models.FrameTypeSendMessage, "Internal error", 500)
	}

	// Fan-out to other participants goes through the update scheduler,
	// not a direct content broadcast.
	s.updates.Notify(conv, s.member.ID)

	return s.sendResponse(models.FrameTypeSendMessage, map[string]any{"success": true})
}

// handleRefresh runs on shared update-group ticks: push posts newer
// than the watermark for the selected conversation, if any.
func (s *Session) handleRefresh() error {
	if s.selected == 0 {
		return nil
	}

	posts, err := s.store.Page(s.selected, models.PageQuery{LastUpdate: s.lastUpdate}, s.store.PageSize())
	if err != nil {
		slog.Error("failed to page posts on refresh", "conversation_id", s.selected, "error", err)
		return nil
	}
	if len(posts) == 0 {
		return nil
	}

	s.advanceWatermark(posts)
	return s.sendResponse(models.FrameTypeChat, map[string]any{
		"messages": s.registry.HydratePosts(posts),
	})
}

func (s *Session) advanceWatermark(posts []models.Post) {
	for _, p := range posts {
		if p.Time > s.lastUpdate {
			s.lastUpdate = p.Time
		}
	}
}
