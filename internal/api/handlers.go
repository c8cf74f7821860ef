package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatbox/internal/auth"
	"chatbox/internal/chat"
	"chatbox/internal/filestore"
	"chatbox/internal/models"
	"chatbox/internal/push"
	"chatbox/internal/storage"

	"github.com/c-pro/geche"
)

const memberCacheTTL = 5 * time.Minute

// unreadNotifier is the scheduler hook for the direct post path.
type unreadNotifier interface {
	Notify(conv models.Conversation, exceptUserID int64)
}

type API struct {
	auth        *auth.AuthService
	registry    *chat.Registry
	store       *chat.Store
	updates     unreadNotifier
	push        *push.Service // nil when web push is not configured
	storage     *storage.BboltStorage
	files       filestore.FileStore
	memberCache geche.Geche[int64, models.Member]
}

func New(ctx context.Context, authService *auth.AuthService, registry *chat.Registry, store *chat.Store, updates unreadNotifier, pushService *push.Service, bbStorage *storage.BboltStorage, files filestore.FileStore) *API {
	return &API{
		auth:        authService,
		registry:    registry,
		store:       store,
		updates:     updates,
		push:        pushService,
		storage:     bbStorage,
		files:       files,
		memberCache: geche.NewMapTTLCache[int64, models.Member](ctx, memberCacheTTL, time.Minute),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"message": message})
}

// writeDomainError maps core errors onto REST status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "Conversation does not exist")
	case errors.Is(err, models.ErrForbidden):
		writeError(w, http.StatusForbidden, "You are not in this conversation")
	case errors.Is(err, models.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// requireMember resolves the request identity, rejecting anonymous and
// banned callers.
func (a *API) requireMember(w http.ResponseWriter, r *http.Request) (models.Member, bool) {
	member, err := a.auth.GetMember(a.getToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return models.Member{}, false
	}
	if member.Banned() {
		writeError(w, http.StatusForbidden, "Forbidden")
		return models.Member{}, false
	}
	return member, true
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, _, err := a.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	member, ok := a.requireMember(w, r)
	if !ok {
		return
	}

	var req struct {
		AllDevices bool `json:"allDevices"`
	}
	// Empty body means current device only.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var err error
	if req.AllDevices {
		err = a.auth.LogoutAll(member.ID)
	} else {
		err = a.auth.Logout(a.getToken(r))
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := a.auth.Register(req.Username, req.Token, req.Password); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ConversationsHandler lists the caller's conversation briefs, most
// recent message first.
func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	member, ok := a.requireMember(w, r)
	if !ok {
		return
	}

	briefs, err := a.registry.BriefsForUser(member.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if briefs == nil {
		briefs = []models.ConversationBrief{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": briefs})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id < 1 {
		return 0, models.ValidationError{Field: name, Message: "must be a positive integer"}
	}
	return id, nil
}

// pageQuery reads pagination bounds from the JSON body, falling back to
// query parameters for clients that cannot send a GET body.
func pageQuery(r *http.Request) (models.PageQuery, error) {
	var q models.PageQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err == nil {
		return q, nil
	} else if !errors.Is(err, io.EOF) {
		return q, models.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	return queryParams(r.URL.Query())
}

func queryParams(values url.Values) (models.PageQuery, error) {
	var q models.PageQuery
	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{"loadFrom", &q.LoadFrom},
		{"loadTo", &q.LoadTo},
		{"lastUpdate", &q.LastUpdate},
	} {
		raw := values.Get(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, models.ValidationError{Field: f.name, Message: "must be an integer"}
		}
		*f.dst = n
	}
	return q, nil
}

// GetConversationHandler pages posts of one conversation.
func (a *API) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	member, ok := a.requireMember(w, r)
	if !ok {
		return
	}
	convID, err := pathID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}

	conv, err := a.registry.GetByID(convID, member.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	q, err := pageQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	posts, err := a.store.Page(conv.ID, q, a.store.PageSize())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// Fetching a conversation acknowledges it as read.
	if err := a.registry.MarkRead(conv.ID, member.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Printf("failed to mark conversation %d read: %v", conv.ID, err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": a.registry.HydratePosts(posts),
	})
}

// PostConversationHandler appends a post to one conversation.
func (a *API) PostConversationHandler(w http.ResponseWriter, r *http.Request) {
	member, ok := a.requireMember(w, r)
	if !ok {
		return
	}
	convID, err := pathID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}

	conv, err := a.registry.GetByID(convID, member.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	post, err := a.store.Append(conv.ID, member.ID, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	a.updates.Notify(conv, member.ID)

	hydrated := a.registry.HydratePosts([]models.Post{post})
	writeJSON(w, http.StatusOK, map[string]any{"message": hydrated[0]})
}

// MemberHandler returns a member's public profile, cached briefly.
func (a *API) MemberHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireMember(w, r); !ok {
		return
	}
	memberID, err := pathID(r, "member_id")
	if err != nil {
		writeDomainError(w, err)
		return
	}

	member, err := a.memberCache.Get(memberID)
	if err != nil {
		member, err = a.registry.Member(memberID)
		if err != nil {
			writeError(w, http.StatusNotFound, "Member does not exist")
			return
		}
		a.memberCache.Set(memberID, member)
	}
	writeJSON(w, http.StatusOK, member)
}

// PushSubscribeHandler stores a browser push subscription.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	member, ok := a.requireMember(w, r)
	if !ok {
		return
	}
	if a.push == nil {
		writeError(w, http.StatusNotImplemented, "Push is not configured")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 8192))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := a.push.Subscribe(member.ID, raw); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// PushKeyHandler exposes the VAPID public key for subscription setup.
func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.push == nil {
		writeError(w, http.StatusNotImplemented, "Push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": a.push.PublicKey()})
}
