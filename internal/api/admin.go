package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"chatbox/internal/auth"
	"chatbox/internal/chat"
	"chatbox/internal/models"
)

// AdminHandler serves the operator API. It is bound to a separate
// listener and carries no authentication of its own.
type AdminHandler struct {
	authService *auth.AuthService
	registry    *chat.Registry
	baseURL     string
}

func NewAdminHandler(authService *auth.AuthService, registry *chat.Registry, baseURL string) *AdminHandler {
	return &AdminHandler{authService: authService, registry: registry, baseURL: baseURL}
}

type AddMemberRequest struct {
	Username string `json:"username"`
}

type AddMemberResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Username  string `json:"username,omitempty"`
	MemberID  int64  `json:"memberId,omitempty"`
	SetupLink string `json:"setupLink,omitempty"`
}

// AddMemberHandler creates a member in created status and returns the
// one-time registration link.
func (h *AdminHandler) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	member, token, err := h.authService.AddMember(req.Username)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, AddMemberResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create member: %v", err),
		})
		return
	}

	base := strings.TrimRight(h.baseURL, "/")
	writeJSON(w, http.StatusOK, AddMemberResponse{
		Success:   true,
		Username:  member.Username,
		MemberID:  member.ID,
		SetupLink: fmt.Sprintf("%s/register/?username=%s&token=%s", base, url.QueryEscape(member.Username), url.QueryEscape(token)),
	})
}

// BanMemberHandler sets or clears the banned flag for a member.
func (h *AdminHandler) BanMemberHandler(w http.ResponseWriter, r *http.Request) {
	memberID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Member ID is required", http.StatusBadRequest)
		return
	}

	// Empty body means ban; {"banned": false} lifts one.
	req := struct {
		Banned bool `json:"banned"`
	}{Banned: true}
	_ = json.NewDecoder(r.Body).Decode(&req)

	member, err := h.registry.Member(memberID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Member not found")
		return
	}

	if err := h.authService.SetBanned(member.Username, req.Banned); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to update member: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type CreateConversationRequest struct {
	StarterID int64   `json:"starterId"`
	Name      string  `json:"name"`
	Users     []int64 `json:"users"`
	IsGroup   bool    `json:"isGroup"`
}

// CreateConversationHandler opens a conversation between the listed
// members.
func (h *AdminHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conv, err := h.registry.Create(req.StarterID, req.Name, req.Users, req.IsGroup)
	if err != nil {
		var verr models.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create conversation: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": conv.ID})
}
