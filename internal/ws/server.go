package ws

import (
	"log"
	"net/http"

	"chatbox/internal/chat"
	"chatbox/internal/models"

	"github.com/gorilla/websocket"
)

// identityResolver turns a connection token into a member. Provided by
// the auth collaborator.
type identityResolver interface {
	GetMember(token string) (models.Member, error)
}

type Server struct {
	auth     identityResolver
	hub      *Hub
	store    *chat.Store
	registry *chat.Registry
	updates  unreadPusher
	upgrader *websocket.Upgrader
}

func NewServer(auth identityResolver, hub *Hub, store *chat.Store, registry *chat.Registry, updates unreadPusher) *Server {
	return &Server{
		auth:     auth,
		hub:      hub,
		store:    store,
		registry: registry,
		updates:  updates,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections resolves the token header, upgrades the connection
// and runs the session until disconnect.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	member, err := s.auth.GetMember(r.Header.Get("token"))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	session := NewSession(s.hub, conn, member, s.store, s.registry, s.updates)
	if err := session.Authenticate(); err != nil {
		// Anonymous or banned: connection refused.
		_ = conn.Close()
		return
	}

	if err := session.Handle(r.Context()); err != nil {
		log.Printf("session ended with error: %v", err)
	}
}
