package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"chatbox/internal/api"
	"chatbox/internal/auth"
	"chatbox/internal/chat"
	"chatbox/internal/filestore"
	"chatbox/internal/push"
	"chatbox/internal/storage"
	"chatbox/internal/update"
	"chatbox/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	ctx context.Context,
	authService *auth.AuthService,
	hub *ws.Hub,
	store *chat.Store,
	registry *chat.Registry,
	updater *update.Updater,
	pushService *push.Service,
	bbStorage *storage.BboltStorage,
	files filestore.FileStore,
	addr string,
) *APIServer {
	wsServer := ws.NewServer(authService, hub, store, registry, updater)
	apiHandlers := api.New(ctx, authService, registry, store, updater, pushService, bbStorage, files)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /login/", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /logout/", apiHandlers.LogoutHandler)
	mux.HandleFunc("POST /register/", apiHandlers.RegisterHandler)
	mux.HandleFunc("GET /conversation/", apiHandlers.ConversationsHandler)
	mux.HandleFunc("GET /conversation/{id}/", apiHandlers.GetConversationHandler)
	mux.HandleFunc("POST /conversation/{id}/", apiHandlers.PostConversationHandler)
	mux.HandleFunc("GET /user/{member_id}/", apiHandlers.MemberHandler)
	mux.HandleFunc("POST /upload/", apiHandlers.UploadHandler)
	mux.HandleFunc("GET /files/{id}/", apiHandlers.FileHandler)
	mux.HandleFunc("GET /push/key/", apiHandlers.PushKeyHandler)
	mux.HandleFunc("POST /push/subscribe/", apiHandlers.PushSubscribeHandler)

	mux.HandleFunc("GET /ws/chat/", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
