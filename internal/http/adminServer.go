package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"chatbox/internal/api"
	"chatbox/internal/auth"
	"chatbox/internal/chat"
)

// AdminServer listens on a separate, normally loopback-only address.
type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(authService *auth.AuthService, registry *chat.Registry, baseURL, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, registry, baseURL)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/members", adminHandler.AddMemberHandler)
	mux.HandleFunc("POST /admin/members/{id}/ban", adminHandler.BanMemberHandler)
	mux.HandleFunc("POST /admin/conversations", adminHandler.CreateConversationHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
