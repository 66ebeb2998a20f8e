package http

import (
	"chatio/internal/api"
	"chatio/internal/auth"
	"chatio/internal/storage"
	"chatio/internal/ws"
	"context"
	"log"
	"net/http"
	"sync"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, hub *ws.Hub, storage *storage.BboltStorage, addr, allowedOrigin string) *APIServer {
	server := ws.NewServer(authService, hub, allowedOrigin)
	apiHandlers := api.New(authService, storage, hub)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /up", apiHandlers.HealthHandler)

	// API endpoints
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("POST /api/users/{id}/block", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.BlockHandler)))
	mux.HandleFunc("POST /api/users/{id}/unblock", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UnblockHandler)))
	mux.HandleFunc("GET /api/chats", apiHandlers.RequireAuth(apiHandlers.ChatsHandler))
	mux.HandleFunc("POST /api/chats", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.AccessChatHandler)))
	mux.HandleFunc("POST /api/chats/group", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.CreateGroupChatHandler)))
	mux.HandleFunc("GET /api/chats/{id}", apiHandlers.RequireAuth(apiHandlers.ChatHandler))
	mux.HandleFunc("POST /api/chats/{id}/clear", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.ClearChatHandler)))
	mux.HandleFunc("GET /api/chats/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/messages", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.SendMessageHandler)))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", server.HandleConnections)

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
