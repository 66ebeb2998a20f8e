package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

type sessionResolver interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth     sessionResolver
	hub      *Hub
	upgrader *websocket.Upgrader
}

// NewServer returns the websocket endpoint. A nil auth accepts anonymous
// connections, which then may set up as any user. An empty allowedOrigin
// accepts same-host origins only.
func NewServer(auth sessionResolver, hub *Hub, allowedOrigin string) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigin),
		},
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" {
			return true
		}
		if allowed != "" {
			return strings.EqualFold(origin, allowed)
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var userID string
	if s.auth != nil {
		var err error
		userID, err = s.auth.GetUserID(tokenFromRequest(r))
		if err != nil || userID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws, userID)
	slog.Debug("websocket connected", "conn_id", conn.ID(), "user_id", userID, "remote_addr", r.RemoteAddr)

	if err := conn.Handle(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Warn("websocket closed with error", "conn_id", conn.ID(), "error", err)
	}
}

func tokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
