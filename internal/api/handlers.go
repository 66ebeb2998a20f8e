package api

import (
	"chatio/internal/auth"
	"chatio/internal/models"
	"chatio/internal/storage"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type authenticator interface {
	Login(req auth.LoginRequest) (auth.LoginResponse, string)
	Logoff(token string) error
	GetUserID(token string) (string, error)
}

type chatStore interface {
	GetUser(userID string) (storage.DBUser, error)
	ListUsers() ([]models.User, error)
	BlockUser(userID, blockedID string) error
	UnblockUser(userID, blockedID string) error
	FetchChatByID(chatID string) (models.Chat, error)
	ListChatsForUser(userID string) ([]models.Chat, error)
	AccessChat(userID, otherID string) (models.Chat, error)
	CreateGroupChat(adminID, name string, memberIDs []string) (models.Chat, error)
	ClearChat(chatID, userID string) (int64, error)
	CreateMessage(senderID, chatID, text string) (models.Envelope, error)
	ListMessages(chatID string, since int64) ([]models.Envelope, error)
}

type presenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type API struct {
	auth     authenticator
	store    chatStore
	presence presenceChecker
}

func New(auth authenticator, store chatStore, presence presenceChecker) *API {
	return &API{auth: auth, store: store, presence: presence}
}

type ctxKey struct{}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(ctxKey{}).(string)
	return userID
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth rejects requests without a live session and stores the
// caller's user id in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(getToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	}
}

// RequireSameOrigin rejects state-changing browser requests coming from
// another origin.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || !strings.EqualFold(u.Host, r.Host) {
				writeError(w, http.StatusForbidden, "Cross-origin request rejected")
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}

// writeStoreError maps storage errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, storage.ErrNotMember):
		writeError(w, http.StatusForbidden, "Not a member of this chat")
	case errors.Is(err, storage.ErrBlocked):
		writeError(w, http.StatusForbidden, "Messaging is blocked")
	case errors.Is(err, storage.ErrEmptyMessage),
		errors.Is(err, storage.ErrSelfChat),
		errors.Is(err, storage.ErrTooFewMembers):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("storage error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp, _ := a.auth.Login(req)
	if !loginResp.Success {
		writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})

	writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		_ = a.auth.Logoff(token)
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

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(userIDFrom(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.withPresence(r.Context(), models.User{
		ID:           user.ID,
		UserName:     user.UserName,
		Email:        user.Email,
		BlockedUsers: user.BlockedUsers,
		CreatedAt:    user.CreatedAt,
	}))
}

// UsersHandler lists other users, optionally filtered by ?search=.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	self := userIDFrom(r.Context())
	search := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("search")))

	users, err := a.store.ListUsers()
	if err != nil {
		writeStoreError(w, err)
		return
	}

	result := []models.User{}
	for _, u := range users {
		if u.ID == self {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(u.UserName), search) {
			continue
		}
		u.BlockedUsers = nil
		result = append(result, a.withPresence(r.Context(), u))
	}
	writeJSON(w, http.StatusOK, result)
}

// withPresence overrides the stored online flag with the live one.
func (a *API) withPresence(ctx context.Context, u models.User) models.User {
	if a.presence == nil {
		return u
	}
	online, err := a.presence.IsOnline(ctx, u.ID)
	if err != nil {
		log.Printf("failed to check presence of %s: %v", u.ID, err)
		return u
	}
	u.IsOnline = online
	return u
}

func (a *API) BlockHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.BlockUser(userIDFrom(r.Context()), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) UnblockHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.UnblockUser(userIDFrom(r.Context()), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := a.store.ListChatsForUser(userIDFrom(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

type AccessChatRequest struct {
	UserID string `json:"userId"`
}

// AccessChatHandler opens (or creates) the one-to-one chat with another user.
func (a *API) AccessChatHandler(w http.ResponseWriter, r *http.Request) {
	var req AccessChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	chat, err := a.store.AccessChat(userIDFrom(r.Context()), req.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

type GroupChatRequest struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
}

func (a *API) CreateGroupChatHandler(w http.ResponseWriter, r *http.Request) {
	var req GroupChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	chat, err := a.store.CreateGroupChat(userIDFrom(r.Context()), req.Name, req.Users)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

// memberChat loads the chat from the path and checks the caller belongs to it.
func (a *API) memberChat(w http.ResponseWriter, r *http.Request) (models.Chat, bool) {
	chat, err := a.store.FetchChatByID(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return models.Chat{}, false
	}
	if !chat.HasUser(userIDFrom(r.Context())) {
		writeStoreError(w, storage.ErrNotMember)
		return models.Chat{}, false
	}
	return chat, true
}

func (a *API) ChatHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := a.memberChat(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (a *API) ClearChatHandler(w http.ResponseWriter, r *http.Request) {
	clearedAt, err := a.store.ClearChat(r.PathValue("id"), userIDFrom(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"clearedAt": clearedAt})
}

// MessagesHandler returns chat history visible to the caller: messages
// cleared by the caller are left out.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := a.memberChat(w, r)
	if !ok {
		return
	}

	messages, err := a.store.ListMessages(chat.ID, chat.ClearedAt[userIDFrom(r.Context())])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type SendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// SendMessageHandler persists a message and returns its envelope. The
// client relays the envelope over its websocket as a "new message" event.
func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId is required")
		return
	}

	env, err := a.store.CreateMessage(userIDFrom(r.Context()), req.ChatID, req.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
