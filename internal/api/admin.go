package api

import (
	"chatio/internal/auth"
	"chatio/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type userCreator interface {
	AddUser(username, password string) (auth.UserCredentials, error)
}

type connectionKicker interface {
	DisconnectUser(userID string)
}

type AdminHandler struct {
	authService userCreator
	hub         connectionKicker
	baseURL     string
}

func NewAdminHandler(authService userCreator, hub connectionKicker, baseURL string) *AdminHandler {
	return &AdminHandler{authService: authService, hub: hub, baseURL: baseURL}
}

type AddUserRequest struct {
	Username string `json:"username"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	LoginURL string `json:"loginUrl,omitempty"`
}

// AddUserHandler creates a user with a generated password.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	creds, err := h.authService.AddUser(req.Username, "")
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUserExists) {
			status = http.StatusConflict
		}
		writeJSON(w, status, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:  true,
		UserID:   creds.UserID,
		Username: creds.Username,
		Password: creds.Password,
		LoginURL: strings.TrimRight(h.baseURL, "/") + "/api/login",
	})
}

// DisconnectUserHandler closes every live connection of the user.
func (h *AdminHandler) DisconnectUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	h.hub.DisconnectUser(userID)

	writeJSON(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("User %s disconnected", userID),
	})
}
