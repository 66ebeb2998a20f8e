package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
)

// User represents a user in the system.
type User struct {
	ID           string   `json:"id"`
	UserName     string   `json:"username"`
	Email        string   `json:"email,omitempty"`
	IsOnline     bool     `json:"isOnline"`
	BlockedUsers []string `json:"blockedUsers,omitempty"`
	CreatedAt    int64    `json:"createdAt"` // Unix timestamp (seconds)
}

// Chat represents a conversation. Its ID doubles as the room ID used for typing broadcasts.
type Chat struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	IsGroupChat bool             `json:"isGroupChat"`
	Users       []ChatUser       `json:"users"`
	GroupAdmin  string           `json:"groupAdmin,omitempty"`
	LastSeq     int64            `json:"lastSeq"`
	ClearedAt   map[string]int64 `json:"clearedAt,omitempty"` // userID -> Unix timestamp (milliseconds)
}

// ChatUser is the participant projection embedded into chats and envelopes.
type ChatUser struct {
	ID       string `json:"id"`
	UserName string `json:"username,omitempty"`
	IsOnline bool   `json:"isOnline,omitempty"`
}

// HasUser reports whether userID is a participant of the chat.
func (c Chat) HasUser(userID string) bool {
	for _, u := range c.Users {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// Envelope is a fully persisted message as handed to the relay.
type Envelope struct {
	ID        string       `json:"id"`
	Seq       int64        `json:"seq,omitempty"`
	SenderID  string       `json:"senderId"`
	ChatID    string       `json:"chatId"`
	Content   string       `json:"content"`
	HTML      string       `json:"html,omitempty"`
	CreatedAt int64        `json:"createdAt"` // Unix timestamp (milliseconds)
	Chat      EnvelopeChat `json:"chat"`
}

type EnvelopeChat struct {
	ID    string     `json:"id"`
	Users []ChatUser `json:"users"`
}

// ClientEvent is a frame sent from the client to the server.
type ClientEvent struct {
	Event ClientEventType `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is a frame sent from the server to the client.
type ServerEvent struct {
	Event ServerEventType `json:"event"`
	Data  any             `json:"data,omitempty"`
}

// SetupPayload is the user object sent with the setup event.
type SetupPayload struct {
	ID    string `json:"_id"`
	AltID string `json:"id"`
}

// UserID returns the user identifier, preferring "_id".
func (p SetupPayload) UserID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.AltID
}

// PresencePayload is the data of user online/offline events.
type PresencePayload struct {
	UserID string `json:"userId"`
}

type ClientEventType string

const (
	ClientEventSetup      ClientEventType = "setup"
	ClientEventJoinChat   ClientEventType = "join chat"
	ClientEventLeaveChat  ClientEventType = "leave chat"
	ClientEventTyping     ClientEventType = "typing"
	ClientEventStopTyping ClientEventType = "stop typing"
	ClientEventNewMessage ClientEventType = "new message"
)

type ServerEventType string

const (
	ServerEventConnected       ServerEventType = "Connected"
	ServerEventTyping          ServerEventType = "typing"
	ServerEventStopTyping      ServerEventType = "stop typing"
	ServerEventMessageReceived ServerEventType = "message received"
	ServerEventUserOnline      ServerEventType = "user online"
	ServerEventUserOffline     ServerEventType = "user offline"
)

// APIResponse is a generic REST response.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
