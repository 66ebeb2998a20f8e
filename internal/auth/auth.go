package auth

import (
	"chatio/internal/content"
	"chatio/internal/models"
	"chatio/internal/storage"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"

	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	saltLen      = 16
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidToken = errors.New("invalid session token")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

// UserCredentials is returned once on user creation. Password is only set
// when it was generated by the service.
type UserCredentials struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// loginAttempts counts consecutive failed logins to throttle brute force attacks.
type loginAttempts struct {
	Failed      int64
	LastAttempt int64
}

func (a *loginAttempts) reset(now time.Time) {
	a.Failed = 0
	a.LastAttempt = now.Unix()
}

func (a *loginAttempts) increment(now time.Time) {
	a.Failed++
	a.LastAttempt = now.Unix()
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type userStore interface {
	GetUserByName(userName string) (storage.DBUser, error)
	UpsertUser(user storage.DBUser) error
}

type AuthService struct {
	Config
	store      userStore
	attempts   *geche.Locker[string, *loginAttempts]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

func NewAuthService(ctx context.Context, config Config, store userStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		attempts:   geche.NewLocker[string, *loginAttempts](geche.NewMapCache[string, *loginAttempts]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// hashPassword derives an argon2id key from the password, a per-user salt
// and the server secret. The result is "<salt>$<key>" in base64.
func (as *AuthService) hashPassword(password string, salt []byte) string {
	peppered := append(append([]byte{}, salt...), as.secretBytes...)
	key := argon2.IDKey([]byte(password), peppered, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(key)
}

func (as *AuthService) checkPassword(password, stored string) bool {
	encodedSalt, _, ok := strings.Cut(stored, "$")
	if !ok {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(encodedSalt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(as.hashPassword(password, salt)), []byte(stored)) == 1
}

// AddUser creates a user. An empty password is replaced by a generated one,
// which is returned in the credentials.
func (as *AuthService) AddUser(username, password string) (UserCredentials, error) {
	if err := content.ValidateUsername(username); err != nil {
		return UserCredentials{}, err
	}

	creds := UserCredentials{
		UserID:   uuid.NewString(),
		Username: username,
	}
	if password == "" {
		var err error
		if password, err = randomString(12); err != nil {
			return UserCredentials{}, err
		}
		creds.Password = password
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return UserCredentials{}, fmt.Errorf("failed to generate salt: %w", err)
	}

	err := as.store.UpsertUser(storage.DBUser{
		ID:           creds.UserID,
		UserName:     username,
		PasswordHash: as.hashPassword(password, salt),
		CreatedAt:    as.now().Unix(),
	})
	if errors.Is(err, storage.ErrUserExists) {
		return UserCredentials{}, ErrUserExists
	}
	if err != nil {
		return UserCredentials{}, err
	}

	slog.Info("user created", "user_id", creds.UserID, "username", username)
	return creds, nil
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()
	tx := as.attempts.Lock()
	defer tx.Unlock()

	attempts, err := tx.Get(req.Username)
	if err != nil {
		attempts = &loginAttempts{}
		tx.Set(req.Username, attempts)
	}

	if attempts.Failed > 3 {
		nextAttempt := attempts.LastAttempt + 30*(attempts.Failed*attempts.Failed)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	user, err := as.store.GetUserByName(req.Username)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("login failed", "username", req.Username, "error", err)
		}
		attempts.increment(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	if !as.checkPassword(req.Password, user.PasswordHash) {
		attempts.increment(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, ""
	}

	as.liveTokens.Set(token, user.ID)
	attempts.reset(now)

	return LoginResponse{
		Success:     true,
		UserID:      user.ID,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
	}, user.ID
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GetUserID resolves a live session token to its user.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := as.liveTokens.Get(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	return userID, nil
}
