package storage

import (
	"chatio/internal/content"
	"chatio/internal/models"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers     = []byte("users")
	bucketUserNames = []byte("usernames")
	bucketChats     = []byte("chats")
	bucketMessages  = []byte("messages")
)

var (
	ErrUserExists    = errors.New("user already exists")
	ErrNotMember     = errors.New("user is not a member of the chat")
	ErrBlocked       = errors.New("messaging is blocked between these users")
	ErrEmptyMessage  = errors.New("message content is empty")
	ErrSelfChat      = errors.New("cannot start a chat with yourself")
	ErrTooFewMembers = errors.New("group chat needs at least 2 other members")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketUserNames, bucketChats, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

func get(b *bbolt.Bucket, key []byte, v Storeable) error {
	data := b.Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	return v.UnmarshalBinary(data)
}

// DMID returns the chat id of the one-to-one chat between two users. The
// id does not depend on argument order.
func DMID(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s_%s", ids[0], ids[1])
}

// UpsertUser stores new or updated user. User names are unique.
func (s *BboltStorage) UpsertUser(user DBUser) error {
	if user.ID == "" || user.UserName == "" {
		return errors.New("user id and username are required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		names := tx.Bucket(bucketUserNames)

		if owner := names.Get([]byte(user.UserName)); owner != nil && string(owner) != user.ID {
			return fmt.Errorf("%s: %w", user.UserName, ErrUserExists)
		}

		var previous DBUser
		if err := get(users, user.Key(), &previous); err == nil && previous.UserName != user.UserName {
			if err := names.Delete([]byte(previous.UserName)); err != nil {
				return err
			}
		}

		if user.CreatedAt == 0 {
			user.CreatedAt = s.now().Unix()
		}
		if err := put(users, &user); err != nil {
			return err
		}
		return names.Put([]byte(user.UserName), []byte(user.ID))
	})
}

func (s *BboltStorage) GetUser(userID string) (DBUser, error) {
	var user DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketUsers), []byte(userID), &user)
	})
	if err != nil {
		return DBUser{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return user, nil
}

func (s *BboltStorage) GetUserByName(userName string) (DBUser, error) {
	var user DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUserNames).Get([]byte(userName))
		if id == nil {
			return models.ErrNotFound
		}
		return get(tx.Bucket(bucketUsers), id, &user)
	})
	if err != nil {
		return DBUser{}, fmt.Errorf("user %s: %w", userName, err)
	}
	return user, nil
}

// ListUsers returns all users ordered by username.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, toUser(dbUser))
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool { return users[i].UserName < users[j].UserName })
	return users, err
}

func toUser(u DBUser) models.User {
	return models.User{
		ID:           u.ID,
		UserName:     u.UserName,
		Email:        u.Email,
		IsOnline:     u.IsOnline,
		BlockedUsers: u.BlockedUsers,
		CreatedAt:    u.CreatedAt,
	}
}

func (s *BboltStorage) MarkUserOnline(userID string) error {
	return s.updateUser(userID, func(u *DBUser) { u.IsOnline = true })
}

func (s *BboltStorage) MarkUserOffline(userID string) error {
	return s.updateUser(userID, func(u *DBUser) { u.IsOnline = false })
}

// MarkAllOffline clears online flags left over from a previous run.
func (s *BboltStorage) MarkAllOffline() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var stale []DBUser
		err := b.ForEach(func(k, v []byte) error {
			var user DBUser
			if err := user.UnmarshalBinary(v); err != nil {
				return err
			}
			if user.IsOnline {
				stale = append(stale, user)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, user := range stale {
			user.IsOnline = false
			if err := put(b, &user); err != nil {
				return err
			}
		}
		return nil
	})
}

// BlockUser stops messages between userID and blockedID in both directions.
func (s *BboltStorage) BlockUser(userID, blockedID string) error {
	return s.updateUser(userID, func(u *DBUser) {
		if !u.hasBlocked(blockedID) {
			u.BlockedUsers = append(u.BlockedUsers, blockedID)
		}
	})
}

func (s *BboltStorage) UnblockUser(userID, blockedID string) error {
	return s.updateUser(userID, func(u *DBUser) {
		u.BlockedUsers = slices.DeleteFunc(u.BlockedUsers, func(id string) bool { return id == blockedID })
	})
}

func (s *BboltStorage) updateUser(userID string, update func(u *DBUser)) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var user DBUser
		if err := get(b, []byte(userID), &user); err != nil {
			return err
		}
		update(&user)
		return put(b, &user)
	})
	if err != nil {
		return fmt.Errorf("update user %s: %w", userID, err)
	}
	return nil
}

// UpsertChat saves chat record to the database.
func (s *BboltStorage) UpsertChat(chat DBChat) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketChats), &chat)
	})
}

// FetchChatByID returns the chat with its participants resolved to users.
func (s *BboltStorage) FetchChatByID(chatID string) (models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		var dbChat DBChat
		if err := get(tx.Bucket(bucketChats), []byte(chatID), &dbChat); err != nil {
			return err
		}
		chat = toChat(tx, dbChat)
		return nil
	})
	if err != nil {
		return models.Chat{}, fmt.Errorf("chat %s: %w", chatID, err)
	}
	return chat, nil
}

// ListChatsForUser returns chats userID participates in, most recently
// active first.
func (s *BboltStorage) ListChatsForUser(userID string) ([]models.Chat, error) {
	var dbChats []DBChat
	chats := []models.Chat{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketChats).ForEach(func(k, v []byte) error {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbChat.hasUser(userID) {
				dbChats = append(dbChats, dbChat)
			}
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(dbChats, func(i, j int) bool {
			if dbChats[i].UpdatedAt != dbChats[j].UpdatedAt {
				return dbChats[i].UpdatedAt > dbChats[j].UpdatedAt
			}
			return dbChats[i].ID < dbChats[j].ID
		})
		for _, c := range dbChats {
			chats = append(chats, toChat(tx, c))
		}
		return nil
	})
	return chats, err
}

// AccessChat returns the one-to-one chat between userID and otherID,
// creating it on first access.
func (s *BboltStorage) AccessChat(userID, otherID string) (models.Chat, error) {
	if userID == otherID {
		return models.Chat{}, ErrSelfChat
	}

	var chat models.Chat
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		var self, other DBUser
		if err := get(users, []byte(userID), &self); err != nil {
			return fmt.Errorf("user %s: %w", userID, err)
		}
		if err := get(users, []byte(otherID), &other); err != nil {
			return fmt.Errorf("user %s: %w", otherID, err)
		}

		chats := tx.Bucket(bucketChats)
		dbChat := DBChat{ID: DMID(userID, otherID)}
		err := get(chats, dbChat.Key(), &dbChat)
		switch {
		case errors.Is(err, models.ErrNotFound):
			now := s.now().UnixMilli()
			dbChat.Name = "sender"
			dbChat.Users = []string{userID, otherID}
			dbChat.CreatedAt = now
			dbChat.UpdatedAt = now
			if err := put(chats, &dbChat); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		chat = toChat(tx, dbChat)
		return nil
	})
	return chat, err
}

// CreateGroupChat creates a group chat administered by adminID.
func (s *BboltStorage) CreateGroupChat(adminID, name string, memberIDs []string) (models.Chat, error) {
	name = strings.TrimSpace(content.Sanitize(name))
	if name == "" {
		return models.Chat{}, errors.New("group chat name is required")
	}

	members := []string{adminID}
	for _, id := range memberIDs {
		if !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	if len(members) < 3 {
		return models.Chat{}, ErrTooFewMembers
	}

	var chat models.Chat
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		for _, id := range members {
			var u DBUser
			if err := get(users, []byte(id), &u); err != nil {
				return fmt.Errorf("user %s: %w", id, err)
			}
		}

		now := s.now().UnixMilli()
		dbChat := DBChat{
			ID:         uuid.NewString(),
			Name:       name,
			IsGroup:    true,
			Users:      members,
			GroupAdmin: adminID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := put(tx.Bucket(bucketChats), &dbChat); err != nil {
			return err
		}
		chat = toChat(tx, dbChat)
		return nil
	})
	return chat, err
}

// ClearChat hides messages created up to now from userID and returns the
// cut-off timestamp in milliseconds.
func (s *BboltStorage) ClearChat(chatID, userID string) (int64, error) {
	clearedAt := s.now().UnixMilli()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		var dbChat DBChat
		if err := get(chats, []byte(chatID), &dbChat); err != nil {
			return fmt.Errorf("chat %s: %w", chatID, err)
		}
		if !dbChat.hasUser(userID) {
			return ErrNotMember
		}
		if dbChat.ClearedAt == nil {
			dbChat.ClearedAt = make(map[string]int64)
		}
		dbChat.ClearedAt[userID] = clearedAt
		return put(chats, &dbChat)
	})
	if err != nil {
		return 0, err
	}
	return clearedAt, nil
}

// CreateMessage persists a message from senderID and returns it as an
// envelope ready to be relayed. Content is kept as typed; only the rendered
// HTML is sanitized. Direct messages fail with ErrBlocked when either side
// blocked the other.
func (s *BboltStorage) CreateMessage(senderID, chatID, text string) (models.Envelope, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Envelope{}, ErrEmptyMessage
	}
	html, err := content.Render(text)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("render message: %w", err)
	}

	var env models.Envelope
	err = s.db.Update(func(tx *bbolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		var dbChat DBChat
		if err := get(chats, []byte(chatID), &dbChat); err != nil {
			return fmt.Errorf("chat %s: %w", chatID, err)
		}
		if !dbChat.hasUser(senderID) {
			return ErrNotMember
		}

		if !dbChat.IsGroup {
			if err := checkBlocked(tx, senderID, dbChat.Users); err != nil {
				return err
			}
		}

		now := s.now().UnixMilli()
		dbChat.LastSeq++
		dbChat.UpdatedAt = now
		msg := DBMessage{
			Seq:       dbChat.LastSeq,
			ID:        uuid.NewString(),
			ChatID:    chatID,
			SenderID:  senderID,
			Content:   text,
			HTML:      html,
			CreatedAt: now,
		}

		chatMessages, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(chatID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}
		if err := put(chatMessages, &msg); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if err := put(chats, &dbChat); err != nil {
			return err
		}

		env = toEnvelope(msg)
		env.Chat.Users = chatUsers(tx, dbChat.Users)
		return nil
	})
	return env, err
}

func checkBlocked(tx *bbolt.Tx, senderID string, participants []string) error {
	users := tx.Bucket(bucketUsers)
	var sender DBUser
	if err := get(users, []byte(senderID), &sender); err != nil {
		return fmt.Errorf("user %s: %w", senderID, err)
	}
	for _, id := range participants {
		if id == senderID {
			continue
		}
		var other DBUser
		if err := get(users, []byte(id), &other); err != nil {
			continue
		}
		if sender.hasBlocked(id) || other.hasBlocked(senderID) {
			return ErrBlocked
		}
	}
	return nil
}

// ListMessages returns messages of chatID created after since (Unix
// milliseconds), in sequence order.
func (s *BboltStorage) ListMessages(chatID string, since int64) ([]models.Envelope, error) {
	messages := []models.Envelope{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatMessages := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatMessages == nil {
			return nil // No messages for this chat
		}

		c := chatMessages.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg DBMessage
			if err := msg.UnmarshalBinary(v); err != nil {
				return err
			}
			if msg.CreatedAt <= since {
				continue
			}
			messages = append(messages, toEnvelope(msg))
		}
		return nil
	})
	return messages, err
}

func toEnvelope(msg DBMessage) models.Envelope {
	return models.Envelope{
		ID:        msg.ID,
		Seq:       msg.Seq,
		SenderID:  msg.SenderID,
		ChatID:    msg.ChatID,
		Content:   msg.Content,
		HTML:      msg.HTML,
		CreatedAt: msg.CreatedAt,
		Chat:      models.EnvelopeChat{ID: msg.ChatID},
	}
}

func toChat(tx *bbolt.Tx, c DBChat) models.Chat {
	return models.Chat{
		ID:          c.ID,
		Name:        c.Name,
		IsGroupChat: c.IsGroup,
		Users:       chatUsers(tx, c.Users),
		GroupAdmin:  c.GroupAdmin,
		LastSeq:     c.LastSeq,
		ClearedAt:   c.ClearedAt,
	}
}

// chatUsers resolves participant ids; unknown users keep only their id.
func chatUsers(tx *bbolt.Tx, ids []string) []models.ChatUser {
	users := tx.Bucket(bucketUsers)
	result := make([]models.ChatUser, 0, len(ids))
	for _, id := range ids {
		cu := models.ChatUser{ID: id}
		var u DBUser
		if err := get(users, []byte(id), &u); err == nil {
			cu.UserName = u.UserName
			cu.IsOnline = u.IsOnline
		}
		result = append(result, cu)
	}
	return result
}
