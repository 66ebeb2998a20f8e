package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string   `msgpack:"id"`
	UserName     string   `msgpack:"userName"`
	Email        string   `msgpack:"email"`
	PasswordHash string   `msgpack:"passwordHash"`
	IsOnline     bool     `msgpack:"isOnline"`
	BlockedUsers []string `msgpack:"blockedUsers"`
	CreatedAt    int64    `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) hasBlocked(userID string) bool {
	for _, id := range u.BlockedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

type DBChat struct {
	ID         string           `msgpack:"id"`
	Name       string           `msgpack:"name"`
	IsGroup    bool             `msgpack:"isGroup"`
	Users      []string         `msgpack:"users"`
	GroupAdmin string           `msgpack:"groupAdmin"`
	LastSeq    int64            `msgpack:"lastSeq"`
	ClearedAt  map[string]int64 `msgpack:"clearedAt"`
	CreatedAt  int64            `msgpack:"createdAt"`
	UpdatedAt  int64            `msgpack:"updatedAt"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBChat) hasUser(userID string) bool {
	for _, id := range c.Users {
		if id == userID {
			return true
		}
	}
	return false
}

type DBMessage struct {
	Seq       int64  `msgpack:"seq"`
	ID        string `msgpack:"id"`
	ChatID    string `msgpack:"chatId"`
	SenderID  string `msgpack:"senderId"`
	Content   string `msgpack:"content"`
	HTML      string `msgpack:"html"`
	CreatedAt int64  `msgpack:"createdAt"`
}

// Key orders messages by sequence number inside a chat bucket.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
