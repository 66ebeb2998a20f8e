package ws

import (
	"chatio/internal/models"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var errEventsClosed = errors.New("event channel closed")

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type eventHub interface {
	OnConnect(connID string) <-chan models.ServerEvent
	OnSetup(ctx context.Context, connID, userID string) error
	Join(ctx context.Context, connID, roomID string) error
	Leave(ctx context.Context, connID, roomID string) error
	StartTyping(ctx context.Context, connID, roomID string) error
	StopTyping(ctx context.Context, connID, roomID string) error
	RelayMessage(ctx context.Context, connID string, env models.Envelope) error
	OnDisconnect(ctx context.Context, connID string)
}

// Connection pumps events between one websocket and the hub. Client events
// are handled one at a time in arrival order.
type Connection struct {
	id         string
	ws         wsConnection
	hub        eventHub
	userID     string
	fromClient chan models.ClientEvent
	fromServer <-chan models.ServerEvent
	errorCh    chan error
	logger     *slog.Logger
}

// NewConnection registers a connection with the hub. sessionUserID is the
// user the transport authenticated; when set, setup must name the same user.
func NewConnection(
	hub eventHub,
	ws wsConnection,
	sessionUserID string,
) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:         id,
		ws:         ws,
		hub:        hub,
		userID:     sessionUserID,
		fromClient: make(chan models.ClientEvent),
		fromServer: hub.OnConnect(id),
		errorCh:    make(chan error, 2),
		logger:     slog.Default().With("conn_id", id),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.OnDisconnect(ctx, c.id)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errEventsClosed) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientEvent
		if err := c.ws.ReadJSON(&msg); err != nil {
			if isDecodeError(err) {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.processClientEvent(ctx, msg)
		case msg, ok := <-c.fromServer:
			if !ok {
				return errEventsClosed
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent never fails the connection: bad events are logged and dropped.
func (c *Connection) processClientEvent(ctx context.Context, msg models.ClientEvent) {
	var err error
	switch msg.Event {
	case models.ClientEventSetup:
		var payload models.SetupPayload
		if err = decodeData(msg.Data, &payload); err != nil {
			break
		}
		userID := payload.UserID()
		if c.userID != "" && userID != c.userID {
			c.logger.Warn("setup user does not match session", "session_user_id", c.userID, "user_id", userID)
			return
		}
		err = c.hub.OnSetup(ctx, c.id, userID)
	case models.ClientEventJoinChat:
		var roomID string
		if err = decodeData(msg.Data, &roomID); err == nil {
			err = c.hub.Join(ctx, c.id, roomID)
		}
	case models.ClientEventLeaveChat:
		var roomID string
		if err = decodeData(msg.Data, &roomID); err == nil {
			err = c.hub.Leave(ctx, c.id, roomID)
		}
	case models.ClientEventTyping:
		var roomID string
		if err = decodeData(msg.Data, &roomID); err == nil {
			err = c.hub.StartTyping(ctx, c.id, roomID)
		}
	case models.ClientEventStopTyping:
		var roomID string
		if err = decodeData(msg.Data, &roomID); err == nil {
			err = c.hub.StopTyping(ctx, c.id, roomID)
		}
	case models.ClientEventNewMessage:
		var env models.Envelope
		if err = decodeData(msg.Data, &env); err == nil {
			err = c.hub.RelayMessage(ctx, c.id, env)
		}
	default:
		c.logger.Warn("dropping unknown event", "event", msg.Event)
		return
	}

	if err != nil {
		c.logger.Warn("dropping event", "event", msg.Event, "error", err)
	}
}

var errMissingData = errors.New("event data is required")

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return errMissingData
	}
	return json.Unmarshal(data, v)
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
