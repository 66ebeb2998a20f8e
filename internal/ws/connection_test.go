package ws

import (
	"chatio/internal/models"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockWS struct {
	// readCh carries models.ClientEvent values or errors to return from ReadJSON.
	readCh      chan any
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan any, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() {
		m.closed = true
		close(m.closeCh)
	})
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case item, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if err, isErr := item.(error); isErr {
			return err
		}
		if ptr, ok := v.(*models.ClientEvent); ok {
			*ptr = item.(models.ClientEvent)
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type hubCall struct {
	method string
	connID string
	arg    string
}

type mockHub struct {
	calls    chan hubCall
	events   chan models.ServerEvent
	joinErr  error
	relayErr error
}

func newMockHub() *mockHub {
	return &mockHub{
		calls:  make(chan hubCall, 20),
		events: make(chan models.ServerEvent, 10),
	}
}

func (m *mockHub) OnConnect(connID string) <-chan models.ServerEvent {
	m.calls <- hubCall{method: "connect", connID: connID}
	return m.events
}

func (m *mockHub) OnSetup(_ context.Context, connID, userID string) error {
	m.calls <- hubCall{method: "setup", connID: connID, arg: userID}
	return nil
}

func (m *mockHub) Join(_ context.Context, connID, roomID string) error {
	m.calls <- hubCall{method: "join", connID: connID, arg: roomID}
	return m.joinErr
}

func (m *mockHub) Leave(_ context.Context, connID, roomID string) error {
	m.calls <- hubCall{method: "leave", connID: connID, arg: roomID}
	return nil
}

func (m *mockHub) StartTyping(_ context.Context, connID, roomID string) error {
	m.calls <- hubCall{method: "typing", connID: connID, arg: roomID}
	return nil
}

func (m *mockHub) StopTyping(_ context.Context, connID, roomID string) error {
	m.calls <- hubCall{method: "stop typing", connID: connID, arg: roomID}
	return nil
}

func (m *mockHub) RelayMessage(_ context.Context, connID string, env models.Envelope) error {
	m.calls <- hubCall{method: "relay", connID: connID, arg: env.ID}
	return m.relayErr
}

func (m *mockHub) OnDisconnect(_ context.Context, connID string) {
	m.calls <- hubCall{method: "disconnect", connID: connID}
}

func (m *mockHub) expect(t *testing.T, method, arg string) hubCall {
	t.Helper()
	select {
	case c := <-m.calls:
		if c.method != method || c.arg != arg {
			t.Fatalf("expected %s(%q), got %s(%q)", method, arg, c.method, c.arg)
		}
		return c
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s(%q)", method, arg)
	}
	return hubCall{}
}

func clientEvent(t *testing.T, event models.ClientEventType, data any) models.ClientEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return models.ClientEvent{Event: event, Data: raw}
}

func startConnection(t *testing.T, hub *mockHub, ws *mockWS, sessionUserID string) (*Connection, context.CancelFunc, chan error) {
	t.Helper()
	conn := NewConnection(hub, ws, sessionUserID)
	hub.expect(t, "connect", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Handle(ctx)
	}()
	return conn, cancel, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("Handle did not return")
	}
	return nil
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn, cancel, done := startConnection(t, hub, ws, "user1")
	defer cancel()

	// 1. Client -> Hub
	ws.readCh <- clientEvent(t, models.ClientEventSetup, map[string]string{"_id": "user1"})
	call := hub.expect(t, "setup", "user1")
	if call.connID != conn.ID() {
		t.Errorf("expected conn id %s, got %s", conn.ID(), call.connID)
	}

	ws.readCh <- clientEvent(t, models.ClientEventNewMessage, models.Envelope{
		ID:       "m1",
		SenderID: "user1",
		Chat:     models.EnvelopeChat{ID: "c1", Users: []models.ChatUser{{ID: "user1"}, {ID: "user2"}}},
	})
	hub.expect(t, "relay", "m1")

	// 2. Hub -> Client
	hub.events <- models.ServerEvent{Event: models.ServerEventConnected}
	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if ev.Event != models.ServerEventConnected {
			t.Errorf("WS received wrong event: %v", ev.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("WS did not receive server event")
	}

	// 3. Stop
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Handle returned error: %v", err)
	}
	hub.expect(t, "disconnect", "")
	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_RoutesRoomEvents(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	_, cancel, done := startConnection(t, hub, ws, "")
	defer cancel()

	tests := []struct {
		event  models.ClientEventType
		method string
	}{
		{models.ClientEventJoinChat, "join"},
		{models.ClientEventTyping, "typing"},
		{models.ClientEventStopTyping, "stop typing"},
		{models.ClientEventLeaveChat, "leave"},
	}
	for _, tt := range tests {
		ws.readCh <- clientEvent(t, tt.event, "room1")
		hub.expect(t, tt.method, "room1")
	}

	cancel()
	_ = waitDone(t, done)
}

func TestConnection_SetupAcceptsIDAlias(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	_, cancel, done := startConnection(t, hub, ws, "")
	defer cancel()

	ws.readCh <- clientEvent(t, models.ClientEventSetup, map[string]string{"id": "user7"})
	hub.expect(t, "setup", "user7")

	cancel()
	_ = waitDone(t, done)
}

func TestConnection_SetupForOtherUserDropped(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	_, cancel, done := startConnection(t, hub, ws, "user1")
	defer cancel()

	ws.readCh <- clientEvent(t, models.ClientEventSetup, map[string]string{"_id": "intruder"})
	// The connection keeps working after the rejected setup.
	ws.readCh <- clientEvent(t, models.ClientEventTyping, "room1")
	hub.expect(t, "typing", "room1")

	cancel()
	_ = waitDone(t, done)
}

func TestConnection_InvalidEventsDropped(t *testing.T) {
	hub := newMockHub()
	hub.joinErr = ErrNotParticipant
	ws := newMockWS()
	_, cancel, done := startConnection(t, hub, ws, "")
	defer cancel()

	ws.readCh <- models.ClientEvent{Event: models.ClientEventSetup}
	ws.readCh <- models.ClientEvent{Event: "dance"}
	ws.readCh <- &json.SyntaxError{Offset: 1}
	ws.readCh <- clientEvent(t, models.ClientEventTyping, 42)
	ws.readCh <- clientEvent(t, models.ClientEventJoinChat, "forbidden")
	hub.expect(t, "join", "forbidden")

	ws.readCh <- clientEvent(t, models.ClientEventStopTyping, "room1")
	hub.expect(t, "stop typing", "room1")

	select {
	case err := <-done:
		t.Fatalf("connection closed on invalid input: %v", err)
	default:
	}

	cancel()
	_ = waitDone(t, done)
}

func TestConnection_EventsClosed(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	_, cancel, done := startConnection(t, hub, ws, "user1")
	defer cancel()

	close(hub.events)

	if err := waitDone(t, done); err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
	hub.expect(t, "disconnect", "")
	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user2")
	hub.expect(t, "connect", "")

	// Simulate ReadJSON error immediately
	ws.errToReturn = errors.New("read error")

	done := make(chan error, 1)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	if err := waitDone(t, done); err == nil {
		t.Error("Expected error from Handle, got nil")
	}
	hub.expect(t, "disconnect", "")
	if !ws.closed {
		t.Error("WS Close not called")
	}
}
