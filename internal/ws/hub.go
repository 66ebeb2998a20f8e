package ws

import (
	"chatio/internal/models"
	"chatio/internal/presence"
	"chatio/internal/rooms"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultSendBuffer = 100

	presenceUpdateBuffer = 256
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotSetUp          = errors.New("connection is not set up")
	ErrMissingUserID     = errors.New("user id is required")
	ErrMissingRoomID     = errors.New("room id is required")
	ErrInvalidEnvelope   = errors.New("invalid message envelope")
	ErrSenderMismatch    = errors.New("envelope sender does not match connection user")
	ErrNotParticipant    = errors.New("user is not a participant of the chat")
)

// presenceRecorder persists the online flag of a user.
type presenceRecorder interface {
	MarkUserOnline(userID string) error
	MarkUserOffline(userID string) error
}

type chatLookup interface {
	FetchChatByID(chatID string) (models.Chat, error)
}

// Fanout carries deliveries to every node of a deployment, this one included.
type Fanout interface {
	Publish(ctx context.Context, d models.Delivery) error
}

type peer struct {
	id     string
	userID string
	// held is the user whose presence slot this connection holds.
	held   string
	send   chan models.ServerEvent
	closed bool
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

type presenceUpdate struct {
	userID string
	online bool
}

// Hub coordinates live connections: presence transitions, room membership,
// per-user message relay and typing broadcasts.
type Hub struct {
	// Map of connID -> peer
	conns map[string]*peer

	// Map of userID -> set of connIDs (private per-user channel)
	users map[string]map[string]struct{}

	rooms    *rooms.Router
	presence presence.Store
	fanout   Fanout
	recorder presenceRecorder
	chats    chatLookup

	validateJoin bool
	sendBuffer   int
	updates      chan presenceUpdate
	logger       *slog.Logger

	// Connections registered and not yet torn down.
	active  int
	closing bool

	mu sync.RWMutex

	// Presence transitions of one user run under its lock, store call and
	// announcement together.
	userLocks map[string]*userLock
	locksMu   sync.Mutex
}

type Option func(*Hub)

// WithPresence replaces the in-memory presence store.
func WithPresence(store presence.Store) Option {
	return func(h *Hub) { h.presence = store }
}

func WithRooms(router *rooms.Router) Option {
	return func(h *Hub) { h.rooms = router }
}

// WithFanout routes every delivery through f instead of delivering locally.
// The caller must feed f's incoming deliveries back into Hub.Deliver.
func WithFanout(f Fanout) Option {
	return func(h *Hub) { h.fanout = f }
}

func WithRecorder(r presenceRecorder) Option {
	return func(h *Hub) { h.recorder = r }
}

// WithJoinValidation makes Join check that the connection's user is a
// participant of the chat behind the room.
func WithJoinValidation(chats chatLookup) Option {
	return func(h *Hub) {
		h.chats = chats
		h.validateJoin = chats != nil
	}
}

func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		conns:      make(map[string]*peer),
		users:      make(map[string]map[string]struct{}),
		userLocks:  make(map[string]*userLock),
		sendBuffer: DefaultSendBuffer,
		updates:    make(chan presenceUpdate, presenceUpdateBuffer),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.rooms == nil {
		h.rooms = rooms.New()
	}
	if h.presence == nil {
		h.presence = presence.NewMemory()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Run writes presence changes to the recorder until ctx is done. Writes are
// applied one at a time in the order the transitions happened.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case u := <-h.updates:
			h.record(u)
		case <-ctx.Done():
			for {
				select {
				case u := <-h.updates:
					h.record(u)
				default:
					return nil
				}
			}
		}
	}
}

func (h *Hub) record(u presenceUpdate) {
	if h.recorder == nil {
		return
	}
	var err error
	if u.online {
		err = h.recorder.MarkUserOnline(u.userID)
	} else {
		err = h.recorder.MarkUserOffline(u.userID)
	}
	if err != nil {
		h.logger.Error("failed to record presence", "user_id", u.userID, "online", u.online, "error", err)
	}
}

// OnConnect registers a new connection with no user bound and returns the
// channel of events addressed to it. The channel is closed on disconnect.
// Once CloseAll was called the returned channel is already closed.
func (h *Hub) OnConnect(connID string) <-chan models.ServerEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p, ok := h.conns[connID]; ok {
		return p.send
	}

	p := &peer{
		id:   connID,
		send: make(chan models.ServerEvent, h.sendBuffer),
	}
	if h.closing {
		p.closed = true
		close(p.send)
	}
	h.conns[connID] = p
	h.active++
	h.logger.Debug("connection registered", "conn_id", connID)
	return p.send
}

// OnSetup binds userID to the connection, subscribes it to the user's
// private channel and acknowledges with Connected. Repeating setup for the
// same user only repeats the acknowledgment; setup for another user releases
// the previous binding first. When the presence store fails the connection
// is left unbound and no acknowledgment is sent.
func (h *Hub) OnSetup(ctx context.Context, connID, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}

	h.mu.Lock()
	p, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("setup %s: %w", connID, ErrUnknownConnection)
	}
	previous := p.userID
	if previous == userID {
		h.mu.Unlock()
		h.ack(p)
		return nil
	}
	if previous != "" {
		h.unbind(p)
	}
	p.userID = userID
	conns, ok := h.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		h.users[userID] = conns
	}
	conns[connID] = struct{}{}
	h.mu.Unlock()

	if previous != "" {
		h.logger.Info("connection rebound to another user", "conn_id", connID, "previous_user_id", previous, "user_id", userID)
		h.release(ctx, p, previous)
	}
	if err := h.acquire(ctx, p, userID); err != nil {
		return err
	}

	h.logger.Info("user connected", "conn_id", connID, "user_id", userID)
	return nil
}

// OnDisconnect tears the connection down: it leaves every room and the
// private channel, and the user goes offline when this was its last
// connection. Unknown connections are ignored.
func (h *Hub) OnDisconnect(ctx context.Context, connID string) {
	h.mu.Lock()
	p, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	userID := p.userID
	if userID != "" {
		h.unbind(p)
	}
	left := h.rooms.LeaveAll(connID)
	if !p.closed {
		p.closed = true
		close(p.send)
	}
	h.mu.Unlock()

	if userID != "" {
		// Teardown must finish even if the connection's context is gone.
		h.release(context.WithoutCancel(ctx), p, userID)
	}

	h.mu.Lock()
	h.active--
	h.mu.Unlock()
	h.logger.Info("connection closed", "conn_id", connID, "user_id", userID, "rooms_left", len(left))
}

// unbind removes p from its user's private channel. Caller holds h.mu.
func (h *Hub) unbind(p *peer) {
	if conns, ok := h.users[p.userID]; ok {
		delete(conns, p.id)
		if len(conns) == 0 {
			delete(h.users, p.userID)
		}
	}
	p.userID = ""
}

// lockUser serializes presence transitions of userID and returns the unlock
// func.
func (h *Hub) lockUser(userID string) func() {
	h.locksMu.Lock()
	l, ok := h.userLocks[userID]
	if !ok {
		l = &userLock{}
		h.userLocks[userID] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.userLocks, userID)
		}
		h.locksMu.Unlock()
	}
}

// acquire takes a presence slot of userID for p and acknowledges the setup.
func (h *Hub) acquire(ctx context.Context, p *peer, userID string) error {
	unlock := h.lockUser(userID)
	defer unlock()

	n, err := h.presence.Acquire(ctx, userID)
	if err != nil {
		// Unbound, so disconnect will not give back a slot p never got.
		h.mu.Lock()
		if p.userID == userID {
			h.unbind(p)
		}
		h.mu.Unlock()
		return fmt.Errorf("setup %s: %w", p.id, err)
	}

	h.mu.Lock()
	live := h.conns[p.id] == p && p.userID == userID
	if live {
		p.held = userID
	}
	h.mu.Unlock()

	if !live {
		// Disconnected or rebound while the store was busy.
		if _, err := h.presence.Release(ctx, userID); err != nil {
			h.logger.Error("failed to release presence", "user_id", userID, "error", err)
		}
		return nil
	}

	h.ack(p)
	if n == 1 && h.confirm(ctx, userID, true) {
		h.presenceChanged(ctx, userID, p.id, true)
	}
	return nil
}

// release gives back the slot p holds for userID, if any.
func (h *Hub) release(ctx context.Context, p *peer, userID string) {
	unlock := h.lockUser(userID)
	defer unlock()

	h.mu.Lock()
	held := p.held == userID
	if held {
		p.held = ""
	}
	h.mu.Unlock()
	if !held {
		return
	}

	n, err := h.presence.Release(ctx, userID)
	if errors.Is(err, presence.ErrNotHeld) {
		h.logger.Warn("presence slot already gone", "user_id", userID, "conn_id", p.id)
		return
	}
	if err != nil {
		h.logger.Error("failed to release presence", "user_id", userID, "error", err)
		return
	}
	if n == 0 && h.confirm(ctx, userID, false) {
		h.presenceChanged(ctx, userID, p.id, false)
	}
}

// confirm re-reads the count before a transition is announced. With a
// shared store another node may have moved it in the meantime, and the
// later transition will be announced by that node.
func (h *Hub) confirm(ctx context.Context, userID string, online bool) bool {
	n, err := h.presence.Count(ctx, userID)
	if err != nil {
		return true
	}
	return (n > 0) == online
}

// presenceChanged records the transition and announces it to every set-up
// connection except the one that caused it. Caller holds the user's lock.
func (h *Hub) presenceChanged(ctx context.Context, userID, connID string, online bool) {
	if h.recorder != nil {
		select {
		case h.updates <- presenceUpdate{userID: userID, online: online}:
		default:
			h.logger.Warn("presence update dropped: queue full", "user_id", userID, "online", online)
		}
	}

	event := models.ServerEventUserOffline
	if online {
		event = models.ServerEventUserOnline
	}
	h.publish(ctx, models.Delivery{
		Scope:       models.DeliveryScopeAll,
		ExcludeConn: connID,
		Event:       event,
		Data:        mustJSON(models.PresencePayload{UserID: userID}),
	})
}

func (h *Hub) ack(p *peer) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.trySend(p, models.ServerEvent{Event: models.ServerEventConnected})
}

// Join subscribes the connection to roomID. Joining twice is a no-op.
func (h *Hub) Join(ctx context.Context, connID, roomID string) error {
	if roomID == "" {
		return ErrMissingRoomID
	}

	if h.validateJoin {
		if err := h.checkParticipant(connID, roomID); err != nil {
			return err
		}
	}

	// Holding the read lock keeps a concurrent disconnect from leaving a
	// dead connection behind in the room.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.conns[connID]; !ok {
		return fmt.Errorf("join %s: %w", roomID, ErrUnknownConnection)
	}
	if h.rooms.Join(connID, roomID) {
		h.logger.Debug("joined room", "conn_id", connID, "room_id", roomID)
	}
	return nil
}

func (h *Hub) checkParticipant(connID, roomID string) error {
	h.mu.RLock()
	p, ok := h.conns[connID]
	var userID string
	if ok {
		userID = p.userID
	}
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("join %s: %w", roomID, ErrUnknownConnection)
	}
	if userID == "" {
		return fmt.Errorf("join %s: %w", roomID, ErrNotSetUp)
	}

	chat, err := h.chats.FetchChatByID(roomID)
	if err != nil {
		return fmt.Errorf("fetch chat %s: %w", roomID, err)
	}
	if !chat.HasUser(userID) {
		return fmt.Errorf("join %s: %w", roomID, ErrNotParticipant)
	}
	return nil
}

// Leave unsubscribes the connection from roomID.
func (h *Hub) Leave(_ context.Context, connID, roomID string) error {
	if roomID == "" {
		return ErrMissingRoomID
	}
	h.rooms.Leave(connID, roomID)
	return nil
}

// StartTyping tells every other connection in roomID that the sender is typing.
func (h *Hub) StartTyping(ctx context.Context, connID, roomID string) error {
	return h.typing(ctx, connID, roomID, models.ServerEventTyping)
}

// StopTyping tells every other connection in roomID that the sender stopped typing.
func (h *Hub) StopTyping(ctx context.Context, connID, roomID string) error {
	return h.typing(ctx, connID, roomID, models.ServerEventStopTyping)
}

func (h *Hub) typing(ctx context.Context, connID, roomID string, event models.ServerEventType) error {
	if roomID == "" {
		return ErrMissingRoomID
	}
	h.publish(ctx, models.Delivery{
		Scope:       models.DeliveryScopeRoom,
		Target:      roomID,
		ExcludeConn: connID,
		Event:       event,
		Data:        mustJSON(roomID),
	})
	return nil
}

// RelayMessage delivers an already persisted envelope to the private channel
// of every chat participant except the sender. Participants without live
// connections are skipped; nothing is queued.
func (h *Hub) RelayMessage(ctx context.Context, connID string, env models.Envelope) error {
	if env.SenderID == "" {
		return fmt.Errorf("%w: missing sender id", ErrInvalidEnvelope)
	}
	if len(env.Chat.Users) == 0 {
		return fmt.Errorf("%w: chat has no users", ErrInvalidEnvelope)
	}

	if connID != "" {
		h.mu.RLock()
		p, ok := h.conns[connID]
		var bound string
		if ok {
			bound = p.userID
		}
		h.mu.RUnlock()
		if bound != "" && bound != env.SenderID {
			return fmt.Errorf("relay %s: %w", env.ID, ErrSenderMismatch)
		}
	}

	data := mustJSON(env)
	seen := make(map[string]struct{}, len(env.Chat.Users))
	for _, u := range env.Chat.Users {
		if u.ID == "" || u.ID == env.SenderID {
			continue
		}
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}

		h.publish(ctx, models.Delivery{
			Scope:  models.DeliveryScopeUser,
			Target: u.ID,
			Event:  models.ServerEventMessageReceived,
			Data:   data,
		})
	}
	return nil
}

func (h *Hub) publish(ctx context.Context, d models.Delivery) {
	if h.fanout == nil {
		h.Deliver(d)
		return
	}
	if err := h.fanout.Publish(ctx, d); err != nil {
		h.logger.Error("failed to publish delivery", "scope", d.Scope, "target", d.Target, "event", d.Event, "error", err)
	}
}

// Deliver hands d to the matching local connections and returns how many
// received it.
func (h *Hub) Deliver(d models.Delivery) int {
	event := models.ServerEvent{Event: d.Event}
	if len(d.Data) > 0 {
		event.Data = json.RawMessage(d.Data)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets []*peer
	switch d.Scope {
	case models.DeliveryScopeUser:
		for connID := range h.users[d.Target] {
			if p, ok := h.conns[connID]; ok {
				targets = append(targets, p)
			}
		}
	case models.DeliveryScopeRoom:
		for _, connID := range h.rooms.MembersOf(d.Target) {
			if p, ok := h.conns[connID]; ok {
				targets = append(targets, p)
			}
		}
	case models.DeliveryScopeAll:
		for _, p := range h.conns {
			if p.userID != "" {
				targets = append(targets, p)
			}
		}
	default:
		h.logger.Warn("unknown delivery scope", "scope", d.Scope)
		return 0
	}

	delivered := 0
	for _, p := range targets {
		if p.id == d.ExcludeConn {
			continue
		}
		if h.trySend(p, event) {
			delivered++
		}
	}
	return delivered
}

// trySend never blocks: a full buffer drops the event. Caller holds h.mu.
func (h *Hub) trySend(p *peer, event models.ServerEvent) bool {
	if p.closed {
		return false
	}
	select {
	case p.send <- event:
		return true
	default:
		h.logger.Warn("dropping event: send buffer full", "conn_id", p.id, "user_id", p.userID, "event", event.Event)
		return false
	}
}

// DisconnectUser closes the event channels of every connection of userID,
// which makes their connections shut down.
func (h *Hub) DisconnectUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for connID := range h.users[userID] {
		if p, ok := h.conns[connID]; ok && !p.closed {
			p.closed = true
			close(p.send)
		}
	}
}

// CloseAll closes the event channels of every connection. Connections
// registered afterwards start closed.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closing = true
	for _, p := range h.conns {
		if !p.closed {
			p.closed = true
			close(p.send)
		}
	}
}

// Drain waits until every registered connection has been torn down, so
// their presence slots are given back before the stores are closed.
func (h *Hub) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		h.mu.RLock()
		n := h.active
		h.mu.RUnlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d connections still open: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// IsOnline reports whether userID has at least one active connection.
func (h *Hub) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := h.presence.Count(ctx, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConnectionCount returns the number of local connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// UserConnections returns the number of local connections bound to userID.
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// RoomMembers returns the local connections joined to roomID.
func (h *Hub) RoomMembers(roomID string) []string {
	return h.rooms.MembersOf(roomID)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal event payload", "error", err)
		return nil
	}
	return b
}
