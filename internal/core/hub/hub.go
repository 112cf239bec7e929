// Package hub implements the presence and coordination hub: per-entity rooms,
// advisory TTL edit locks, and best-effort broadcast fan-out between the
// connections viewing the same record. Lock and membership truth lives in the
// shared lock store, keyed by stable ids, so several hub instances can serve
// the same tree; the in-process maps are only the local delivery index.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kinsync/kinsync/internal/core/events/bus"
	"github.com/kinsync/kinsync/internal/core/lockstore"
	"github.com/kinsync/kinsync/internal/observability/log"
)

// Config holds hub tuning knobs. LockTTL bounds every edit lock; there is no
// renewal protocol, a holder re-issues edit-start to keep a lock alive.
type Config struct {
	LockTTL       time.Duration
	SendQueueSize int
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:       30 * time.Second,
		SendQueueSize: 256,
	}
}

// Hub coordinates rooms, locks and broadcasts.
type Hub struct {
	cfg    Config
	store  lockstore.Store
	bus    bus.EventBus
	logger log.Log

	mu     sync.RWMutex
	conns  map[string]*Connection
	rooms  map[string]map[string]*Connection
	closed bool
}

// New creates a hub on top of the given shared store. The event bus receives a
// copy of every room event for in-process observers; pass nil to disable.
func New(cfg Config, store lockstore.Store, eventBus bus.EventBus, logger log.Log) *Hub {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultConfig().SendQueueSize
	}
	return &Hub{
		cfg:    cfg,
		store:  store,
		bus:    eventBus,
		logger: logger.With(log.String("component", "hub")),
		conns:  make(map[string]*Connection),
		rooms:  make(map[string]map[string]*Connection),
	}
}

// Connect registers an authenticated transport session and starts its writer.
// The transport layer performs the handshake; a connection that reaches the
// hub is already past Connecting and Authenticated.
func (h *Hub) Connect(participantID string, sender Sender) (*Connection, error) {
	conn := &Connection{
		id:            uuid.NewString(),
		participantID: participantID,
		sender:        sender,
		send:          make(chan Event, h.cfg.SendQueueSize),
		done:          make(chan struct{}),
		logger:        h.logger,
	}
	conn.state.Store(int32(StateActive))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.conns[conn.id] = conn
	h.mu.Unlock()

	go conn.writePump()

	h.logger.Info("connection registered",
		log.String("connection_id", conn.id),
		log.String("participant_id", participantID))
	return conn, nil
}

// Join adds the connection to the entity's room, replies to the caller with
// the current member list and announces member-joined to the others.
func (h *Hub) Join(ctx context.Context, connID, entityID string) error {
	conn, err := h.activeConn(connID)
	if err != nil {
		return err
	}

	value := lockstore.Value{
		ParticipantID: conn.participantID,
		ConnectionID:  connID,
		AcquiredAt:    time.Now().UTC(),
	}
	if err := h.store.Set(ctx, lockstore.RoomKey(entityID, connID), value, 0); err != nil {
		return err
	}

	h.mu.Lock()
	room := h.rooms[entityID]
	if room == nil {
		room = make(map[string]*Connection)
		h.rooms[entityID] = room
	}
	room[connID] = conn
	h.mu.Unlock()

	members, err := h.roomMembers(ctx, entityID)
	if err != nil {
		return err
	}
	reply, err := newEvent(EventActiveMembers, conn.participantID, ActiveMembers{EntityID: entityID, Members: members})
	if err != nil {
		return err
	}
	conn.enqueue(reply)

	h.broadcast(connID, entityID, EventMemberJoined, conn.participantID,
		Membership{EntityID: entityID, ParticipantID: conn.participantID})
	return nil
}

// Leave removes the membership and announces member-left. An empty room is
// dropped from the local index.
func (h *Hub) Leave(ctx context.Context, connID, entityID string) error {
	conn, err := h.activeConn(connID)
	if err != nil {
		return err
	}

	if err := h.store.Delete(ctx, lockstore.RoomKey(entityID, connID)); err != nil {
		return err
	}
	h.removeFromRoom(connID, entityID)

	h.broadcast(connID, entityID, EventMemberLeft, conn.participantID,
		Membership{EntityID: entityID, ParticipantID: conn.participantID})
	return nil
}

// StartEdit attempts to acquire the advisory lock on (entity, field). A held
// lock is contention, not an error: the caller gets acquired=false and decides
// how to surface "field is being edited by someone else". On success the room
// is told edit-started.
func (h *Hub) StartEdit(ctx context.Context, connID, entityID, field string) (bool, error) {
	conn, err := h.activeConn(connID)
	if err != nil {
		return false, err
	}

	value := lockstore.Value{
		ParticipantID: conn.participantID,
		ConnectionID:  connID,
		AcquiredAt:    time.Now().UTC(),
	}
	acquired, err := h.store.SetIfAbsent(ctx, lockstore.LockKey(entityID, field), value, h.cfg.LockTTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	h.broadcast(connID, entityID, EventEditStarted, conn.participantID,
		EditLock{EntityID: entityID, Field: field, ParticipantID: conn.participantID})
	return true, nil
}

// StopEdit releases the lock if and only if the caller is the recorded holder
// and announces edit-stopped. A stop from a non-holder is a no-op: the lock
// may simply have expired and been taken by someone else.
func (h *Hub) StopEdit(ctx context.Context, connID, entityID, field string) error {
	conn, err := h.activeConn(connID)
	if err != nil {
		return err
	}

	key := lockstore.LockKey(entityID, field)
	value, ok, err := h.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || value.ConnectionID != connID {
		return nil
	}
	if err := h.store.Delete(ctx, key); err != nil {
		return err
	}

	h.broadcast(connID, entityID, EventEditStopped, conn.participantID,
		EditLock{EntityID: entityID, Field: field, ParticipantID: conn.participantID})
	return nil
}

// BroadcastFieldChange relays one field edit to the entity's co-viewers.
func (h *Hub) BroadcastFieldChange(ctx context.Context, connID string, p FieldChange) error {
	return h.relay(ctx, connID, EventFieldChange, p, p.EntityID)
}

// BroadcastEntityUpdate relays a partial entity update.
func (h *Hub) BroadcastEntityUpdate(ctx context.Context, connID string, p EntityUpdate) error {
	return h.relay(ctx, connID, EventEntityUpdate, p, p.EntityID)
}

// BroadcastRelationshipChange relays a relationship edit to the rooms of both
// involved entities.
func (h *Hub) BroadcastRelationshipChange(ctx context.Context, connID string, p RelationshipChange) error {
	rooms := []string{p.EntityID1}
	if p.EntityID2 != "" && p.EntityID2 != p.EntityID1 {
		rooms = append(rooms, p.EntityID2)
	}
	return h.relay(ctx, connID, EventRelationshipChange, p, rooms...)
}

// BroadcastUploadProgress relays media upload progress.
func (h *Hub) BroadcastUploadProgress(ctx context.Context, connID string, p UploadProgress) error {
	return h.relay(ctx, connID, EventUploadProgress, p, p.EntityID)
}

// BroadcastCursor relays a cursor position.
func (h *Hub) BroadcastCursor(ctx context.Context, connID string, p CursorMove) error {
	return h.relay(ctx, connID, EventCursorMove, p, p.EntityID)
}

// BroadcastComment relays a new comment.
func (h *Hub) BroadcastComment(ctx context.Context, connID string, p CommentAdd) error {
	return h.relay(ctx, connID, EventCommentAdd, p, p.EntityID)
}

// BroadcastActivity relays a free-form activity notification.
func (h *Hub) BroadcastActivity(ctx context.Context, connID string, p Activity) error {
	rooms := []string(nil)
	if p.EntityID != "" {
		rooms = append(rooms, p.EntityID)
	}
	return h.relay(ctx, connID, EventActivity, p, rooms...)
}

// OnDisconnect runs the cleanup cascade for a closed connection: every room
// membership is removed with a member-left broadcast, every lock the
// connection holds is deleted with an edit-stopped broadcast. The cascade must
// be exhaustive; a crashed connection must never leave a phantom membership or
// a dangling lock beyond the lock's natural TTL.
func (h *Hub) OnDisconnect(ctx context.Context, connID string) error {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	h.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}

	entries, err := h.store.ScanByConnection(ctx, connID)
	if err != nil {
		h.logger.Error("disconnect scan failed", log.String("connection_id", connID), log.Error(err))
		entries = nil
	}
	for _, entry := range entries {
		if err := h.store.Delete(ctx, entry.Key); err != nil {
			h.logger.Error("disconnect cleanup delete failed", log.String("key", entry.Key), log.Error(err))
			continue
		}
		switch {
		case lockstore.IsRoomKey(entry.Key):
			entityID, _, ok := lockstore.SplitRoomKey(entry.Key)
			if !ok {
				continue
			}
			h.removeFromRoom(connID, entityID)
			h.broadcast(connID, entityID, EventMemberLeft, conn.participantID,
				Membership{EntityID: entityID, ParticipantID: conn.participantID})
		case lockstore.IsLockKey(entry.Key):
			entityID, field, ok := lockstore.SplitLockKey(entry.Key)
			if !ok {
				continue
			}
			h.broadcast(connID, entityID, EventEditStopped, conn.participantID,
				EditLock{EntityID: entityID, Field: field, ParticipantID: conn.participantID})
		}
	}

	conn.close()
	h.logger.Info("connection cleaned up",
		log.String("connection_id", connID),
		log.String("participant_id", conn.participantID),
		log.Int64("dropped_events", conn.Dropped()))
	return nil
}

// Close disconnects every connection and rejects further registrations.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		_ = h.OnDisconnect(ctx, id)
	}
	return nil
}

// activeConn resolves a connection id, failing loudly on stale handles.
func (h *Hub) activeConn(connID string) (*Connection, error) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownConnection
	}
	if conn.State() == StateDisconnected {
		return nil, ErrConnectionDisconnected
	}
	return conn, nil
}

// roomMembers reads the shared membership truth for an entity's room.
func (h *Hub) roomMembers(ctx context.Context, entityID string) ([]Member, error) {
	entries, err := h.store.Scan(ctx, lockstore.RoomPrefix(entityID))
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(entries))
	for _, e := range entries {
		members = append(members, Member{
			ParticipantID: e.Value.ParticipantID,
			ConnectionID:  e.Value.ConnectionID,
		})
	}
	return members, nil
}

// relay forwards an application payload verbatim to the rooms' members.
func (h *Hub) relay(_ context.Context, connID, eventType string, payload interface{}, entityIDs ...string) error {
	conn, err := h.activeConn(connID)
	if err != nil {
		return err
	}
	for _, entityID := range entityIDs {
		h.broadcast(connID, entityID, eventType, conn.participantID, payload)
	}
	return nil
}

// broadcast fans an event out to every room member on this instance except the
// sender. Fan-out never blocks on a slow receiver; the per-connection writer
// preserves the order events were enqueued here.
func (h *Hub) broadcast(senderConnID, entityID, eventType, participantID string, payload interface{}) {
	ev, err := newEvent(eventType, participantID, payload)
	if err != nil {
		h.logger.Error("broadcast encode failed", log.String("event_type", eventType), log.Error(err))
		return
	}

	h.mu.RLock()
	room := h.rooms[entityID]
	targets := make([]*Connection, 0, len(room))
	for id, conn := range room {
		if id == senderConnID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.enqueue(ev)
	}

	if h.bus != nil {
		_ = h.bus.PublishToTopic(entityID, bus.NewEvent(eventType, senderConnID, ev))
	}
}

func (h *Hub) removeFromRoom(connID, entityID string) {
	h.mu.Lock()
	if room := h.rooms[entityID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, entityID)
		}
	}
	h.mu.Unlock()
}
