// Package lockstore provides the shared, TTL-capable key-value state behind
// edit locks and room membership. Every record is keyed by a stable id so the
// hub can run as multiple stateless instances against one store; the memory
// implementation serves a single instance and tests, and the interface is the
// seam for an external store in a load-balanced deployment.
package lockstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("lock store is closed")

// Value is the record stored under a key: who holds it and since when.
type Value struct {
	ParticipantID string    `json:"participantId"`
	ConnectionID  string    `json:"connectionId"`
	AcquiredAt    time.Time `json:"acquiredAt"`
}

// Entry pairs a key with its stored value during scans.
type Entry struct {
	Key   string
	Value Value
}

// Store is the shared TTL key-value contract. SetIfAbsent must be atomic: of
// two concurrent callers racing for the same absent key, exactly one wins.
// Entries with a positive ttl expire on their own; expiry is the only
// self-healing mechanism against a crashed holder. A ttl of zero means the
// entry does not expire.
type Store interface {
	SetIfAbsent(ctx context.Context, key string, value Value, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (Value, bool, error)
	Set(ctx context.Context, key string, value Value, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	ScanByConnection(ctx context.Context, connectionID string) ([]Entry, error)
	Close() error
}

// Key layout helpers. Locks and memberships share one namespace so that a
// single ScanByConnection covers the whole disconnect cascade.

const (
	lockPrefix = "lock/"
	roomPrefix = "room/"
)

// LockKey builds the key for an edit lock on (entity, field). An empty field
// means the general, whole-record lock.
func LockKey(entityID, field string) string {
	if field == "" {
		field = "general"
	}
	return lockPrefix + entityID + "/" + field
}

// RoomKey builds the membership key for a connection in an entity's room.
func RoomKey(entityID, connectionID string) string {
	return roomPrefix + entityID + "/" + connectionID
}

// RoomPrefix is the scan prefix for all members of an entity's room.
func RoomPrefix(entityID string) string {
	return roomPrefix + entityID + "/"
}

// IsLockKey reports whether key names an edit lock.
func IsLockKey(key string) bool {
	return strings.HasPrefix(key, lockPrefix)
}

// IsRoomKey reports whether key names a room membership.
func IsRoomKey(key string) bool {
	return strings.HasPrefix(key, roomPrefix)
}

// SplitLockKey returns the entity id and field of a lock key.
func SplitLockKey(key string) (entityID, field string, ok bool) {
	if !IsLockKey(key) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, lockPrefix)
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// SplitRoomKey returns the entity id and connection id of a membership key.
func SplitRoomKey(key string) (entityID, connectionID string, ok bool) {
	if !IsRoomKey(key) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, roomPrefix)
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
