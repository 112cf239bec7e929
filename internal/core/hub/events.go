package hub

import (
	"encoding/json"
	"time"
)

// Event type names on the wire. The client-to-hub names double as the
// hub-to-client relay names: the hub forwards application payloads verbatim,
// stamped with the sending participant and a server timestamp. The hub never
// interprets relayed payloads; it must stay a pure fan-out relay and never
// become a second source of truth for entity data.
const (
	// client -> hub
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"
	EventEditStart = "edit-start"
	EventEditStop  = "edit-stop"

	// hub -> client
	EventActiveMembers = "active-members"
	EventMemberJoined  = "member-joined"
	EventMemberLeft    = "member-left"
	EventEditStarted   = "edit-started"
	EventEditStopped   = "edit-stopped"

	// relayed both ways
	EventFieldChange        = "field-change"
	EventEntityUpdate       = "entity-update"
	EventRelationshipChange = "relationship-change"
	EventUploadProgress     = "upload-progress"
	EventCursorMove         = "cursor-move"
	EventCommentAdd         = "comment-add"
	EventActivity           = "activity"
)

// Event is the wire envelope for everything the hub sends. ParticipantID and
// Timestamp are stamped by the hub on outbound events.
type Event struct {
	Type          string          `json:"type"`
	ParticipantID string          `json:"participantId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Member describes one room member in an active-members reply.
type Member struct {
	ParticipantID string `json:"participantId"`
	ConnectionID  string `json:"connectionId"`
}

// ActiveMembers is the reply sent to a joining connection.
type ActiveMembers struct {
	EntityID string   `json:"entityId"`
	Members  []Member `json:"members"`
}

// Membership announces a member joining or leaving a room.
type Membership struct {
	EntityID      string `json:"entityId"`
	ParticipantID string `json:"participantId"`
}

// EditLock announces an edit lock transition on (entity, field).
type EditLock struct {
	EntityID      string `json:"entityId"`
	Field         string `json:"field,omitempty"`
	ParticipantID string `json:"participantId"`
}

// FieldChange carries one field edit.
type FieldChange struct {
	EntityID  string      `json:"entityId"`
	Field     string      `json:"field"`
	Value     interface{} `json:"value"`
	Operation string      `json:"operation,omitempty"`
}

// EntityUpdate carries a partial entity update.
type EntityUpdate struct {
	EntityID string          `json:"entityId"`
	Updates  json.RawMessage `json:"updates"`
}

// RelationshipChange announces a relationship edit between two entities.
type RelationshipChange struct {
	RelType          string `json:"relType"`
	EntityID1        string `json:"entityId1"`
	EntityID2        string `json:"entityId2"`
	RelationshipType string `json:"relationshipType,omitempty"`
}

// UploadProgress reports media upload progress for co-viewers.
type UploadProgress struct {
	EntityID string  `json:"entityId"`
	Progress float64 `json:"progress"`
	FileName string  `json:"fileName"`
}

// CursorMove reports a participant's cursor position.
type CursorMove struct {
	EntityID string  `json:"entityId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// CommentAdd carries a new comment on an entity.
type CommentAdd struct {
	EntityID string `json:"entityId"`
	Comment  string `json:"comment"`
	ParentID string `json:"parentId,omitempty"`
}

// Activity is a free-form activity notification.
type Activity struct {
	Action   string                 `json:"action"`
	EntityID string                 `json:"entityId,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func newEvent(typ, participantID string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:          typ,
		ParticipantID: participantID,
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}, nil
}
