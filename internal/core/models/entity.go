package models

import (
	"encoding/json"
	"time"
)

// Metadata carries the optimistic-versioning state of an entity. Version
// strictly increases by exactly 1 on every accepted mutation and is never
// decremented or reused; it is the sole conflict signal.
type Metadata struct {
	Version        int64     `json:"version"`
	LastModified   time.Time `json:"lastModified"`
	LastModifiedBy string    `json:"lastModifiedBy"`
}

// LifeEvent is one element of an entity's keyed event collection. Each event
// versions independently through its own LastModified stamp.
type LifeEvent struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Date         string    `json:"date,omitempty"`
	Place        string    `json:"place,omitempty"`
	Description  string    `json:"description,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// Entity is the collaboratively edited record: a person in the tree. Scalar
// fields live in Fields; Parents, Children and Spouses are sets of entity ids.
type Entity struct {
	ID         string                 `json:"id"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Parents    []string               `json:"parents,omitempty"`
	Children   []string               `json:"children,omitempty"`
	Spouses    []string               `json:"spouses,omitempty"`
	LifeEvents []LifeEvent            `json:"lifeEvents,omitempty"`
	Metadata   Metadata               `json:"metadata"`
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := &Entity{
		ID:       e.ID,
		Metadata: e.Metadata,
	}
	if e.Fields != nil {
		out.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	out.Parents = append([]string(nil), e.Parents...)
	out.Children = append([]string(nil), e.Children...)
	out.Spouses = append([]string(nil), e.Spouses...)
	out.LifeEvents = append([]LifeEvent(nil), e.LifeEvents...)
	return out
}

// MarshalPayload serializes the entity for queueing or submission.
func (e *Entity) MarshalPayload() (json.RawMessage, error) {
	return json.Marshal(e)
}

// UnmarshalEntity parses an entity from a queued payload.
func UnmarshalEntity(data json.RawMessage) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
