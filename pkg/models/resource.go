package models

import (
	"encoding/json"
	"time"
)

// ResourceKind identifies one of the six governed resource kinds. The
// authorization rules are identical across kinds; handlers, the guard and
// the storage layer are parameterized by kind rather than duplicated.
type ResourceKind string

const (
	KindCard         ResourceKind = "card"
	KindDocument     ResourceKind = "document"
	KindEvent        ResourceKind = "event"
	KindList         ResourceKind = "list"
	KindSubscription ResourceKind = "subscription"
	KindNote         ResourceKind = "note"
)

// ResourceKinds lists every governed kind, in cascade-delete order.
var ResourceKinds = []ResourceKind{
	KindCard, KindDocument, KindEvent, KindList, KindSubscription, KindNote,
}

var resourceTables = map[ResourceKind]string{
	KindCard:         "cards",
	KindDocument:     "documents",
	KindEvent:        "events",
	KindList:         "lists",
	KindSubscription: "subscriptions",
	KindNote:         "notes",
}

// Valid reports whether k is a known resource kind.
func (k ResourceKind) Valid() bool {
	_, ok := resourceTables[k]
	return ok
}

// Table returns the storage table name for the kind. Only whitelisted names
// are ever interpolated into SQL.
func (k ResourceKind) Table() string {
	return resourceTables[k]
}

// Resource is a governed resource of any kind: the envelope plus the
// kind-specific payload. Payload stays opaque JSON at this layer; the
// authorization core only reads the envelope.
type Resource struct {
	ID        string          `json:"id" db:"id"`
	Kind      ResourceKind    `json:"kind" db:"-"`
	Title     string          `json:"title" db:"title"`
	Data      json.RawMessage `json:"data,omitempty" db:"data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	Envelope
}
