package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidIntent is wrapped by every validation failure returned from Intent.Validate.
var ErrInvalidIntent = errors.New("invalid mutation")

// Collection names the entity family a mutation targets.
type Collection string

const (
	CollectionProducts  Collection = "products"
	CollectionVariants  Collection = "variants"
	CollectionOrders    Collection = "orders"
	CollectionCustomers Collection = "customers"
	CollectionSettings  Collection = "settings"
)

// Collections lists every known collection in display order.
var Collections = []Collection{
	CollectionProducts,
	CollectionVariants,
	CollectionOrders,
	CollectionCustomers,
	CollectionSettings,
}

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCollection converts s (case-insensitive) to a Collection.
func ParseCollection(s string) (Collection, error) {
	c := Collection(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown collection %q", ErrInvalidIntent, s)
	}
	return c, nil
}

// Action describes the intended effect of a mutation, not the literal remote call.
type Action string

const (
	ActionCreate     Action = "CREATE"
	ActionUpdate     Action = "UPDATE"
	ActionDelete     Action = "DELETE"
	ActionSoftDelete Action = "SOFT_DELETE"
)

// Actions lists every known action.
var Actions = []Action{ActionCreate, ActionUpdate, ActionDelete, ActionSoftDelete}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionSoftDelete:
		return true
	default:
		return false
	}
}

// ParseAction converts s (case-insensitive, "-" accepted for "_") to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_"))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, s)
	}
	return a, nil
}

// Intent is a mutation as described by a producer, before the queue assigns
// it an id and a timestamp.
type Intent struct {
	Collection Collection     `json:"collection" yaml:"collection"`
	Action     Action         `json:"action" yaml:"action"`
	DocumentID string         `json:"documentId" yaml:"documentId"`
	Data       map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Validate checks that the intent can be queued.
func (i Intent) Validate() error {
	if !i.Collection.Valid() {
		return fmt.Errorf("%w: unknown collection %q", ErrInvalidIntent, i.Collection)
	}
	if !i.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, i.Action)
	}
	if strings.TrimSpace(i.DocumentID) == "" {
		return fmt.Errorf("%w: documentId is required", ErrInvalidIntent)
	}
	return nil
}

// Mutation is a queued, not yet confirmed write against the remote store.
// It is never modified after it is appended, except for temporary id rewrites.
type Mutation struct {
	ID         int64          `json:"id" yaml:"id"`
	Collection Collection     `json:"collection" yaml:"collection"`
	Action     Action         `json:"action" yaml:"action"`
	DocumentID string         `json:"documentId" yaml:"documentId"`
	Data       map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	EnqueuedAt time.Time      `json:"enqueuedAt" yaml:"enqueuedAt"`
}

// Intent returns the producer-side view of m.
func (m Mutation) Intent() Intent {
	return Intent{
		Collection: m.Collection,
		Action:     m.Action,
		DocumentID: m.DocumentID,
		Data:       m.Data,
	}
}

// String returns a short description used in log lines.
func (m Mutation) String() string {
	return fmt.Sprintf("#%d %s %s/%s", m.ID, m.Action, m.Collection, m.DocumentID)
}
