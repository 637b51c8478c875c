package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/registry"
)

// EnvelopeType is the type field of notification frames
const EnvelopeType = "notification"

// ScopeKind selects who a message is for
type ScopeKind string

const (
	ScopeUser      ScopeKind = "user"
	ScopeRole      ScopeKind = "role"
	ScopeBroadcast ScopeKind = "broadcast"
)

// Scope is the target audience of a message
type Scope struct {
	Kind   ScopeKind `json:"kind"`
	UserID string    `json:"user_id,omitempty"`
	Role   cnst.Role `json:"role,omitempty"`
}

func UserScope(userID string) Scope {
	return Scope{Kind: ScopeUser, UserID: userID}
}

func RoleScope(role cnst.Role) Scope {
	return Scope{Kind: ScopeRole, Role: role}
}

func BroadcastScope() Scope {
	return Scope{Kind: ScopeBroadcast}
}

// Validate rejects scopes that cannot be resolved. Only the admin role has a room.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeUser:
		if s.UserID == "" {
			return fmt.Errorf("%w: user scope without user id", cnst.ErrInvalidScope)
		}
	case ScopeRole:
		if s.Role != cnst.RoleAdmin {
			return fmt.Errorf("%w: unsupported role %q", cnst.ErrInvalidScope, s.Role)
		}
	case ScopeBroadcast:
	default:
		return fmt.Errorf("%w: unknown kind %q", cnst.ErrInvalidScope, s.Kind)
	}
	return nil
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeUser:
		return "user:" + s.UserID
	case ScopeRole:
		return "role:" + string(s.Role)
	default:
		return string(s.Kind)
	}
}

// recipient is the backlog key for the scope; broadcasts are never persisted
func (s Scope) recipient() string {
	switch s.Kind {
	case ScopeUser:
		return registry.UserRoom(s.UserID)
	case ScopeRole:
		return registry.RoleRoom(s.Role)
	default:
		return ""
	}
}

// target is the registry selection for the scope. Role scopes require the
// registered role, so joining the room by name is never enough.
func (s Scope) target() registry.Target {
	switch s.Kind {
	case ScopeUser:
		return registry.Target{Namespace: cnst.NamespaceUser, Room: registry.UserRoom(s.UserID)}
	case ScopeRole:
		return registry.Target{Namespace: cnst.NamespaceAdmin, Room: registry.RoleRoom(s.Role), Role: s.Role}
	default:
		return registry.Target{Namespace: cnst.NamespaceUser}
	}
}

// State is where a message ended up after Publish
type State string

const (
	StateCreated   State = "created"
	StateDelivered State = "delivered"
	StatePersisted State = "persisted"
	// StateDropped means nobody was connected and the scope is not persisted
	StateDropped State = "dropped"
)

// Message is a notification handed to the router
type Message struct {
	ID        string          `json:"id"`
	Scope     Scope           `json:"scope"`
	Category  string          `json:"category,omitempty"`
	Priority  cnst.Priority   `json:"priority"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	State     State           `json:"state"`
	// Durable keeps the message in the backlog until the client acknowledges it
	Durable bool `json:"durable,omitempty"`
}

func (m *Message) envelope(ackRequired bool) *registry.Envelope {
	return &registry.Envelope{
		Type:        EnvelopeType,
		MessageID:   m.ID,
		Category:    m.Category,
		Priority:    m.Priority,
		Payload:     m.Payload,
		CreatedAt:   m.CreatedAt,
		AckRequired: ackRequired,
		Recipient:   m.Scope.recipient(),
	}
}

// Result summarizes one Publish call
type Result struct {
	MessageID  string `json:"message_id"`
	State      State  `json:"state"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
	Persisted  bool   `json:"persisted"`
}
