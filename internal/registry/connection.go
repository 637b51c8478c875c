package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amoylab/beacon/internal/common/cnst"
)

// WebSocket close codes used when the server ends a connection
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// State is the lifecycle of a push connection
type State int32

const (
	StatePending State = iota
	StateAdmitted
	StateRejected
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAdmitted:
		return "admitted"
	case StateRejected:
		return "rejected"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection describes an admitted client
type Connection struct {
	ID          string
	SessionID   string
	UserID      string
	Role        cnst.Role
	Namespace   cnst.Namespace
	Rooms       []string
	ConnectedAt time.Time
}

// Envelope is the server to client event frame
type Envelope struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId"`
	Category  string          `json:"category,omitempty"`
	Priority  cnst.Priority   `json:"priority"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	// AckRequired asks the client to answer with {"ack": messageId}
	AckRequired bool `json:"ackRequired,omitempty"`
	// Recipient is the backlog key the envelope is persisted under; empty for broadcasts
	Recipient string `json:"-"`
}

// Transport writes frames to one client. Implementations apply their own write deadline.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
	Close(code int, reason string) error
}

// Target selects connections: Room empty means every connection in Namespace,
// Role non-empty additionally requires the registered role to match
type Target struct {
	Namespace cnst.Namespace
	Room      string
	Role      cnst.Role
}

// UserRoom is the room every connection of a user joins
func UserRoom(userID string) string {
	return cnst.RoomUserPrefix + userID
}

// RoleRoom is the room connections of a privileged role join
func RoleRoom(role cnst.Role) string {
	return cnst.RoomRolePrefix + string(role)
}
