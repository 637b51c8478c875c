package bus

import (
	"context"
	"time"
)

// Action identifies what happened to a session
type Action string

const (
	// ActionDestroy is published when individual sessions are destroyed
	ActionDestroy Action = "destroy"
	// ActionDestroyUser is published when every session of a user is destroyed
	ActionDestroyUser Action = "destroy_user"
)

// Role controls whether a bus instance publishes, watches, or both
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
	RoleBoth     Role = "both"
)

// Event is a session invalidation broadcast to every instance
type Event struct {
	Action     Action    `json:"action"`
	SessionIDs []string  `json:"session_ids,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Bus carries session invalidation events between instances
type Bus interface {
	// Watch returns a channel of events published after the call. The channel closes when ctx ends.
	Watch(ctx context.Context) (<-chan *Event, error)

	// Publish sends an event to every watcher
	Publish(ctx context.Context, evt *Event) error

	// CanReceive returns true if the bus can watch events
	CanReceive() bool

	// CanSend returns true if the bus can publish events
	CanSend() bool

	Close() error
}

func canReceive(r Role) bool {
	return r == RoleReceiver || r == RoleBoth
}

func canSend(r Role) bool {
	return r == RoleSender || r == RoleBoth
}
