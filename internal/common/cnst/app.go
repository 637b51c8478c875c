package cnst

const (
	AppName     = "beacon"
	CommandName = "beacon"
)

// Redis deployment topologies accepted by every Redis-backed component
const (
	RedisClusterTypeSingle   = "single"
	RedisClusterTypeSentinel = "sentinel"
	RedisClusterTypeCluster  = "cluster"
)

// Namespace partitions the push protocol by audience.
type Namespace string

const (
	NamespaceUser  Namespace = "/user"
	NamespaceAdmin Namespace = "/admin"
)

func (n Namespace) String() string {
	return string(n)
}

// Valid reports whether n is one of the known namespaces
func (n Namespace) Valid() bool {
	return n == NamespaceUser || n == NamespaceAdmin
}

// Role is the registered role of an authenticated user
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) String() string {
	return string(r)
}

// Room name prefixes used by the connection registry
const (
	RoomUserPrefix = "user:"
	RoomRolePrefix = "role:"
)

// HTTP transport names
const (
	SessionCookieName   = "beacon_sid"
	SessionHeaderScheme = "Session"
	SessionQueryParam   = "sid"
	CSRFHeaderName      = "X-CSRF-Token"
)
