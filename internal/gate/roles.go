package gate

import (
	"context"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/config"
)

// RoleResolver returns the registered role of a user. Host applications inject
// their own; StaticRoles reads the configured admin list.
type RoleResolver interface {
	ResolveRole(ctx context.Context, userID string) (cnst.Role, error)
}

// StaticRoles grants the admin role to a fixed set of user ids
type StaticRoles struct {
	admins map[string]struct{}
}

var _ RoleResolver = (*StaticRoles)(nil)

func NewStaticRoles(cfg config.RolesConfig) *StaticRoles {
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = struct{}{}
	}
	return &StaticRoles{admins: admins}
}

func (s *StaticRoles) ResolveRole(_ context.Context, userID string) (cnst.Role, error) {
	if _, ok := s.admins[userID]; ok {
		return cnst.RoleAdmin, nil
	}
	return cnst.RoleUser, nil
}
