package config

import (
	"time"

	"github.com/amoylab/beacon/internal/common/cnst"
)

const (
	DefaultPort              = 5335
	DefaultSessionTTL        = 24 * time.Hour
	DefaultOpTimeout         = 2 * time.Second
	DefaultSweepInterval     = 5 * time.Minute
	DefaultKeyPrefix         = "beacon"
	DefaultBacklogMax        = 100
	DefaultBacklogRetention  = 24 * time.Hour
	DefaultPurgeInterval     = 10 * time.Minute
	DefaultAdmissionTimeout  = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMissedHeartbeats  = 2
	DefaultWriteTimeout      = 10 * time.Second
	DefaultFanoutLimit       = 16
	DefaultReadLimit         = 4096
	DefaultCSRFWindow        = time.Hour
	DefaultBusTopic          = "beacon:sessions"
)

// ApplyDefaults fills zero values with the service defaults
func ApplyDefaults(cfg *BeaconConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	s := &cfg.Session
	if s.Type == "" {
		s.Type = "memory"
	}
	if s.TTL <= 0 {
		s.TTL = DefaultSessionTTL
	}
	if s.OpTimeout <= 0 {
		s.OpTimeout = DefaultOpTimeout
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = DefaultSweepInterval
	}
	if s.Prefix == "" {
		s.Prefix = DefaultKeyPrefix
	}
	if s.Redis.ClusterType == "" {
		s.Redis.ClusterType = cnst.RedisClusterTypeSingle
	}
	if s.Cookie.SameSite == "" {
		s.Cookie.SameSite = "lax"
	}

	b := &cfg.Backlog
	if b.Type == "" {
		b.Type = s.Type
		if b.Type == "db" {
			b.Type = "memory"
		}
	}
	if b.MaxPerUser <= 0 {
		b.MaxPerUser = DefaultBacklogMax
	}
	if b.Retention <= 0 {
		b.Retention = DefaultBacklogRetention
	}
	if b.PurgeInterval <= 0 {
		b.PurgeInterval = DefaultPurgeInterval
	}
	if b.Prefix == "" {
		b.Prefix = s.Prefix
	}
	if b.Redis.Addr == "" {
		b.Redis = s.Redis
	}

	g := &cfg.Gateway
	if g.AdmissionTimeout <= 0 {
		g.AdmissionTimeout = DefaultAdmissionTimeout
	}
	if g.HeartbeatInterval <= 0 {
		g.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if g.MissedHeartbeats <= 0 {
		g.MissedHeartbeats = DefaultMissedHeartbeats
	}
	if g.WriteTimeout <= 0 {
		g.WriteTimeout = DefaultWriteTimeout
	}
	if g.FanoutLimit <= 0 {
		g.FanoutLimit = DefaultFanoutLimit
	}
	if g.ReadLimit <= 0 {
		g.ReadLimit = DefaultReadLimit
	}

	if cfg.CSRF.Window <= 0 {
		cfg.CSRF.Window = DefaultCSRFWindow
	}

	if cfg.Bus.Type == "" {
		cfg.Bus.Type = "memory"
	}
	if cfg.Bus.Topic == "" {
		cfg.Bus.Topic = DefaultBusTopic
	}
	if cfg.Bus.Redis.Addr == "" {
		cfg.Bus.Redis = s.Redis
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = cnst.AppName
	}
}
