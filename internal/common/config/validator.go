package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	for _, f := range e.Fields {
		sb.WriteString("\n--> ")
		sb.WriteString(f)
	}
	return sb.String()
}

// Validate checks a configuration after defaults have been applied
func Validate(cfg *BeaconConfig) error {
	var problems []string

	switch cfg.Session.Type {
	case "memory", "redis":
	case "db":
		if cfg.Session.Database.Type == "" {
			problems = append(problems, "session.database.type is required when session.type is db")
		}
	default:
		problems = append(problems, fmt.Sprintf("session.type %q is not one of memory, redis, db", cfg.Session.Type))
	}
	if cfg.Session.Type == "redis" && cfg.Session.Redis.Addr == "" {
		problems = append(problems, "session.redis.addr is required when session.type is redis")
	}

	switch cfg.Backlog.Type {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("backlog.type %q is not one of memory, redis", cfg.Backlog.Type))
	}
	if cfg.Backlog.Type == "redis" && cfg.Backlog.Redis.Addr == "" {
		problems = append(problems, "backlog.redis.addr is required when backlog.type is redis")
	}

	switch cfg.Bus.Type {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("bus.type %q is not one of memory, redis", cfg.Bus.Type))
	}
	if cfg.Auth.JWT.SecretKey != "" && len(cfg.Auth.JWT.SecretKey) < 32 {
		problems = append(problems, "auth.jwt.secret_key must be at least 32 characters")
	}

	if len(cfg.CSRF.Secret) < 32 {
		problems = append(problems, "csrf.secret must be at least 32 characters")
	}

	if !cfg.Gateway.DevMode && len(cfg.Gateway.AllowedOrigins) == 0 {
		problems = append(problems, "gateway.allowed_origins must not be empty outside dev_mode")
	}
	for _, o := range cfg.Gateway.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			problems = append(problems, fmt.Sprintf("gateway.allowed_origins entry %q is not a scheme://host[:port] origin", o))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Message: "invalid configuration", Fields: problems}
	}
	return nil
}
