// Package lockout tracks failed login attempts and temporarily locks
// accounts that exceed the allowed number of failures.
package lockout

import (
	"time"

	"github.com/bissquit/sheetdash/internal/identity"
)

// Config contains lockout thresholds.
type Config struct {
	// MaxAttempts is the number of failures within Window that triggers a
	// lock. Zero disables lockout.
	MaxAttempts int
	Window      time.Duration
	Cooldown    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 15 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Minute
	}
	return c
}

var (
	_ identity.LoginLimiter = (*MemoryStore)(nil)
	_ identity.LoginLimiter = (*RedisStore)(nil)
)
