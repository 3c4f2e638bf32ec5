package testutil

import (
	"strings"

	"github.com/google/uuid"
)

// RandomEmail returns a unique address so tests sharing a database do not collide.
func RandomEmail() string {
	return "user-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "@example.com"
}
