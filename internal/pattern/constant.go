package pattern

import (
	"time"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Constant keeps a fixed number of users for the whole run.
type Constant struct {
	users int
}

// NewConstant creates a constant user-count pattern.
func NewConstant(users int) *Constant {
	return &Constant{users: users}
}

// Name returns the pattern identifier.
func (c *Constant) Name() types.LoadPattern {
	return types.PatternConstant
}

// Users returns the configured count regardless of elapsed time.
func (c *Constant) Users(time.Duration) int {
	return c.users
}

// Peak returns the configured count.
func (c *Constant) Peak() int {
	return c.users
}
