package allocation

import "fmt"

// MovePolicy decides what happens to a job whose move failed after the
// unassign step succeeded.
type MovePolicy string

const (
	// LeaveUnassigned keeps the job unassigned; an operator re-drops it.
	LeaveUnassigned MovePolicy = "leave_unassigned"
	// Restore re-assigns the job to its origin vehicle.
	Restore MovePolicy = "restore"
)

// Config defines allocation service settings.
type Config struct {
	MovePolicy MovePolicy `json:"move_policy"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.MovePolicy == "" {
		c.MovePolicy = LeaveUnassigned
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.MovePolicy {
	case LeaveUnassigned, Restore:
		return nil
	default:
		return fmt.Errorf("unknown move policy %q", c.MovePolicy)
	}
}
