package remote

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kilianp07/fleetalloc/auth"
)

// Config describes how to reach an allocation server.
type Config struct {
	ServerURL string `json:"server_url"`
	// Token is a static bearer token, ignored when OAuth is configured.
	Token string    `json:"token"`
	OAuth auth.Conf `json:"oauth"`

	TimeoutMS  int `json:"timeout_ms"`
	MaxRetries int `json:"max_retries"`
	BackoffMS  int `json:"backoff_ms"`
	// Buffer is the number of stream events held for a slow consumer.
	Buffer int `json:"buffer"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = "http://localhost:8080"
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 10000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 200
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server_url must be http or https, got %q", c.ServerURL)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	return nil
}

func (c Config) timeout() time.Duration { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c Config) backoff() time.Duration { return time.Duration(c.BackoffMS) * time.Millisecond }
