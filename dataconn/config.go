package dataconn

import "time"

const (
	// DefaultRetryCount bounds every polling loop of the package.
	DefaultRetryCount = 10
	// DefaultListDelay is the pause after a listing so the next command does
	// not race the closing data connection.
	DefaultListDelay = 10 * time.Millisecond
)

// Config holds the timeouts and retry bounds of the data channel.
type Config struct {
	// DataTimeout bounds the wait for the data connection and for the end
	// of a command.
	DataTimeout time.Duration
	// ConnectTimeout bounds a passive bind and each active dial.
	ConnectTimeout time.Duration
	RetryCount     int
	RetryDelay     time.Duration
	ListDelay      time.Duration
	MinimalDelay   time.Duration
	// ActiveDataPort is the local port used for active connections, 0 for any.
	ActiveDataPort uint16
}

// DefaultConfig returns the default data channel settings.
func DefaultConfig() Config {
	return Config{
		DataTimeout:    30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		RetryCount:     DefaultRetryCount,
		RetryDelay:     100 * time.Millisecond,
		ListDelay:      DefaultListDelay,
		MinimalDelay:   time.Millisecond,
	}
}

// withDefaults fills the zero fields of c from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DataTimeout <= 0 {
		c.DataTimeout = d.DataTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RetryCount <= 0 {
		c.RetryCount = d.RetryCount
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ListDelay <= 0 {
		c.ListDelay = d.ListDelay
	}
	if c.MinimalDelay <= 0 {
		c.MinimalDelay = d.MinimalDelay
	}
	return c
}
