package stream

import (
	"time"

	"github.com/jpillora/backoff"

	"cryptostream/orderbook"
)

// Config tunes one exchange stream. It is copied into every connection and
// never mutated afterwards.
type Config struct {
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	ReconnectFactor float64
	ReconnectJitter bool

	// PingInterval and PingTimeout apply unless negotiation supplies them.
	PingInterval time.Duration
	PingTimeout  time.Duration

	AuthTimeout     time.Duration
	MaxAuthAttempts int

	BookBuffer        int
	MaxResyncAttempts int

	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	ReadBuffer        int
	// LocalAddr binds outgoing sockets to a local IP.
	LocalAddr string

	// Dialer overrides the websocket dialer.
	Dialer Dialer
	// ErrorHandler receives connection level errors not tied to a
	// subscription.
	ErrorHandler func(error)
	// OnStateChange is called on the connection worker for every transition.
	OnStateChange func(private bool, from, to State)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectMin:      time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectFactor:   2,
		ReconnectJitter:   true,
		PingInterval:      20 * time.Second,
		AuthTimeout:       10 * time.Second,
		MaxAuthAttempts:   3,
		BookBuffer:        orderbook.DefaultBufferLimit,
		MaxResyncAttempts: 5,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 10,
		Burst:             10,
		ReadBuffer:        1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = d.ReconnectMin
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.ReconnectFactor <= 1 {
		c.ReconnectFactor = d.ReconnectFactor
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * c.PingInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.MaxAuthAttempts <= 0 {
		c.MaxAuthAttempts = d.MaxAuthAttempts
	}
	if c.BookBuffer <= 0 {
		c.BookBuffer = d.BookBuffer
	}
	if c.MaxResyncAttempts <= 0 {
		c.MaxResyncAttempts = d.MaxResyncAttempts
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = d.MessagesPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = d.ReadBuffer
	}
	return c
}

func (c Config) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    c.ReconnectMin,
		Max:    c.ReconnectMax,
		Factor: c.ReconnectFactor,
		Jitter: c.ReconnectJitter,
	}
}
