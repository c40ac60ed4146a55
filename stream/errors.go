package stream

import (
	"errors"
	"fmt"
)

var (
	ErrClosed              = errors.New("stream closed")
	ErrAlreadyRunning      = errors.New("stream already running")
	ErrNotConnected        = errors.New("not connected")
	ErrUnsupportedChannel  = errors.New("channel not supported by exchange")
	ErrCredentialsRequired = errors.New("credentials required for private channel")
	ErrKeepaliveTimeout    = errors.New("no pong within keepalive timeout")
	ErrAuthTimeout         = errors.New("no authentication acknowledgement")
	ErrConnectionClosed    = errors.New("connection closed by peer")
	// ErrSessionExpired is wrapped by adapters when the exchange revokes the
	// negotiated session, e.g. an expired listen key. It forces a reconnect.
	ErrSessionExpired = errors.New("session expired")
)

// TransportError covers socket, TLS and DNS failures. Always recoverable:
// the connection reconnects.
type TransportError struct {
	Exchange string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unknown frame. Logged and dropped.
type ProtocolError struct {
	Exchange string
	Frame    string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol: %v", e.Exchange, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthenticationError is a rejected or unanswered login. Fatal is set once
// the retry limit is exhausted; only then is it delivered to private
// subscriptions.
type AuthenticationError struct {
	Exchange string
	Attempt  int
	Fatal    bool
	Err      error
}

func (e *AuthenticationError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("%s: authentication failed after %d attempts: %v", e.Exchange, e.Attempt, e.Err)
	}
	return fmt.Sprintf("%s: authentication attempt %d failed: %v", e.Exchange, e.Attempt, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SequenceGapError is handled internally by resyncing. It only reaches a
// subscription when resync itself keeps failing.
type SequenceGapError struct {
	Exchange string
	Symbol   string
	Attempts int
	Err      error
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s: %s book resync failed after %d attempts: %v", e.Exchange, e.Symbol, e.Attempts, e.Err)
}

func (e *SequenceGapError) Unwrap() error { return e.Err }

// SubscriptionError means the exchange rejected one channel. It is delivered
// once to that subscription, which is then removed.
type SubscriptionError struct {
	Exchange string
	Key      ChannelKey
	Code     string
	Message  string
}

func (e *SubscriptionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: subscription %s rejected (%s): %s", e.Exchange, e.Key, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: subscription %s rejected: %s", e.Exchange, e.Key, e.Message)
}
