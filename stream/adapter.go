package stream

import (
	"context"
	"net/http"
	"time"

	"cryptostream/exchange"
	"cryptostream/orderbook"
)

// Kind classifies an envelope.
type Kind int

const (
	KindData Kind = iota
	KindControl
	KindError
)

// Control is the type of a control envelope.
type Control int

const (
	ControlNone Control = iota
	ControlPing
	ControlPong
	ControlAck
	ControlAuth
	ControlWelcome
)

// BookPart tags order book data envelopes.
type BookPart int

const (
	NotBook BookPart = iota
	BookSnapshot
	BookUpdate
)

// Envelope is the parsed form of one logical message. A frame may carry
// several, e.g. a batch of trades.
//
// Data envelopes carry a normalized payload: a models value for simple
// channels, orderbook.Snapshot or orderbook.Update for book channels.
// Control envelopes of type ControlAuth or ControlAck report the outcome in
// Err (nil on success). Error envelopes set Err and, when the exchange names
// the channel, Key.
type Envelope struct {
	Kind    Kind
	Control Control
	Key     ChannelKey
	Book    BookPart
	Payload any
	Err     error
	// ID correlates pings and acks on exchanges that number them.
	ID string
}

// Session is the outcome of negotiation.
type Session struct {
	URL    string
	Header http.Header
	Token  string
	// PingInterval and PingTimeout override the configured keepalive when set.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// Authenticated is set when the URL itself grants private access, as with
	// listen keys or private tokens, so no auth frame is exchanged.
	Authenticated bool
}

// Adapter captures everything exchange specific about a stream.
type Adapter interface {
	Name() string
	// Endpoint is the URL dialed when the adapter does not negotiate.
	Endpoint(private bool) string
	Supports(ch Channel) bool
	// SubscribeFrames builds subscribe or unsubscribe frames for reqs.
	SubscribeFrames(reqs []Request, unsubscribe bool) ([][]byte, error)
	// AuthFrame builds the login frame for private channels.
	AuthFrame(creds exchange.Credentials) ([]byte, error)
	// PingFrame returns the application ping, or nil to use websocket pings.
	PingFrame() []byte
	// PongFrame answers a server ping envelope, or returns nil.
	PongFrame(ping Envelope) []byte
	// Parse turns one frame into envelopes. Malformed frames return an error.
	Parse(data []byte) ([]Envelope, error)
	// BookConfig returns the sequence rule and checksum of book channels.
	BookConfig() orderbook.Config
}

// Negotiator is implemented by adapters that must discover their endpoint
// or a token before dialing.
type Negotiator interface {
	Negotiate(ctx context.Context, private bool, creds exchange.Credentials) (Session, error)
}

// SnapshotFetcher is implemented by adapters whose book streams carry no
// snapshot, or that prefer REST snapshots to resubscribing on resync.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string, depth int) (orderbook.Snapshot, error)
	// StreamSnapshots reports whether the book channel sends its own snapshot
	// after subscribing. REST is then only used to resync.
	StreamSnapshots() bool
}

// SessionRefresher keeps a negotiated session alive, e.g. a listen key.
type SessionRefresher interface {
	RefreshInterval() time.Duration
	RefreshSession(ctx context.Context, s Session, creds exchange.Credentials) error
}

// TopicSharer is implemented by adapters where several keys map to one
// exchange topic, e.g. per-symbol watches on an all-symbol private feed.
// The topic is only unsubscribed once no registered key uses it.
type TopicSharer interface {
	Topic(key ChannelKey) string
}
