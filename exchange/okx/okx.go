package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"cryptostream/exchange"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

const (
	Name       = "okx"
	PublicURL  = "wss://ws.okx.com:8443/ws/v5/public"
	PrivateURL = "wss://ws.okx.com:8443/ws/v5/private"

	// books pushes 400 levels; the checksum covers the top 25.
	checksumDepth = 25
	instType      = "SWAP"
	verifyPath    = "/users/self/verify"
)

// Options configures the adapter. Zero values select production endpoints.
type Options struct {
	PublicURL  string
	PrivateURL string
	Markets    exchange.Markets
	Clock      exchange.Clock
}

// Adapter speaks the OKX v5 websocket protocol for perpetual swaps.
type Adapter struct {
	opts    Options
	markets exchange.Markets

	mu      sync.Mutex
	nextID  int64
	pending map[string]stream.ChannelKey
	login   bool
}

// New returns an OKX adapter.
func New(opts Options) *Adapter {
	if opts.PublicURL == "" {
		opts.PublicURL = PublicURL
	}
	if opts.PrivateURL == "" {
		opts.PrivateURL = PrivateURL
	}
	if opts.Markets == nil {
		opts.Markets = exchange.NewStaticMarkets(Name)
	}
	if opts.Clock == nil {
		opts.Clock = exchange.SystemClock
	}
	return &Adapter{opts: opts, markets: opts.Markets, pending: make(map[string]stream.ChannelKey)}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Endpoint(private bool) string {
	if private {
		return a.opts.PrivateURL
	}
	return a.opts.PublicURL
}

// Supports reports the channels served by the public and private endpoints.
// Candles are only published on the business endpoint.
func (a *Adapter) Supports(ch stream.Channel) bool {
	switch ch {
	case stream.ChannelTicker, stream.ChannelOrderBook, stream.ChannelTrades, stream.ChannelLiquidations,
		stream.ChannelBalance, stream.ChannelOrders, stream.ChannelPositions:
		return true
	default:
		return false
	}
}

type arg struct {
	Channel  string `json:"channel"`
	InstType string `json:"instType,omitempty"`
	InstID   string `json:"instId,omitempty"`
}

type request struct {
	ID   string `json:"id,omitempty"`
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

func (a *Adapter) arg(key stream.ChannelKey) (arg, error) {
	var instID string
	if key.Symbol != "" {
		m, err := a.markets.Market(key.Symbol)
		if err != nil {
			return arg{}, err
		}
		instID = m.ID
	}
	switch key.Channel {
	case stream.ChannelTicker:
		return arg{Channel: "tickers", InstID: instID}, nil
	case stream.ChannelOrderBook:
		return arg{Channel: "books", InstID: instID}, nil
	case stream.ChannelTrades:
		return arg{Channel: "trades", InstID: instID}, nil
	case stream.ChannelLiquidations:
		return arg{Channel: "liquidation-orders", InstType: instType}, nil
	case stream.ChannelBalance:
		return arg{Channel: "account"}, nil
	case stream.ChannelOrders:
		return arg{Channel: "orders", InstType: instType, InstID: instID}, nil
	case stream.ChannelPositions:
		return arg{Channel: "positions", InstType: instType, InstID: instID}, nil
	}
	return arg{}, fmt.Errorf("%s: %w", key.Channel, stream.ErrUnsupportedChannel)
}

// Topic identifies the wire channel; liquidation-orders covers every swap.
func (a *Adapter) Topic(key stream.ChannelKey) string {
	ar, err := a.arg(key)
	if err != nil {
		return key.String()
	}
	return ar.Channel + "|" + ar.InstType + "|" + ar.InstID
}

func (a *Adapter) SubscribeFrames(reqs []stream.Request, unsubscribe bool) ([][]byte, error) {
	op := "subscribe"
	if unsubscribe {
		op = "unsubscribe"
	}
	frames := make([][]byte, 0, len(reqs))
	for _, r := range reqs {
		ar, err := a.arg(r.Key)
		if err != nil {
			return nil, err
		}
		id := a.track(r.Key)
		data, err := json.Marshal(request{ID: id, Op: op, Args: []any{ar}})
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	return frames, nil
}

// track assigns a request id so error events can be traced to their key.
func (a *Adapter) track(key stream.ChannelKey) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := strconv.FormatInt(a.nextID, 10)
	a.pending[id] = key
	return id
}

func (a *Adapter) resolve(id string) (stream.ChannelKey, bool) {
	if id == "" {
		return stream.ChannelKey{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.pending[id]
	delete(a.pending, id)
	return key, ok
}

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

func (a *Adapter) AuthFrame(creds exchange.Credentials) ([]byte, error) {
	if creds.Empty() {
		return nil, stream.ErrCredentialsRequired
	}
	ts := exchange.Seconds(a.opts.Clock())
	sign := exchange.HMACBase64(ts+"GET"+verifyPath, creds.Secret, exchange.SHA256)
	a.mu.Lock()
	a.login = true
	a.mu.Unlock()
	return json.Marshal(request{Op: "login", Args: []any{loginArg{
		APIKey:     creds.APIKey,
		Passphrase: creds.Passphrase,
		Timestamp:  ts,
		Sign:       sign,
	}}})
}

func (a *Adapter) PingFrame() []byte { return []byte("ping") }

func (a *Adapter) PongFrame(stream.Envelope) []byte { return nil }

func (a *Adapter) BookConfig() orderbook.Config {
	return orderbook.Config{
		Rule:          orderbook.Linked{},
		Checksum:      orderbook.InterleavedCRC32,
		ChecksumDepth: checksumDepth,
	}
}
