package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/google/uuid"

	"cryptostream/exchange"
	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

const (
	Name       = "bybit"
	PublicURL  = "wss://stream.bybit.com/v5/public/linear"
	PrivateURL = "wss://stream.bybit.com/v5/private"
	RESTURL    = "https://api.bybit.com"

	defaultBookDepth = 50
	authValidity     = 10 * time.Second
)

// bookDepths are the orderbook topic levels offered for linear contracts.
var bookDepths = []int{1, 50, 200, 500}

var intervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1M": "M",
}

// Options configures the adapter. Zero values select production endpoints.
type Options struct {
	PublicURL  string
	PrivateURL string
	RESTURL    string
	HTTPClient *http.Client
	// BookDepth is used for order book watches without an explicit depth.
	BookDepth int
	Clock     exchange.Clock
}

// Adapter speaks the Bybit v5 websocket protocol for linear contracts.
type Adapter struct {
	opts    Options
	markets *exchange.StaticMarkets
	log     *logger.Entry

	mu      sync.Mutex
	pending map[string]stream.ChannelKey
	tickers map[string]models.Ticker
}

// New returns a Bybit adapter.
func New(opts Options) *Adapter {
	if opts.PublicURL == "" {
		opts.PublicURL = PublicURL
	}
	if opts.PrivateURL == "" {
		opts.PrivateURL = PrivateURL
	}
	if opts.RESTURL == "" {
		opts.RESTURL = RESTURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = exchange.NewHTTPClient(exchange.HTTPConfig{})
	}
	if opts.BookDepth <= 0 {
		opts.BookDepth = defaultBookDepth
	}
	if opts.Clock == nil {
		opts.Clock = exchange.SystemClock
	}
	return &Adapter{
		opts:    opts,
		markets: exchange.NewStaticMarkets(Name),
		log:     logger.GetLogger().WithComponent("adapter").WithExchange(Name),
		pending: make(map[string]stream.ChannelKey),
		tickers: make(map[string]models.Ticker),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Endpoint(private bool) string {
	if private {
		return a.opts.PrivateURL
	}
	return a.opts.PublicURL
}

func (a *Adapter) Supports(ch stream.Channel) bool {
	switch ch {
	case stream.ChannelTicker, stream.ChannelOrderBook, stream.ChannelTrades, stream.ChannelOHLCV,
		stream.ChannelLiquidations, stream.ChannelBalance, stream.ChannelOrders,
		stream.ChannelMyTrades, stream.ChannelPositions:
		return true
	default:
		return false
	}
}

// Markets exposes the instrument metadata known to the adapter.
func (a *Adapter) Markets() exchange.Markets { return a.markets }

func (a *Adapter) bookDepth(requested int) int {
	if requested <= 0 {
		requested = a.opts.BookDepth
	}
	for _, d := range bookDepths {
		if d >= requested {
			return d
		}
	}
	return bookDepths[len(bookDepths)-1]
}

func (a *Adapter) topic(req stream.Request) (string, error) {
	key := req.Key
	var id string
	if key.Symbol != "" {
		m, err := a.markets.Market(key.Symbol)
		if err != nil {
			return "", err
		}
		id = m.ID
	}
	switch key.Channel {
	case stream.ChannelTicker:
		return "tickers." + id, nil
	case stream.ChannelOrderBook:
		return "orderbook." + strconv.Itoa(a.bookDepth(req.Depth)) + "." + id, nil
	case stream.ChannelTrades:
		return "publicTrade." + id, nil
	case stream.ChannelOHLCV:
		iv, ok := intervals[key.Timeframe]
		if !ok {
			return "", fmt.Errorf("bybit: unsupported timeframe %q", key.Timeframe)
		}
		return "kline." + iv + "." + id, nil
	case stream.ChannelLiquidations:
		return "allLiquidation." + id, nil
	case stream.ChannelBalance:
		return "wallet", nil
	case stream.ChannelOrders:
		return "order", nil
	case stream.ChannelMyTrades:
		return "execution", nil
	case stream.ChannelPositions:
		return "position", nil
	}
	return "", fmt.Errorf("%s: %w", key.Channel, stream.ErrUnsupportedChannel)
}

// Topic maps private keys onto their all-symbol topic.
func (a *Adapter) Topic(key stream.ChannelKey) string {
	t, err := a.topic(stream.Request{Key: key})
	if err != nil {
		return key.String()
	}
	return t
}

type request struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

func (a *Adapter) SubscribeFrames(reqs []stream.Request, unsubscribe bool) ([][]byte, error) {
	op := "subscribe"
	if unsubscribe {
		op = "unsubscribe"
	}
	frames := make([][]byte, 0, len(reqs))
	for _, r := range reqs {
		t, err := a.topic(r)
		if err != nil {
			return nil, err
		}
		id := uuid.NewString()
		a.mu.Lock()
		a.pending[id] = r.Key
		a.mu.Unlock()
		data, err := json.Marshal(request{ReqID: id, Op: op, Args: []string{t}})
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func (a *Adapter) resolve(id string) (stream.ChannelKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.pending[id]
	delete(a.pending, id)
	return key, ok
}

func (a *Adapter) AuthFrame(creds exchange.Credentials) ([]byte, error) {
	if creds.Empty() {
		return nil, stream.ErrCredentialsRequired
	}
	expires := exchange.Millis(a.opts.Clock().Add(authValidity))
	sign := exchange.HMACHex("GET/realtime"+expires, creds.Secret, exchange.SHA256)
	return json.Marshal(request{Op: "auth", Args: []string{creds.APIKey, expires, sign}})
}

func (a *Adapter) PingFrame() []byte { return []byte(`{"op":"ping"}`) }

func (a *Adapter) PongFrame(stream.Envelope) []byte { return nil }

func (a *Adapter) BookConfig() orderbook.Config {
	return orderbook.Config{Rule: orderbook.Contiguous{}}
}

type instrument struct {
	Symbol      string `json:"symbol"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep string `json:"qtyStep"`
	} `json:"lotSizeFilter"`
}

// LoadMarkets fetches instrument metadata for symbols over REST. Unknown
// symbols fail with exchange.ErrUnknownMarket.
func (a *Adapter) LoadMarkets(ctx context.Context, symbols []string) error {
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(a.opts.RESTURL))
	client.HTTPClient = a.opts.HTTPClient

	for _, sym := range symbols {
		m, err := a.markets.Market(sym)
		if err != nil {
			return err
		}
		params := map[string]interface{}{"category": "linear", "symbol": m.ID}
		resp, err := client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err != nil {
			return fmt.Errorf("bybit instruments %s: %w", m.ID, err)
		}
		if resp.RetCode != 0 {
			return &exchange.APIError{Exchange: Name, ErrCode: strconv.Itoa(resp.RetCode), Message: resp.RetMsg}
		}
		payload, err := json.Marshal(resp.Result)
		if err != nil {
			return err
		}
		var result struct {
			List []instrument `json:"list"`
		}
		if err := json.Unmarshal(payload, &result); err != nil {
			return fmt.Errorf("bybit instruments %s: %w", m.ID, err)
		}
		if len(result.List) == 0 {
			return fmt.Errorf("%w: %s", exchange.ErrUnknownMarket, sym)
		}
		inst := result.List[0]
		a.markets.Add(exchange.Market{
			Symbol:          sym,
			ID:              inst.Symbol,
			PricePrecision:  exchange.PrecisionFromStep(inst.PriceFilter.TickSize),
			AmountPrecision: exchange.PrecisionFromStep(inst.LotSizeFilter.QtyStep),
		})
		a.log.WithFields(logger.Fields{"symbol": sym, "tick_size": inst.PriceFilter.TickSize}).Debug("market loaded")
	}
	return nil
}
