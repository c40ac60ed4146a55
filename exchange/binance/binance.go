package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"cryptostream/exchange"
	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

const (
	Name       = "binance"
	PublicURL  = "wss://fstream.binance.com/ws"
	PrivateURL = "wss://fstream.binance.com/ws"
	RESTURL    = "https://fapi.binance.com"

	// listen keys expire after 60 minutes without a keepalive
	listenKeyRefresh = 30 * time.Minute
	defaultDepth     = 1000
)

var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

// Options configures the adapter. Zero values select production endpoints.
type Options struct {
	PublicURL  string
	PrivateURL string
	RESTURL    string
	HTTPClient *http.Client
	// UpdateSpeed selects the diff depth stream speed: "100ms", "250ms" or "500ms".
	UpdateSpeed string
}

// Adapter speaks the Binance USD-M futures websocket protocol. Books are
// rebuilt from REST depth snapshots because the diff stream carries none,
// and private data arrives on a listen key stream.
type Adapter struct {
	opts    Options
	markets *exchange.StaticMarkets
	log     *logger.Entry

	mu      sync.Mutex
	nextID  int64
	pending map[int64]stream.ChannelKey
}

// New returns a Binance adapter.
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
	if opts.UpdateSpeed == "" {
		opts.UpdateSpeed = "100ms"
	}
	return &Adapter{
		opts:    opts,
		markets: exchange.NewStaticMarkets(Name),
		log:     logger.GetLogger().WithComponent("adapter").WithExchange(Name),
		pending: make(map[int64]stream.ChannelKey),
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

// Markets exposes the symbol mapping used by the adapter.
func (a *Adapter) Markets() exchange.Markets { return a.markets }

func (a *Adapter) client(creds exchange.Credentials) *futures.Client {
	client := futures.NewClient(creds.APIKey, creds.Secret)
	client.HTTPClient = a.opts.HTTPClient
	client.SetApiEndpoint(a.opts.RESTURL)
	return client
}

// LoadMarkets reads tick and step sizes of symbols from one exchangeInfo
// request.
func (a *Adapter) LoadMarkets(ctx context.Context, symbols []string) error {
	info, err := a.client(exchange.Credentials{}).NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance exchange info: %w", err)
	}
	listed := make(map[string]*futures.Symbol, len(info.Symbols))
	for i := range info.Symbols {
		listed[info.Symbols[i].Symbol] = &info.Symbols[i]
	}

	for _, sym := range symbols {
		m, err := a.markets.Market(sym)
		if err != nil {
			return err
		}
		s, ok := listed[m.ID]
		if !ok {
			return fmt.Errorf("%w: %s", exchange.ErrUnknownMarket, sym)
		}
		market := exchange.Market{
			Symbol:          sym,
			ID:              s.Symbol,
			PricePrecision:  int32(s.PricePrecision),
			AmountPrecision: int32(s.QuantityPrecision),
		}
		if f := s.PriceFilter(); f != nil && f.TickSize != "" {
			market.PricePrecision = exchange.PrecisionFromStep(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil && f.StepSize != "" {
			market.AmountPrecision = exchange.PrecisionFromStep(f.StepSize)
		}
		a.markets.Add(market)
		a.log.WithFields(logger.Fields{"symbol": sym, "contract": s.ContractType}).Debug("market loaded")
	}
	return nil
}

func (a *Adapter) streamName(key stream.ChannelKey) (string, error) {
	m, err := a.markets.Market(key.Symbol)
	if err != nil {
		return "", err
	}
	id := strings.ToLower(m.ID)
	switch key.Channel {
	case stream.ChannelTicker:
		return id + "@ticker", nil
	case stream.ChannelOrderBook:
		return id + "@depth@" + a.opts.UpdateSpeed, nil
	case stream.ChannelTrades:
		return id + "@aggTrade", nil
	case stream.ChannelOHLCV:
		return id + "@kline_" + key.Timeframe, nil
	case stream.ChannelLiquidations:
		return id + "@forceOrder", nil
	}
	return "", fmt.Errorf("%s: %w", key.Channel, stream.ErrUnsupportedChannel)
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// SubscribeFrames builds SUBSCRIBE requests. Private channels need none:
// the listen key stream pushes every account event.
func (a *Adapter) SubscribeFrames(reqs []stream.Request, unsubscribe bool) ([][]byte, error) {
	method := "SUBSCRIBE"
	if unsubscribe {
		method = "UNSUBSCRIBE"
	}
	var frames [][]byte
	for _, r := range reqs {
		if r.Key.Private {
			continue
		}
		name, err := a.streamName(r.Key)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.nextID++
		id := a.nextID
		a.pending[id] = r.Key
		a.mu.Unlock()
		data, err := json.Marshal(request{Method: method, Params: []string{name}, ID: id})
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func (a *Adapter) resolve(id int64) (stream.ChannelKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.pending[id]
	delete(a.pending, id)
	return key, ok
}

// AuthFrame is never sent: private sessions are authenticated by the listen
// key in the URL.
func (a *Adapter) AuthFrame(exchange.Credentials) ([]byte, error) {
	return nil, fmt.Errorf("binance: private streams authenticate through the listen key")
}

// PingFrame is nil; the server pings and the transport answers.
func (a *Adapter) PingFrame() []byte { return nil }

func (a *Adapter) PongFrame(stream.Envelope) []byte { return nil }

func (a *Adapter) BookConfig() orderbook.Config {
	return orderbook.Config{Rule: orderbook.BridgeThenLinked{}}
}

// Negotiate opens a user data stream for private sessions. Public sessions
// use the static endpoint.
func (a *Adapter) Negotiate(ctx context.Context, private bool, creds exchange.Credentials) (stream.Session, error) {
	if !private {
		return stream.Session{URL: a.opts.PublicURL}, nil
	}
	if creds.Empty() {
		return stream.Session{}, stream.ErrCredentialsRequired
	}
	listenKey, err := a.client(creds).NewStartUserStreamService().Do(ctx)
	if err != nil {
		return stream.Session{}, fmt.Errorf("binance listen key: %w", err)
	}
	return stream.Session{
		URL:           strings.TrimSuffix(a.opts.PrivateURL, "/") + "/" + listenKey,
		Token:         listenKey,
		Authenticated: true,
	}, nil
}

func (a *Adapter) RefreshInterval() time.Duration { return listenKeyRefresh }

// RefreshSession extends the listen key of a private session.
func (a *Adapter) RefreshSession(ctx context.Context, s stream.Session, creds exchange.Credentials) error {
	if s.Token == "" {
		return nil
	}
	if err := a.client(creds).NewKeepaliveUserStreamService().ListenKey(s.Token).Do(ctx); err != nil {
		return fmt.Errorf("binance listen key keepalive: %w", err)
	}
	return nil
}

func (a *Adapter) StreamSnapshots() bool { return false }

// FetchSnapshot loads the REST depth used as the base for diff events.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (orderbook.Snapshot, error) {
	m, err := a.markets.Market(symbol)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	limit := depthLimit(depth)
	start := time.Now()
	res, err := a.client(exchange.Credentials{}).NewDepthService().Symbol(m.ID).Limit(limit).Do(ctx)
	if err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("binance depth %s: %w", m.ID, err)
	}
	a.log.WithFields(logger.Fields{
		"symbol":      symbol,
		"limit":       limit,
		"last_update": res.LastUpdateID,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("depth snapshot fetched")

	snap := orderbook.Snapshot{
		Bids:      make([]models.BookEntry, 0, len(res.Bids)),
		Asks:      make([]models.BookEntry, 0, len(res.Asks)),
		Sequence:  res.LastUpdateID,
		Timestamp: models.MillisToTime(res.TradeTime),
	}
	for _, b := range res.Bids {
		snap.Bids = append(snap.Bids, models.BookEntry{Price: b.Price, Quantity: b.Quantity})
	}
	for _, s := range res.Asks {
		snap.Asks = append(snap.Asks, models.BookEntry{Price: s.Price, Quantity: s.Quantity})
	}
	return snap, nil
}

// depthLimit rounds depth up to a limit the endpoint accepts.
func depthLimit(depth int) int {
	if depth <= 0 {
		return defaultDepth
	}
	for _, l := range depthLimits {
		if l >= depth {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
