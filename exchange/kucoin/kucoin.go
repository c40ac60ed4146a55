package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"cryptostream/exchange"
	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

const (
	Name    = "kucoin"
	RESTURL = "https://api-futures.kucoin.com"

	bulletPublic  = "/api/v1/bullet-public"
	bulletPrivate = "/api/v1/bullet-private"
	level2Path    = "/api/v1/level2/snapshot"
	successCode   = "200000"
)

var granularities = map[string]string{
	"1m": "1min", "3m": "3min", "15m": "15min", "30m": "30min",
	"1h": "1hour", "2h": "2hour", "4h": "4hour", "8h": "8hour", "12h": "12hour",
	"1d": "1day", "1w": "1week",
}

// Options configures the adapter. Zero values select production endpoints.
type Options struct {
	RESTURL    string
	HTTPClient *http.Client
	Clock      exchange.Clock
}

// Adapter speaks the KuCoin futures websocket protocol. Every connection is
// preceded by a bullet token request that also yields the endpoint and the
// keepalive timings.
type Adapter struct {
	opts    Options
	rest    *resty.Client
	markets *exchange.StaticMarkets
	log     *logger.Entry

	mu      sync.Mutex
	nextID  int64
	pending map[string]stream.ChannelKey
}

// New returns a KuCoin adapter.
func New(opts Options) *Adapter {
	if opts.RESTURL == "" {
		opts.RESTURL = RESTURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = exchange.NewHTTPClient(exchange.HTTPConfig{})
	}
	if opts.Clock == nil {
		opts.Clock = exchange.SystemClock
	}
	return &Adapter{
		opts:    opts,
		rest:    resty.NewWithClient(opts.HTTPClient).SetBaseURL(opts.RESTURL),
		markets: exchange.NewStaticMarkets(Name),
		log:     logger.GetLogger().WithComponent("adapter").WithExchange(Name),
		pending: make(map[string]stream.ChannelKey),
	}
}

func (a *Adapter) Name() string { return Name }

// Endpoint is only a fallback; the real endpoint comes from negotiation.
func (a *Adapter) Endpoint(bool) string { return "wss://ws-api-futures.kucoin.com/" }

func (a *Adapter) Supports(ch stream.Channel) bool {
	switch ch {
	case stream.ChannelTicker, stream.ChannelOrderBook, stream.ChannelTrades, stream.ChannelOHLCV,
		stream.ChannelBalance, stream.ChannelOrders, stream.ChannelPositions:
		return true
	default:
		return false
	}
}

// Markets exposes the instrument metadata known to the adapter.
func (a *Adapter) Markets() exchange.Markets { return a.markets }

func (a *Adapter) topic(key stream.ChannelKey) (string, error) {
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
		return "/contractMarket/tickerV2:" + id, nil
	case stream.ChannelOrderBook:
		return "/contractMarket/level2:" + id, nil
	case stream.ChannelTrades:
		return "/contractMarket/execution:" + id, nil
	case stream.ChannelOHLCV:
		g, ok := granularities[key.Timeframe]
		if !ok {
			return "", fmt.Errorf("kucoin: unsupported timeframe %q", key.Timeframe)
		}
		return "/contractMarket/limitCandle:" + id + "_" + g, nil
	case stream.ChannelBalance:
		return "/contractAccount/wallet", nil
	case stream.ChannelOrders:
		if id == "" {
			return "/contractMarket/tradeOrders", nil
		}
		return "/contractMarket/tradeOrders:" + id, nil
	case stream.ChannelPositions:
		if id == "" {
			return "/contract/positionAll", nil
		}
		return "/contract/position:" + id, nil
	}
	return "", fmt.Errorf("%s: %w", key.Channel, stream.ErrUnsupportedChannel)
}

type request struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel,omitempty"`
	Response       bool   `json:"response,omitempty"`
}

func (a *Adapter) id() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	return strconv.FormatInt(a.nextID, 10)
}

func (a *Adapter) SubscribeFrames(reqs []stream.Request, unsubscribe bool) ([][]byte, error) {
	typ := "subscribe"
	if unsubscribe {
		typ = "unsubscribe"
	}
	frames := make([][]byte, 0, len(reqs))
	for _, r := range reqs {
		t, err := a.topic(r.Key)
		if err != nil {
			return nil, err
		}
		id := a.id()
		a.mu.Lock()
		a.pending[id] = r.Key
		a.mu.Unlock()
		data, err := json.Marshal(request{ID: id, Type: typ, Topic: t, PrivateChannel: r.Key.Private, Response: true})
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

// AuthFrame is never sent: the private bullet token authenticates the socket.
func (a *Adapter) AuthFrame(exchange.Credentials) ([]byte, error) {
	return nil, fmt.Errorf("kucoin: private sessions authenticate through the bullet token")
}

func (a *Adapter) PingFrame() []byte {
	data, _ := json.Marshal(request{ID: a.id(), Type: "ping"})
	return data
}

func (a *Adapter) PongFrame(ping stream.Envelope) []byte {
	data, _ := json.Marshal(request{ID: ping.ID, Type: "pong"})
	return data
}

func (a *Adapter) BookConfig() orderbook.Config {
	return orderbook.Config{Rule: orderbook.Contiguous{}}
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type bullet struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		Protocol     string `json:"protocol"`
		PingInterval int64  `json:"pingInterval"`
		PingTimeout  int64  `json:"pingTimeout"`
	} `json:"instanceServers"`
}

// Negotiate requests a bullet token. The returned session carries the
// server's ping interval and timeout.
func (a *Adapter) Negotiate(ctx context.Context, private bool, creds exchange.Credentials) (stream.Session, error) {
	path := bulletPublic
	req := a.rest.R().SetContext(ctx)
	if private {
		if creds.Empty() {
			return stream.Session{}, stream.ErrCredentialsRequired
		}
		path = bulletPrivate
		req.SetHeaders(a.signHeaders(creds, http.MethodPost, path, ""))
	}

	var res apiResponse
	resp, err := req.SetResult(&res).Post(path)
	if err != nil {
		return stream.Session{}, fmt.Errorf("kucoin bullet: %w", err)
	}
	if resp.IsError() || res.Code != successCode {
		return stream.Session{}, &exchange.APIError{Exchange: Name, ErrCode: res.Code, Message: fmt.Sprintf("bullet: %s %s", resp.Status(), res.Msg)}
	}
	var b bullet
	if err := json.Unmarshal(res.Data, &b); err != nil {
		return stream.Session{}, fmt.Errorf("kucoin bullet: %w", err)
	}
	if b.Token == "" || len(b.InstanceServers) == 0 {
		return stream.Session{}, fmt.Errorf("kucoin bullet: no token or instance server")
	}

	srv := b.InstanceServers[0]
	u, err := url.Parse(srv.Endpoint)
	if err != nil {
		return stream.Session{}, fmt.Errorf("kucoin bullet endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", b.Token)
	q.Set("connectId", uuid.NewString())
	u.RawQuery = q.Encode()

	return stream.Session{
		URL:           u.String(),
		Token:         b.Token,
		PingInterval:  time.Duration(srv.PingInterval) * time.Millisecond,
		PingTimeout:   time.Duration(srv.PingTimeout) * time.Millisecond,
		Authenticated: private,
	}, nil
}

// signHeaders builds the v2 API key headers.
func (a *Adapter) signHeaders(creds exchange.Credentials, method, path, body string) map[string]string {
	ts := exchange.Millis(a.opts.Clock())
	return map[string]string{
		"KC-API-KEY":         creds.APIKey,
		"KC-API-SIGN":        exchange.HMACBase64(ts+method+path+body, creds.Secret, exchange.SHA256),
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  exchange.HMACBase64(creds.Passphrase, creds.Secret, exchange.SHA256),
		"KC-API-KEY-VERSION": "2",
	}
}

func (a *Adapter) StreamSnapshots() bool { return false }

type level2Snapshot struct {
	Symbol   string          `json:"symbol"`
	Sequence int64           `json:"sequence"`
	Bids     [][]json.Number `json:"bids"`
	Asks     [][]json.Number `json:"asks"`
	Ts       int64           `json:"ts"`
}

// FetchSnapshot loads the full level2 book; the stream only carries changes.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, _ int) (orderbook.Snapshot, error) {
	m, err := a.markets.Market(symbol)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	var res apiResponse
	resp, err := a.rest.R().SetContext(ctx).SetQueryParam("symbol", m.ID).SetResult(&res).Get(level2Path)
	if err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("kucoin level2 %s: %w", m.ID, err)
	}
	if resp.IsError() || res.Code != successCode {
		return orderbook.Snapshot{}, &exchange.APIError{Exchange: Name, ErrCode: res.Code, Message: fmt.Sprintf("level2 snapshot: %s %s", resp.Status(), res.Msg)}
	}
	var snap level2Snapshot
	if err := json.Unmarshal(res.Data, &snap); err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("kucoin level2 %s: %w", m.ID, err)
	}
	return orderbook.Snapshot{
		Bids:      numberLevels(snap.Bids),
		Asks:      numberLevels(snap.Asks),
		Sequence:  snap.Sequence,
		Timestamp: nanos(snap.Ts),
	}, nil
}

// LoadMarkets fetches contract metadata for symbols through the SDK.
func (a *Adapter) LoadMarkets(ctx context.Context, symbols []string) error {
	transport := sdktype.NewTransportOptionBuilder().
		SetTimeout(a.opts.HTTPClient.Timeout).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(a.opts.RESTURL).
		WithTransportOption(transport).
		Build()
	marketAPI := sdkapi.NewClient(option).RestService().GetFuturesService().GetMarketAPI()

	for _, sym := range symbols {
		m, err := a.markets.Market(sym)
		if err != nil {
			return err
		}
		req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(m.ID).Build()
		resp, err := marketAPI.GetSymbol(req, ctx)
		if err != nil {
			return fmt.Errorf("kucoin contract %s: %w", m.ID, err)
		}
		if resp == nil || resp.Symbol == "" {
			return fmt.Errorf("%w: %s", exchange.ErrUnknownMarket, sym)
		}
		a.markets.Add(exchange.Market{
			Symbol:          sym,
			ID:              resp.Symbol,
			PricePrecision:  exchange.PrecisionFromStep(fmt.Sprint(resp.TickSize)),
			AmountPrecision: exchange.PrecisionFromStep(fmt.Sprint(resp.LotSize)),
		})
		a.log.WithFields(logger.Fields{"symbol": sym, "contract": resp.Symbol}).Debug("market loaded")
	}
	return nil
}

func numberLevels(rows [][]json.Number) []models.BookEntry {
	out := make([]models.BookEntry, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		out = append(out, models.BookEntry{Price: r[0].String(), Quantity: r[1].String()})
	}
	return out
}

func nanos(ns int64) time.Time {
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func topicSymbol(topic string) (prefix, id string) {
	prefix, id, _ = strings.Cut(topic, ":")
	return prefix, id
}
