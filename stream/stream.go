package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cryptostream/exchange"
	"cryptostream/logger"
	"cryptostream/models"
)

// Stream is the caller facing API of one exchange. Public channels share
// one connection and private channels another, created on first use.
type Stream struct {
	adapter Adapter
	cfg     Config
	creds   exchange.Credentials
	public  *Client
	private *Client
	log     *logger.Entry

	mu        sync.Mutex
	ctx       context.Context
	connected bool
}

// New creates a stream for adapter. creds may be empty when only public
// channels are used.
func New(adapter Adapter, cfg Config, creds exchange.Credentials) *Stream {
	return &Stream{
		adapter: adapter,
		cfg:     cfg,
		creds:   creds,
		public:  NewClient(adapter, cfg, false, creds),
		private: NewClient(adapter, cfg, true, creds),
		log:     logger.GetLogger().WithComponent("stream").WithExchange(adapter.Name()),
	}
}

// Name returns the exchange name.
func (s *Stream) Name() string { return s.adapter.Name() }

// Connect opens the public connection, and the private one when private
// subscriptions exist. Subscriptions made before Connect are flushed once
// each connection is ready.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return ErrAlreadyRunning
	}
	if err := s.public.Connect(ctx); err != nil {
		return err
	}
	if s.private.Registry().Len() > 0 {
		if err := s.private.Connect(ctx); err != nil {
			_ = s.public.Close()
			return err
		}
	}
	s.ctx = ctx
	s.connected = true
	s.log.Info("stream started")
	return nil
}

// Close terminates both connections and their timers. Subscriptions are kept
// and become active again on the next Connect.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	perr := s.public.Close()
	if err := s.private.Close(); err != nil {
		return err
	}
	s.log.Info("stream closed")
	return perr
}

// State returns the state of the public and private connections.
func (s *Stream) State() (public, private State) {
	return s.public.State(), s.private.State()
}

// Stats returns router counters of both connections.
func (s *Stream) Stats() (public, private RouterStats) {
	return s.public.Stats(), s.private.Stats()
}

// OrderBook returns the last consistent book of symbol.
func (s *Stream) OrderBook(symbol string, depth int) (models.OrderBook, bool) {
	return s.public.OrderBook(symbol, depth)
}

func (s *Stream) client(private bool) *Client {
	if private {
		return s.private
	}
	return s.public
}

func (s *Stream) watch(key ChannelKey, depth int, h Handler) error {
	if !s.adapter.Supports(key.Channel) {
		return fmt.Errorf("%s %s: %w", s.adapter.Name(), key.Channel, ErrUnsupportedChannel)
	}
	if key.Private && s.creds.Empty() {
		return fmt.Errorf("%s %s: %w", s.adapter.Name(), key.Channel, ErrCredentialsRequired)
	}
	c := s.client(key.Private)
	c.Subscribe(Request{Key: key, Depth: depth}, h)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected && !c.Running() {
		if err := c.Connect(s.ctx); err != nil && err != ErrAlreadyRunning {
			return err
		}
	}
	return nil
}

func (s *Stream) unwatch(key ChannelKey) {
	s.client(key.Private).Unsubscribe(key)
}

// typed adapts a typed callback to a Handler. Payloads of the wrong type are
// reported as protocol errors rather than dropped silently.
func typed[T any](exchangeName string, h func(T, error)) Handler {
	return func(ev Event) {
		var zero T
		if ev.Err != nil {
			h(zero, ev.Err)
			return
		}
		v, ok := ev.Data.(T)
		if !ok {
			h(zero, &ProtocolError{Exchange: exchangeName, Err: fmt.Errorf("unexpected payload %T for %s", ev.Data, ev.Key)})
			return
		}
		h(v, nil)
	}
}

// WatchTicker streams ticker updates of symbol.
func (s *Stream) WatchTicker(symbol string, h func(models.Ticker, error)) error {
	return s.watch(NewKey(ChannelTicker, symbol, ""), 0, typed(s.Name(), h))
}

// WatchOrderBook streams consistent book states of symbol limited to depth
// levels per side. depth <= 0 delivers the full book.
func (s *Stream) WatchOrderBook(symbol string, depth int, h func(models.OrderBook, error)) error {
	return s.watch(NewKey(ChannelOrderBook, symbol, ""), depth, typed(s.Name(), h))
}

// WatchTrades streams public trades of symbol.
func (s *Stream) WatchTrades(symbol string, h func(models.Trade, error)) error {
	return s.watch(NewKey(ChannelTrades, symbol, ""), 0, typed(s.Name(), h))
}

// WatchOHLCV streams candles of symbol for timeframe, e.g. "1m".
func (s *Stream) WatchOHLCV(symbol, timeframe string, h func(models.OHLCV, error)) error {
	if timeframe == "" {
		return fmt.Errorf("%s ohlcv: timeframe required", s.Name())
	}
	return s.watch(NewKey(ChannelOHLCV, symbol, timeframe), 0, typed(s.Name(), h))
}

// WatchLiquidations streams forced liquidations of symbol.
func (s *Stream) WatchLiquidations(symbol string, h func(models.Liquidation, error)) error {
	return s.watch(NewKey(ChannelLiquidations, symbol, ""), 0, typed(s.Name(), h))
}

// WatchBalance streams account balance changes.
func (s *Stream) WatchBalance(h func(models.Balance, error)) error {
	return s.watch(NewKey(ChannelBalance, "", ""), 0, typed(s.Name(), h))
}

// WatchOrders streams order updates. An empty symbol covers all symbols.
func (s *Stream) WatchOrders(symbol string, h func(models.Order, error)) error {
	return s.watch(NewKey(ChannelOrders, symbol, ""), 0, typed(s.Name(), h))
}

// WatchMyTrades streams own executions. An empty symbol covers all symbols.
func (s *Stream) WatchMyTrades(symbol string, h func(models.Trade, error)) error {
	return s.watch(NewKey(ChannelMyTrades, symbol, ""), 0, typed(s.Name(), h))
}

// WatchPositions streams position changes. An empty symbol covers all
// symbols.
func (s *Stream) WatchPositions(symbol string, h func(models.Position, error)) error {
	return s.watch(NewKey(ChannelPositions, symbol, ""), 0, typed(s.Name(), h))
}

func (s *Stream) UnsubscribeTicker(symbol string) {
	s.unwatch(NewKey(ChannelTicker, symbol, ""))
}

func (s *Stream) UnsubscribeOrderBook(symbol string) {
	s.unwatch(NewKey(ChannelOrderBook, symbol, ""))
}

func (s *Stream) UnsubscribeTrades(symbol string) {
	s.unwatch(NewKey(ChannelTrades, symbol, ""))
}

func (s *Stream) UnsubscribeOHLCV(symbol, timeframe string) {
	s.unwatch(NewKey(ChannelOHLCV, symbol, timeframe))
}

func (s *Stream) UnsubscribeLiquidations(symbol string) {
	s.unwatch(NewKey(ChannelLiquidations, symbol, ""))
}

func (s *Stream) UnsubscribeBalance() {
	s.unwatch(NewKey(ChannelBalance, "", ""))
}

func (s *Stream) UnsubscribeOrders(symbol string) {
	s.unwatch(NewKey(ChannelOrders, symbol, ""))
}

func (s *Stream) UnsubscribeMyTrades(symbol string) {
	s.unwatch(NewKey(ChannelMyTrades, symbol, ""))
}

func (s *Stream) UnsubscribePositions(symbol string) {
	s.unwatch(NewKey(ChannelPositions, symbol, ""))
}

// WaitReady blocks until the public connection is ready or ctx ends.
func (s *Stream) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.public.State() == Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
