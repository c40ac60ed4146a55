package stream

import (
	"strings"
	"time"
)

// Channel names a logical feed independent of the exchange.
type Channel string

const (
	ChannelTicker       Channel = "ticker"
	ChannelOrderBook    Channel = "orderbook"
	ChannelTrades       Channel = "trades"
	ChannelOHLCV        Channel = "ohlcv"
	ChannelLiquidations Channel = "liquidations"
	ChannelBalance      Channel = "balance"
	ChannelOrders       Channel = "orders"
	ChannelMyTrades     Channel = "mytrades"
	ChannelPositions    Channel = "positions"
)

// Private reports whether the channel needs an authenticated connection.
func (c Channel) Private() bool {
	switch c {
	case ChannelBalance, ChannelOrders, ChannelMyTrades, ChannelPositions:
		return true
	default:
		return false
	}
}

// ChannelKey identifies one logical subscription. Symbol and Timeframe are
// empty when the channel does not use them.
type ChannelKey struct {
	Channel   Channel
	Symbol    string
	Timeframe string
	Private   bool
}

// NewKey builds a key with the private flag derived from the channel.
func NewKey(ch Channel, symbol, timeframe string) ChannelKey {
	return ChannelKey{Channel: ch, Symbol: symbol, Timeframe: timeframe, Private: ch.Private()}
}

func (k ChannelKey) String() string {
	parts := []string{string(k.Channel)}
	if k.Symbol != "" {
		parts = append(parts, k.Symbol)
	}
	if k.Timeframe != "" {
		parts = append(parts, k.Timeframe)
	}
	if k.Private {
		parts = append(parts, "private")
	}
	return strings.Join(parts, ":")
}

// IsZero reports whether the key is unset.
func (k ChannelKey) IsZero() bool { return k.Channel == "" }

// Request is a key plus the parameters the wire subscription needs.
type Request struct {
	Key   ChannelKey
	Depth int
}

// Event is delivered to subscription handlers: either Data or Err is set.
type Event struct {
	Key        ChannelKey
	Data       any
	Err        error
	ReceivedAt time.Time
}

// Handler receives events for one subscription. Calls for the same key are
// never concurrent.
type Handler func(Event)
