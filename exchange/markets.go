package exchange

import (
	"errors"
	"fmt"
	"sync"

	"cryptostream/internal/symbols"
)

// ErrUnknownMarket is returned for symbols the exchange does not list.
var ErrUnknownMarket = errors.New("unknown market")

// Market describes one tradable instrument.
type Market struct {
	Symbol          string
	ID              string
	PricePrecision  int32
	AmountPrecision int32
}

// Markets resolves unified symbols to exchange ids and back.
type Markets interface {
	Market(symbol string) (Market, error)
	MarketByID(id string) (Market, error)
}

// StaticMarkets derives markets from the symbol naming conventions of one
// exchange. Explicitly added markets take precedence.
type StaticMarkets struct {
	exchange string
	mu       sync.RWMutex
	bySymbol map[string]Market
	byID     map[string]Market
}

// NewStaticMarkets returns markets for exchange seeded with the given list.
func NewStaticMarkets(exchange string, markets ...Market) *StaticMarkets {
	s := &StaticMarkets{
		exchange: exchange,
		bySymbol: make(map[string]Market),
		byID:     make(map[string]Market),
	}
	for _, m := range markets {
		s.Add(m)
	}
	return s
}

// Add registers or replaces a market.
func (s *StaticMarkets) Add(m Market) {
	s.mu.Lock()
	s.bySymbol[m.Symbol] = m
	s.byID[m.ID] = m
	s.mu.Unlock()
}

func (s *StaticMarkets) Market(symbol string) (Market, error) {
	s.mu.RLock()
	m, ok := s.bySymbol[symbol]
	s.mu.RUnlock()
	if ok {
		return m, nil
	}
	id, err := symbols.ToExchange(s.exchange, symbol)
	if err != nil {
		return Market{}, fmt.Errorf("%w: %v", ErrUnknownMarket, err)
	}
	m = Market{Symbol: symbol, ID: id}
	s.Add(m)
	return m, nil
}

func (s *StaticMarkets) MarketByID(id string) (Market, error) {
	s.mu.RLock()
	m, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return m, nil
	}
	sym, err := symbols.FromExchange(s.exchange, id)
	if err != nil {
		return Market{}, fmt.Errorf("%w: %v", ErrUnknownMarket, err)
	}
	m = Market{Symbol: sym, ID: id}
	s.Add(m)
	return m, nil
}
