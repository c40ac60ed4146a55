package orderbook

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"cryptostream/models"
)

type level struct {
	price    decimal.Decimal
	size     decimal.Decimal
	rawPrice string
	rawSize  string
}

// ladder is one side of a book with unique prices kept sorted. Bids use
// descending order and asks ascending.
type ladder struct {
	levels []level
	desc   bool
}

func (l *ladder) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(l.levels), func(i int) bool {
		c := l.levels[i].price.Cmp(price)
		if l.desc {
			return c <= 0
		}
		return c >= 0
	})
	return i, i < len(l.levels) && l.levels[i].price.Equal(price)
}

// apply inserts, replaces or removes (zero size) a level. Removing a missing
// price is a no-op.
func (l *ladder) apply(lv level) {
	i, found := l.search(lv.price)
	if lv.size.IsZero() {
		if found {
			l.levels = append(l.levels[:i], l.levels[i+1:]...)
		}
		return
	}
	if found {
		l.levels[i] = lv
		return
	}
	l.levels = append(l.levels, level{})
	copy(l.levels[i+1:], l.levels[i:])
	l.levels[i] = lv
}

func (l *ladder) view(depth int) []models.PriceLevel {
	n := len(l.levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]models.PriceLevel, n)
	for i := 0; i < n; i++ {
		out[i] = models.PriceLevel{Price: l.levels[i].price, Quantity: l.levels[i].size}
	}
	return out
}

func (l *ladder) raw(depth int) []models.BookEntry {
	n := len(l.levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]models.BookEntry, n)
	for i := 0; i < n; i++ {
		out[i] = models.BookEntry{Price: l.levels[i].rawPrice, Quantity: l.levels[i].rawSize}
	}
	return out
}

// Book is the local state of one symbol's order book.
type Book struct {
	symbol    string
	bids      ladder
	asks      ladder
	sequence  int64
	timestamp time.Time
}

// NewBook returns an empty book.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   ladder{desc: true},
		asks:   ladder{},
	}
}

// Symbol returns the unified symbol of the book.
func (b *Book) Symbol() string { return b.symbol }

// Sequence returns the last accepted sequence.
func (b *Book) Sequence() int64 { return b.sequence }

// Len returns the number of bid and ask levels.
func (b *Book) Len() (bids, asks int) { return len(b.bids.levels), len(b.asks.levels) }

// View copies the top depth levels of each side. depth <= 0 means full depth.
func (b *Book) View(exchange string, depth int) models.OrderBook {
	return models.OrderBook{
		Exchange:  exchange,
		Symbol:    b.symbol,
		Bids:      b.bids.view(depth),
		Asks:      b.asks.view(depth),
		Sequence:  b.sequence,
		Timestamp: b.timestamp,
	}
}

// RawLevels returns the top depth levels in their original wire text.
func (b *Book) RawLevels(depth int) (bids, asks []models.BookEntry) {
	return b.bids.raw(depth), b.asks.raw(depth)
}

func (b *Book) reset() {
	b.bids.levels = b.bids.levels[:0]
	b.asks.levels = b.asks.levels[:0]
	b.sequence = 0
	b.timestamp = time.Time{}
}

// parseLevels validates a batch before anything is mutated so a bad entry
// never leaves a half applied update behind.
func parseLevels(entries []models.BookEntry) ([]level, error) {
	out := make([]level, 0, len(entries))
	for _, e := range entries {
		price, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", e.Price, err)
		}
		size, err := decimal.NewFromString(e.Quantity)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", e.Quantity, err)
		}
		if price.Sign() <= 0 {
			return nil, fmt.Errorf("non-positive price %q", e.Price)
		}
		if size.Sign() < 0 {
			return nil, fmt.Errorf("negative size %q at price %q", e.Quantity, e.Price)
		}
		out = append(out, level{price: price, size: size, rawPrice: e.Price, rawSize: e.Quantity})
	}
	return out, nil
}

func (b *Book) applyLevels(bids, asks []level) {
	for _, lv := range bids {
		b.bids.apply(lv)
	}
	for _, lv := range asks {
		b.asks.apply(lv)
	}
}
