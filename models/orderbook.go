package models

import (
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// WIRE ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BookEntry is a single price level exactly as received from an exchange.
// Prices and quantities stay strings until the book parses them.
type BookEntry struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// EntriesFromPairs converts the common [["price","qty",...], ...] layout.
// Extra columns (order counts, liquidated orders) are ignored.
func EntriesFromPairs(pairs [][]string) []BookEntry {
	out := make([]BookEntry, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			continue
		}
		out = append(out, BookEntry{Price: p[0], Quantity: p[1]})
	}
	return out
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// BOOK ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PriceLevel is one aggregated level of a reconstructed book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a consistent view of a locally reconstructed book. Bids are
// sorted by descending price, asks by ascending price.
type OrderBook struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Sequence  int64        `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Spread returns best ask minus best bid.
func (b OrderBook) Spread() (decimal.Decimal, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Mid returns the midpoint between best bid and best ask.
func (b OrderBook) Mid() (decimal.Decimal, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}
