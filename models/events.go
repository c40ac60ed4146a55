package models

import (
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// PUBLIC ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Ticker is a normalized 24h ticker update.
type Ticker struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	BidSize   decimal.Decimal `json:"bid_size"`
	Ask       decimal.Decimal `json:"ask"`
	AskSize   decimal.Decimal `json:"ask_size"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Open      decimal.Decimal `json:"open"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Side of a trade or order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Trade is a public print or, on private channels, an own execution.
type Trade struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id,omitempty"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee,omitempty"`
	FeeAsset  string          `json:"fee_asset,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// OHLCV is one candle of the subscribed timeframe.
type OHLCV struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Liquidation is a forced close reported on a public liquidation feed.
type Liquidation struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// PRIVATE //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Balance holds per-asset account balances from one account update.
type Balance struct {
	Exchange  string                  `json:"exchange"`
	Assets    map[string]AssetBalance `json:"assets"`
	Timestamp time.Time               `json:"timestamp"`
}

// AssetBalance is the balance of a single currency.
type AssetBalance struct {
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
	Total decimal.Decimal `json:"total"`
}

// Order is an order state change.
type Order struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Side          Side            `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Position is a derivatives position update.
type Position struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Contracts     decimal.Decimal `json:"contracts"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Leverage      decimal.Decimal `json:"leverage"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ParseDecimal parses an exchange decimal string. Empty strings yield zero.
func ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// MillisToTime converts an epoch milliseconds value.
func MillisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
