package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptostream/exchange"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

type message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Op      string          `json:"op"`
	ReqID   string          `json:"req_id"`
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	U      int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

type tickerData struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	PrevPrice24h string `json:"prevPrice24h"`
	Volume24h    string `json:"volume24h"`
	Bid1Price    string `json:"bid1Price"`
	Bid1Size     string `json:"bid1Size"`
	Ask1Price    string `json:"ask1Price"`
	Ask1Size     string `json:"ask1Size"`
}

type tradeData struct {
	T      int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

type klineData struct {
	Start     int64  `json:"start"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	Close     string `json:"close"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Volume    string `json:"volume"`
	Confirm   bool   `json:"confirm"`
	Timestamp int64  `json:"timestamp"`
}

type liquidationData struct {
	T      int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
}

type walletData struct {
	Coin []struct {
		Coin          string `json:"coin"`
		Equity        string `json:"equity"`
		WalletBalance string `json:"walletBalance"`
		Locked        string `json:"locked"`
	} `json:"coin"`
}

type orderData struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	OrderStatus string `json:"orderStatus"`
	UpdatedTime string `json:"updatedTime"`
}

type executionData struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	ExecID      string `json:"execId"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	FeeCurrency string `json:"feeCurrency"`
	ExecTime    string `json:"execTime"`
}

type positionData struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	UpdatedTime   string `json:"updatedTime"`
}

func (a *Adapter) Parse(data []byte) ([]stream.Envelope, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Topic == "" {
		return a.parseOp(msg)
	}

	name, rest, _ := strings.Cut(msg.Topic, ".")
	switch name {
	case "orderbook":
		return a.parseBook(msg)
	case "tickers":
		return a.parseTicker(msg)
	case "publicTrade":
		return a.parseTrades(msg.Data)
	case "kline":
		return a.parseKlines(rest, msg.Data)
	case "allLiquidation", "liquidation":
		return a.parseLiquidations(msg.Data)
	case "wallet":
		return a.parseWallet(msg)
	case "order":
		return a.parseOrders(msg.Data)
	case "execution":
		return a.parseExecutions(msg.Data)
	case "position":
		return a.parsePositions(msg.Data)
	}
	return nil, fmt.Errorf("bybit: unknown topic %q", msg.Topic)
}

func (a *Adapter) parseOp(msg message) ([]stream.Envelope, error) {
	ok := msg.Success == nil || *msg.Success
	switch msg.Op {
	case "pong":
		return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlPong}}, nil
	case "ping":
		if msg.RetMsg == "pong" {
			return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlPong}}, nil
		}
		return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlPing}}, nil
	case "auth":
		env := stream.Envelope{Kind: stream.KindControl, Control: stream.ControlAuth}
		if !ok {
			env.Err = &exchange.APIError{Exchange: Name, Message: msg.RetMsg}
		}
		return []stream.Envelope{env}, nil
	case "subscribe", "unsubscribe":
		key, _ := a.resolve(msg.ReqID)
		env := stream.Envelope{Kind: stream.KindControl, Control: stream.ControlAck, Key: key, ID: msg.ReqID}
		if !ok {
			env.Err = &exchange.APIError{Exchange: Name, Message: msg.RetMsg}
		}
		return []stream.Envelope{env}, nil
	}
	return nil, fmt.Errorf("bybit: unknown op %q", msg.Op)
}

func (a *Adapter) symbol(id string) (string, bool) {
	m, err := a.markets.MarketByID(id)
	if err != nil {
		return "", false
	}
	return m.Symbol, true
}

func (a *Adapter) parseBook(msg message) ([]stream.Envelope, error) {
	var b bookData
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		return nil, err
	}
	symbol, ok := a.symbol(b.Symbol)
	if !ok {
		return nil, fmt.Errorf("bybit: unknown instrument %q", b.Symbol)
	}
	key := stream.NewKey(stream.ChannelOrderBook, symbol, "")
	ts := models.MillisToTime(msg.Ts)
	bids, asks := models.EntriesFromPairs(b.Bids), models.EntriesFromPairs(b.Asks)

	// u == 1 means the service restarted and the message is a full book
	if msg.Type == "snapshot" || b.U == 1 {
		return []stream.Envelope{{Kind: stream.KindData, Key: key, Book: stream.BookSnapshot, Payload: orderbook.Snapshot{
			Bids: bids, Asks: asks, Sequence: b.U, Timestamp: ts,
		}}}, nil
	}
	return []stream.Envelope{{Kind: stream.KindData, Key: key, Book: stream.BookUpdate, Payload: orderbook.Update{
		Bids: bids, Asks: asks, Sequence: b.U, Timestamp: ts,
	}}}, nil
}

// parseTicker merges deltas into the last full ticker of the symbol.
func (a *Adapter) parseTicker(msg message) ([]stream.Envelope, error) {
	var t tickerData
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		return nil, err
	}
	symbol, ok := a.symbol(t.Symbol)
	if !ok {
		return nil, fmt.Errorf("bybit: unknown instrument %q", t.Symbol)
	}

	a.mu.Lock()
	cur := a.tickers[symbol]
	if msg.Type == "snapshot" {
		cur = models.Ticker{}
	}
	cur.Exchange, cur.Symbol = Name, symbol
	merge(&cur.Last, t.LastPrice)
	merge(&cur.High, t.HighPrice24h)
	merge(&cur.Low, t.LowPrice24h)
	merge(&cur.Open, t.PrevPrice24h)
	merge(&cur.Volume, t.Volume24h)
	merge(&cur.Bid, t.Bid1Price)
	merge(&cur.BidSize, t.Bid1Size)
	merge(&cur.Ask, t.Ask1Price)
	merge(&cur.AskSize, t.Ask1Size)
	cur.Timestamp = models.MillisToTime(msg.Ts)
	a.tickers[symbol] = cur
	a.mu.Unlock()

	return []stream.Envelope{data(stream.NewKey(stream.ChannelTicker, symbol, ""), cur)}, nil
}

func (a *Adapter) parseTrades(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []tradeData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]stream.Envelope, 0, len(rows))
	for _, t := range rows {
		symbol, ok := a.symbol(t.Symbol)
		if !ok {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelTrades, symbol, ""), models.Trade{
			Exchange:  Name,
			Symbol:    symbol,
			ID:        t.ID,
			Side:      side(t.Side),
			Price:     models.ParseDecimal(t.Price),
			Amount:    models.ParseDecimal(t.Size),
			Timestamp: models.MillisToTime(t.T),
		}))
	}
	return out, nil
}

func (a *Adapter) parseKlines(rest string, raw json.RawMessage) ([]stream.Envelope, error) {
	interval, id, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, fmt.Errorf("bybit: malformed kline topic %q", rest)
	}
	symbol, ok := a.symbol(id)
	if !ok {
		return nil, fmt.Errorf("bybit: unknown instrument %q", id)
	}
	tf := timeframe(interval)
	var rows []klineData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	key := stream.NewKey(stream.ChannelOHLCV, symbol, tf)
	out := make([]stream.Envelope, 0, len(rows))
	for _, k := range rows {
		out = append(out, data(key, models.OHLCV{
			Exchange:  Name,
			Symbol:    symbol,
			Timeframe: tf,
			Open:      models.ParseDecimal(k.Open),
			High:      models.ParseDecimal(k.High),
			Low:       models.ParseDecimal(k.Low),
			Close:     models.ParseDecimal(k.Close),
			Volume:    models.ParseDecimal(k.Volume),
			Timestamp: models.MillisToTime(k.Start),
		}))
	}
	return out, nil
}

func (a *Adapter) parseLiquidations(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []liquidationData
	if err := json.Unmarshal(raw, &rows); err != nil {
		// the legacy liquidation topic pushes a single object
		var one liquidationData
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			return nil, err
		}
		rows = []liquidationData{one}
	}
	out := make([]stream.Envelope, 0, len(rows))
	for _, l := range rows {
		symbol, ok := a.symbol(l.Symbol)
		if !ok {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelLiquidations, symbol, ""), models.Liquidation{
			Exchange:  Name,
			Symbol:    symbol,
			Side:      side(l.Side),
			Price:     models.ParseDecimal(l.Price),
			Amount:    models.ParseDecimal(l.Size),
			Timestamp: models.MillisToTime(l.T),
		}))
	}
	return out, nil
}

func (a *Adapter) parseWallet(msg message) ([]stream.Envelope, error) {
	var rows []walletData
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return nil, err
	}
	bal := models.Balance{Exchange: Name, Assets: make(map[string]models.AssetBalance), Timestamp: models.MillisToTime(msg.Ts)}
	for _, w := range rows {
		for _, c := range w.Coin {
			wallet := models.ParseDecimal(c.WalletBalance)
			locked := models.ParseDecimal(c.Locked)
			total := wallet
			if c.Equity != "" {
				total = models.ParseDecimal(c.Equity)
			}
			bal.Assets[c.Coin] = models.AssetBalance{Free: wallet.Sub(locked), Used: locked, Total: total}
		}
	}
	return []stream.Envelope{data(stream.NewKey(stream.ChannelBalance, "", ""), bal)}, nil
}

func (a *Adapter) parseOrders(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []orderData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]stream.Envelope, 0, len(rows))
	for _, o := range rows {
		symbol, ok := a.symbol(o.Symbol)
		if !ok {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelOrders, symbol, ""), models.Order{
			Exchange:      Name,
			Symbol:        symbol,
			ID:            o.OrderID,
			ClientOrderID: o.OrderLinkID,
			Side:          side(o.Side),
			Type:          strings.ToLower(o.OrderType),
			Status:        o.OrderStatus,
			Price:         models.ParseDecimal(o.Price),
			Amount:        models.ParseDecimal(o.Qty),
			Filled:        models.ParseDecimal(o.CumExecQty),
			Timestamp:     millis(o.UpdatedTime),
		}))
	}
	return out, nil
}

func (a *Adapter) parseExecutions(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []executionData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]stream.Envelope, 0, len(rows))
	for _, e := range rows {
		symbol, ok := a.symbol(e.Symbol)
		if !ok {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelMyTrades, symbol, ""), models.Trade{
			Exchange:  Name,
			Symbol:    symbol,
			ID:        e.ExecID,
			OrderID:   e.OrderID,
			Side:      side(e.Side),
			Price:     models.ParseDecimal(e.ExecPrice),
			Amount:    models.ParseDecimal(e.ExecQty),
			Fee:       models.ParseDecimal(e.ExecFee),
			FeeAsset:  e.FeeCurrency,
			Timestamp: millis(e.ExecTime),
		}))
	}
	return out, nil
}

func (a *Adapter) parsePositions(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []positionData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]stream.Envelope, 0, len(rows))
	for _, p := range rows {
		symbol, ok := a.symbol(p.Symbol)
		if !ok {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelPositions, symbol, ""), models.Position{
			Exchange:      Name,
			Symbol:        symbol,
			Side:          strings.ToLower(p.Side),
			Contracts:     models.ParseDecimal(p.Size),
			EntryPrice:    models.ParseDecimal(p.EntryPrice),
			MarkPrice:     models.ParseDecimal(p.MarkPrice),
			UnrealizedPnl: models.ParseDecimal(p.UnrealisedPnl),
			Leverage:      models.ParseDecimal(p.Leverage),
			Timestamp:     millis(p.UpdatedTime),
		}))
	}
	return out, nil
}

// merge overwrites dst when a delta carries the field.
func merge(dst *decimal.Decimal, v string) {
	if v == "" {
		return
	}
	if d, err := decimal.NewFromString(v); err == nil {
		*dst = d
	}
}

func side(s string) models.Side {
	return models.Side(strings.ToLower(s))
}

func timeframe(interval string) string {
	for tf, iv := range intervals {
		if iv == interval {
			return tf
		}
	}
	return interval
}

func data(key stream.ChannelKey, payload any) stream.Envelope {
	return stream.Envelope{Kind: stream.KindData, Key: key, Payload: payload}
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return models.MillisToTime(ms)
}
