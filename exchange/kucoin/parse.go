package kucoin

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
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Code    json.Number     `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type level2Data struct {
	Sequence  int64  `json:"sequence"`
	Change    string `json:"change"`
	Timestamp int64  `json:"timestamp"`
}

type tickerData struct {
	Symbol       string      `json:"symbol"`
	BestBidPrice json.Number `json:"bestBidPrice"`
	BestBidSize  json.Number `json:"bestBidSize"`
	BestAskPrice json.Number `json:"bestAskPrice"`
	BestAskSize  json.Number `json:"bestAskSize"`
	Ts           int64       `json:"ts"`
}

type matchData struct {
	Symbol  string      `json:"symbol"`
	TradeID string      `json:"tradeId"`
	Side    string      `json:"side"`
	Price   json.Number `json:"price"`
	Size    json.Number `json:"size"`
	Ts      int64       `json:"ts"`
}

type candleData struct {
	Symbol  string   `json:"symbol"`
	Candles []string `json:"candles"`
}

type walletData struct {
	Currency         string      `json:"currency"`
	AvailableBalance json.Number `json:"availableBalance"`
	HoldBalance      json.Number `json:"holdBalance"`
	Timestamp        json.Number `json:"timestamp"`
}

type orderData struct {
	OrderID    string      `json:"orderId"`
	ClientOid  string      `json:"clientOid"`
	Symbol     string      `json:"symbol"`
	Side       string      `json:"side"`
	OrderType  string      `json:"orderType"`
	Type       string      `json:"type"`
	Status     string      `json:"status"`
	Price      json.Number `json:"price"`
	Size       json.Number `json:"size"`
	FilledSize json.Number `json:"filledSize"`
	Ts         int64       `json:"ts"`
}

type positionData struct {
	Symbol           string      `json:"symbol"`
	CurrentQty       json.Number `json:"currentQty"`
	AvgEntryPrice    json.Number `json:"avgEntryPrice"`
	MarkPrice        json.Number `json:"markPrice"`
	UnrealisedPnl    json.Number `json:"unrealisedPnl"`
	RealLeverage     json.Number `json:"realLeverage"`
	CurrentTimestamp int64       `json:"currentTimestamp"`
}

func (a *Adapter) Parse(data []byte) ([]stream.Envelope, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case "welcome":
		return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlWelcome, ID: msg.ID}}, nil
	case "pong":
		return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlPong, ID: msg.ID}}, nil
	case "ping":
		return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlPing, ID: msg.ID}}, nil
	case "ack":
		key, _ := a.resolve(msg.ID)
		return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlAck, Key: key, ID: msg.ID}}, nil
	case "error":
		var text string
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			text = string(msg.Data)
		}
		apiErr := &exchange.APIError{Exchange: Name, ErrCode: msg.Code.String(), Message: text}
		key, ok := a.resolve(msg.ID)
		if ok {
			return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlAck, Key: key, Err: apiErr, ID: msg.ID}}, nil
		}
		return []stream.Envelope{{Kind: stream.KindError, Err: apiErr, ID: msg.ID}}, nil
	case "notice", "command":
		return nil, nil
	case "message":
		return a.parseMessage(msg)
	}
	return nil, fmt.Errorf("kucoin: unknown frame type %q", msg.Type)
}

func (a *Adapter) parseMessage(msg message) ([]stream.Envelope, error) {
	prefix, id := topicSymbol(msg.Topic)
	switch prefix {
	case "/contractMarket/level2":
		return a.parseLevel2(id, msg.Data)
	case "/contractMarket/tickerV2":
		return a.parseTicker(id, msg.Data)
	case "/contractMarket/execution":
		return a.parseMatch(id, msg.Data)
	case "/contractMarket/limitCandle":
		return a.parseCandle(id, msg.Data)
	case "/contractAccount/wallet":
		if msg.Subject != "availableBalance.change" && msg.Subject != "walletBalance.change" {
			return nil, nil
		}
		return a.parseWallet(msg.Data)
	case "/contractMarket/tradeOrders":
		return a.parseOrder(msg.Data)
	case "/contract/position", "/contract/positionAll":
		if msg.Subject != "position.change" {
			return nil, nil
		}
		return a.parsePosition(msg.Data)
	}
	return nil, fmt.Errorf("kucoin: unknown topic %q", msg.Topic)
}

func (a *Adapter) symbol(id string) (string, error) {
	m, err := a.markets.MarketByID(id)
	if err != nil {
		return "", fmt.Errorf("kucoin: %w", err)
	}
	return m.Symbol, nil
}

// parseLevel2 decodes one "price,side,size" change. A zero size removes the level.
func (a *Adapter) parseLevel2(id string, raw json.RawMessage) ([]stream.Envelope, error) {
	symbol, err := a.symbol(id)
	if err != nil {
		return nil, err
	}
	var d level2Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	parts := strings.Split(d.Change, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("kucoin: malformed level2 change %q", d.Change)
	}
	entry := []models.BookEntry{{Price: parts[0], Quantity: parts[2]}}
	upd := orderbook.Update{Sequence: d.Sequence, Timestamp: models.MillisToTime(d.Timestamp)}
	switch parts[1] {
	case "buy":
		upd.Bids = entry
	case "sell":
		upd.Asks = entry
	default:
		return nil, fmt.Errorf("kucoin: unknown level2 side %q", parts[1])
	}
	key := stream.NewKey(stream.ChannelOrderBook, symbol, "")
	return []stream.Envelope{{Kind: stream.KindData, Key: key, Book: stream.BookUpdate, Payload: upd}}, nil
}

func (a *Adapter) parseTicker(id string, raw json.RawMessage) ([]stream.Envelope, error) {
	symbol, err := a.symbol(id)
	if err != nil {
		return nil, err
	}
	var t tickerData
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return []stream.Envelope{data(stream.NewKey(stream.ChannelTicker, symbol, ""), models.Ticker{
		Exchange:  Name,
		Symbol:    symbol,
		Bid:       number(t.BestBidPrice),
		BidSize:   number(t.BestBidSize),
		Ask:       number(t.BestAskPrice),
		AskSize:   number(t.BestAskSize),
		Timestamp: nanos(t.Ts),
	})}, nil
}

func (a *Adapter) parseMatch(id string, raw json.RawMessage) ([]stream.Envelope, error) {
	symbol, err := a.symbol(id)
	if err != nil {
		return nil, err
	}
	var m matchData
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return []stream.Envelope{data(stream.NewKey(stream.ChannelTrades, symbol, ""), models.Trade{
		Exchange:  Name,
		Symbol:    symbol,
		ID:        m.TradeID,
		Side:      models.Side(m.Side),
		Price:     number(m.Price),
		Amount:    number(m.Size),
		Timestamp: nanos(m.Ts),
	})}, nil
}

// parseCandle reads candles laid out as time, open, close, high, low, volume.
func (a *Adapter) parseCandle(topicID string, raw json.RawMessage) ([]stream.Envelope, error) {
	i := strings.LastIndexByte(topicID, '_')
	if i < 0 {
		return nil, fmt.Errorf("kucoin: malformed candle topic %q", topicID)
	}
	tf, ok := timeframe(topicID[i+1:])
	if !ok {
		return nil, fmt.Errorf("kucoin: unknown granularity %q", topicID[i+1:])
	}
	symbol, err := a.symbol(topicID[:i])
	if err != nil {
		return nil, err
	}
	var c candleData
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if len(c.Candles) < 6 {
		return nil, fmt.Errorf("kucoin: short candle %v", c.Candles)
	}
	sec, _ := strconv.ParseInt(c.Candles[0], 10, 64)
	return []stream.Envelope{data(stream.NewKey(stream.ChannelOHLCV, symbol, tf), models.OHLCV{
		Exchange:  Name,
		Symbol:    symbol,
		Timeframe: tf,
		Open:      models.ParseDecimal(c.Candles[1]),
		Close:     models.ParseDecimal(c.Candles[2]),
		High:      models.ParseDecimal(c.Candles[3]),
		Low:       models.ParseDecimal(c.Candles[4]),
		Volume:    models.ParseDecimal(c.Candles[5]),
		Timestamp: time.Unix(sec, 0).UTC(),
	})}, nil
}

func (a *Adapter) parseWallet(raw json.RawMessage) ([]stream.Envelope, error) {
	var w walletData
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	free, used := number(w.AvailableBalance), number(w.HoldBalance)
	ms, _ := w.Timestamp.Int64()
	return []stream.Envelope{data(stream.NewKey(stream.ChannelBalance, "", ""), models.Balance{
		Exchange: Name,
		Assets: map[string]models.AssetBalance{
			w.Currency: {Free: free, Used: used, Total: free.Add(used)},
		},
		Timestamp: models.MillisToTime(ms),
	})}, nil
}

func (a *Adapter) parseOrder(raw json.RawMessage) ([]stream.Envelope, error) {
	var o orderData
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	symbol, err := a.symbol(o.Symbol)
	if err != nil {
		return nil, err
	}
	return []stream.Envelope{data(stream.NewKey(stream.ChannelOrders, symbol, ""), models.Order{
		Exchange:      Name,
		Symbol:        symbol,
		ID:            o.OrderID,
		ClientOrderID: o.ClientOid,
		Side:          models.Side(o.Side),
		Type:          o.OrderType,
		Status:        orderStatus(o.Type, o.Status),
		Price:         number(o.Price),
		Amount:        number(o.Size),
		Filled:        number(o.FilledSize),
		Timestamp:     nanos(o.Ts),
	})}, nil
}

func (a *Adapter) parsePosition(raw json.RawMessage) ([]stream.Envelope, error) {
	var p positionData
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	symbol, err := a.symbol(p.Symbol)
	if err != nil {
		return nil, err
	}
	qty := number(p.CurrentQty)
	side := "long"
	if qty.IsNegative() {
		side = "short"
	}
	return []stream.Envelope{data(stream.NewKey(stream.ChannelPositions, symbol, ""), models.Position{
		Exchange:      Name,
		Symbol:        symbol,
		Side:          side,
		Contracts:     qty.Abs(),
		EntryPrice:    number(p.AvgEntryPrice),
		MarkPrice:     number(p.MarkPrice),
		UnrealizedPnl: number(p.UnrealisedPnl),
		Leverage:      number(p.RealLeverage),
		Timestamp:     models.MillisToTime(p.CurrentTimestamp),
	})}, nil
}

// orderStatus maps the change type onto the unified order status.
func orderStatus(typ, status string) string {
	switch typ {
	case "open":
		return "open"
	case "match", "update":
		if status == "done" {
			return "closed"
		}
		return "open"
	case "filled":
		return "closed"
	case "canceled":
		return "canceled"
	}
	if status == "done" {
		return "closed"
	}
	return status
}

func timeframe(granularity string) (string, bool) {
	for tf, g := range granularities {
		if g == granularity {
			return tf, true
		}
	}
	return "", false
}

func number(n json.Number) decimal.Decimal { return models.ParseDecimal(n.String()) }

func data(key stream.ChannelKey, payload any) stream.Envelope {
	return stream.Envelope{Kind: stream.KindData, Key: key, Payload: payload}
}
