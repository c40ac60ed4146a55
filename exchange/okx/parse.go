package okx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cryptostream/exchange"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

type message struct {
	ID     string          `json:"id"`
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    arg             `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  *int64     `json:"checksum"`
	PrevSeqID int64      `json:"prevSeqId"`
	SeqID     int64      `json:"seqId"`
}

type tickerData struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	AskPx   string `json:"askPx"`
	AskSz   string `json:"askSz"`
	BidPx   string `json:"bidPx"`
	BidSz   string `json:"bidSz"`
	Open24h string `json:"open24h"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	Ts      string `json:"ts"`
}

type tradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type liquidationData struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side string `json:"side"`
		Sz   string `json:"sz"`
		BkPx string `json:"bkPx"`
		Ts   string `json:"ts"`
	} `json:"details"`
}

type accountData struct {
	UTime   string `json:"uTime"`
	Details []struct {
		Ccy       string `json:"ccy"`
		AvailBal  string `json:"availBal"`
		FrozenBal string `json:"frozenBal"`
		Eq        string `json:"eq"`
	} `json:"details"`
}

type orderData struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Side      string `json:"side"`
	OrdType   string `json:"ordType"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	State     string `json:"state"`
	UTime     string `json:"uTime"`
}

type positionData struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	MarkPx  string `json:"markPx"`
	Upl     string `json:"upl"`
	Lever   string `json:"lever"`
	UTime   string `json:"uTime"`
}

func (a *Adapter) Parse(data []byte) ([]stream.Envelope, error) {
	if bytes.Equal(data, []byte("pong")) {
		return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlPong}}, nil
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Event != "" {
		return a.parseEvent(msg)
	}
	if msg.Arg.Channel == "" {
		return nil, fmt.Errorf("okx: frame without channel")
	}
	switch msg.Arg.Channel {
	case "books":
		return a.parseBook(msg)
	case "tickers":
		return a.parseTickers(msg.Data)
	case "trades":
		return a.parseTrades(msg.Data)
	case "liquidation-orders":
		return a.parseLiquidations(msg.Data)
	case "account":
		return a.parseAccount(msg.Data)
	case "orders":
		return a.parseOrders(msg.Data)
	case "positions":
		return a.parsePositions(msg.Data)
	}
	return nil, fmt.Errorf("okx: unknown channel %q", msg.Arg.Channel)
}

func (a *Adapter) parseEvent(msg message) ([]stream.Envelope, error) {
	switch msg.Event {
	case "subscribe", "unsubscribe":
		key, _ := a.resolve(msg.ID)
		return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlAck, Key: key, ID: msg.ID}}, nil
	case "login":
		a.endLogin()
		env := stream.Envelope{Kind: stream.KindControl, Control: stream.ControlAuth}
		if msg.Code != "" && msg.Code != "0" {
			env.Err = &exchange.APIError{Exchange: Name, ErrCode: msg.Code, Message: msg.Msg}
		}
		return []stream.Envelope{env}, nil
	case "error":
		apiErr := &exchange.APIError{Exchange: Name, ErrCode: msg.Code, Message: msg.Msg}
		if key, ok := a.resolve(msg.ID); ok {
			return []stream.Envelope{{Kind: stream.KindError, Key: key, Err: apiErr, ID: msg.ID}}, nil
		}
		// login failures carry no id
		if a.endLogin() {
			return []stream.Envelope{{Kind: stream.KindControl, Control: stream.ControlAuth, Err: apiErr}}, nil
		}
		return []stream.Envelope{{Kind: stream.KindError, Err: apiErr}}, nil
	case "channel-conn-count", "notice":
		return nil, nil
	}
	return nil, fmt.Errorf("okx: unknown event %q", msg.Event)
}

func (a *Adapter) endLogin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	was := a.login
	a.login = false
	return was
}

func (a *Adapter) symbol(instID string) (string, bool) {
	m, err := a.markets.MarketByID(instID)
	if err != nil {
		return "", false
	}
	return m.Symbol, true
}

func (a *Adapter) parseBook(msg message) ([]stream.Envelope, error) {
	symbol, ok := a.symbol(msg.Arg.InstID)
	if !ok {
		return nil, fmt.Errorf("okx: unknown instrument %q", msg.Arg.InstID)
	}
	var books []bookData
	if err := json.Unmarshal(msg.Data, &books); err != nil {
		return nil, err
	}
	key := stream.NewKey(stream.ChannelOrderBook, symbol, "")
	out := make([]stream.Envelope, 0, len(books))
	for _, b := range books {
		ts := millis(b.Ts)
		if msg.Action == "snapshot" || b.PrevSeqID == -1 {
			out = append(out, stream.Envelope{Kind: stream.KindData, Key: key, Book: stream.BookSnapshot, Payload: orderbook.Snapshot{
				Bids:      models.EntriesFromPairs(b.Bids),
				Asks:      models.EntriesFromPairs(b.Asks),
				Sequence:  b.SeqID,
				Timestamp: ts,
				Checksum:  b.Checksum,
			}})
			continue
		}
		out = append(out, stream.Envelope{Kind: stream.KindData, Key: key, Book: stream.BookUpdate, Payload: orderbook.Update{
			Bids:         models.EntriesFromPairs(b.Bids),
			Asks:         models.EntriesFromPairs(b.Asks),
			Sequence:     b.SeqID,
			PrevSequence: b.PrevSeqID,
			Timestamp:    ts,
			Checksum:     b.Checksum,
		}})
	}
	return out, nil
}

func (a *Adapter) parseTickers(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []tickerData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]stream.Envelope, 0, len(rows))
	for _, t := range rows {
		symbol, ok := a.symbol(t.InstID)
		if !ok {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelTicker, symbol, ""), models.Ticker{
			Exchange:  Name,
			Symbol:    symbol,
			Last:      models.ParseDecimal(t.Last),
			Bid:       models.ParseDecimal(t.BidPx),
			BidSize:   models.ParseDecimal(t.BidSz),
			Ask:       models.ParseDecimal(t.AskPx),
			AskSize:   models.ParseDecimal(t.AskSz),
			High:      models.ParseDecimal(t.High24h),
			Low:       models.ParseDecimal(t.Low24h),
			Open:      models.ParseDecimal(t.Open24h),
			Volume:    models.ParseDecimal(t.Vol24h),
			Timestamp: millis(t.Ts),
		}))
	}
	return out, nil
}

func (a *Adapter) parseTrades(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []tradeData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]stream.Envelope, 0, len(rows))
	for _, t := range rows {
		symbol, ok := a.symbol(t.InstID)
		if !ok {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelTrades, symbol, ""), models.Trade{
			Exchange:  Name,
			Symbol:    symbol,
			ID:        t.TradeID,
			Side:      models.Side(t.Side),
			Price:     models.ParseDecimal(t.Px),
			Amount:    models.ParseDecimal(t.Sz),
			Timestamp: millis(t.Ts),
		}))
	}
	return out, nil
}

func (a *Adapter) parseLiquidations(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []liquidationData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	var out []stream.Envelope
	for _, l := range rows {
		symbol, ok := a.symbol(l.InstID)
		if !ok {
			continue
		}
		key := stream.NewKey(stream.ChannelLiquidations, symbol, "")
		for _, d := range l.Details {
			out = append(out, data(key, models.Liquidation{
				Exchange:  Name,
				Symbol:    symbol,
				Side:      models.Side(d.Side),
				Price:     models.ParseDecimal(d.BkPx),
				Amount:    models.ParseDecimal(d.Sz),
				Timestamp: millis(d.Ts),
			}))
		}
	}
	return out, nil
}

func (a *Adapter) parseAccount(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []accountData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]stream.Envelope, 0, len(rows))
	for _, acc := range rows {
		bal := models.Balance{Exchange: Name, Assets: make(map[string]models.AssetBalance), Timestamp: millis(acc.UTime)}
		for _, d := range acc.Details {
			bal.Assets[d.Ccy] = models.AssetBalance{
				Free:  models.ParseDecimal(d.AvailBal),
				Used:  models.ParseDecimal(d.FrozenBal),
				Total: models.ParseDecimal(d.Eq),
			}
		}
		out = append(out, data(stream.NewKey(stream.ChannelBalance, "", ""), bal))
	}
	return out, nil
}

func (a *Adapter) parseOrders(raw json.RawMessage) ([]stream.Envelope, error) {
	var rows []orderData
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]stream.Envelope, 0, len(rows))
	for _, o := range rows {
		symbol, ok := a.symbol(o.InstID)
		if !ok {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelOrders, symbol, ""), models.Order{
			Exchange:      Name,
			Symbol:        symbol,
			ID:            o.OrdID,
			ClientOrderID: o.ClOrdID,
			Side:          models.Side(o.Side),
			Type:          o.OrdType,
			Status:        o.State,
			Price:         models.ParseDecimal(o.Px),
			Amount:        models.ParseDecimal(o.Sz),
			Filled:        models.ParseDecimal(o.AccFillSz),
			Timestamp:     millis(o.UTime),
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
		symbol, ok := a.symbol(p.InstID)
		if !ok {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelPositions, symbol, ""), models.Position{
			Exchange:      Name,
			Symbol:        symbol,
			Side:          p.PosSide,
			Contracts:     models.ParseDecimal(p.Pos),
			EntryPrice:    models.ParseDecimal(p.AvgPx),
			MarkPrice:     models.ParseDecimal(p.MarkPx),
			UnrealizedPnl: models.ParseDecimal(p.Upl),
			Leverage:      models.ParseDecimal(p.Lever),
			Timestamp:     millis(p.UTime),
		}))
	}
	return out, nil
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
