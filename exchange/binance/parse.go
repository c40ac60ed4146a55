package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cryptostream/exchange"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

type envelope struct {
	Event  string          `json:"e"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
	// combined stream wrapper
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthEvent struct {
	Time       int64      `json:"E"`
	Symbol     string     `json:"s"`
	FirstID    int64      `json:"U"`
	LastID     int64      `json:"u"`
	PrevLastID int64      `json:"pu"`
	Bids       [][]string `json:"b"`
	Asks       [][]string `json:"a"`
}

type tickerEvent struct {
	Time   int64  `json:"E"`
	Symbol string `json:"s"`
	Last   string `json:"c"`
	Open   string `json:"o"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Volume string `json:"v"`
}

type aggTradeEvent struct {
	Symbol     string `json:"s"`
	ID         int64  `json:"a"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

type klineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		Start    int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
	} `json:"k"`
}

type forceOrderEvent struct {
	Order struct {
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Quantity string `json:"q"`
		Price    string `json:"p"`
		AvgPrice string `json:"ap"`
		Time     int64  `json:"T"`
	} `json:"o"`
}

type accountUpdateEvent struct {
	Time    int64 `json:"E"`
	Account struct {
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
			CrossWallet   string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			Amount        string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnl string `json:"up"`
			PositionSide  string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

type orderUpdateEvent struct {
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		Quantity      string `json:"q"`
		Price         string `json:"p"`
		ExecType      string `json:"x"`
		Status        string `json:"X"`
		ID            int64  `json:"i"`
		LastQty       string `json:"l"`
		Filled        string `json:"z"`
		LastPrice     string `json:"L"`
		FeeAsset      string `json:"N"`
		Fee           string `json:"n"`
		Time          int64  `json:"T"`
		TradeID       int64  `json:"t"`
	} `json:"o"`
}

func (a *Adapter) Parse(frame []byte) ([]stream.Envelope, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if env.Stream != "" && len(env.Data) > 0 {
		return a.Parse(env.Data)
	}
	if env.ID != nil {
		return a.parseResponse(env)
	}

	switch env.Event {
	case "depthUpdate":
		return a.parseDepth(frame)
	case "24hrTicker":
		return a.parseTicker(frame)
	case "aggTrade":
		return a.parseAggTrade(frame)
	case "kline":
		return a.parseKline(frame)
	case "forceOrder":
		return a.parseForceOrder(frame)
	case "ACCOUNT_UPDATE":
		return a.parseAccountUpdate(frame)
	case "ORDER_TRADE_UPDATE":
		return a.parseOrderUpdate(frame)
	case "listenKeyExpired":
		return []stream.Envelope{{Kind: stream.KindError, Err: fmt.Errorf("binance: listen key expired: %w", stream.ErrSessionExpired)}}, nil
	case "MARGIN_CALL", "ACCOUNT_CONFIG_UPDATE", "TRADE_LITE":
		return nil, nil
	}
	return nil, fmt.Errorf("binance: unknown event %q", env.Event)
}

func (a *Adapter) parseResponse(env envelope) ([]stream.Envelope, error) {
	key, _ := a.resolve(*env.ID)
	out := stream.Envelope{Kind: stream.KindControl, Control: stream.ControlAck, Key: key, ID: formatID(*env.ID)}
	if env.Error != nil {
		out.Err = &exchange.APIError{Exchange: Name, ErrCode: strconv.Itoa(env.Error.Code), Message: env.Error.Msg}
	}
	return []stream.Envelope{out}, nil
}

func (a *Adapter) symbol(id string) (string, error) {
	m, err := a.markets.MarketByID(id)
	if err != nil {
		return "", err
	}
	return m.Symbol, nil
}

func (a *Adapter) parseDepth(frame []byte) ([]stream.Envelope, error) {
	var ev depthEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, err
	}
	symbol, err := a.symbol(ev.Symbol)
	if err != nil {
		return nil, err
	}
	return []stream.Envelope{{
		Kind: stream.KindData,
		Key:  stream.NewKey(stream.ChannelOrderBook, symbol, ""),
		Book: stream.BookUpdate,
		Payload: orderbook.Update{
			Bids:          models.EntriesFromPairs(ev.Bids),
			Asks:          models.EntriesFromPairs(ev.Asks),
			Sequence:      ev.LastID,
			FirstSequence: ev.FirstID,
			PrevSequence:  ev.PrevLastID,
			Timestamp:     models.MillisToTime(ev.Time),
		},
	}}, nil
}

func (a *Adapter) parseTicker(frame []byte) ([]stream.Envelope, error) {
	var ev tickerEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, err
	}
	symbol, err := a.symbol(ev.Symbol)
	if err != nil {
		return nil, err
	}
	return []stream.Envelope{data(stream.NewKey(stream.ChannelTicker, symbol, ""), models.Ticker{
		Exchange:  Name,
		Symbol:    symbol,
		Last:      models.ParseDecimal(ev.Last),
		Open:      models.ParseDecimal(ev.Open),
		High:      models.ParseDecimal(ev.High),
		Low:       models.ParseDecimal(ev.Low),
		Volume:    models.ParseDecimal(ev.Volume),
		Timestamp: models.MillisToTime(ev.Time),
	})}, nil
}

func (a *Adapter) parseAggTrade(frame []byte) ([]stream.Envelope, error) {
	var ev aggTradeEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, err
	}
	symbol, err := a.symbol(ev.Symbol)
	if err != nil {
		return nil, err
	}
	// the aggressor sold when the buyer was the maker
	side := models.Buy
	if ev.BuyerMaker {
		side = models.Sell
	}
	return []stream.Envelope{data(stream.NewKey(stream.ChannelTrades, symbol, ""), models.Trade{
		Exchange:  Name,
		Symbol:    symbol,
		ID:        formatID(ev.ID),
		Side:      side,
		Price:     models.ParseDecimal(ev.Price),
		Amount:    models.ParseDecimal(ev.Quantity),
		Timestamp: models.MillisToTime(ev.TradeTime),
	})}, nil
}

func (a *Adapter) parseKline(frame []byte) ([]stream.Envelope, error) {
	var ev klineEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, err
	}
	symbol, err := a.symbol(ev.Symbol)
	if err != nil {
		return nil, err
	}
	k := ev.Kline
	return []stream.Envelope{data(stream.NewKey(stream.ChannelOHLCV, symbol, k.Interval), models.OHLCV{
		Exchange:  Name,
		Symbol:    symbol,
		Timeframe: k.Interval,
		Open:      models.ParseDecimal(k.Open),
		High:      models.ParseDecimal(k.High),
		Low:       models.ParseDecimal(k.Low),
		Close:     models.ParseDecimal(k.Close),
		Volume:    models.ParseDecimal(k.Volume),
		Timestamp: models.MillisToTime(k.Start),
	})}, nil
}

func (a *Adapter) parseForceOrder(frame []byte) ([]stream.Envelope, error) {
	var ev forceOrderEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, err
	}
	o := ev.Order
	symbol, err := a.symbol(o.Symbol)
	if err != nil {
		return nil, err
	}
	price := o.AvgPrice
	if price == "" || models.ParseDecimal(price).IsZero() {
		price = o.Price
	}
	return []stream.Envelope{data(stream.NewKey(stream.ChannelLiquidations, symbol, ""), models.Liquidation{
		Exchange:  Name,
		Symbol:    symbol,
		Side:      side(o.Side),
		Price:     models.ParseDecimal(price),
		Amount:    models.ParseDecimal(o.Quantity),
		Timestamp: models.MillisToTime(o.Time),
	})}, nil
}

// parseAccountUpdate splits one account event into a balance update and a
// position update per symbol.
func (a *Adapter) parseAccountUpdate(frame []byte) ([]stream.Envelope, error) {
	var ev accountUpdateEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, err
	}
	ts := models.MillisToTime(ev.Time)
	var out []stream.Envelope
	if len(ev.Account.Balances) > 0 {
		bal := models.Balance{Exchange: Name, Assets: make(map[string]models.AssetBalance), Timestamp: ts}
		for _, b := range ev.Account.Balances {
			total := models.ParseDecimal(b.WalletBalance)
			free := models.ParseDecimal(b.CrossWallet)
			bal.Assets[b.Asset] = models.AssetBalance{Free: free, Used: total.Sub(free), Total: total}
		}
		out = append(out, data(stream.NewKey(stream.ChannelBalance, "", ""), bal))
	}
	for _, p := range ev.Account.Positions {
		symbol, err := a.symbol(p.Symbol)
		if err != nil {
			continue
		}
		out = append(out, data(stream.NewKey(stream.ChannelPositions, symbol, ""), models.Position{
			Exchange:      Name,
			Symbol:        symbol,
			Side:          positionSide(p.PositionSide, p.Amount),
			Contracts:     models.ParseDecimal(p.Amount).Abs(),
			EntryPrice:    models.ParseDecimal(p.EntryPrice),
			UnrealizedPnl: models.ParseDecimal(p.UnrealizedPnl),
			Timestamp:     ts,
		}))
	}
	return out, nil
}

// parseOrderUpdate emits the order state and, for fills, the own trade.
func (a *Adapter) parseOrderUpdate(frame []byte) ([]stream.Envelope, error) {
	var ev orderUpdateEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, err
	}
	o := ev.Order
	symbol, err := a.symbol(o.Symbol)
	if err != nil {
		return nil, err
	}
	ts := models.MillisToTime(o.Time)
	out := []stream.Envelope{data(stream.NewKey(stream.ChannelOrders, symbol, ""), models.Order{
		Exchange:      Name,
		Symbol:        symbol,
		ID:            formatID(o.ID),
		ClientOrderID: o.ClientOrderID,
		Side:          side(o.Side),
		Type:          lower(o.Type),
		Status:        lower(o.Status),
		Price:         models.ParseDecimal(o.Price),
		Amount:        models.ParseDecimal(o.Quantity),
		Filled:        models.ParseDecimal(o.Filled),
		Timestamp:     ts,
	})}
	if o.ExecType == "TRADE" {
		out = append(out, data(stream.NewKey(stream.ChannelMyTrades, symbol, ""), models.Trade{
			Exchange:  Name,
			Symbol:    symbol,
			ID:        formatID(o.TradeID),
			OrderID:   formatID(o.ID),
			Side:      side(o.Side),
			Price:     models.ParseDecimal(o.LastPrice),
			Amount:    models.ParseDecimal(o.LastQty),
			Fee:       models.ParseDecimal(o.Fee),
			FeeAsset:  o.FeeAsset,
			Timestamp: ts,
		}))
	}
	return out, nil
}

func data(key stream.ChannelKey, payload any) stream.Envelope {
	return stream.Envelope{Kind: stream.KindData, Key: key, Payload: payload}
}

func side(s string) models.Side { return models.Side(strings.ToLower(s)) }

func lower(s string) string { return strings.ToLower(s) }

// positionSide resolves one-way mode positions from the sign of the amount.
func positionSide(ps, amount string) string {
	if ps != "" && ps != "BOTH" {
		return strings.ToLower(ps)
	}
	if models.ParseDecimal(amount).IsNegative() {
		return "short"
	}
	return "long"
}
