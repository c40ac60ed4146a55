package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptostream/exchange"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

func TestSubscribeFrames(t *testing.T) {
	a := New(Options{})
	frames, err := a.SubscribeFrames([]stream.Request{
		{Key: stream.NewKey(stream.ChannelOrderBook, "BTC/USDT", "")},
		{Key: stream.NewKey(stream.ChannelOHLCV, "ETH/USDT", "15m")},
		{Key: stream.NewKey(stream.ChannelBalance, "", "")},
	}, false)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["btcusdt@depth@100ms"],"id":1}`, string(frames[0]))
	assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["ethusdt@kline_15m"],"id":2}`, string(frames[1]))

	frames, err = a.SubscribeFrames([]stream.Request{{Key: stream.NewKey(stream.ChannelLiquidations, "BTC/USDT", "")}}, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"UNSUBSCRIBE","params":["btcusdt@forceOrder"],"id":3}`, string(frames[0]))
}

func TestParseResponses(t *testing.T) {
	a := New(Options{})
	key := stream.NewKey(stream.ChannelTicker, "BTC/USDT", "")
	_, err := a.SubscribeFrames([]stream.Request{{Key: key}}, false)
	require.NoError(t, err)

	envs, err := a.Parse([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, stream.ControlAck, envs[0].Control)
	assert.Equal(t, key, envs[0].Key)
	assert.NoError(t, envs[0].Err)

	_, err = a.SubscribeFrames([]stream.Request{{Key: key}}, false)
	require.NoError(t, err)
	envs, err = a.Parse([]byte(`{"error":{"code":2,"msg":"Invalid request: unknown variant"},"id":2}`))
	require.NoError(t, err)
	var apiErr *exchange.APIError
	require.True(t, errors.As(envs[0].Err, &apiErr))
	assert.Equal(t, "2", apiErr.Code())
	assert.Equal(t, key, envs[0].Key)
}

func TestDepthBridgesRESTSnapshot(t *testing.T) {
	a := New(Options{})
	books := orderbook.New(a.BookConfig())

	update := func(msg string) orderbook.Update {
		envs, err := a.Parse([]byte(msg))
		require.NoError(t, err)
		require.Equal(t, stream.BookUpdate, envs[0].Book)
		return envs[0].Payload.(orderbook.Update)
	}

	// buffered before the snapshot: one stale, one straddling, one linked
	for _, msg := range []string{
		`{"e":"depthUpdate","E":1,"T":1,"s":"BTCUSDT","U":90,"u":95,"pu":89,"b":[["99","1"]],"a":[]}`,
		`{"e":"depthUpdate","E":2,"T":2,"s":"BTCUSDT","U":96,"u":105,"pu":95,"b":[["100","2"]],"a":[]}`,
		`{"e":"depthUpdate","E":3,"T":3,"s":"BTCUSDT","U":106,"u":110,"pu":105,"b":[],"a":[["101","3"]]}`,
	} {
		out, err := books.ApplyUpdate("BTC/USDT", update(msg))
		require.NoError(t, err)
		assert.Equal(t, orderbook.Buffered, out)
	}

	require.NoError(t, books.ApplySnapshot("BTC/USDT", orderbook.Snapshot{
		Bids:     []models.BookEntry{{Price: "100", Quantity: "1"}},
		Asks:     []models.BookEntry{{Price: "101", Quantity: "1"}},
		Sequence: 100,
	}))
	view, ok := books.View(Name, "BTC/USDT", 5)
	require.True(t, ok)
	assert.Equal(t, int64(110), view.Sequence)
	assert.Equal(t, "2", view.Bids[0].Quantity.String())
	assert.Equal(t, "3", view.Asks[0].Quantity.String())

	_, err := books.ApplyUpdate("BTC/USDT", update(`{"e":"depthUpdate","E":4,"T":4,"s":"BTCUSDT","U":112,"u":115,"pu":111,"b":[],"a":[]}`))
	assert.ErrorIs(t, err, orderbook.ErrStale)
}

func TestParseMarketEvents(t *testing.T) {
	a := New(Options{})

	envs, err := a.Parse([]byte(`{"e":"aggTrade","E":123456789,"s":"BTCUSDT","a":5933014,"p":"0.001","q":"100","f":100,"l":105,"T":123456785,"m":true}`))
	require.NoError(t, err)
	trade := envs[0].Payload.(models.Trade)
	assert.Equal(t, models.Sell, trade.Side)
	assert.Equal(t, "5933014", trade.ID)

	envs, err = a.Parse([]byte(`{"e":"kline","E":1638747660000,"s":"BTCUSDT","k":{"t":1638747660000,"T":1638747719999,"s":"BTCUSDT",
		"i":"1m","f":100,"L":200,"o":"0.0010","c":"0.0020","h":"0.0025","l":"0.0015","v":"1000","n":100,"x":false}}`))
	require.NoError(t, err)
	assert.Equal(t, stream.NewKey(stream.ChannelOHLCV, "BTC/USDT", "1m"), envs[0].Key)

	envs, err = a.Parse([]byte(`{"e":"forceOrder","E":1568014460893,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","f":"IOC",
		"q":"0.014","p":"9910","ap":"9910","X":"FILLED","l":"0.014","z":"0.014","T":1568014460893}}`))
	require.NoError(t, err)
	liq := envs[0].Payload.(models.Liquidation)
	assert.Equal(t, models.Sell, liq.Side)
	assert.Equal(t, "9910", liq.Price.String())

	// combined stream wrapper
	envs, err = a.Parse([]byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":123456789,"s":"BTCUSDT","c":"0.0025","o":"0.0010","h":"0.0025","l":"0.0010","v":"10000"}}`))
	require.NoError(t, err)
	assert.Equal(t, "0.0025", envs[0].Payload.(models.Ticker).Last.String())
}

func TestParseUserDataEvents(t *testing.T) {
	a := New(Options{})

	envs, err := a.Parse([]byte(`{"e":"ACCOUNT_UPDATE","E":1564745798939,"T":1564745798938,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"122624.12345678","cw":"100.12345678","bc":"50.12345678"}],
		"P":[{"s":"BTCUSDT","pa":"-20","ep":"6563.66500","cr":"0","up":"2850.21200","mt":"isolated","iw":"13200.70726908","ps":"BOTH"}]}}`))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	bal := envs[0].Payload.(models.Balance)
	assert.Equal(t, "122524", bal.Assets["USDT"].Used.String())
	pos := envs[1].Payload.(models.Position)
	assert.Equal(t, "short", pos.Side)
	assert.Equal(t, "20", pos.Contracts.String())

	envs, err = a.Parse([]byte(`{"e":"ORDER_TRADE_UPDATE","E":1568879465651,"T":1568879465650,"o":{"s":"BTCUSDT","c":"TEST","S":"SELL",
		"o":"TRAILING_STOP_MARKET","f":"GTC","q":"0.001","p":"0","ap":"0","sp":"7103.04","x":"TRADE","X":"PARTIALLY_FILLED","i":8886774,
		"l":"0.0005","z":"0.0005","L":"7100","N":"USDT","n":"0.01","T":1568879465650,"t":42}}`))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	order := envs[0].Payload.(models.Order)
	assert.Equal(t, "partially_filled", order.Status)
	assert.Equal(t, stream.NewKey(stream.ChannelMyTrades, "BTC/USDT", ""), envs[1].Key)
	assert.Equal(t, "42", envs[1].Payload.(models.Trade).ID)

	envs, err = a.Parse([]byte(`{"e":"listenKeyExpired","E":1576653824250,"listenKey":"WsCMN0a4KHUPTQuX6IUnqEZfB1inxmv1qR4kbf1LuEjur5VdbzqvyxqG9TSjVVxv"}`))
	require.NoError(t, err)
	assert.ErrorIs(t, envs[0].Err, stream.ErrSessionExpired)
}

func TestRESTSnapshotAndListenKey(t *testing.T) {
	var keepalives atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/fapi/v1/depth":
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"lastUpdateId": 1027024, "E": 1589436922972, "T": 1589436922959,
				"bids": [][]string{{"4.00000000", "431.00000000"}},
				"asks": [][]string{{"4.00000200", "12.00000000"}},
			})
		case r.URL.Path == "/fapi/v1/listenKey" && r.Method == http.MethodPost:
			assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
			_, _ = w.Write([]byte(`{"listenKey":"lk123"}`))
		case r.URL.Path == "/fapi/v1/listenKey" && r.Method == http.MethodPut:
			keepalives.Add(1)
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(Options{RESTURL: srv.URL, HTTPClient: srv.Client(), PrivateURL: "ws://private/ws"})

	snap, err := a.FetchSnapshot(context.Background(), "BTC/USDT", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1027024), snap.Sequence)
	assert.Equal(t, "4.00000000", snap.Bids[0].Price)
	assert.False(t, a.StreamSnapshots())

	creds := exchange.Credentials{APIKey: "key", Secret: "secret"}
	sess, err := a.Negotiate(context.Background(), true, creds)
	require.NoError(t, err)
	assert.Equal(t, "ws://private/ws/lk123", sess.URL)
	assert.True(t, sess.Authenticated)

	require.NoError(t, a.RefreshSession(context.Background(), sess, creds))
	assert.Equal(t, int32(1), keepalives.Load())

	_, err = a.Negotiate(context.Background(), true, exchange.Credentials{})
	assert.ErrorIs(t, err, stream.ErrCredentialsRequired)

	pub, err := a.Negotiate(context.Background(), false, exchange.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, PublicURL, pub.URL)
}

func TestDepthLimit(t *testing.T) {
	assert.Equal(t, 1000, depthLimit(0))
	assert.Equal(t, 5, depthLimit(1))
	assert.Equal(t, 500, depthLimit(101))
	assert.Equal(t, 1000, depthLimit(5000))
}

func TestLoadMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/exchangeInfo" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"timezone":"UTC","serverTime":1700000000000,"symbols":[
			{"symbol":"BTCUSDT","pair":"BTCUSDT","contractType":"PERPETUAL","status":"TRADING",
			 "baseAsset":"BTC","quoteAsset":"USDT","pricePrecision":2,"quantityPrecision":3,
			 "filters":[
				{"filterType":"PRICE_FILTER","minPrice":"556.80","maxPrice":"4529764","tickSize":"0.10"},
				{"filterType":"LOT_SIZE","minQty":"0.001","maxQty":"1000","stepSize":"0.001"}
			 ]}
		]}`))
	}))
	defer srv.Close()

	a := New(Options{RESTURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, a.LoadMarkets(context.Background(), []string{"BTC/USDT"}))

	m, err := a.Markets().Market("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", m.ID)
	assert.Equal(t, int32(1), m.PricePrecision)
	assert.Equal(t, int32(3), m.AmountPrecision)

	err = a.LoadMarkets(context.Background(), []string{"ETH/USDT"})
	assert.ErrorIs(t, err, exchange.ErrUnknownMarket)
}
