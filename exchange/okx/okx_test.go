package okx

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptostream/exchange"
	"cryptostream/models"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

func newTestAdapter() *Adapter {
	return New(Options{Clock: func() time.Time { return time.Unix(1700000000, 0) }})
}

func TestSubscribeFramesCarryIDs(t *testing.T) {
	a := newTestAdapter()
	frames, err := a.SubscribeFrames([]stream.Request{
		{Key: stream.NewKey(stream.ChannelOrderBook, "BTC/USDT", "")},
		{Key: stream.NewKey(stream.ChannelLiquidations, "ETH/USDT", "")},
	}, false)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"id":"1","op":"subscribe","args":[{"channel":"books","instId":"BTC-USDT-SWAP"}]}`, string(frames[0]))
	assert.JSONEq(t, `{"id":"2","op":"subscribe","args":[{"channel":"liquidation-orders","instType":"SWAP"}]}`, string(frames[1]))

	frames, err = a.SubscribeFrames([]stream.Request{{Key: stream.NewKey(stream.ChannelBalance, "", "")}}, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"3","op":"unsubscribe","args":[{"channel":"account"}]}`, string(frames[0]))
}

func TestUnsupportedChannel(t *testing.T) {
	a := newTestAdapter()
	assert.False(t, a.Supports(stream.ChannelOHLCV))
	_, err := a.SubscribeFrames([]stream.Request{{Key: stream.NewKey(stream.ChannelOHLCV, "BTC/USDT", "1m")}}, false)
	assert.ErrorIs(t, err, stream.ErrUnsupportedChannel)
}

func TestLiquidationTopicShared(t *testing.T) {
	a := newTestAdapter()
	btc := a.Topic(stream.NewKey(stream.ChannelLiquidations, "BTC/USDT", ""))
	eth := a.Topic(stream.NewKey(stream.ChannelLiquidations, "ETH/USDT", ""))
	assert.Equal(t, btc, eth)
	assert.NotEqual(t,
		a.Topic(stream.NewKey(stream.ChannelTrades, "BTC/USDT", "")),
		a.Topic(stream.NewKey(stream.ChannelTrades, "ETH/USDT", "")))
}

func TestAuthFrameSignature(t *testing.T) {
	a := newTestAdapter()
	data, err := a.AuthFrame(exchange.Credentials{APIKey: "key", Secret: "secret", Passphrase: "pass"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"login","args":[{"apiKey":"key","passphrase":"pass","timestamp":"1700000000",
		"sign":"lhmJXK08fk9SI1ZwFXKFRrPtzfbNOwC+D1xMJJ/1KZg="}]}`, string(data))

	_, err = a.AuthFrame(exchange.Credentials{})
	assert.ErrorIs(t, err, stream.ErrCredentialsRequired)
}

func TestParseControl(t *testing.T) {
	a := newTestAdapter()

	envs, err := a.Parse([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, stream.ControlPong, envs[0].Control)

	_, err = a.AuthFrame(exchange.Credentials{APIKey: "k", Secret: "s"})
	require.NoError(t, err)
	envs, err = a.Parse([]byte(`{"event":"login","code":"0","msg":"","connId":"a4d3ae55"}`))
	require.NoError(t, err)
	assert.Equal(t, stream.ControlAuth, envs[0].Control)
	assert.NoError(t, envs[0].Err)

	_, err = a.AuthFrame(exchange.Credentials{APIKey: "k", Secret: "s"})
	require.NoError(t, err)
	envs, err = a.Parse([]byte(`{"event":"error","code":"60009","msg":"Login failed.","connId":"a4d3ae55"}`))
	require.NoError(t, err)
	assert.Equal(t, stream.ControlAuth, envs[0].Control)
	var apiErr *exchange.APIError
	require.True(t, errors.As(envs[0].Err, &apiErr))
	assert.Equal(t, "60009", apiErr.Code())

	envs, err = a.Parse([]byte(`{"event":"channel-conn-count","channel":"orders","connCount":"2","connId":"abcd1234"}`))
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestParseSubscriptionError(t *testing.T) {
	a := newTestAdapter()
	key := stream.NewKey(stream.ChannelTicker, "BTC/USDT", "")
	_, err := a.SubscribeFrames([]stream.Request{{Key: key}}, false)
	require.NoError(t, err)

	envs, err := a.Parse([]byte(`{"id":"1","event":"error","code":"60018","msg":"Wrong URL or channel:tickers,instId:BTC-USDT-SWAP doesn't exist.","connId":"a4d3ae55"}`))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, stream.KindError, envs[0].Kind)
	assert.Equal(t, key, envs[0].Key)

	envs, err = a.Parse([]byte(`{"event":"error","code":"60012","msg":"Invalid request","connId":"a4d3ae55"}`))
	require.NoError(t, err)
	assert.True(t, envs[0].Key.IsZero())
}

func TestParseBookWithChecksum(t *testing.T) {
	a := newTestAdapter()
	books := orderbook.New(a.BookConfig())

	envs, err := a.Parse([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"snapshot","data":[{
		"asks":[["8476.99","100","0","1"]],"bids":[["8476.98","415","0","13"]],
		"ts":"1597026383085","checksum":430716815,"prevSeqId":-1,"seqId":123}]}`))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, stream.BookSnapshot, envs[0].Book)
	assert.Equal(t, "BTC/USDT", envs[0].Key.Symbol)
	require.NoError(t, books.ApplySnapshot("BTC/USDT", envs[0].Payload.(orderbook.Snapshot)))

	envs, err = a.Parse([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"update","data":[{
		"asks":[["8476.99","50","0","1"]],"bids":[],
		"ts":"1597026383086","checksum":-1425585276,"prevSeqId":123,"seqId":124}]}`))
	require.NoError(t, err)
	u := envs[0].Payload.(orderbook.Update)
	assert.Equal(t, int64(123), u.PrevSequence)
	out, err := books.ApplyUpdate("BTC/USDT", u)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Applied, out)

	view, ok := books.View(Name, "BTC/USDT", 5)
	require.True(t, ok)
	assert.Equal(t, "50", view.Asks[0].Quantity.String())

	envs, err = a.Parse([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"update","data":[{
		"asks":[["8476.99","10","0","1"]],"bids":[],"ts":"1597026383087","checksum":1,"prevSeqId":124,"seqId":125}]}`))
	require.NoError(t, err)
	_, err = books.ApplyUpdate("BTC/USDT", envs[0].Payload.(orderbook.Update))
	var gap *orderbook.GapError
	require.True(t, errors.As(err, &gap))
	assert.True(t, gap.Checksum)
}

func TestParsePublicData(t *testing.T) {
	a := newTestAdapter()

	envs, err := a.Parse([]byte(`{"arg":{"channel":"tickers","instId":"ETH-USDT-SWAP"},"data":[{
		"instType":"SWAP","instId":"ETH-USDT-SWAP","last":"2000.5","lastSz":"1","askPx":"2000.6","askSz":"3",
		"bidPx":"2000.4","bidSz":"4","open24h":"1900","high24h":"2100","low24h":"1890","vol24h":"1000","ts":"1700000000000"}]}`))
	require.NoError(t, err)
	tick := envs[0].Payload.(models.Ticker)
	assert.Equal(t, "ETH/USDT", tick.Symbol)
	assert.Equal(t, "2000.5", tick.Last.String())
	assert.Equal(t, "2000.4", tick.Bid.String())
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), tick.Timestamp)

	envs, err = a.Parse([]byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[
		{"instId":"BTC-USDT-SWAP","tradeId":"130639474","px":"42219.9","sz":"0.12","side":"buy","ts":"1630048897897"},
		{"instId":"BTC-USDT-SWAP","tradeId":"130639475","px":"42220","sz":"0.1","side":"sell","ts":"1630048897898"}]}`))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, models.Sell, envs[1].Payload.(models.Trade).Side)

	envs, err = a.Parse([]byte(`{"arg":{"channel":"liquidation-orders","instType":"SWAP"},"data":[{"instId":"BTC-USDT-SWAP",
		"details":[{"side":"buy","sz":"2","bkPx":"41000","ts":"1700000000000"},{"side":"sell","sz":"1","bkPx":"41100","ts":"1700000000001"}]}]}`))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, stream.NewKey(stream.ChannelLiquidations, "BTC/USDT", ""), envs[0].Key)
}

func TestParsePrivateData(t *testing.T) {
	a := newTestAdapter()

	envs, err := a.Parse([]byte(`{"arg":{"channel":"account","uid":"1"},"data":[{"uTime":"1700000000000",
		"details":[{"ccy":"USDT","availBal":"90","frozenBal":"10","eq":"100"}]}]}`))
	require.NoError(t, err)
	bal := envs[0].Payload.(models.Balance)
	assert.Equal(t, "100", bal.Assets["USDT"].Total.String())
	assert.True(t, envs[0].Key.Private)

	envs, err = a.Parse([]byte(`{"arg":{"channel":"orders","instType":"SWAP"},"data":[{"instId":"BTC-USDT-SWAP","ordId":"1",
		"clOrdId":"c1","side":"buy","ordType":"limit","px":"40000","sz":"2","accFillSz":"1","state":"partially_filled","uTime":"1700000000000"}]}`))
	require.NoError(t, err)
	ord := envs[0].Payload.(models.Order)
	assert.Equal(t, "partially_filled", ord.Status)
	assert.Equal(t, stream.NewKey(stream.ChannelOrders, "BTC/USDT", ""), envs[0].Key)

	envs, err = a.Parse([]byte(`{"arg":{"channel":"positions","instType":"SWAP"},"data":[{"instId":"BTC-USDT-SWAP","posSide":"long",
		"pos":"3","avgPx":"40000","markPx":"41000","upl":"30","lever":"10","uTime":"1700000000000"}]}`))
	require.NoError(t, err)
	pos := envs[0].Payload.(models.Position)
	assert.Equal(t, "10", pos.Leverage.String())
}

func TestParseMalformed(t *testing.T) {
	a := newTestAdapter()
	_, err := a.Parse([]byte(`{not json`))
	assert.Error(t, err)
	_, err = a.Parse([]byte(`{"data":[]}`))
	assert.Error(t, err)
	_, err = a.Parse([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"data":{}}`))
	var syntax *json.UnmarshalTypeError
	assert.True(t, errors.As(err, &syntax))
}
