package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/orderbook"
)

type hookRecorder struct {
	replies  []string
	alives   int
	auth     []error
	resyncs  []ChannelKey
	applied  []ChannelKey
	rejects  map[ChannelKey]error
	connErrs []error
}

func (h *hookRecorder) reply(data []byte)            { h.replies = append(h.replies, string(data)) }
func (h *hookRecorder) alive()                       { h.alives++ }
func (h *hookRecorder) authResult(err error)         { h.auth = append(h.auth, err) }
func (h *hookRecorder) resync(k ChannelKey, _ error) { h.resyncs = append(h.resyncs, k) }
func (h *hookRecorder) snapshotApplied(k ChannelKey) { h.applied = append(h.applied, k) }
func (h *hookRecorder) connectionError(err error)    { h.connErrs = append(h.connErrs, err) }

func (h *hookRecorder) rejected(k ChannelKey, err error) {
	if h.rejects == nil {
		h.rejects = map[ChannelKey]error{}
	}
	h.rejects[k] = err
}

type routerFixture struct {
	router   *Router
	registry *Registry
	books    *orderbook.Reconstructor
	hooks    *hookRecorder
}

func newRouterFixture() *routerFixture {
	a := &fakeAdapter{}
	f := &routerFixture{
		registry: NewRegistry(),
		books:    orderbook.New(orderbook.Config{Rule: orderbook.Contiguous{}, BufferLimit: 10}),
		hooks:    &hookRecorder{},
	}
	f.router = newRouter(a, f.registry, f.books, f.hooks, logger.GetLogger().WithComponent("test"))
	return f
}

func text(s string) Frame {
	return Frame{Kind: TextFrame, Data: []byte(s), ReceivedAt: time.Now()}
}

func TestRouterControlFrames(t *testing.T) {
	f := newRouterFixture()

	f.router.Route(Frame{Kind: PongFrame})
	f.router.Route(text(`{"type":"pong"}`))
	f.router.Route(text(`{"type":"ping"}`))
	assert.Equal(t, 3, f.hooks.alives)
	assert.Equal(t, []string{`{"op":"pong"}`}, f.hooks.replies)

	f.router.Route(text(`{"type":"auth","ok":true}`))
	f.router.Route(text(`{"type":"auth","ok":false}`))
	require.Len(t, f.hooks.auth, 2)
	assert.NoError(t, f.hooks.auth[0])
	assert.Error(t, f.hooks.auth[1])

	stats := f.router.Stats()
	assert.Equal(t, int64(5), stats.Frames)
	assert.Equal(t, int64(5), stats.Control)
}

func TestRouterDeliversOnlyToRegisteredKeys(t *testing.T) {
	f := newRouterFixture()
	var got []Event
	f.registry.Put(Request{Key: NewKey(ChannelTicker, "BTC/USDT", "")}, func(ev Event) { got = append(got, ev) })

	f.router.Route(text(`{"type":"ticker","symbol":"BTC/USDT","price":"1"}`))
	f.router.Route(text(`{"type":"ticker","symbol":"ETH/USDT","price":"2"}`))

	require.Len(t, got, 1)
	assert.Equal(t, "BTC/USDT", got[0].Data.(models.Ticker).Symbol)
	assert.Equal(t, int64(1), f.router.Stats().Unrouted)
}

func TestRouterDropsMalformedFrames(t *testing.T) {
	f := newRouterFixture()
	f.router.Route(text(`garbage`))
	assert.Equal(t, int64(1), f.router.Stats().Dropped)
	assert.Empty(t, f.hooks.connErrs)
}

func TestRouterErrorRouting(t *testing.T) {
	f := newRouterFixture()
	key := NewKey(ChannelTicker, "BTC/USDT", "")
	f.registry.Put(Request{Key: key}, func(Event) {})

	f.router.Route(text(`{"type":"error","channel":"ticker","symbol":"BTC/USDT","code":"7"}`))
	f.router.Route(text(`{"type":"error","channel":"ticker","symbol":"XRP/USDT"}`))
	f.router.Route(text(`{"type":"error"}`))

	require.Contains(t, f.hooks.rejects, key)
	var se *SubscriptionError
	require.True(t, errors.As(f.hooks.rejects[key], &se))
	assert.Equal(t, "7", se.Code)
	assert.Len(t, f.hooks.connErrs, 2)
}

func TestRouterBookEmitsOnlyConsistentStates(t *testing.T) {
	f := newRouterFixture()
	key := NewKey(ChannelOrderBook, "BTC/USDT", "")
	var books []models.OrderBook
	f.registry.Put(Request{Key: key, Depth: 1}, func(ev Event) { books = append(books, ev.Data.(models.OrderBook)) })
	gaps := logger.StreamEventCount("fake", "gap")

	f.router.Route(text(`{"type":"update","symbol":"BTC/USDT","seq":11,"bids":[["9","1"]]}`))
	assert.Empty(t, books)

	f.router.Route(text(`{"type":"snapshot","symbol":"BTC/USDT","seq":10,"bids":[["10","1"],["8","1"]],"asks":[["11","1"]]}`))
	require.Len(t, books, 1)
	assert.Equal(t, int64(11), books[0].Sequence)
	require.Len(t, books[0].Bids, 1)
	assert.Equal(t, "10", books[0].Bids[0].Price.String())
	assert.Equal(t, []ChannelKey{key}, f.hooks.applied)

	f.router.Route(text(`{"type":"update","symbol":"BTC/USDT","seq":11}`))
	assert.Len(t, books, 1)

	f.router.Route(text(`{"type":"update","symbol":"BTC/USDT","seq":20,"bids":[["12","1"]]}`))
	assert.Len(t, books, 1)
	assert.Equal(t, []ChannelKey{key}, f.hooks.resyncs)
	assert.Equal(t, int64(1), f.router.Stats().Resyncs)
	assert.Equal(t, gaps+1, logger.StreamEventCount("fake", "gap"))
}
