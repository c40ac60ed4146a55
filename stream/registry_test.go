package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutReplacesHandler(t *testing.T) {
	r := NewRegistry()
	key := NewKey(ChannelTicker, "BTC/USDT", "")
	var got string

	assert.True(t, r.Put(Request{Key: key}, func(Event) { got = "a" }))
	assert.False(t, r.Put(Request{Key: key}, func(Event) { got = "b" }))

	h, _, ok := r.Lookup(key)
	require.True(t, ok)
	h(Event{})
	assert.Equal(t, "b", got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryKeepsLargestDepth(t *testing.T) {
	r := NewRegistry()
	key := NewKey(ChannelOrderBook, "BTC/USDT", "")
	r.Put(Request{Key: key, Depth: 5}, func(Event) {})
	r.Put(Request{Key: key, Depth: 20}, func(Event) {})
	r.Put(Request{Key: key, Depth: 10}, func(Event) {})
	_, req, _ := r.Lookup(key)
	assert.Equal(t, 20, req.Depth)
}

func TestRegistryDepthUpgradeResubscribes(t *testing.T) {
	r := NewRegistry()
	key := NewKey(ChannelOrderBook, "BTC/USDT", "")
	shallow := Request{Key: key, Depth: 1}
	deep := Request{Key: key, Depth: 500}

	require.True(t, r.Put(shallow, func(Event) {}))
	r.MarkActive(r.Pending(false)...)
	wire, ok := r.Wire(key)
	require.True(t, ok)
	assert.Equal(t, shallow, wire)

	assert.True(t, r.Put(deep, func(Event) {}))
	assert.Equal(t, []Request{shallow}, r.TakeUnsubscribes())
	assert.Equal(t, []Request{deep}, r.Pending(false))
	_, ok = r.Wire(key)
	assert.False(t, ok)

	r.MarkActive(r.Pending(false)...)
	assert.False(t, r.Put(shallow, func(Event) {}))
	assert.Empty(t, r.TakeUnsubscribes())

	require.True(t, r.Remove(key))
	assert.Equal(t, []Request{deep}, r.TakeUnsubscribes())
}

func TestRegistryDepthRaisedWhileSubscribing(t *testing.T) {
	r := NewRegistry()
	key := NewKey(ChannelOrderBook, "ETH/USDT", "")
	r.Put(Request{Key: key, Depth: 50}, func(Event) {})
	taken := r.Pending(false)

	assert.True(t, r.Put(Request{Key: key, Depth: 200}, func(Event) {}))
	r.MarkActive(taken...)

	assert.Equal(t, taken, r.TakeUnsubscribes())
	assert.Equal(t, []Request{{Key: key, Depth: 200}}, r.Pending(false))
}

func TestRegistryRemoveQueuesUnsubscribeOnlyWhenActive(t *testing.T) {
	r := NewRegistry()
	a := NewKey(ChannelTrades, "BTC/USDT", "")
	b := NewKey(ChannelTrades, "ETH/USDT", "")
	r.Put(Request{Key: a}, func(Event) {})
	r.Put(Request{Key: b}, func(Event) {})
	r.MarkActive(Request{Key: a})

	assert.True(t, r.Remove(a))
	assert.True(t, r.Remove(b))
	assert.False(t, r.Remove(b))

	unsubs := r.TakeUnsubscribes()
	require.Len(t, unsubs, 1)
	assert.Equal(t, a, unsubs[0].Key)
	assert.Empty(t, r.TakeUnsubscribes())
}

func TestRegistryPendingOrderAndPrivateFilter(t *testing.T) {
	r := NewRegistry()
	keys := []ChannelKey{
		NewKey(ChannelOrderBook, "BTC/USDT", ""),
		NewKey(ChannelBalance, "", ""),
		NewKey(ChannelTicker, "ETH/USDT", ""),
		NewKey(ChannelOHLCV, "BTC/USDT", "1m"),
	}
	for _, k := range keys {
		r.Put(Request{Key: k}, func(Event) {})
	}
	assert.Equal(t, keys, r.Keys())
	assert.True(t, r.HasPendingPrivate())

	public := r.Pending(false)
	require.Len(t, public, 3)
	assert.Equal(t, keys[0], public[0].Key)
	assert.Equal(t, keys[2], public[1].Key)
	assert.Equal(t, keys[3], public[2].Key)

	r.MarkActive(public[0], Request{Key: keys[1]})
	assert.False(t, r.HasPendingPrivate())
	assert.Len(t, r.Pending(true), 2)

	r.DeactivateAll()
	assert.Len(t, r.Pending(true), 4)
}

func TestRegistryRemovePrivate(t *testing.T) {
	r := NewRegistry()
	r.Put(Request{Key: NewKey(ChannelBalance, "", "")}, func(Event) {})
	r.Put(Request{Key: NewKey(ChannelOrders, "BTC/USDT", "")}, func(Event) {})
	r.Put(Request{Key: NewKey(ChannelTicker, "BTC/USDT", "")}, func(Event) {})

	removed := r.RemovePrivate()
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, r.Len())
	_, _, ok := r.Lookup(NewKey(ChannelTicker, "BTC/USDT", ""))
	assert.True(t, ok)
}

func TestChannelKeyString(t *testing.T) {
	assert.Equal(t, "ohlcv:BTC/USDT:1m", NewKey(ChannelOHLCV, "BTC/USDT", "1m").String())
	assert.Equal(t, "balance:private", NewKey(ChannelBalance, "", "").String())
	assert.True(t, ChannelKey{}.IsZero())
	assert.False(t, ChannelTicker.Private())
	assert.True(t, ChannelMyTrades.Private())
}
