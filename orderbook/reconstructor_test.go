package orderbook

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptostream/models"
)

func e(p, q string) models.BookEntry { return models.BookEntry{Price: p, Quantity: q} }

func snapshot(seq int64) Snapshot {
	return Snapshot{
		Bids:     []models.BookEntry{e("50000", "1"), e("49999", "2"), e("49998", "3")},
		Asks:     []models.BookEntry{e("50001", "1"), e("50002", "2")},
		Sequence: seq,
	}
}

func prices(levels []models.PriceLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}

func TestSnapshotSortsSides(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.ApplySnapshot("BTC/USDT", Snapshot{
		Bids:     []models.BookEntry{e("1", "1"), e("3", "1"), e("2", "1"), e("4", "0")},
		Asks:     []models.BookEntry{e("7", "1"), e("5", "1"), e("6", "1")},
		Sequence: 1,
	}))
	view, ok := r.View("x", "BTC/USDT", 0)
	require.True(t, ok)
	assert.Equal(t, []string{"3", "2", "1"}, prices(view.Bids))
	assert.Equal(t, []string{"5", "6", "7"}, prices(view.Asks))
}

func TestGapMarksStaleWithoutApplying(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.ApplySnapshot("BTC/USDT", snapshot(100)))

	out, err := r.ApplyUpdate("BTC/USDT", Update{
		Bids:     []models.BookEntry{e("60000", "5")},
		Sequence: 105,
	})
	require.Error(t, err)
	assert.Equal(t, Discarded, out)
	assert.True(t, errors.Is(err, ErrStale))
	var gap *GapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, int64(100), gap.Last)
	assert.Equal(t, int64(105), gap.Got)

	assert.Equal(t, Stale, r.State("BTC/USDT"))
	_, ok := r.View("x", "BTC/USDT", 0)
	assert.False(t, ok, "stale books must not be exposed")

	// later updates are discarded silently until a new snapshot
	out, err = r.ApplyUpdate("BTC/USDT", Update{Bids: []models.BookEntry{e("60000", "5")}, Sequence: 106})
	assert.NoError(t, err)
	assert.Equal(t, Discarded, out)

	require.NoError(t, r.ApplySnapshot("BTC/USDT", snapshot(200)))
	view, ok := r.View("x", "BTC/USDT", 0)
	require.True(t, ok)
	assert.Equal(t, "50000", view.Bids[0].Price.String())
}

func TestZeroSizeRemovesLevel(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.ApplySnapshot("BTC/USDT", snapshot(1)))

	out, err := r.ApplyUpdate("BTC/USDT", Update{
		Bids:     []models.BookEntry{e("50000", "0"), e("12345", "0")},
		Sequence: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	view, _ := r.View("x", "BTC/USDT", 0)
	assert.Equal(t, []string{"49999", "49998"}, prices(view.Bids))
}

func TestUpdatesBufferedUntilSnapshot(t *testing.T) {
	r := New(Config{})
	for seq := int64(9); seq <= 12; seq++ {
		out, err := r.ApplyUpdate("ETH/USDT", Update{
			Asks:     []models.BookEntry{e(fmt.Sprintf("%d", 3000+seq), "1")},
			Sequence: seq,
		})
		require.NoError(t, err)
		assert.Equal(t, Buffered, out)
	}
	assert.Equal(t, 4, r.Pending("ETH/USDT"))

	require.NoError(t, r.ApplySnapshot("ETH/USDT", Snapshot{
		Asks:     []models.BookEntry{e("2999", "1")},
		Sequence: 10,
	}))
	view, ok := r.View("x", "ETH/USDT", 0)
	require.True(t, ok)
	// 9 and 10 are covered by the snapshot, 11 and 12 replay
	assert.Equal(t, []string{"2999", "3011", "3012"}, prices(view.Asks))
	assert.Equal(t, int64(12), view.Sequence)
	assert.Equal(t, 0, r.Pending("ETH/USDT"))
}

func TestBufferIsBounded(t *testing.T) {
	r := New(Config{BufferLimit: 3})
	for seq := int64(1); seq <= 5; seq++ {
		_, err := r.ApplyUpdate("ETH/USDT", Update{Sequence: seq})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, r.Pending("ETH/USDT"))
}

func TestReplayGapMarksStale(t *testing.T) {
	r := New(Config{})
	_, _ = r.ApplyUpdate("ETH/USDT", Update{Sequence: 20})
	err := r.ApplySnapshot("ETH/USDT", Snapshot{Sequence: 10})
	require.Error(t, err)
	assert.Equal(t, Stale, r.State("ETH/USDT"))
}

func TestCoalescedRangeAccepted(t *testing.T) {
	r := New(Config{Rule: Contiguous{}})
	require.NoError(t, r.ApplySnapshot("X", snapshot(100)))
	out, err := r.ApplyUpdate("X", Update{FirstSequence: 99, Sequence: 104, Bids: []models.BookEntry{e("1", "1")}})
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	out, err = r.ApplyUpdate("X", Update{Sequence: 104})
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)
}

func TestLinkedRule(t *testing.T) {
	r := New(Config{Rule: Linked{}})
	require.NoError(t, r.ApplySnapshot("X", snapshot(100)))
	out, err := r.ApplyUpdate("X", Update{PrevSequence: 100, Sequence: 130})
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	_, err = r.ApplyUpdate("X", Update{PrevSequence: 131, Sequence: 140})
	require.Error(t, err)
}

func TestBridgeThenLinkedRule(t *testing.T) {
	r := New(Config{Rule: BridgeThenLinked{}})
	require.NoError(t, r.ApplySnapshot("X", snapshot(100)))

	out, err := r.ApplyUpdate("X", Update{FirstSequence: 95, Sequence: 98, PrevSequence: 94})
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)

	out, err = r.ApplyUpdate("X", Update{FirstSequence: 97, Sequence: 105, PrevSequence: 96})
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	out, err = r.ApplyUpdate("X", Update{FirstSequence: 106, Sequence: 110, PrevSequence: 105})
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	_, err = r.ApplyUpdate("X", Update{FirstSequence: 112, Sequence: 115, PrevSequence: 111})
	require.Error(t, err)
}

func TestInvalidUpdateLeavesNoPartialState(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.ApplySnapshot("X", snapshot(1)))
	_, err := r.ApplyUpdate("X", Update{
		Bids:     []models.BookEntry{e("49000", "1")},
		Asks:     []models.BookEntry{e("abc", "1")},
		Sequence: 2,
	})
	require.Error(t, err)
	assert.Equal(t, Stale, r.State("X"))

	r.Resync("X")
	assert.Equal(t, AwaitingSnapshot, r.State("X"))
	require.NoError(t, r.ApplySnapshot("X", snapshot(5)))
	view, _ := r.View("x", "X", 0)
	assert.NotContains(t, prices(view.Bids), "49000")
}

func TestChecksumMismatchMarksStale(t *testing.T) {
	r := New(Config{Checksum: InterleavedCRC32, ChecksumDepth: 25})
	snap := snapshot(1)
	bids, asks := snap.Bids, snap.Asks
	// snapshot levels arrive sorted, so the checksum input equals the wire order
	good := InterleavedCRC32(bids, asks)
	snap.Checksum = &good
	require.NoError(t, r.ApplySnapshot("X", snap))

	bad := good + 1
	_, err := r.ApplyUpdate("X", Update{Sequence: 2, Bids: []models.BookEntry{e("49997", "1")}, Checksum: &bad})
	var gap *GapError
	require.True(t, errors.As(err, &gap))
	assert.True(t, gap.Checksum)
	assert.Equal(t, Stale, r.State("X"))
}

func TestInterleavedCRC32(t *testing.T) {
	bids := []models.BookEntry{e("3366.1", "7"), e("3366", "6")}
	asks := []models.BookEntry{e("3366.8", "9"), e("3368", "8"), e("3372", "8")}
	// "3366.1:7:3366.8:9:3366:6:3368:8:3372:8"
	assert.Equal(t, int64(1362239393), InterleavedCRC32(bids, asks))
}

func TestResyncAll(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.ApplySnapshot("A", snapshot(1)))
	require.NoError(t, r.ApplySnapshot("B", snapshot(1)))
	r.ResyncAll()
	assert.Equal(t, AwaitingSnapshot, r.State("A"))
	assert.Equal(t, AwaitingSnapshot, r.State("B"))
	r.Remove("A")
	_, ok := r.View("x", "A", 0)
	assert.False(t, ok)
}

// naiveBook applies levels into plain maps and sorts on read.
type naiveBook struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal
}

func (n *naiveBook) apply(side map[string]decimal.Decimal, entries []models.BookEntry) {
	for _, en := range entries {
		p := decimal.RequireFromString(en.Price)
		q := decimal.RequireFromString(en.Quantity)
		key := p.String()
		if q.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = q
	}
}

func (n *naiveBook) sorted(side map[string]decimal.Decimal, desc bool) []string {
	keys := make([]decimal.Decimal, 0, len(side))
	for k := range side {
		keys = append(keys, decimal.RequireFromString(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		if desc {
			return keys[i].GreaterThan(keys[j])
		}
		return keys[i].LessThan(keys[j])
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String() + "@" + side[k.String()].String()
	}
	return out
}

func levelsWithSize(levels []models.PriceLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String() + "@" + l.Quantity.String()
	}
	return out
}

func randomEntries(rng *rand.Rand, base int) []models.BookEntry {
	n := rng.Intn(6)
	out := make([]models.BookEntry, 0, n)
	for i := 0; i < n; i++ {
		price := fmt.Sprintf("%d.%d", base+rng.Intn(40), rng.Intn(10))
		size := "0"
		if rng.Intn(4) != 0 {
			size = fmt.Sprintf("%d.%03d", rng.Intn(5), rng.Intn(1000))
		}
		out = append(out, e(price, size))
	}
	return out
}

func TestMatchesNaiveReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := New(Config{})
	ref := &naiveBook{bids: map[string]decimal.Decimal{}, asks: map[string]decimal.Decimal{}}

	snap := Snapshot{Bids: randomEntries(rng, 100), Asks: randomEntries(rng, 200), Sequence: 1000}
	require.NoError(t, r.ApplySnapshot("X", snap))
	ref.apply(ref.bids, snap.Bids)
	ref.apply(ref.asks, snap.Asks)

	for seq := int64(1001); seq <= 1500; seq++ {
		u := Update{Bids: randomEntries(rng, 100), Asks: randomEntries(rng, 200), Sequence: seq}
		out, err := r.ApplyUpdate("X", u)
		require.NoError(t, err)
		require.Equal(t, Applied, out)
		ref.apply(ref.bids, u.Bids)
		ref.apply(ref.asks, u.Asks)
	}

	view, ok := r.View("x", "X", 0)
	require.True(t, ok)
	assert.Equal(t, ref.sorted(ref.bids, true), levelsWithSize(view.Bids))
	assert.Equal(t, ref.sorted(ref.asks, false), levelsWithSize(view.Asks))
	assert.Equal(t, int64(1500), view.Sequence)
}

func TestViewDepth(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.ApplySnapshot("X", snapshot(1)))
	view, ok := r.View("okx", "X", 1)
	require.True(t, ok)
	assert.Len(t, view.Bids, 1)
	assert.Len(t, view.Asks, 1)
	assert.Equal(t, "okx", view.Exchange)
}
