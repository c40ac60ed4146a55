package orderbook

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"cryptostream/models"
)

// DefaultBufferLimit bounds the updates held while waiting for a snapshot.
const DefaultBufferLimit = 100

// ErrStale is wrapped by every GapError.
var ErrStale = errors.New("order book is stale")

// GapError reports a sequence discontinuity or a failed checksum.
type GapError struct {
	Symbol   string
	Last     int64
	Got      int64
	Checksum bool
}

func (e *GapError) Error() string {
	if e.Checksum {
		return fmt.Sprintf("%s: checksum mismatch at sequence %d", e.Symbol, e.Got)
	}
	return fmt.Sprintf("%s: sequence gap, last %d got %d", e.Symbol, e.Last, e.Got)
}

func (e *GapError) Unwrap() error { return ErrStale }

// Snapshot is a complete book received from the exchange.
type Snapshot struct {
	Bids      []models.BookEntry
	Asks      []models.BookEntry
	Sequence  int64
	Timestamp time.Time
	Checksum  *int64
}

// Update is an incremental diff. FirstSequence is the first id covered by a
// coalesced update and defaults to Sequence. PrevSequence is only set by feeds
// that link each update to its predecessor.
type Update struct {
	Bids          []models.BookEntry
	Asks          []models.BookEntry
	Sequence      int64
	FirstSequence int64
	PrevSequence  int64
	Timestamp     time.Time
	Checksum      *int64
}

func (u Update) first() int64 {
	if u.FirstSequence > 0 {
		return u.FirstSequence
	}
	return u.Sequence
}

// ChecksumFunc computes the exchange checksum over the top levels of a book
// in their wire representation.
type ChecksumFunc func(bids, asks []models.BookEntry) int64

// State of a symbol's book.
type State int

const (
	AwaitingSnapshot State = iota
	Live
	Stale
)

func (s State) String() string {
	switch s {
	case AwaitingSnapshot:
		return "awaiting_snapshot"
	case Live:
		return "live"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Outcome of ApplyUpdate.
type Outcome int

const (
	Applied Outcome = iota
	Buffered
	Skipped
	Discarded
)

// Config is fixed for the lifetime of a Reconstructor.
type Config struct {
	Rule          SequenceRule
	BufferLimit   int
	Checksum      ChecksumFunc
	ChecksumDepth int
}

type symbolState struct {
	mu      sync.Mutex
	book    *Book
	state   State
	fresh   bool
	pending []Update
}

// Reconstructor maintains per-symbol books from snapshots and diffs. Each
// symbol has its own lock so callers reading views never block other symbols.
type Reconstructor struct {
	cfg     Config
	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// New creates a Reconstructor. A nil rule means Contiguous.
func New(cfg Config) *Reconstructor {
	if cfg.Rule == nil {
		cfg.Rule = Contiguous{}
	}
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = DefaultBufferLimit
	}
	return &Reconstructor{cfg: cfg, symbols: make(map[string]*symbolState)}
}

func (r *Reconstructor) get(symbol string) *symbolState {
	r.mu.RLock()
	st, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if ok {
		return st
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok = r.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{book: NewBook(symbol)}
	r.symbols[symbol] = st
	return st
}

// ApplySnapshot replaces the book wholesale, clears the stale flag and
// replays buffered updates in arrival order. The returned error is a
// *GapError when replay or checksum verification fails, in which case the
// book is stale again.
func (r *Reconstructor) ApplySnapshot(symbol string, s Snapshot) error {
	bids, err := parseLevels(s.Bids)
	if err != nil {
		return fmt.Errorf("%s snapshot bids: %w", symbol, err)
	}
	asks, err := parseLevels(s.Asks)
	if err != nil {
		return fmt.Errorf("%s snapshot asks: %w", symbol, err)
	}

	st := r.get(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.book.reset()
	st.book.applyLevels(bids, asks)
	st.book.sequence = s.Sequence
	st.book.timestamp = s.Timestamp
	st.state = Live
	st.fresh = true

	if err := r.verify(st, s.Sequence, s.Checksum); err != nil {
		return err
	}

	pending := st.pending
	st.pending = nil
	for _, u := range pending {
		if _, err := r.applyLocked(st, u); err != nil {
			return err
		}
	}
	return nil
}

// ApplyUpdate applies one diff. Before the first snapshot the update is
// buffered, dropping the oldest entry once the buffer is full. A gap marks
// the book stale, returns a *GapError and discards everything until the next
// snapshot.
func (r *Reconstructor) ApplyUpdate(symbol string, u Update) (Outcome, error) {
	st := r.get(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.state {
	case AwaitingSnapshot:
		if len(st.pending) >= r.cfg.BufferLimit {
			st.pending = st.pending[1:]
		}
		st.pending = append(st.pending, u)
		return Buffered, nil
	case Stale:
		return Discarded, nil
	}
	return r.applyLocked(st, u)
}

func (r *Reconstructor) applyLocked(st *symbolState, u Update) (Outcome, error) {
	last := st.book.sequence
	if u.Sequence <= last {
		return Skipped, nil
	}
	if !r.cfg.Rule.Accept(last, u, st.fresh) {
		r.markStale(st)
		return Discarded, &GapError{Symbol: st.book.symbol, Last: last, Got: u.Sequence}
	}
	bids, err := parseLevels(u.Bids)
	if err == nil {
		var asks []level
		asks, err = parseLevels(u.Asks)
		if err == nil {
			st.book.applyLevels(bids, asks)
		}
	}
	if err != nil {
		r.markStale(st)
		return Discarded, fmt.Errorf("%s update %d: %w", st.book.symbol, u.Sequence, err)
	}
	st.book.sequence = u.Sequence
	if !u.Timestamp.IsZero() {
		st.book.timestamp = u.Timestamp
	}
	st.fresh = false
	if err := r.verify(st, u.Sequence, u.Checksum); err != nil {
		return Discarded, err
	}
	return Applied, nil
}

func (r *Reconstructor) verify(st *symbolState, seq int64, expected *int64) error {
	if r.cfg.Checksum == nil || expected == nil {
		return nil
	}
	bids, asks := st.book.RawLevels(r.cfg.ChecksumDepth)
	if r.cfg.Checksum(bids, asks) == *expected {
		return nil
	}
	r.markStale(st)
	return &GapError{Symbol: st.book.symbol, Last: seq, Got: seq, Checksum: true}
}

func (r *Reconstructor) markStale(st *symbolState) {
	st.state = Stale
	st.pending = nil
}

// Resync discards the book of symbol and waits for a fresh snapshot,
// buffering updates again meanwhile.
func (r *Reconstructor) Resync(symbol string) {
	st := r.get(symbol)
	st.mu.Lock()
	st.book.reset()
	st.state = AwaitingSnapshot
	st.pending = nil
	st.mu.Unlock()
}

// ResyncAll resyncs every known symbol. Used after a reconnect so the next
// snapshot is authoritative.
func (r *Reconstructor) ResyncAll() {
	r.mu.RLock()
	symbols := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		symbols = append(symbols, s)
	}
	r.mu.RUnlock()
	for _, s := range symbols {
		r.Resync(s)
	}
}

// Remove forgets symbol entirely.
func (r *Reconstructor) Remove(symbol string) {
	r.mu.Lock()
	delete(r.symbols, symbol)
	r.mu.Unlock()
}

// State returns the state of symbol. Unknown symbols await a snapshot.
func (r *Reconstructor) State(symbol string) State {
	r.mu.RLock()
	st, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if !ok {
		return AwaitingSnapshot
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Pending returns the number of buffered updates for symbol.
func (r *Reconstructor) Pending(symbol string) int {
	r.mu.RLock()
	st, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pending)
}

// View returns the top depth levels of a live book. Books that are stale or
// still waiting for a snapshot are never exposed.
func (r *Reconstructor) View(exchange, symbol string, depth int) (models.OrderBook, bool) {
	r.mu.RLock()
	st, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if !ok {
		return models.OrderBook{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != Live {
		return models.OrderBook{}, false
	}
	return st.book.View(exchange, depth), true
}
