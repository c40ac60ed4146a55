package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cryptostream/exchange"
	"cryptostream/models"
	"cryptostream/orderbook"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []string
	pings  int
	sentCh chan string
	frames chan Frame
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sentCh: make(chan string, 256),
		frames: make(chan Frame, 256),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, string(data))
	c.mu.Unlock()
	select {
	case c.sentCh <- string(data):
	default:
	}
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	c.pings++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Frames() <-chan Frame { return c.frames }
func (c *fakeConn) Errors() <-chan error { return c.errs }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) inject(msg string) {
	c.frames <- Frame{Kind: TextFrame, Data: []byte(msg), ReceivedAt: time.Now()}
}

func (c *fakeConn) drop(err error) { c.errs <- err }

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// expect waits for the next outbound frame and checks it contains want.
func (c *fakeConn) expect(t *testing.T, want string) string {
	t.Helper()
	select {
	case got := <-c.sentCh:
		if !strings.Contains(got, want) {
			t.Fatalf("sent frame %q, want one containing %q", got, want)
		}
		return got
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame containing %q", want)
	}
	return ""
}

// quiet asserts nothing is sent for d.
func (c *fakeConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-c.sentCh:
		t.Fatalf("unexpected frame %q", got)
	case <-time.After(d):
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns chan *fakeConn
	fail  error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}
	return nil
}

// fakeMsg is the wire format understood by fakeAdapter.
type fakeMsg struct {
	Type    string     `json:"type"`
	Channel string     `json:"channel,omitempty"`
	Symbol  string     `json:"symbol,omitempty"`
	Seq     int64      `json:"seq,omitempty"`
	Price   string     `json:"price,omitempty"`
	OK      bool       `json:"ok,omitempty"`
	Code    string     `json:"code,omitempty"`
	Bids    [][]string `json:"bids,omitempty"`
	Asks    [][]string `json:"asks,omitempty"`
}

type codedErr struct{ code, msg string }

func (e codedErr) Error() string { return e.msg }
func (e codedErr) Code() string  { return e.code }

type fakeAdapter struct {
	unsupported map[Channel]bool
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Endpoint(private bool) string {
	if private {
		return "ws://fake/private"
	}
	return "ws://fake/public"
}

func (a *fakeAdapter) Supports(ch Channel) bool { return !a.unsupported[ch] }

func (a *fakeAdapter) SubscribeFrames(reqs []Request, unsubscribe bool) ([][]byte, error) {
	op := "sub"
	if unsubscribe {
		op = "unsub"
	}
	out := make([][]byte, 0, len(reqs))
	for _, r := range reqs {
		if r.Depth > 0 {
			out = append(out, []byte(fmt.Sprintf(`{"op":%q,"key":%q,"depth":%d}`, op, r.Key.String(), r.Depth)))
			continue
		}
		out = append(out, []byte(fmt.Sprintf(`{"op":%q,"key":%q}`, op, r.Key.String())))
	}
	return out, nil
}

func (a *fakeAdapter) AuthFrame(creds exchange.Credentials) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"op":"auth","key":%q}`, creds.APIKey)), nil
}

func (a *fakeAdapter) PingFrame() []byte { return []byte(`{"op":"ping"}`) }

func (a *fakeAdapter) PongFrame(Envelope) []byte { return []byte(`{"op":"pong"}`) }

func (a *fakeAdapter) Parse(data []byte) ([]Envelope, error) {
	var m fakeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	switch m.Type {
	case "ping":
		return []Envelope{{Kind: KindControl, Control: ControlPing}}, nil
	case "pong":
		return []Envelope{{Kind: KindControl, Control: ControlPong}}, nil
	case "auth":
		env := Envelope{Kind: KindControl, Control: ControlAuth}
		if !m.OK {
			env.Err = errors.New("invalid key")
		}
		return []Envelope{env}, nil
	case "ticker":
		return []Envelope{{
			Kind:    KindData,
			Key:     NewKey(ChannelTicker, m.Symbol, ""),
			Payload: models.Ticker{Exchange: "fake", Symbol: m.Symbol, Last: models.ParseDecimal(m.Price)},
		}}, nil
	case "balance":
		return []Envelope{{
			Kind:    KindData,
			Key:     NewKey(ChannelBalance, "", ""),
			Payload: models.Balance{Exchange: "fake"},
		}}, nil
	case "snapshot":
		return []Envelope{{
			Kind: KindData,
			Key:  NewKey(ChannelOrderBook, m.Symbol, ""),
			Book: BookSnapshot,
			Payload: orderbook.Snapshot{
				Bids:     models.EntriesFromPairs(m.Bids),
				Asks:     models.EntriesFromPairs(m.Asks),
				Sequence: m.Seq,
			},
		}}, nil
	case "update":
		return []Envelope{{
			Kind: KindData,
			Key:  NewKey(ChannelOrderBook, m.Symbol, ""),
			Book: BookUpdate,
			Payload: orderbook.Update{
				Bids:     models.EntriesFromPairs(m.Bids),
				Asks:     models.EntriesFromPairs(m.Asks),
				Sequence: m.Seq,
			},
		}}, nil
	case "error":
		env := Envelope{Kind: KindError, Err: codedErr{code: m.Code, msg: "bad channel"}}
		if m.Channel != "" {
			env.Key = NewKey(Channel(m.Channel), m.Symbol, "")
		}
		return []Envelope{env}, nil
	}
	return nil, fmt.Errorf("unknown type %q", m.Type)
}

func (a *fakeAdapter) BookConfig() orderbook.Config {
	return orderbook.Config{Rule: orderbook.Contiguous{}}
}

// negotiatingAdapter discovers a tokenized URL before each dial.
type negotiatingAdapter struct {
	*fakeAdapter
	negotiations atomic.Int32
}

func (a *negotiatingAdapter) Negotiate(_ context.Context, private bool, _ exchange.Credentials) (Session, error) {
	n := a.negotiations.Add(1)
	return Session{URL: fmt.Sprintf("%s?token=t%d", a.Endpoint(private), n)}, nil
}

// stallingAdapter holds the worker in Negotiate until release is closed.
type stallingAdapter struct {
	*fakeAdapter
	release chan struct{}
}

func (a *stallingAdapter) Negotiate(ctx context.Context, private bool, _ exchange.Credentials) (Session, error) {
	select {
	case <-a.release:
		return Session{URL: a.Endpoint(private)}, nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// snapshotAdapter serves book snapshots over a fake REST call. A non-nil err
// fails every fetch.
type snapshotAdapter struct {
	*fakeAdapter
	fetches atomic.Int32
	seq     int64
	err     error
}

func (a *snapshotAdapter) StreamSnapshots() bool { return false }

func (a *snapshotAdapter) FetchSnapshot(_ context.Context, symbol string, _ int) (orderbook.Snapshot, error) {
	a.fetches.Add(1)
	if a.err != nil {
		return orderbook.Snapshot{}, a.err
	}
	return orderbook.Snapshot{
		Bids:     []models.BookEntry{{Price: "100", Quantity: "1"}},
		Asks:     []models.BookEntry{{Price: "101", Quantity: "1"}},
		Sequence: a.seq,
	}, nil
}

// stateRecorder collects transitions reported through OnStateChange.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 64)}
}

func (r *stateRecorder) record(_ bool, _, to State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
	select {
	case r.ch <- to:
	default:
	}
}

func (r *stateRecorder) count(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.states {
		if v == s {
			n++
		}
	}
	return n
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func testConfig(d Dialer, rec *stateRecorder) Config {
	cfg := DefaultConfig()
	cfg.Dialer = d
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond
	cfg.ReconnectJitter = false
	cfg.PingInterval = time.Hour
	cfg.AuthTimeout = time.Second
	cfg.MessagesPerSecond = 1000
	cfg.Burst = 100
	if rec != nil {
		cfg.OnStateChange = rec.record
	}
	return cfg
}

var testCreds = exchange.Credentials{APIKey: "key", Secret: "secret"}
