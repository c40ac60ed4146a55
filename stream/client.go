package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"cryptostream/exchange"
	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/orderbook"
)

// Client is one connection to one exchange endpoint. A single worker
// goroutine owns the socket and runs the state machine; Subscribe,
// Unsubscribe and Send are safe from any goroutine and are serialized onto
// that worker.
type Client struct {
	adapter Adapter
	cfg     Config
	private bool
	creds   exchange.Credentials
	dialer  Dialer

	registry *Registry
	books    *orderbook.Reconstructor
	router   *Router
	limiter  *rate.Limiter
	log      *logger.Entry

	mu      sync.RWMutex
	state   State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	wake  chan struct{}
	cmds  chan func()
	pings chan struct{}

	// owned by the worker
	conn         Conn
	connCtx      context.Context
	session      Session
	gen          uint64
	keepalive    *Keepalive
	authed       bool
	authTimer    *time.Timer
	authAttempts int
	failure      error
	bo           *backoff.Backoff
	resyncs      map[ChannelKey]int
}

// NewClient creates a disconnected client. private selects the private
// endpoint of the adapter.
func NewClient(adapter Adapter, cfg Config, private bool, creds exchange.Credentials) *Client {
	cfg = cfg.withDefaults()
	bookCfg := adapter.BookConfig()
	bookCfg.BufferLimit = cfg.BookBuffer
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewWSDialer(cfg)
	}
	c := &Client{
		adapter:  adapter,
		cfg:      cfg,
		private:  private,
		creds:    creds,
		dialer:   dialer,
		registry: NewRegistry(),
		books:    orderbook.New(bookCfg),
		limiter:  rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		wake:     make(chan struct{}, 1),
		cmds:     make(chan func()),
		pings:    make(chan struct{}, 1),
		resyncs:  make(map[ChannelKey]int),
		log: logger.GetLogger().WithComponent("stream").WithExchange(adapter.Name()).
			WithFields(logger.Fields{"private": private}),
	}
	c.router = newRouter(adapter, c.registry, c.books, c, c.log)
	return c
}

// Connect starts the worker. It returns immediately; progress is visible
// through State and Config.OnStateChange.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Close stops the worker, the keepalive and any pending reconnect, and
// waits for them. Subscriptions stay registered for the next Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Running reports whether the worker is alive.
func (c *Client) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe registers h for req. A repeated key only swaps the handler,
// unless it asks for a deeper book: then the old topic is replaced on the
// wire.
func (c *Client) Subscribe(req Request, h Handler) {
	if c.registry.Put(req, h) {
		c.notify()
	}
}

// Unsubscribe removes key. Unknown keys are ignored.
func (c *Client) Unsubscribe(key ChannelKey) {
	if !c.registry.Remove(key) {
		return
	}
	if key.Channel == ChannelOrderBook {
		c.books.Remove(key.Symbol)
	}
	c.notify()
}

// Send writes a raw frame through the worker.
func (c *Client) Send(ctx context.Context, data []byte) error {
	errc := make(chan error, 1)
	if err := c.post(ctx, func() { errc <- c.write(data, true) }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OrderBook returns the last consistent view of symbol.
func (c *Client) OrderBook(symbol string, depth int) (models.OrderBook, bool) {
	return c.books.View(c.adapter.Name(), symbol, depth)
}

// Stats returns router counters.
func (c *Client) Stats() RouterStats { return c.router.Stats() }

// Registry exposes the subscription registry.
func (c *Client) Registry() *Registry { return c.registry }

func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// post hands fn to the worker. It gives up when the worker stops or ctx is
// done first.
func (c *Client) post(ctx context.Context, fn func()) error {
	c.mu.RLock()
	running, done := c.running, c.done
	c.mu.RUnlock()
	if !running {
		return ErrClosed
	}
	select {
	case c.cmds <- fn:
		return nil
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.log.WithFields(logger.Fields{"from": from.String(), "to": to.String()}).Debug("state transition")
	if to == Reconnecting {
		logger.RecordStreamEvent(c.adapter.Name(), "reconnect")
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(c.private, from, to)
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.setState(Disconnected)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	c.bo = c.cfg.backoff()
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if !c.recover(err) {
			return
		}
		c.setState(Reconnecting)
		delay := c.bo.Duration()
		c.log.WithError(err).WithFields(logger.Fields{
			"attempt":  int(c.bo.Attempt()),
			"delay_ms": delay.Milliseconds(),
		}).Warn("connection lost, reconnecting")
		if !c.waitForReconnect(ctx, delay) {
			return
		}
	}
}

// recover classifies a session failure and reports whether to reconnect.
func (c *Client) recover(err error) bool {
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		return true
	}
	logger.RecordStreamEvent(c.adapter.Name(), "auth_failure")
	c.authAttempts++
	authErr.Attempt = c.authAttempts
	if c.authAttempts < c.cfg.MaxAuthAttempts {
		return true
	}
	authErr.Fatal = true
	c.authAttempts = 0
	c.setState(Error)
	c.log.WithError(authErr).Error("authentication failed permanently, dropping private subscriptions")
	for key, h := range c.registry.RemovePrivate() {
		h(Event{Key: key, Err: authErr, ReceivedAt: time.Now()})
	}
	c.connectionError(authErr)
	return c.registry.Len() > 0
}

func (c *Client) waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case fn := <-c.cmds:
			fn()
		case <-c.wake:
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	c.setState(Connecting)
	c.failure = nil

	sess, err := c.negotiate(ctx)
	if err != nil {
		return err
	}
	conn, err := c.dialer.Dial(ctx, sess.URL, sess.Header)
	if err != nil {
		return &TransportError{Exchange: c.adapter.Name(), Op: "dial", Err: err}
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.gen++
	c.conn = conn
	c.connCtx = connCtx
	c.session = sess
	c.authed = sess.Authenticated
	defer func() {
		cancel()
		_ = conn.Close()
		c.conn = nil
		c.keepalive = nil
		c.stopAuthTimer()
		c.registry.DeactivateAll()
		c.books.ResyncAll()
	}()

	interval, timeout := c.cfg.PingInterval, c.cfg.PingTimeout
	if sess.PingInterval > 0 {
		interval = sess.PingInterval
		timeout = 2 * interval
		if sess.PingTimeout > 0 {
			timeout = sess.PingInterval + sess.PingTimeout
		}
	}
	ka := NewKeepalive(interval, timeout, func() {
		select {
		case c.pings <- struct{}{}:
		default:
		}
	})
	c.keepalive = ka
	go ka.Run(connCtx)

	c.log.WithFields(logger.Fields{"url": sess.URL}).Info("connected")

	if !c.authed && c.registry.HasPendingPrivate() {
		if err := c.startAuth(); err != nil {
			return err
		}
	} else {
		c.becomeReady()
	}
	return c.serve(connCtx, conn, ka)
}

func (c *Client) negotiate(ctx context.Context) (Session, error) {
	n, ok := c.adapter.(Negotiator)
	if !ok {
		return Session{URL: c.adapter.Endpoint(c.private)}, nil
	}
	c.setState(Negotiating)
	sess, err := n.Negotiate(ctx, c.private, c.creds)
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return Session{}, err
		}
		return Session{}, &TransportError{Exchange: c.adapter.Name(), Op: "negotiate", Err: err}
	}
	return sess, nil
}

func (c *Client) serve(ctx context.Context, conn Conn, ka *Keepalive) error {
	var refresh <-chan time.Time
	if r, ok := c.adapter.(SessionRefresher); ok && c.session.Authenticated && r.RefreshInterval() > 0 {
		ticker := time.NewTicker(r.RefreshInterval())
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		if c.failure != nil {
			return c.failure
		}
		var authTimeout <-chan time.Time
		if c.authTimer != nil {
			authTimeout = c.authTimer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-conn.Frames():
			if !ok {
				select {
				case err := <-conn.Errors():
					return &TransportError{Exchange: c.adapter.Name(), Op: "read", Err: err}
				default:
					return &TransportError{Exchange: c.adapter.Name(), Op: "read", Err: ErrConnectionClosed}
				}
			}
			c.router.Route(f)
		case err := <-conn.Errors():
			return &TransportError{Exchange: c.adapter.Name(), Op: "read", Err: err}
		case <-ka.Dead():
			return &TransportError{Exchange: c.adapter.Name(), Op: "keepalive", Err: ErrKeepaliveTimeout}
		case <-c.pings:
			c.sendPing()
		case <-c.wake:
			c.flush()
		case fn := <-c.cmds:
			fn()
		case <-authTimeout:
			c.authTimer = nil
			return &AuthenticationError{Exchange: c.adapter.Name(), Err: ErrAuthTimeout}
		case <-refresh:
			c.refreshSession(ctx)
		}
	}
}

func (c *Client) fail(err error) {
	if c.failure == nil {
		c.failure = err
	}
}

func (c *Client) write(data []byte, limited bool) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if limited {
		if err := c.limiter.Wait(c.connCtx); err != nil {
			return err
		}
	}
	return c.conn.Send(data)
}

func (c *Client) sendPing() {
	if c.conn == nil {
		return
	}
	var err error
	if frame := c.adapter.PingFrame(); frame != nil {
		err = c.write(frame, false)
	} else {
		err = c.conn.Ping()
	}
	if err != nil {
		c.fail(&TransportError{Exchange: c.adapter.Name(), Op: "ping", Err: err})
	}
}

func (c *Client) startAuth() error {
	if c.creds.Empty() {
		return &AuthenticationError{Exchange: c.adapter.Name(), Err: ErrCredentialsRequired}
	}
	frame, err := c.adapter.AuthFrame(c.creds)
	if err != nil {
		return &AuthenticationError{Exchange: c.adapter.Name(), Err: err}
	}
	c.setState(Authenticating)
	if err := c.write(frame, true); err != nil {
		return &TransportError{Exchange: c.adapter.Name(), Op: "auth", Err: err}
	}
	c.stopAuthTimer()
	c.authTimer = time.NewTimer(c.cfg.AuthTimeout)
	return nil
}

func (c *Client) stopAuthTimer() {
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

func (c *Client) becomeReady() {
	if c.State() != Ready {
		c.setState(Ready)
		c.bo.Reset()
	}
	c.flush()
}

// flush sends queued unsubscribes, then subscribes every pending key in
// registration order. Private keys wait for authentication.
func (c *Client) flush() {
	if c.conn == nil || c.failure != nil {
		return
	}
	if c.State() != Ready {
		return
	}

	for _, req := range c.registry.TakeUnsubscribes() {
		if c.topicInUse(req.Key) {
			continue
		}
		// still registered: the key moves to a deeper topic
		if _, _, ok := c.registry.Lookup(req.Key); ok && req.Key.Channel == ChannelOrderBook {
			c.books.Resync(req.Key.Symbol)
		}
		frames, err := c.adapter.SubscribeFrames([]Request{req}, true)
		if err != nil {
			c.log.WithError(err).WithFields(logger.Fields{"key": req.Key.String()}).Warn("cannot build unsubscribe")
			continue
		}
		if !c.writeAll(frames) {
			return
		}
	}

	if !c.authed && c.registry.HasPendingPrivate() {
		if err := c.startAuth(); err != nil {
			c.fail(err)
			return
		}
	}

	fetcher, fetches := c.adapter.(SnapshotFetcher)
	for _, req := range c.registry.Pending(c.authed) {
		frames, err := c.adapter.SubscribeFrames([]Request{req}, false)
		if err != nil {
			c.rejected(req.Key, &SubscriptionError{Exchange: c.adapter.Name(), Key: req.Key, Message: err.Error()})
			continue
		}
		c.registry.MarkActive(req)
		if !c.writeAll(frames) {
			return
		}
		if fetches && !fetcher.StreamSnapshots() && req.Key.Channel == ChannelOrderBook {
			c.fetchSnapshot(fetcher, req)
		}
	}
}

// topicInUse reports whether another registered key shares the exchange
// topic of key.
func (c *Client) topicInUse(key ChannelKey) bool {
	sharer, ok := c.adapter.(TopicSharer)
	if !ok {
		return false
	}
	topic := sharer.Topic(key)
	for _, k := range c.registry.Keys() {
		if k != key && sharer.Topic(k) == topic {
			return true
		}
	}
	return false
}

func (c *Client) writeAll(frames [][]byte) bool {
	for _, f := range frames {
		if err := c.write(f, true); err != nil {
			c.fail(&TransportError{Exchange: c.adapter.Name(), Op: "write", Err: err})
			return false
		}
	}
	return true
}

func (c *Client) fetchSnapshot(f SnapshotFetcher, req Request) {
	ctx, gen := c.connCtx, c.gen
	attempts := c.cfg.MaxResyncAttempts
	go func() {
		var (
			snap orderbook.Snapshot
			err  error
		)
		for i := 1; i <= attempts; i++ {
			snap, err = f.FetchSnapshot(ctx, req.Key.Symbol, req.Depth)
			if err == nil || ctx.Err() != nil {
				break
			}
			c.log.WithError(err).WithFields(logger.Fields{"symbol": req.Key.Symbol, "attempt": i}).Warn("snapshot fetch failed")
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ReconnectMin * time.Duration(i)):
			}
		}
		if ctx.Err() != nil {
			return
		}
		_ = c.post(ctx, func() { c.applyFetched(gen, req.Key, snap, attempts, err) })
	}()
}

func (c *Client) applyFetched(gen uint64, key ChannelKey, snap orderbook.Snapshot, attempts int, err error) {
	if gen != c.gen || c.conn == nil {
		return
	}
	h, req, ok := c.registry.Lookup(key)
	if !ok {
		return
	}
	if err != nil {
		h(Event{Key: key, Err: &SequenceGapError{Exchange: c.adapter.Name(), Symbol: key.Symbol, Attempts: attempts, Err: err}, ReceivedAt: time.Now()})
		return
	}
	c.router.deliverBook(key, req, h, snap, time.Now())
}

func (c *Client) refreshSession(ctx context.Context) {
	r, ok := c.adapter.(SessionRefresher)
	if !ok {
		return
	}
	sess, creds := c.session, c.creds
	go func() {
		if err := r.RefreshSession(ctx, sess, creds); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("session refresh failed")
		}
	}()
}

// routerHooks

func (c *Client) reply(data []byte) {
	if err := c.write(data, false); err != nil {
		c.fail(&TransportError{Exchange: c.adapter.Name(), Op: "pong", Err: err})
	}
}

func (c *Client) alive() {
	if c.keepalive != nil {
		c.keepalive.Observe()
	}
}

func (c *Client) authResult(err error) {
	if c.authTimer == nil {
		c.log.Debug("ignoring unsolicited auth result")
		return
	}
	c.stopAuthTimer()
	if err != nil {
		c.fail(&AuthenticationError{Exchange: c.adapter.Name(), Err: err})
		return
	}
	c.authed = true
	c.authAttempts = 0
	c.log.Info("authenticated")
	c.becomeReady()
}

func (c *Client) resync(key ChannelKey, cause error) {
	logger.RecordStreamEvent(c.adapter.Name(), "resync")
	n := c.resyncs[key] + 1
	c.resyncs[key] = n
	c.log.WithError(cause).WithFields(logger.Fields{"key": key.String(), "attempt": n}).Warn("order book stale, resyncing")

	h, req, ok := c.registry.Lookup(key)
	if !ok {
		return
	}
	if n > c.cfg.MaxResyncAttempts {
		delete(c.resyncs, key)
		h(Event{Key: key, Err: &SequenceGapError{Exchange: c.adapter.Name(), Symbol: key.Symbol, Attempts: n - 1, Err: cause}, ReceivedAt: time.Now()})
	}
	c.books.Resync(key.Symbol)

	// a pending key gets its snapshot from the next flush
	wire, live := c.registry.Wire(key)
	if !live {
		return
	}
	if f, ok := c.adapter.(SnapshotFetcher); ok {
		c.fetchSnapshot(f, req)
		return
	}
	unsub, err := c.adapter.SubscribeFrames([]Request{wire}, true)
	if err != nil {
		c.log.WithError(err).Warn("cannot build resync unsubscribe")
		return
	}
	sub, err := c.adapter.SubscribeFrames([]Request{wire}, false)
	if err != nil {
		c.log.WithError(err).Warn("cannot build resync subscribe")
		return
	}
	if c.writeAll(unsub) {
		c.writeAll(sub)
	}
}

func (c *Client) snapshotApplied(key ChannelKey) {
	delete(c.resyncs, key)
}

func (c *Client) rejected(key ChannelKey, err error) {
	h, _, ok := c.registry.Lookup(key)
	if !ok {
		return
	}
	c.registry.Forget(key)
	if key.Channel == ChannelOrderBook {
		c.books.Remove(key.Symbol)
	}
	c.log.WithError(err).WithFields(logger.Fields{"key": key.String()}).Warn("subscription rejected")
	h(Event{Key: key, Err: err, ReceivedAt: time.Now()})
}

func (c *Client) connectionError(err error) {
	if errors.Is(err, ErrSessionExpired) {
		c.fail(err)
	}
	if c.cfg.ErrorHandler != nil {
		c.cfg.ErrorHandler(err)
		return
	}
	c.log.WithError(err).Warn("connection error")
}
