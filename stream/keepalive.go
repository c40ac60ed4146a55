package stream

import (
	"context"
	"sync"
	"time"
)

// Keepalive emits pings on a timer and declares the connection dead when a
// ping stays unanswered for longer than the timeout. It fires at most once;
// each connection gets a fresh Keepalive.
type Keepalive struct {
	interval time.Duration
	timeout  time.Duration
	ping     func()

	mu             sync.Mutex
	lastPingSentAt time.Time
	lastPongAt     time.Time
	awaitingSince  time.Time

	dead chan struct{}
	once sync.Once
}

// NewKeepalive returns a keepalive calling ping every interval.
func NewKeepalive(interval, timeout time.Duration, ping func()) *Keepalive {
	if timeout <= 0 {
		timeout = 2 * interval
	}
	return &Keepalive{
		interval: interval,
		timeout:  timeout,
		ping:     ping,
		dead:     make(chan struct{}),
	}
}

// Run blocks until ctx is done or the connection is declared dead.
func (k *Keepalive) Run(ctx context.Context) {
	pingTicker := time.NewTicker(k.interval)
	defer pingTicker.Stop()
	check := k.timeout / 4
	if check < 5*time.Millisecond {
		check = 5 * time.Millisecond
	}
	checkTicker := time.NewTicker(check)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			k.markPing(time.Now())
			k.ping()
		case now := <-checkTicker.C:
			if k.expired(now) {
				k.once.Do(func() { close(k.dead) })
				return
			}
		}
	}
}

func (k *Keepalive) markPing(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastPingSentAt = now
	if k.awaitingSince.IsZero() {
		k.awaitingSince = now
	}
}

func (k *Keepalive) expired(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.awaitingSince.IsZero() && now.Sub(k.awaitingSince) >= k.timeout
}

// Observe records a pong or any other liveness signal.
func (k *Keepalive) Observe() {
	k.mu.Lock()
	k.lastPongAt = time.Now()
	k.awaitingSince = time.Time{}
	k.mu.Unlock()
}

// Dead is closed once the timeout elapses without a pong.
func (k *Keepalive) Dead() <-chan struct{} { return k.dead }

// LastPing returns when the last ping was sent and the last pong seen.
func (k *Keepalive) LastPing() (sent, pong time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastPingSentAt, k.lastPongAt
}
