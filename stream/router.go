package stream

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cryptostream/logger"
	"cryptostream/orderbook"
)

// routerHooks is how the router reaches back into its connection. All calls
// happen on the connection worker.
type routerHooks interface {
	reply(data []byte)
	alive()
	authResult(err error)
	resync(key ChannelKey, cause error)
	snapshotApplied(key ChannelKey)
	rejected(key ChannelKey, err error)
	connectionError(err error)
}

// RouterStats counts routed traffic.
type RouterStats struct {
	Frames   int64
	Data     int64
	Control  int64
	Errors   int64
	Dropped  int64
	Resyncs  int64
	Unrouted int64
}

// Router classifies inbound frames and dispatches them. Frames are handled
// strictly in arrival order.
type Router struct {
	exchange string
	adapter  Adapter
	registry *Registry
	books    *orderbook.Reconstructor
	hooks    routerHooks
	log      *logger.Entry

	frames   atomic.Int64
	data     atomic.Int64
	control  atomic.Int64
	errors   atomic.Int64
	dropped  atomic.Int64
	resyncs  atomic.Int64
	unrouted atomic.Int64
}

func newRouter(adapter Adapter, registry *Registry, books *orderbook.Reconstructor, hooks routerHooks, log *logger.Entry) *Router {
	return &Router{
		exchange: adapter.Name(),
		adapter:  adapter,
		registry: registry,
		books:    books,
		hooks:    hooks,
		log:      log.WithComponent("router"),
	}
}

// Route handles one frame. Malformed frames are logged and dropped.
func (r *Router) Route(f Frame) {
	r.frames.Add(1)
	switch f.Kind {
	case PingFrame, PongFrame:
		r.control.Add(1)
		r.hooks.alive()
		return
	}
	logger.RecordChannelMessage(r.exchange+"_ws", len(f.Data))

	envs, err := r.adapter.Parse(f.Data)
	if err != nil {
		r.dropped.Add(1)
		logger.RecordStreamEvent(r.exchange, "dropped_frame")
		perr := &ProtocolError{Exchange: r.exchange, Frame: truncate(f.Data, 256), Err: err}
		r.log.WithError(perr).WithFields(logger.Fields{"frame": perr.Frame}).Debug("dropping malformed frame")
		return
	}
	for _, env := range envs {
		r.dispatch(env, f.ReceivedAt)
	}
}

func (r *Router) dispatch(env Envelope, at time.Time) {
	switch env.Kind {
	case KindControl:
		r.control.Add(1)
		r.handleControl(env)
	case KindError:
		r.errors.Add(1)
		r.handleError(env)
	case KindData:
		r.data.Add(1)
		if env.Book != NotBook {
			h, req, ok := r.registry.Lookup(env.Key)
			if !ok {
				r.unroutable(env.Key)
				return
			}
			r.deliverBook(env.Key, req, h, env.Payload, at)
			return
		}
		delivered := false
		if h, _, ok := r.registry.Lookup(env.Key); ok {
			h(Event{Key: env.Key, Data: env.Payload, ReceivedAt: at})
			delivered = true
		}
		// private feeds push every symbol; an empty symbol subscribes to all
		if env.Key.Private && env.Key.Symbol != "" {
			all := env.Key
			all.Symbol = ""
			if h, _, ok := r.registry.Lookup(all); ok {
				h(Event{Key: all, Data: env.Payload, ReceivedAt: at})
				delivered = true
			}
		}
		if !delivered {
			r.unroutable(env.Key)
		}
	}
}

func (r *Router) unroutable(key ChannelKey) {
	r.unrouted.Add(1)
	r.log.WithFields(logger.Fields{"key": key.String()}).Debug("no subscription for data frame")
}

func (r *Router) handleControl(env Envelope) {
	switch env.Control {
	case ControlPing:
		r.hooks.alive()
		if pong := r.adapter.PongFrame(env); pong != nil {
			r.hooks.reply(pong)
		}
	case ControlPong, ControlWelcome:
		r.hooks.alive()
	case ControlAuth:
		r.hooks.authResult(env.Err)
	case ControlAck:
		if env.Err != nil && !env.Key.IsZero() {
			r.hooks.rejected(env.Key, r.subscriptionError(env))
			return
		}
		r.log.WithFields(logger.Fields{"key": env.Key.String(), "id": env.ID}).Debug("subscription acknowledged")
	}
}

func (r *Router) handleError(env Envelope) {
	if !env.Key.IsZero() {
		if _, _, ok := r.registry.Lookup(env.Key); ok {
			r.hooks.rejected(env.Key, r.subscriptionError(env))
			return
		}
	}
	err := env.Err
	if err == nil {
		err = fmt.Errorf("unspecified error frame")
	}
	r.hooks.connectionError(&ProtocolError{Exchange: r.exchange, Err: err})
}

func (r *Router) subscriptionError(env Envelope) *SubscriptionError {
	se := &SubscriptionError{Exchange: r.exchange, Key: env.Key, Message: "rejected"}
	if env.Err != nil {
		se.Message = env.Err.Error()
	}
	if coded, ok := env.Err.(interface{ Code() string }); ok {
		se.Code = coded.Code()
	}
	return se
}

// deliverBook feeds the reconstructor and emits the resulting view. Raw
// diffs are never handed to callers.
func (r *Router) deliverBook(key ChannelKey, req Request, h Handler, payload any, at time.Time) {
	symbol := key.Symbol
	switch p := payload.(type) {
	case orderbook.Snapshot:
		if err := r.books.ApplySnapshot(symbol, p); err != nil {
			r.stale(key, err)
			return
		}
		r.hooks.snapshotApplied(key)
	case orderbook.Update:
		out, err := r.books.ApplyUpdate(symbol, p)
		if err != nil {
			r.stale(key, err)
			return
		}
		if out != orderbook.Applied {
			return
		}
	default:
		r.dropped.Add(1)
		r.log.WithFields(logger.Fields{"key": key.String(), "payload": fmt.Sprintf("%T", payload)}).Warn("unexpected book payload")
		return
	}
	view, ok := r.books.View(r.exchange, symbol, req.Depth)
	if !ok {
		return
	}
	h(Event{Key: key, Data: view, ReceivedAt: at})
}

func (r *Router) stale(key ChannelKey, err error) {
	var gap *orderbook.GapError
	if errors.As(err, &gap) {
		logger.RecordStreamEvent(r.exchange, "gap")
	}
	r.resyncs.Add(1)
	r.hooks.resync(key, err)
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Frames:   r.frames.Load(),
		Data:     r.data.Load(),
		Control:  r.control.Load(),
		Errors:   r.errors.Load(),
		Dropped:  r.dropped.Load(),
		Resyncs:  r.resyncs.Load(),
		Unrouted: r.unrouted.Load(),
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
