package stream

import (
	"sort"
	"sync"
)

type subscription struct {
	req Request
	// wire is the request the last subscribe frame was built from. It can
	// lag req after a depth upgrade.
	wire    Request
	handler Handler
	// active is set once the subscribe frame went out on the current
	// connection.
	active bool
	order  uint64
}

// Registry maps channel keys to handlers. At most one subscription exists
// per key; subscribing again replaces the handler.
type Registry struct {
	mu    sync.Mutex
	subs  map[ChannelKey]*subscription
	next  uint64
	unsub []Request
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[ChannelKey]*subscription)}
}

// Put inserts or replaces a subscription and reports whether frames need to
// be sent. Replacing keeps the wire state unless a larger book depth is
// asked for: then an active key queues an unsubscribe of its wire request
// and becomes pending again.
func (r *Registry) Put(req Request, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[req.Key]; ok {
		sub.handler = h
		if req.Depth <= sub.req.Depth {
			return false
		}
		sub.req.Depth = req.Depth
		if sub.active {
			r.unsub = append(r.unsub, sub.wire)
			sub.active = false
		}
		return true
	}
	r.next++
	r.subs[req.Key] = &subscription{req: req, handler: h, order: r.next}
	return true
}

// Remove deletes key. If it was subscribed on the wire the request is queued
// for an unsubscribe frame. Unknown keys are a no-op.
func (r *Registry) Remove(key ChannelKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok {
		return false
	}
	delete(r.subs, key)
	if sub.active {
		r.unsub = append(r.unsub, sub.wire)
	}
	return true
}

// Forget deletes key without queuing an unsubscribe, for keys the exchange
// refused.
func (r *Registry) Forget(key ChannelKey) {
	r.mu.Lock()
	delete(r.subs, key)
	r.mu.Unlock()
}

// Lookup returns the handler and request of key.
func (r *Registry) Lookup(key ChannelKey) (Handler, Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok {
		return nil, Request{}, false
	}
	return sub.handler, sub.req, true
}

func (r *Registry) sorted(filter func(*subscription) bool) []*subscription {
	out := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if filter == nil || filter(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Wire returns the request key was last subscribed with and whether that
// subscription is live on the current connection.
func (r *Registry) Wire(key ChannelKey) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok || !sub.active {
		return Request{}, false
	}
	return sub.wire, true
}

// Keys returns every registered key in subscription order, subscribed on
// the wire or not.
func (r *Registry) Keys() []ChannelKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.sorted(nil)
	keys := make([]ChannelKey, len(subs))
	for i, s := range subs {
		keys[i] = s.req.Key
	}
	return keys
}

// Pending returns requests not yet subscribed on the wire, in subscription
// order. Private requests are included only when withPrivate is set.
func (r *Registry) Pending(withPrivate bool) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.sorted(func(s *subscription) bool {
		return !s.active && (withPrivate || !s.req.Key.Private)
	})
	out := make([]Request, len(subs))
	for i, s := range subs {
		out[i] = s.req
	}
	return out
}

// HasPendingPrivate reports whether a private key waits for authentication.
func (r *Registry) HasPendingPrivate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.req.Key.Private && !s.active {
			return true
		}
	}
	return false
}

// MarkActive records that subscribe frames built from reqs were sent. A key
// whose depth was raised after reqs were taken from Pending is queued for
// another round.
func (r *Registry) MarkActive(reqs ...Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range reqs {
		sub, ok := r.subs[req.Key]
		if !ok {
			continue
		}
		sub.wire = req
		sub.active = true
		if sub.req != req {
			r.unsub = append(r.unsub, req)
			sub.active = false
		}
	}
}

// DeactivateAll marks every subscription as not subscribed and forgets
// queued unsubscribes. Called when a connection goes away.
func (r *Registry) DeactivateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		s.active = false
	}
	r.unsub = nil
}

// TakeUnsubscribes returns and clears queued unsubscribe requests.
func (r *Registry) TakeUnsubscribes() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.unsub
	r.unsub = nil
	return out
}

// RemovePrivate drops every private subscription and returns their handlers.
func (r *Registry) RemovePrivate() map[ChannelKey]Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[ChannelKey]Handler)
	for k, s := range r.subs {
		if k.Private {
			out[k] = s.handler
			delete(r.subs, k)
		}
	}
	return out
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
