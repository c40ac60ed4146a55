package orderbook

// SequenceRule decides whether an update directly follows the last accepted
// sequence. Updates whose Sequence is not above last never reach a rule; they
// are skipped as already applied.
type SequenceRule interface {
	Accept(last int64, u Update, first bool) bool
}

// RuleFunc adapts a function to SequenceRule.
type RuleFunc func(last int64, u Update, first bool) bool

func (f RuleFunc) Accept(last int64, u Update, first bool) bool { return f(last, u, first) }

// Contiguous accepts an update whose first sequence is last+1. Coalesced
// updates that cover a range starting at or before last+1 are accepted too.
type Contiguous struct{}

func (Contiguous) Accept(last int64, u Update, _ bool) bool {
	return u.first() <= last+1
}

// Linked accepts an update whose previous sequence equals last, the scheme
// used by feeds that send both ids on every message.
type Linked struct{}

func (Linked) Accept(last int64, u Update, _ bool) bool {
	return u.PrevSequence == last
}

// BridgeThenLinked requires the first update after a snapshot to straddle the
// snapshot sequence and then links every later update to its predecessor.
type BridgeThenLinked struct{}

func (BridgeThenLinked) Accept(last int64, u Update, first bool) bool {
	if first {
		return u.first() <= last+1 && u.Sequence >= last+1
	}
	return u.PrevSequence == last
}
