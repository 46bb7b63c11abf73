package rudp

import "sync/atomic"

// Stats holds per-Engine counters, grounded on the package level
// DefaultSnmp in the vendored kcp-go.v2 (sess.go/kcp.go): the same
// counter names, but scoped to one instance instead of one process,
// since one Engine is one peer.
// Every field is updated with sync/atomic so a caller may read it from
// a different goroutine than the one driving the Engine, e.g. for
// exporting metrics (see package transport) while the owning goroutine
// keeps calling Update/Input/Send/Recv.
type Stats struct {
	InSegs          uint64
	OutSegs         uint64
	InBytes         uint64
	OutBytes        uint64
	RetransSegs     uint64
	FastRetransSegs uint64
	LostSegs        uint64
	RepeatSegs      uint64
	InErrors        uint64
}

func (s *Stats) addIn(segs, bytes uint64) {
	atomic.AddUint64(&s.InSegs, segs)
	atomic.AddUint64(&s.InBytes, bytes)
}

func (s *Stats) addOut(segs, bytes uint64) {
	atomic.AddUint64(&s.OutSegs, segs)
	atomic.AddUint64(&s.OutBytes, bytes)
}

func (s *Stats) addRepeat(n uint64) {
	if n > 0 {
		atomic.AddUint64(&s.RepeatSegs, n)
	}
}

func (s *Stats) addLost(n uint64) {
	if n > 0 {
		atomic.AddUint64(&s.LostSegs, n)
	}
}

func (s *Stats) addFastRetrans(n uint64) {
	if n > 0 {
		atomic.AddUint64(&s.FastRetransSegs, n)
	}
}

func (s *Stats) addRetrans(n uint64) {
	if n > 0 {
		atomic.AddUint64(&s.RetransSegs, n)
	}
}

func (s *Stats) addInError() {
	atomic.AddUint64(&s.InErrors, 1)
}

// Snapshot returns a point-in-time copy safe to read without races.
func (s *Stats) Snapshot() Stats {
	return Stats{
		InSegs:          atomic.LoadUint64(&s.InSegs),
		OutSegs:         atomic.LoadUint64(&s.OutSegs),
		InBytes:         atomic.LoadUint64(&s.InBytes),
		OutBytes:        atomic.LoadUint64(&s.OutBytes),
		RetransSegs:     atomic.LoadUint64(&s.RetransSegs),
		FastRetransSegs: atomic.LoadUint64(&s.FastRetransSegs),
		LostSegs:        atomic.LoadUint64(&s.LostSegs),
		RepeatSegs:      atomic.LoadUint64(&s.RepeatSegs),
		InErrors:        atomic.LoadUint64(&s.InErrors),
	}
}
