package rudp

import "sync"

// segment is the unit of transmission held on snd_queue, snd_buf,
// rcv_buf and rcv_queue. The wire fields mirror header; resendts, rto,
// fastack and xmit are runtime-only state that never crosses the wire.
type segment struct {
	conv uint32
	cmd  uint8
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	data []byte

	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

func (s *segment) encode(p []byte) []byte {
	h := header{conv: s.conv, cmd: s.cmd, frg: s.frg, wnd: s.wnd, ts: s.ts, sn: s.sn, una: s.una, len: uint32(len(s.data))}
	return h.encode(p)
}

// segmentPool recycles segment payload slices to keep Send/Input from
// allocating a new []byte per fragment under steady traffic, grounded
// on the package-level xmitBuf sync.Pool in the vendored kcp-go.v2.
type segmentPool struct {
	pool sync.Pool
}

func newSegmentPool(mtu int) *segmentPool {
	p := &segmentPool{}
	p.pool.New = func() interface{} {
		return make([]byte, mtu)
	}
	return p
}

func (p *segmentPool) get(size int) []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func (p *segmentPool) put(buf []byte) {
	if buf != nil {
		p.pool.Put(buf[:0]) //nolint:staticcheck // length reset, capacity retained for reuse
	}
}

// insertSorted inserts seg into buf, which is kept ordered by sn
// ascending with unique sn. Duplicate sn values are dropped (repeat
// is reported so callers can count them). Ownership of seg transfers
// to buf on success.
func insertSorted(buf []segment, seg segment) (result []segment, repeat bool) {
	n := len(buf) - 1
	insertIdx := 0
	for i := n; i >= 0; i-- {
		if buf[i].sn == seg.sn {
			return buf, true
		}
		if itimediff(seg.sn, buf[i].sn) > 0 {
			insertIdx = i + 1
			break
		}
	}
	if insertIdx == n+1 {
		buf = append(buf, seg)
	} else {
		buf = append(buf, segment{})
		copy(buf[insertIdx+1:], buf[insertIdx:])
		buf[insertIdx] = seg
	}
	return buf, false
}
