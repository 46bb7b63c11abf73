// Package rudp implements a single-endpoint reliable ARQ transport
// engine on top of an unreliable datagram substrate: fragmentation,
// selective-ack loss recovery, ordered delivery, windowed flow
// control, RTT-driven retransmission, and TCP-style congestion
// control tuned for latency over throughput.
//
// An Engine holds state for exactly one peer and performs no network
// I/O and no internal scheduling: the embedder feeds inbound
// datagrams to Input, drives time with Update/Check, and receives
// outbound datagrams synchronously through the Output callback
// installed with SetOutput. All entry points must be called by a
// single owner at a time; nothing here yields, blocks or spawns a
// goroutine.
package rudp

// Default tunables, named the way the reference implementation names
// them so the grounding ledger in DESIGN.md can cite them directly.
const (
	rtoNoDelay   = 30  // min RTO with nodelay enabled, ms
	rtoNormal    = 100 // min RTO with nodelay disabled, ms
	rtoDefault   = 200 // initial RTO before any sample, ms
	rtoMax       = 60000
	wndSndDef    = 32
	wndRcvDef    = 128
	wndRcvFloor  = 128
	mtuDef       = 1400
	intervalDef  = 100
	deadLinkDef  = 20
	threshInit   = 2
	threshMin    = 2
	fastlimitDef = 5
	probeInit    = 7000
	probeLimit   = 120000

	stateDead = 0xFFFFFFFF
)

// Output hands a filled MTU-bounded datagram to the caller, which must
// synchronously copy or send buf[:size] before returning; it must not
// call back into the Engine that invoked it.
type Output func(buf []byte, size int)

type ackItem struct {
	sn uint32
	ts uint32
}

// Engine is a single peer's ARQ protocol state machine.
type Engine struct {
	conv, mtu, mss, state      uint32
	sndUna, sndNxt, rcvNxt     uint32
	ssthresh                   uint32
	rto                        rtoEstimator
	sndWnd, rcvWnd, rmtWnd     uint32
	cwnd, probe                uint32
	interval, tsFlush, xmit    uint32
	nodelay, updated           uint32
	tsProbe, probeWait         uint32
	deadLink, incr             uint32
	fastresend                 uint32 // 0 disables fast resend
	fastlimit                  int32  // <=0 unlimited
	nocwnd, stream             bool

	sndQueue []segment
	sndBuf   []segment
	rcvBuf   []segment
	rcvQueue []segment

	acklist []ackItem

	buffer []byte
	output Output
	pool   *segmentPool

	// Data carries whatever association the embedder wants to reach
	// from inside its Output callback; rudp never reads it.
	Data interface{}

	// Stats accumulates per-Engine traffic and error counters. Never nil.
	Stats *Stats
}

// Create allocates a new Engine for the given conversation id. conv
// must be identical on both endpoints of the same conversation;
// datagrams whose conv mismatches are rejected by Input.
func Create(conv uint32) *Engine {
	e := &Engine{
		conv:      conv,
		mtu:       mtuDef,
		sndWnd:    wndSndDef,
		rcvWnd:    wndRcvDef,
		rmtWnd:    wndRcvDef,
		ssthresh:  threshInit,
		interval:  intervalDef,
		tsFlush:   intervalDef,
		deadLink:  deadLinkDef,
		fastlimit: fastlimitDef,
		rto:       newRTOEstimator(rtoNormal, rtoDefault),
		Stats:     &Stats{},
	}
	e.mss = e.mtu - headerSize
	e.buffer = make([]byte, (e.mtu+headerSize)*3)
	e.pool = newSegmentPool(int(e.mtu))
	return e
}

// Release returns pooled segment payloads and drops all queues. The
// Engine must not be used afterward.
func (e *Engine) Release() {
	for i := range e.sndQueue {
		e.pool.put(e.sndQueue[i].data)
	}
	for i := range e.sndBuf {
		e.pool.put(e.sndBuf[i].data)
	}
	for i := range e.rcvBuf {
		e.pool.put(e.rcvBuf[i].data)
	}
	for i := range e.rcvQueue {
		e.pool.put(e.rcvQueue[i].data)
	}
	e.sndQueue, e.sndBuf, e.rcvBuf, e.rcvQueue = nil, nil, nil, nil
	e.acklist = nil
	e.buffer = nil
}

// SetOutput installs the datagram sink. It must be set before the
// first Flush/Update call that would need to emit anything.
func (e *Engine) SetOutput(fn Output) { e.output = fn }

// Conv returns the conversation id.
func (e *Engine) Conv() uint32 { return e.conv }

// IsDead reports whether a segment's retransmission count reached
// dead_link, the engine's only liveness verdict.
func (e *Engine) IsDead() bool { return e.state == stateDead }

// Cwnd returns the effective congestion window in segments.
func (e *Engine) Cwnd() uint32 {
	cwnd := imin(e.sndWnd, e.rmtWnd)
	if !e.nocwnd {
		cwnd = imin(e.cwnd, cwnd)
	}
	return cwnd
}

// WaitSnd returns the number of segments queued or in flight.
func (e *Engine) WaitSnd() int { return len(e.sndBuf) + len(e.sndQueue) }

// Srtt returns the current smoothed RTT estimate in milliseconds.
func (e *Engine) Srtt() int32 { return e.rto.srtt }

// Rto returns the current retransmission timeout in milliseconds.
func (e *Engine) Rto() uint32 { return e.rto.rto }

func (e *Engine) newSegment(size int) segment {
	return segment{data: e.pool.get(size)}
}

func (e *Engine) delSegment(s *segment) {
	e.pool.put(s.data)
	s.data = nil
}

// PeekSize inspects the head of rcv_queue without consuming it.
func (e *Engine) PeekSize() (int, error) {
	if len(e.rcvQueue) == 0 {
		return -1, ErrNoData
	}
	head := &e.rcvQueue[0]
	if head.frg == 0 {
		return len(head.data), nil
	}
	if len(e.rcvQueue) < int(head.frg)+1 {
		return -1, ErrFragmentIncomplete
	}
	length := 0
	for k := range e.rcvQueue {
		s := &e.rcvQueue[k]
		length += len(s.data)
		if s.frg == 0 {
			break
		}
	}
	return length, nil
}

// Recv copies the next complete message into buf and removes it from
// rcv_queue, reporting ErrNoData, ErrFragmentIncomplete or
// ErrBufferTooSmall as appropriate.
func (e *Engine) Recv(buf []byte) (int, error) {
	if len(e.rcvQueue) == 0 {
		return 0, ErrNoData
	}

	size, err := e.PeekSize()
	if err != nil {
		return 0, err
	}
	if size > len(buf) {
		return 0, ErrBufferTooSmall
	}

	fastRecover := len(e.rcvQueue) >= int(e.rcvWnd)

	n := 0
	count := 0
	for k := range e.rcvQueue {
		s := &e.rcvQueue[k]
		copy(buf[n:], s.data)
		n += len(s.data)
		count++
		e.delSegment(s)
		if s.frg == 0 {
			break
		}
	}
	e.rcvQueue = e.rcvQueue[count:]

	e.migrateRcvBuf()

	if len(e.rcvQueue) < int(e.rcvWnd) && fastRecover {
		e.probe |= ikcpAskTell
	}
	return n, nil
}

// migrateRcvBuf moves the longest contiguous prefix of rcv_buf
// starting at rcv_nxt into rcv_queue, subject to rcv_queue's size
// bound, advancing rcv_nxt once per moved segment.
func (e *Engine) migrateRcvBuf() {
	count := 0
	for k := range e.rcvBuf {
		s := &e.rcvBuf[k]
		if s.sn == e.rcvNxt && len(e.rcvQueue) < int(e.rcvWnd) {
			e.rcvNxt++
			count++
		} else {
			break
		}
	}
	e.rcvQueue = append(e.rcvQueue, e.rcvBuf[:count]...)
	e.rcvBuf = e.rcvBuf[count:]
}

// Send fragments data and appends it to snd_queue, awaiting window.
func (e *Engine) Send(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyData
	}

	if e.stream {
		if n := len(e.sndQueue); n > 0 {
			old := &e.sndQueue[n-1]
			if len(old.data) < int(e.mss) {
				capacity := int(e.mss) - len(old.data)
				extend := capacity
				if len(data) < capacity {
					extend = len(data)
				}
				merged := e.newSegment(len(old.data) + extend)
				merged.frg = 0
				copy(merged.data, old.data)
				copy(merged.data[len(old.data):], data[:extend])
				data = data[extend:]
				e.delSegment(old)
				e.sndQueue[n-1] = merged
			}
		}
		if len(data) == 0 {
			return nil
		}
	}

	var count int
	if len(data) <= int(e.mss) {
		count = 1
	} else {
		count = (len(data) + int(e.mss) - 1) / int(e.mss)
	}
	if uint32(count) >= e.rcvWnd {
		return ErrFragmentTooLarge
	}
	if count == 0 {
		count = 1
	}

	for i := 0; i < count; i++ {
		size := int(e.mss)
		if len(data) < size {
			size = len(data)
		}
		s := e.newSegment(size)
		copy(s.data, data[:size])
		if !e.stream {
			s.frg = uint8(count - i - 1)
		}
		e.sndQueue = append(e.sndQueue, s)
		data = data[size:]
	}
	return nil
}

const (
	ikcpAskSend uint32 = 1
	ikcpAskTell uint32 = 2
)

func (e *Engine) shrinkBuf() {
	if len(e.sndBuf) > 0 {
		e.sndUna = e.sndBuf[0].sn
	} else {
		e.sndUna = e.sndNxt
	}
}

func (e *Engine) parseUna(una uint32) {
	count := 0
	for k := range e.sndBuf {
		if itimediff(una, e.sndBuf[k].sn) > 0 {
			e.delSegment(&e.sndBuf[k])
			count++
		} else {
			break
		}
	}
	e.sndBuf = e.sndBuf[count:]
}

func (e *Engine) parseAck(sn uint32) {
	if itimediff(sn, e.sndUna) < 0 || itimediff(sn, e.sndNxt) >= 0 {
		return
	}
	for k := range e.sndBuf {
		s := &e.sndBuf[k]
		if sn == s.sn {
			e.delSegment(s)
			copy(e.sndBuf[k:], e.sndBuf[k+1:])
			e.sndBuf = e.sndBuf[:len(e.sndBuf)-1]
			return
		}
		if itimediff(sn, s.sn) < 0 {
			return
		}
	}
}

// parseFastack bumps the skip counter of every unacked segment
// preceding maxack whose own ts does not exceed
// the ts of the ack that carried maxack, bump its skip counter. The ts
// gate (on top of the sn gate parse_ack-family code uses elsewhere)
// keeps a reordered ack from spuriously inflating fastack.
func (e *Engine) parseFastack(maxack, maxts uint32) {
	if itimediff(maxack, e.sndUna) < 0 || itimediff(maxack, e.sndNxt) >= 0 {
		return
	}
	for k := range e.sndBuf {
		s := &e.sndBuf[k]
		if itimediff(maxack, s.sn) < 0 {
			break
		}
		if s.sn != maxack && itimediff(s.ts, maxts) <= 0 {
			s.fastack++
		}
	}
}

func (e *Engine) ackPush(sn, ts uint32) {
	e.acklist = append(e.acklist, ackItem{sn, ts})
}

func (e *Engine) parseData(newseg segment) {
	sn := newseg.sn
	if itimediff(sn, e.rcvNxt+e.rcvWnd) >= 0 || itimediff(sn, e.rcvNxt) < 0 {
		e.delSegment(&newseg)
		return
	}

	buf, repeat := insertSorted(e.rcvBuf, newseg)
	e.rcvBuf = buf
	if repeat {
		e.Stats.addRepeat(1)
		e.delSegment(&newseg)
	}

	e.migrateRcvBuf()
}

// Input parses a concatenation of zero or more segments delivered in
// one datagram. current is the caller's present time in the same
// millisecond epoch passed to Update/Flush/Check — the core has no
// time source of its own, so RTT sampling on ACKs needs it handed in
// here too. Returns 0 on success, or a negative parse diagnostic.
func (e *Engine) Input(data []byte, current uint32) int {
	if len(data) < headerSize {
		e.Stats.addInError()
		return inputErrShort
	}

	inBytes := len(data)
	var inSegs uint64
	una := e.sndUna
	var maxack, maxts uint32
	sawAck := false

	first := true
	for len(data) >= headerSize {
		var h header
		data = decodeHeader(data, &h)

		if first {
			if h.conv != e.conv {
				e.Stats.addInError()
				return inputErrShort
			}
			first = false
		}

		if uint32(len(data)) < h.len || h.len > e.mtu {
			e.Stats.addInError()
			return inputErrTruncated
		}
		if h.cmd != cmdPush && h.cmd != cmdAck && h.cmd != cmdWAsk && h.cmd != cmdWIns {
			e.Stats.addInError()
			return inputErrUnknownCmd
		}
		inSegs++

		e.rmtWnd = uint32(h.wnd)
		e.parseUna(h.una)
		e.shrinkBuf()

		switch h.cmd {
		case cmdAck:
			if itimediff(current, h.ts) >= 0 {
				e.rto.sample(itimediff(current, h.ts), e.interval)
			}
			e.parseAck(h.sn)
			e.shrinkBuf()
			if !sawAck {
				sawAck = true
				maxack, maxts = h.sn, h.ts
			} else if itimediff(h.sn, maxack) > 0 {
				maxack, maxts = h.sn, h.ts
			}
		case cmdPush:
			if itimediff(h.sn, e.rcvNxt+e.rcvWnd) < 0 {
				e.ackPush(h.sn, h.ts)
				if itimediff(h.sn, e.rcvNxt) >= 0 {
					s := e.newSegment(int(h.len))
					s.conv, s.cmd, s.frg, s.wnd, s.ts, s.sn, s.una = h.conv, h.cmd, h.frg, h.wnd, h.ts, h.sn, h.una
					copy(s.data, data[:h.len])
					e.parseData(s)
				}
			}
		case cmdWAsk:
			e.probe |= ikcpAskTell
		case cmdWIns:
			// informational only
		}

		data = data[h.len:]
	}

	if sawAck {
		e.parseFastack(maxack, maxts)
	}

	if itimediff(e.sndUna, una) > 0 && e.cwnd < e.rmtWnd {
		e.growCwnd()
	}

	e.Stats.addIn(inSegs, uint64(inBytes))
	return inputOK
}

func (e *Engine) growCwnd() {
	if e.cwnd < e.ssthresh {
		e.cwnd++
		e.incr += e.mss
	} else {
		if e.incr < e.mss {
			e.incr = e.mss
		}
		e.incr += (e.mss*e.mss)/e.incr + e.mss/16
		if (e.cwnd+1)*e.mss <= e.incr {
			e.cwnd++
		}
	}
	if e.cwnd > e.rmtWnd {
		e.cwnd = e.rmtWnd
		e.incr = e.rmtWnd * e.mss
	}
}

func (e *Engine) wndUnused() uint16 {
	if len(e.rcvQueue) < int(e.rcvWnd) {
		return uint16(int(e.rcvWnd) - len(e.rcvQueue))
	}
	return 0
}

// Flush batches pending ACKs, window probes and data into MTU-bounded
// datagrams and hands them to Output. It is a no-op until Update has
// been called at least once.
func (e *Engine) Flush(current uint32) {
	if e.updated == 0 {
		return
	}

	buffer := e.buffer
	ptr := buffer
	change := 0
	lost := false

	tail := header{conv: e.conv, cmd: cmdAck, wnd: e.wndUnused(), una: e.rcvNxt}

	var outSegs uint64
	emit := func() {
		size := len(buffer) - len(ptr)
		if size > 0 {
			e.output(buffer, size)
			e.Stats.addOut(outSegs, uint64(size))
		}
		outSegs = 0
		ptr = buffer
	}

	for _, ack := range e.acklist {
		if len(buffer)-len(ptr)+headerSize > int(e.mtu) {
			emit()
		}
		tail.sn, tail.ts = ack.sn, ack.ts
		ptr = tail.encode(ptr)
		outSegs++
	}
	e.acklist = nil

	if e.rmtWnd == 0 {
		if e.probeWait == 0 {
			e.probeWait = probeInit
			e.tsProbe = current + e.probeWait
		} else if itimediff(current, e.tsProbe) >= 0 {
			if e.probeWait < probeInit {
				e.probeWait = probeInit
			}
			e.probeWait += e.probeWait / 2
			if e.probeWait > probeLimit {
				e.probeWait = probeLimit
			}
			e.tsProbe = current + e.probeWait
			e.probe |= ikcpAskSend
		}
	} else {
		e.tsProbe = 0
		e.probeWait = 0
	}

	if e.probe&ikcpAskSend != 0 {
		tail.cmd = cmdWAsk
		if len(buffer)-len(ptr)+headerSize > int(e.mtu) {
			emit()
		}
		ptr = tail.encode(ptr)
		outSegs++
	}
	if e.probe&ikcpAskTell != 0 {
		tail.cmd = cmdWIns
		if len(buffer)-len(ptr)+headerSize > int(e.mtu) {
			emit()
		}
		ptr = tail.encode(ptr)
		outSegs++
	}
	e.probe = 0

	cwndEff := imin(e.sndWnd, e.rmtWnd)
	if !e.nocwnd {
		cwndEff = imin(cwndEff, e.cwnd)
	}

	for len(e.sndQueue) > 0 && itimediff(e.sndNxt, e.sndUna+cwndEff) < 0 {
		s := e.sndQueue[0]
		e.sndQueue = e.sndQueue[1:]
		s.conv = e.conv
		s.cmd = cmdPush
		s.sn = e.sndNxt
		s.una = e.rcvNxt
		s.resendts = current
		s.rto = e.rto.rto
		s.fastack = 0
		s.xmit = 0
		e.sndNxt++
		e.sndBuf = append(e.sndBuf, s)
	}

	resent := e.fastresend
	rtomin := uint32(0)
	if e.nodelay == 0 {
		rtomin = e.rto.rto / 8
	}

	send := func(s *segment) {
		s.ts = current
		s.wnd = tail.wnd
		s.una = e.rcvNxt
		need := headerSize + len(s.data)
		if len(buffer)-len(ptr)+need > int(e.mtu) {
			emit()
		}
		ptr = s.encode(ptr)
		copy(ptr, s.data)
		ptr = ptr[len(s.data):]
		outSegs++
		if s.xmit >= e.deadLink {
			e.state = stateDead
		}
	}

	var lostSegs, fastSegs uint64
	for k := range e.sndBuf {
		s := &e.sndBuf[k]
		switch {
		case s.xmit == 0:
			s.xmit++
			s.rto = e.rto.rto
			s.resendts = current + s.rto + rtomin
			send(s)
		case itimediff(current, s.resendts) >= 0:
			s.xmit++
			e.xmit++
			switch {
			case e.nodelay == 0:
				s.rto += imax(s.rto, e.rto.rto)
			case e.nodelay == 1:
				s.rto += s.rto / 2
			default:
				s.rto += e.rto.rto / 2
			}
			s.resendts = current + s.rto
			lost = true
			lostSegs++
			send(s)
		case e.fastresend > 0 && s.fastack >= resent && (e.fastlimit <= 0 || int32(s.xmit) <= e.fastlimit):
			s.xmit++
			s.fastack = 0
			s.rto = e.rto.rto
			s.resendts = current + s.rto
			change++
			fastSegs++
			send(s)
		}
	}

	emit()

	e.Stats.addLost(lostSegs)
	e.Stats.addFastRetrans(fastSegs)
	e.Stats.addRetrans(lostSegs + fastSegs)

	if change != 0 {
		inflight := e.sndNxt - e.sndUna
		e.ssthresh = imax(inflight/2, threshMin)
		e.cwnd = e.ssthresh + resent
		e.incr = e.cwnd * e.mss
	}
	if lost {
		e.ssthresh = imax(cwndEff/2, threshMin)
		e.cwnd = 1
		e.incr = e.mss
	}
	if e.cwnd < 1 {
		e.cwnd = 1
		e.incr = e.mss
	}
}

// Update latches current, initializing and clock-jump-protecting
// ts_flush, and calls Flush when the interval has elapsed.
func (e *Engine) Update(current uint32) {
	if e.updated == 0 {
		e.updated = 1
		e.tsFlush = current
	}

	slap := itimediff(current, e.tsFlush)
	if slap >= 10000 || slap < -10000 {
		e.tsFlush = current
		slap = 0
	}

	if slap >= 0 {
		e.tsFlush += e.interval
		if itimediff(current, e.tsFlush) >= 0 {
			e.tsFlush = current + e.interval
		}
		e.Flush(current)
	}
}

// Check returns the timestamp at which Update must next be called.
func (e *Engine) Check(current uint32) uint32 {
	if e.updated == 0 {
		return current
	}

	tsFlush := e.tsFlush
	if itimediff(current, tsFlush) >= 10000 || itimediff(current, tsFlush) < -10000 {
		tsFlush = current
	}
	if itimediff(current, tsFlush) >= 0 {
		return current
	}

	tmFlush := itimediff(tsFlush, current)
	tmPacket := int32(0x7fffffff)
	for k := range e.sndBuf {
		diff := itimediff(e.sndBuf[k].resendts, current)
		if diff <= 0 {
			return current
		}
		if diff < tmPacket {
			tmPacket = diff
		}
	}

	minimal := uint32(tmPacket)
	if tmPacket >= tmFlush {
		minimal = uint32(tmFlush)
	}
	if minimal >= e.interval {
		minimal = e.interval
	}
	return current + minimal
}

// SetMtu validates and applies a new MTU, reallocating the scratch
// buffer. In-flight segments already sized to the old mss are not
// repacked; they drain at their original fragmentation.
func (e *Engine) SetMtu(mtu int) error {
	if mtu < 50 || mtu < headerSize {
		return ErrInvalidMtu
	}
	e.mtu = uint32(mtu)
	e.mss = e.mtu - headerSize
	e.buffer = make([]byte, (e.mtu+headerSize)*3)
	return nil
}

// WndSize sets the send/receive window sizes; a zero value leaves the
// corresponding window unchanged. rcv is floored at 128.
func (e *Engine) WndSize(snd, rcv int) {
	if snd > 0 {
		e.sndWnd = uint32(snd)
	}
	if rcv > 0 {
		e.rcvWnd = imax(uint32(rcv), wndRcvFloor)
	}
}

// SetNodelay configures latency tuning. A negative argument leaves
// the corresponding field unchanged. interval is clamped to
// [10, 5000]. nodelay in {0,1,2} selects the RTO backoff schedule
// (doubling, 1.5x, fixed-half-RTO).
func (e *Engine) SetNodelay(nodelay, interval, resend, nc int) {
	if nodelay >= 0 {
		e.nodelay = uint32(nodelay)
		if nodelay != 0 {
			e.rto.setMinRTO(rtoNoDelay)
		} else {
			e.rto.setMinRTO(rtoNormal)
		}
	}
	if interval >= 0 {
		if interval > 5000 {
			interval = 5000
		} else if interval < 10 {
			interval = 10
		}
		e.interval = uint32(interval)
	}
	if resend >= 0 {
		e.fastresend = uint32(resend)
	}
	if nc >= 0 {
		e.nocwnd = nc != 0
	}
}

// SetFastLimit caps the number of transmissions a fast-resend may
// still trigger; <= 0 means unlimited.
func (e *Engine) SetFastLimit(limit int) { e.fastlimit = int32(limit) }

// SetDeadLink sets how many transmissions of a single segment mark
// the engine dead.
func (e *Engine) SetDeadLink(n int) {
	if n > 0 {
		e.deadLink = uint32(n)
	}
}

// SetStreamMode toggles coalescing of consecutive Send calls.
func (e *Engine) SetStreamMode(enable bool) { e.stream = enable }
