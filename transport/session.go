// Package transport is the external collaborator the core engine
// deliberately has no knowledge of: it owns a net.PacketConn, a clock,
// and the per-peer goroutines needed to drive an rudp.Engine end to
// end. Session pairs exactly one Engine with one UDP peer; Listener
// demultiplexes many Sessions onto one socket by conv.
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"golang.org/x/net/ipv4"

	"github.com/ARwMq9b6/rudp"
)

const mtuLimit = 2048

var epoch = time.Now()

func currentMs() uint32 {
	return uint32(time.Since(epoch) / time.Millisecond)
}

// Session is a net.Conn-shaped wrapper around one rudp.Engine bound to
// one net.PacketConn and one remote net.Addr, grounded on
// UDPSession/readLoop in the vendored kcp-go.v2 sess.go: a read
// goroutine feeds datagrams to Engine.Input, and an update goroutine
// drives Engine.Update/Check on the cadence the engine itself asks
// for, since rudp.Engine never schedules its own wakeups.
type Session struct {
	id     string
	engine *rudp.Engine
	conn   net.PacketConn
	remote atomic.Value // net.Addr; written by Listener.monitor on NAT rebind
	owned  bool         // true if Session.Close should also close conn (dial-mode)
	l      *Listener

	mu       sync.Mutex
	sockbuff []byte
	rd, wd   time.Time
	closed   bool

	die          chan struct{}
	readEvent    chan struct{}
	onDead       func(*Session) // invoked once if the engine goes dead
	deadReported int32
}

func newSession(conv uint32, conn net.PacketConn, remote net.Addr, l *Listener) *Session {
	s := &Session{
		id:        xid.New().String(),
		engine:    rudp.Create(conv),
		conn:      conn,
		l:         l,
		die:       make(chan struct{}),
		readEvent: make(chan struct{}, 1),
	}
	s.remote.Store(remote)
	s.engine.SetOutput(func(buf []byte, size int) {
		s.conn.WriteTo(buf[:size], s.remote.Load().(net.Addr))
	})
	s.engine.Update(currentMs())
	go s.updateLoop()
	return s
}

// Dial creates a client-side Session talking to raddr with the given
// conversation id, owning a dedicated net.PacketConn and its own read
// loop (unlike a Listener-accepted Session, which shares the
// Listener's socket and receives input via the Listener's monitor
// goroutine).
func Dial(network, raddr string, conv uint32) (*Session, error) {
	addr, err := net.ResolveUDPAddr(network, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ResolveUDPAddr")
	}
	conn, err := net.DialUDP(network, nil, addr)
	if err != nil {
		return nil, errors.Wrap(err, "net.DialUDP")
	}
	s := newSession(conv, conn, addr, nil)
	s.owned = true
	go s.readLoop()
	return s, nil
}

// Engine exposes the underlying rudp.Engine for callers that need
// config knobs (SetNodelay, WndSize, ...) or Stats not surfaced
// directly on Session. Engine.Stats is safe to read concurrently
// (sync/atomic-backed), but the congestion-control fields Cwnd/Srtt/
// Rto/WaitSnd read are not — callers wanting those concurrently with
// a running Session should use Gauges instead of reading the Engine
// directly.
func (s *Session) Engine() *rudp.Engine { return s.engine }

// Gauges returns a point-in-time read of the engine's live
// congestion-control state (cwnd, srtt, rto, waitSnd), taken under the
// same lock updateLoop and input use to mutate it.
func (s *Session) Gauges() (cwnd uint32, srtt int32, rto uint32, waitSnd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Cwnd(), s.engine.Srtt(), s.engine.Rto(), s.engine.WaitSnd()
}

// Conv returns the session's conversation id.
func (s *Session) Conv() uint32 { return s.engine.Conv() }

// ID returns the session's process-unique correlation id, minted with
// github.com/rs/xid at creation, for log/metric labeling.
func (s *Session) ID() string { return s.id }

// LocalAddr returns the local network address.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (s *Session) RemoteAddr() net.Addr { return s.remote.Load().(net.Addr) }

// Read implements io.Reader, blocking until a complete message is
// available, the deadline elapses, or the session is closed.
func (s *Session) Read(b []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.sockbuff) > 0 {
			n := copy(b, s.sockbuff)
			s.sockbuff = s.sockbuff[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.closed {
			s.mu.Unlock()
			return 0, errors.New("transport: session closed")
		}
		if !s.rd.IsZero() && time.Now().After(s.rd) {
			s.mu.Unlock()
			return 0, errTimeout{}
		}
		if n, err := s.engine.PeekSize(); err == nil {
			if len(b) >= n {
				m, _ := s.engine.Recv(b)
				s.mu.Unlock()
				return m, nil
			}
			full := make([]byte, n)
			s.engine.Recv(full)
			m := copy(b, full)
			s.sockbuff = full[m:]
			s.mu.Unlock()
			return m, nil
		}

		var timeout <-chan time.Time
		if !s.rd.IsZero() {
			timer := time.NewTimer(time.Until(s.rd))
			defer timer.Stop()
			timeout = timer.C
		}
		s.mu.Unlock()

		select {
		case <-s.readEvent:
		case <-timeout:
		case <-s.die:
		}
	}
}

// Write implements io.Writer, fragmenting and queuing b, flushing
// immediately so the datagram reaches the wire without waiting for
// the next update tick. Send never blocks on window or peer state (it
// only appends to snd_queue), so the only deadline Write can honor is
// one that has already elapsed by the time Write is called.
func (s *Session) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("transport: session closed")
	}
	if !s.wd.IsZero() && time.Now().After(s.wd) {
		return 0, errTimeout{}
	}
	if err := s.engine.Send(b); err != nil {
		return 0, err
	}
	s.engine.Flush(currentMs())
	return len(b), nil
}

// SetDeadline, SetReadDeadline and SetWriteDeadline implement the
// net.Conn deadline contract used by Read/Write above.
func (s *Session) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.rd, s.wd = t, t
	s.mu.Unlock()
	return nil
}

func (s *Session) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.rd = t
	s.mu.Unlock()
	return nil
}

func (s *Session) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.wd = t
	s.mu.Unlock()
	return nil
}

// SetDSCP sets the 6-bit DSCP field of the IP header on this session's
// socket, no effect if the session was accepted from a Listener (the
// socket is shared across peers there), matching
// UDPSession.SetDSCP in the vendored kcp-go.v2.
func (s *Session) SetDSCP(dscp int) error {
	if s.l != nil {
		return errors.New("transport: SetDSCP has no effect on a listener-accepted session")
	}
	if nc, ok := s.conn.(net.Conn); ok {
		return ipv4.NewConn(nc).SetTOS(dscp << 2)
	}
	return errors.New("transport: underlying conn does not support SetTOS")
}

// OnDead registers a callback invoked once, from whichever goroutine
// (the update loop or the input path) first observes the underlying
// engine reporting IsDead() (dead_link reached). It is the embedder's liveness signal for a peer that has
// stopped acknowledging anything.
func (s *Session) OnDead(fn func(*Session)) { s.onDead = fn }

// Close tears the session down. For a Dial-created session this also
// closes the owned socket; for a Listener-accepted session the shared
// socket is left open and the session is only removed from the
// Listener's table.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("transport: already closed")
	}
	s.closed = true
	s.mu.Unlock()
	close(s.die)
	if s.l != nil {
		s.l.removeSession(s)
	}
	if s.owned {
		return s.conn.Close()
	}
	return nil
}

func (s *Session) notifyRead() {
	select {
	case s.readEvent <- struct{}{}:
	default:
	}
}

// input feeds one inbound datagram to the engine and wakes any
// blocked Read.
func (s *Session) input(data []byte) {
	s.mu.Lock()
	s.engine.Input(data, currentMs())
	dead := s.engine.IsDead()
	_, noData := s.engine.PeekSize()
	s.mu.Unlock()

	if noData == nil {
		s.notifyRead()
	}
	if dead && atomic.CompareAndSwapInt32(&s.deadReported, 0, 1) && s.onDead != nil {
		s.onDead(s)
	}
}

// readLoop is only run for Dial-created sessions; Listener-accepted
// sessions receive input() calls from the Listener's own monitor
// goroutine instead, since the socket is shared.
func (s *Session) readLoop() {
	buf := make([]byte, mtuLimit)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		s.input(cp)
		select {
		case <-s.die:
			return
		default:
		}
	}
}

// updateLoop drives Engine.Update on the cadence Engine.Check asks
// for instead of a fixed ticker, so idle sessions do not spin.
func (s *Session) updateLoop() {
	for {
		s.mu.Lock()
		now := currentMs()
		s.engine.Update(now)
		next := s.engine.Check(now)
		dead := s.engine.IsDead()
		s.mu.Unlock()

		if dead && atomic.CompareAndSwapInt32(&s.deadReported, 0, 1) && s.onDead != nil {
			s.onDead(s)
		}

		wait := time.Duration(next-now) * time.Millisecond
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.die:
			timer.Stop()
			return
		}
	}
}

type errTimeout struct{}

func (errTimeout) Error() string   { return "transport: i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }
