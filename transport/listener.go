package transport

import (
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/ARwMq9b6/rudp"
)

// Listener demultiplexes inbound datagrams arriving on one
// net.PacketConn across many Sessions by conv, grounded on
// Listener.monitor/AcceptKCP in the vendored kcp-go.v2 sess.go. Unlike
// that reference, which keys sessions by source address, this
// Listener keys by conv — a peer may roam across addresses (e.g. NAT
// rebinding) without losing its session, since conv is the identifier
// the core already exposes via GetConv. Idle sessions are reaped from
// an expiring github.com/patrickmn/go-cache, repurposed here for
// session bookkeeping instead of DNS answer caching.
type Listener struct {
	conn      net.PacketConn
	sessions  *cache.Cache
	mu        sync.Mutex
	chAccept  chan *Session
	die       chan struct{}
	closeOnce sync.Once
}

const (
	idleSessionExpiry  = 10 * time.Minute
	idleSessionSweepIv = time.Minute
)

// Listen binds laddr and returns a Listener ready to Accept Sessions.
func Listen(network, laddr string) (*Listener, error) {
	addr, err := net.ResolveUDPAddr(network, laddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ResolveUDPAddr")
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ListenUDP")
	}
	return ServeConn(conn)
}

// ServeConn serves the rudp protocol over an already-bound
// net.PacketConn, demultiplexing by conv.
func ServeConn(conn net.PacketConn) (*Listener, error) {
	l := &Listener{
		conn:     conn,
		sessions: cache.New(idleSessionExpiry, idleSessionSweepIv),
		chAccept: make(chan *Session, 1024),
		die:      make(chan struct{}),
	}
	l.sessions.OnEvicted(func(key string, v interface{}) {
		if s, ok := v.(*Session); ok {
			s.Close()
		}
	})
	go l.monitor()
	return l, nil
}

func sessionKey(conv uint32) string {
	// go-cache keys on string; conv is already unique per conversation.
	return string([]byte{byte(conv), byte(conv >> 8), byte(conv >> 16), byte(conv >> 24)})
}

// monitor reads datagrams off the shared socket and routes each to the
// Session whose conv matches, creating a new Session for an unseen
// conv and handing it to Accept.
func (l *Listener) monitor() {
	buf := make([]byte, mtuLimit)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		conv, ok := rudp.GetConv(buf[:n])
		if !ok {
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])

		key := sessionKey(conv)
		l.mu.Lock()
		v, found := l.sessions.Get(key)
		var s *Session
		if found {
			s = v.(*Session)
		} else {
			s = newSession(conv, l.conn, from, l)
			l.sessions.SetDefault(key, s)
		}
		l.mu.Unlock()

		if !found {
			select {
			case l.chAccept <- s:
			case <-l.die:
				return
			}
		}

		s.remote.Store(from) // NAT rebinding: always address the latest observed source
		s.input(cp)
		l.sessions.SetDefault(key, s) // refresh idle expiry
	}
}

// Accept waits for the next Session whose conv has not been seen
// before.
func (l *Listener) Accept() (*Session, error) {
	select {
	case s := <-l.chAccept:
		return s, nil
	case <-l.die:
		return nil, errors.New("transport: listener closed")
	}
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *Listener) removeSession(s *Session) {
	l.sessions.Delete(sessionKey(s.Conv()))
}

// Close stops accepting new sessions and closes the shared socket.
// Already-accepted Sessions are left running (matching
// Listener.Close in the vendored kcp-go.v2: "Already Accepted
// connections are not closed").
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.die) })
	return l.conn.Close()
}
