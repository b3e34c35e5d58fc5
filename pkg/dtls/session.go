package dtls

import (
	"crypto/cipher"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type role int

const (
	roleClient role = iota // initiated the handshake
	roleServer             // accepted the handshake
)

// session is one established (or establishing, for the accepting side)
// protected association with a peer. Sessions are simplex pairs: each node
// initiates its own outbound session, so two nodes exchanging traffic hold
// one client-role and one server-role session each.
type session struct {
	sid          sessionID
	peer         *net.UDPAddr
	role         role
	keys         *sessionKeys
	established  atomic.Bool
	clientRandom [randomSize]byte
	serverRandom [randomSize]byte
	identity     string
	createdAt    time.Time
	lastUsed     time.Time
}

// sealAEAD returns the AEAD protecting records this side writes.
func (s *session) sealAEAD() cipher.AEAD {
	if s.role == roleClient {
		return s.keys.client
	}
	return s.keys.server
}

// openAEAD returns the AEAD verifying records the peer writes.
func (s *session) openAEAD() cipher.AEAD {
	if s.role == roleClient {
		return s.keys.server
	}
	return s.keys.client
}

// pendingHandshake tracks a client-side handshake in flight, including the
// payloads queued behind it.
type pendingHandshake struct {
	peer         *net.UDPAddr
	clientRandom [randomSize]byte
	startedAt    time.Time
	queue        [][]byte
}

// sessionTable holds every association of one connector, bounded by the
// configured capacity. All lookups and mutations go through the table
// mutex; crypto never runs under it.
type sessionTable struct {
	mu        sync.Mutex
	max       int
	hsTimeout time.Duration

	outbound    map[string]*session // client role, by peer address
	outboundSID map[sessionID]*session
	inbound     map[sessionID]*session // server role, by session id
	inboundAddr map[string]sessionID   // replacement index
	pending     map[string]*pendingHandshake
}

func newSessionTable(max int, hsTimeout time.Duration) *sessionTable {
	return &sessionTable{
		max:         max,
		hsTimeout:   hsTimeout,
		outbound:    make(map[string]*session),
		outboundSID: make(map[sessionID]*session),
		inbound:     make(map[sessionID]*session),
		inboundAddr: make(map[string]sessionID),
		pending:     make(map[string]*pendingHandshake),
	}
}

func (t *sessionTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sizeLocked()
}

func (t *sessionTable) sizeLocked() int {
	return len(t.outbound) + len(t.inbound) + len(t.pending)
}

// sweepLocked drops handshakes that outlived the timeout: pending client
// flights and half-open server sessions still waiting for key
// confirmation. Established sessions are never swept.
func (t *sessionTable) sweepLocked(now time.Time) int {
	removed := 0
	for key, p := range t.pending {
		if now.Sub(p.startedAt) > t.hsTimeout {
			delete(t.pending, key)
			removed++
		}
	}
	for sid, s := range t.inbound {
		if !s.established.Load() && now.Sub(s.createdAt) > t.hsTimeout {
			delete(t.inbound, sid)
			delete(t.inboundAddr, s.peer.String())
			removed++
		}
	}
	return removed
}

// roomLocked reports whether one more association fits, sweeping expired
// handshakes first when the table looks full.
func (t *sessionTable) roomLocked(now time.Time) bool {
	if t.sizeLocked() < t.max {
		return true
	}
	t.sweepLocked(now)
	return t.sizeLocked() < t.max
}

// startOrEnqueue is the single entry of the client handshake path. When no
// flight toward cand.peer exists (or the existing one expired), cand is
// installed and returned as started; otherwise payload joins the existing
// flight's queue. The candidate must be fully formed before the call.
func (t *sessionTable) startOrEnqueue(cand *pendingHandshake, payload []byte, maxQueue int) (started bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := cand.peer.String()
	if p, ok := t.pending[key]; ok {
		if cand.startedAt.Sub(p.startedAt) <= t.hsTimeout {
			if payload == nil {
				return false, nil
			}
			if len(p.queue) >= maxQueue {
				return false, ErrHandshakeBacklog
			}
			p.queue = append(p.queue, payload)
			return false, nil
		}
		delete(t.pending, key)
	}
	if !t.roomLocked(cand.startedAt) {
		return false, ErrSessionTableFull
	}
	if payload != nil {
		cand.queue = append(cand.queue, payload)
	}
	t.pending[key] = cand
	return true, nil
}

// completePending removes and returns the in-flight handshake toward addr.
func (t *sessionTable) completePending(addr *net.UDPAddr) (*pendingHandshake, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[addr.String()]
	if ok {
		delete(t.pending, addr.String())
	}
	return p, ok
}

// putOutbound installs an established client-role session.
func (t *sessionTable) putOutbound(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := s.peer.String()
	if old, ok := t.outbound[key]; ok {
		delete(t.outboundSID, old.sid)
	}
	t.outbound[key] = s
	t.outboundSID[s.sid] = s
}

func (t *sessionTable) outboundByAddr(addr *net.UDPAddr) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.outbound[addr.String()]
	return s, ok
}

func (t *sessionTable) outboundBySID(sid sessionID) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.outboundSID[sid]
	return s, ok
}

// removeOutbound drops the client-role session with the given id, if the
// peer address matches. The address check keeps forged alerts from
// tearing down sessions they do not belong to.
func (t *sessionTable) removeOutbound(sid sessionID, from *net.UDPAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.outboundSID[sid]
	if !ok || s.peer.String() != from.String() {
		return false
	}
	delete(t.outboundSID, sid)
	delete(t.outbound, s.peer.String())
	return true
}

// putInbound installs a server-role session, replacing any previous
// association with the same peer address. It reports false when the table
// is at capacity.
func (t *sessionTable) putInbound(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := s.peer.String()
	if oldSID, ok := t.inboundAddr[key]; ok {
		delete(t.inbound, oldSID)
		delete(t.inboundAddr, key)
	} else if !t.roomLocked(s.createdAt) {
		return false
	}
	t.inbound[s.sid] = s
	t.inboundAddr[key] = s.sid
	return true
}

func (t *sessionTable) inboundBySID(sid sessionID) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.inbound[sid]
	return s, ok
}

func (t *sessionTable) inboundByAddr(addr *net.UDPAddr) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sid, ok := t.inboundAddr[addr.String()]
	if !ok {
		return nil, false
	}
	s, ok := t.inbound[sid]
	return s, ok
}

// removeInbound drops a server-role session, typically after a failed key
// confirmation.
func (t *sessionTable) removeInbound(sid sessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.inbound[sid]
	if !ok {
		return
	}
	delete(t.inbound, sid)
	delete(t.inboundAddr, s.peer.String())
}

// touch updates the last-used stamp of a session.
func (t *sessionTable) touch(s *session, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.lastUsed = now
}

// clear drops every association. Key material lives inside the AEADs and
// is released with them.
func (t *sessionTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outbound = make(map[string]*session)
	t.outboundSID = make(map[sessionID]*session)
	t.inbound = make(map[sessionID]*session)
	t.inboundAddr = make(map[string]sessionID)
	t.pending = make(map[string]*pendingHandshake)
}
