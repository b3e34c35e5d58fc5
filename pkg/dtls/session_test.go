package dtls

import (
	"errors"
	"net"
	"testing"
	"time"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func testPending(addr *net.UDPAddr, at time.Time) *pendingHandshake {
	return &pendingHandshake{peer: addr, startedAt: at}
}

func testSession(r role, sid sessionID, addr *net.UDPAddr, at time.Time) *session {
	return &session{sid: sid, peer: addr, role: r, createdAt: at, lastUsed: at}
}

func TestStartOrEnqueue(t *testing.T) {
	base := time.Now()
	table := newSessionTable(8, 10*time.Second)
	addr := testAddr(5684)

	// First call toward a peer starts the flight and queues the payload.
	started, err := table.startOrEnqueue(testPending(addr, base), []byte("first"), 4)
	if err != nil || !started {
		t.Fatalf("startOrEnqueue() = %v, %v, want started", started, err)
	}

	// A second call within the timeout joins the same flight.
	started, err = table.startOrEnqueue(testPending(addr, base.Add(time.Second)), []byte("second"), 4)
	if err != nil || started {
		t.Fatalf("startOrEnqueue() = %v, %v, want joined", started, err)
	}

	p, ok := table.completePending(addr)
	if !ok {
		t.Fatal("completePending() found no flight")
	}
	if len(p.queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(p.queue))
	}
	if string(p.queue[0]) != "first" || string(p.queue[1]) != "second" {
		t.Errorf("queue = %q, want [first second]", p.queue)
	}

	// The flight is gone after completion.
	if _, ok := table.completePending(addr); ok {
		t.Error("completePending() succeeded twice")
	}
}

func TestStartOrEnqueueNilPayload(t *testing.T) {
	base := time.Now()
	table := newSessionTable(8, 10*time.Second)
	addr := testAddr(5684)

	if _, err := table.startOrEnqueue(testPending(addr, base), nil, 4); err != nil {
		t.Fatalf("startOrEnqueue() error = %v", err)
	}
	// Joining with nil payload leaves the queue untouched.
	started, err := table.startOrEnqueue(testPending(addr, base), nil, 4)
	if err != nil || started {
		t.Fatalf("startOrEnqueue() = %v, %v, want silent join", started, err)
	}

	p, _ := table.completePending(addr)
	if len(p.queue) != 0 {
		t.Errorf("queue length = %d, want 0", len(p.queue))
	}
}

func TestStartOrEnqueueBacklog(t *testing.T) {
	base := time.Now()
	table := newSessionTable(8, 10*time.Second)
	addr := testAddr(5684)

	if _, err := table.startOrEnqueue(testPending(addr, base), []byte("p0"), 2); err != nil {
		t.Fatalf("startOrEnqueue() error = %v", err)
	}
	if _, err := table.startOrEnqueue(testPending(addr, base), []byte("p1"), 2); err != nil {
		t.Fatalf("startOrEnqueue() error = %v", err)
	}
	_, err := table.startOrEnqueue(testPending(addr, base), []byte("p2"), 2)
	if !errors.Is(err, ErrHandshakeBacklog) {
		t.Errorf("startOrEnqueue() error = %v, want ErrHandshakeBacklog", err)
	}
}

func TestStartOrEnqueueRestartsExpired(t *testing.T) {
	base := time.Now()
	table := newSessionTable(8, 10*time.Second)
	addr := testAddr(5684)

	if _, err := table.startOrEnqueue(testPending(addr, base), []byte("stale"), 4); err != nil {
		t.Fatalf("startOrEnqueue() error = %v", err)
	}

	// Past the handshake timeout the old flight is abandoned and a fresh
	// one starts; the stale queue is dropped with it.
	started, err := table.startOrEnqueue(testPending(addr, base.Add(11*time.Second)), []byte("fresh"), 4)
	if err != nil || !started {
		t.Fatalf("startOrEnqueue() = %v, %v, want restarted", started, err)
	}

	p, _ := table.completePending(addr)
	if len(p.queue) != 1 || string(p.queue[0]) != "fresh" {
		t.Errorf("queue = %q, want [fresh]", p.queue)
	}
}

func TestSessionTableCapacity(t *testing.T) {
	base := time.Now()
	table := newSessionTable(2, 10*time.Second)

	for i := 0; i < 2; i++ {
		if _, err := table.startOrEnqueue(testPending(testAddr(6000+i), base), nil, 4); err != nil {
			t.Fatalf("startOrEnqueue(%d) error = %v", i, err)
		}
	}
	_, err := table.startOrEnqueue(testPending(testAddr(6002), base), nil, 4)
	if !errors.Is(err, ErrSessionTableFull) {
		t.Fatalf("startOrEnqueue() error = %v, want ErrSessionTableFull", err)
	}

	// Once the resident flights expire they are swept to make room.
	started, err := table.startOrEnqueue(testPending(testAddr(6002), base.Add(11*time.Second)), nil, 4)
	if err != nil || !started {
		t.Errorf("startOrEnqueue() = %v, %v, want room after sweep", started, err)
	}
	if got := table.size(); got != 1 {
		t.Errorf("size() = %d, want 1", got)
	}
}

func TestPutInbound(t *testing.T) {
	base := time.Now()
	table := newSessionTable(2, 10*time.Second)

	s1 := testSession(roleServer, sessionID{0, 0, 0, 1, 0, 0, 0, 1}, testAddr(7001), base)
	s2 := testSession(roleServer, sessionID{0, 0, 0, 1, 0, 0, 0, 2}, testAddr(7002), base)
	s1.established.Store(true)
	s2.established.Store(true)

	if !table.putInbound(s1) || !table.putInbound(s2) {
		t.Fatal("putInbound() rejected sessions under capacity")
	}

	// Full table rejects a new peer address outright.
	s3 := testSession(roleServer, sessionID{0, 0, 0, 1, 0, 0, 0, 3}, testAddr(7003), base)
	if table.putInbound(s3) {
		t.Error("putInbound() accepted a session beyond capacity")
	}

	// A returning peer replaces its old association even at capacity.
	s4 := testSession(roleServer, sessionID{0, 0, 0, 1, 0, 0, 0, 4}, testAddr(7001), base)
	if !table.putInbound(s4) {
		t.Fatal("putInbound() rejected replacement for a known address")
	}
	if _, ok := table.inboundBySID(s1.sid); ok {
		t.Error("replaced session still resolvable by id")
	}
	got, ok := table.inboundByAddr(testAddr(7001))
	if !ok || got.sid != s4.sid {
		t.Errorf("inboundByAddr() = %v, %v, want replacement session", got, ok)
	}
	if table.size() != 2 {
		t.Errorf("size() = %d, want 2", table.size())
	}
}

func TestRemoveInbound(t *testing.T) {
	base := time.Now()
	table := newSessionTable(4, 10*time.Second)
	s := testSession(roleServer, sessionID{0, 0, 0, 1, 9, 9, 9, 9}, testAddr(7010), base)
	table.putInbound(s)

	table.removeInbound(s.sid)
	if _, ok := table.inboundBySID(s.sid); ok {
		t.Error("session still resolvable by id after removal")
	}
	if _, ok := table.inboundByAddr(s.peer); ok {
		t.Error("session still resolvable by address after removal")
	}

	// Removing twice is harmless.
	table.removeInbound(s.sid)
}

func TestPutOutboundReplaces(t *testing.T) {
	base := time.Now()
	table := newSessionTable(4, 10*time.Second)
	addr := testAddr(7020)

	old := testSession(roleClient, sessionID{0, 0, 0, 2, 0, 0, 0, 1}, addr, base)
	table.putOutbound(old)
	fresh := testSession(roleClient, sessionID{0, 0, 0, 2, 0, 0, 0, 2}, addr, base)
	table.putOutbound(fresh)

	if _, ok := table.outboundBySID(old.sid); ok {
		t.Error("replaced session still resolvable by id")
	}
	got, ok := table.outboundByAddr(addr)
	if !ok || got.sid != fresh.sid {
		t.Errorf("outboundByAddr() = %v, %v, want fresh session", got, ok)
	}
	if table.size() != 1 {
		t.Errorf("size() = %d, want 1", table.size())
	}
}

func TestRemoveOutboundAddrCheck(t *testing.T) {
	base := time.Now()
	table := newSessionTable(4, 10*time.Second)
	addr := testAddr(7030)
	s := testSession(roleClient, sessionID{0, 0, 0, 3, 0, 0, 0, 1}, addr, base)
	table.putOutbound(s)

	// An alert from the wrong source must not tear the session down.
	if table.removeOutbound(s.sid, testAddr(7031)) {
		t.Error("removeOutbound() honored a mismatched source address")
	}
	if _, ok := table.outboundByAddr(addr); !ok {
		t.Fatal("session vanished after rejected removal")
	}

	if !table.removeOutbound(s.sid, addr) {
		t.Error("removeOutbound() rejected the matching source address")
	}
	if _, ok := table.outboundByAddr(addr); ok {
		t.Error("session still resolvable after removal")
	}
	if _, ok := table.outboundBySID(s.sid); ok {
		t.Error("session id still resolvable after removal")
	}
}

func TestSweepKeepsEstablished(t *testing.T) {
	base := time.Now()
	table := newSessionTable(8, 10*time.Second)

	confirmed := testSession(roleServer, sessionID{0, 0, 0, 4, 0, 0, 0, 1}, testAddr(7040), base)
	confirmed.established.Store(true)
	halfOpen := testSession(roleServer, sessionID{0, 0, 0, 4, 0, 0, 0, 2}, testAddr(7041), base)
	table.putInbound(confirmed)
	table.putInbound(halfOpen)
	table.startOrEnqueue(testPending(testAddr(7042), base), nil, 4)

	table.mu.Lock()
	removed := table.sweepLocked(base.Add(11 * time.Second))
	table.mu.Unlock()

	if removed != 2 {
		t.Errorf("sweepLocked() removed %d, want 2", removed)
	}
	if _, ok := table.inboundBySID(confirmed.sid); !ok {
		t.Error("sweep dropped an established session")
	}
	if _, ok := table.inboundBySID(halfOpen.sid); ok {
		t.Error("sweep kept a half-open session past the timeout")
	}
	if _, ok := table.completePending(testAddr(7042)); ok {
		t.Error("sweep kept an expired pending handshake")
	}
}

func TestTableClear(t *testing.T) {
	base := time.Now()
	table := newSessionTable(8, 10*time.Second)
	table.putOutbound(testSession(roleClient, sessionID{0, 0, 0, 5, 0, 0, 0, 1}, testAddr(7050), base))
	table.putInbound(testSession(roleServer, sessionID{0, 0, 0, 5, 0, 0, 0, 2}, testAddr(7051), base))
	table.startOrEnqueue(testPending(testAddr(7052), base), nil, 4)

	table.clear()
	if got := table.size(); got != 0 {
		t.Errorf("size() = %d after clear, want 0", got)
	}
}

func TestSessionAEADRoles(t *testing.T) {
	keys := testKeys(t)
	client := &session{role: roleClient, keys: keys}
	server := &session{role: roleServer, keys: keys}

	if client.sealAEAD() != keys.client || client.openAEAD() != keys.server {
		t.Error("client role maps to the wrong AEADs")
	}
	if server.sealAEAD() != keys.server || server.openAEAD() != keys.client {
		t.Error("server role maps to the wrong AEADs")
	}

	// What one side seals the other must open.
	sid := sessionID{0, 0, 0, 6, 0, 0, 0, 1}
	rec, err := sealRecord(recordTypeData, sid, client.sealAEAD(), []byte("ping"))
	if err != nil {
		t.Fatalf("sealRecord() error = %v", err)
	}
	if _, err := openRecord(rec, server.openAEAD()); err != nil {
		t.Errorf("openRecord() error = %v", err)
	}
}
