package dtls

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coveynet/covey/pkg/connector"
	"github.com/coveynet/covey/pkg/types"
	"github.com/stretchr/testify/assert"
)

// fakeStats records transport events for assertions.
type fakeStats struct {
	mu        sync.Mutex
	completed int
	failed    map[string]int
	dropped   map[string]int
	sessions  int
}

func newFakeStats() *fakeStats {
	return &fakeStats{failed: make(map[string]int), dropped: make(map[string]int)}
}

func (f *fakeStats) HandshakeCompleted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
}

func (f *fakeStats) HandshakeFailed(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[reason]++
}

func (f *fakeStats) RecordDropped(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped[reason]++
}

func (f *fakeStats) SessionsActive(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = n
}

func (f *fakeStats) handshakes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *fakeStats) failures(reason string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[reason]
}

func mustStore(t *testing.T, identity string, fill byte) *StaticPSK {
	t.Helper()
	store, err := NewStaticPSK(identity, bytes.Repeat([]byte{fill}, KeySize))
	if err != nil {
		t.Fatalf("NewStaticPSK() error = %v", err)
	}
	return store
}

// startSecured starts a connector on an ephemeral loopback port with one
// receiver and returns it with a channel of delivered plaintexts.
func startSecured(t *testing.T, nodeID types.NodeID, store PSKStore, stats Stats) (*Connector, chan connector.Datagram) {
	t.Helper()
	c, err := New(Config{
		BindAddr:      "127.0.0.1:0",
		NodeID:        nodeID,
		PSK:           store,
		ReceiverCount: 1,
		Stats:         stats,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	inbox := make(chan connector.Datagram, 64)
	c.SetHandler(func(d connector.Datagram) { inbox <- d })
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return c, inbox
}

func waitPlaintext(t *testing.T, inbox chan connector.Datagram) connector.Datagram {
	t.Helper()
	select {
	case d := <-inbox:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for plaintext")
		return connector.Datagram{}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandshakeAndExchange(t *testing.T) {
	statsA, statsB := newFakeStats(), newFakeStats()
	a, inboxA := startSecured(t, 1, mustStore(t, "cluster", 0x42), statsA)
	defer a.Stop()
	b, inboxB := startSecured(t, 2, mustStore(t, "cluster", 0x42), statsB)
	defer b.Stop()

	// First send triggers the handshake and rides behind it.
	assert.NoError(t, a.Send(connector.Datagram{Data: []byte("ping"), Addr: b.LocalAddr()}))
	got := waitPlaintext(t, inboxB)
	assert.Equal(t, []byte("ping"), got.Data)
	assert.Equal(t, a.LocalAddr().Port, got.Addr.Port)

	// The reply rides the accepted session instead of handshaking back.
	assert.NoError(t, b.Send(connector.Datagram{Data: []byte("pong"), Addr: got.Addr}))
	reply := waitPlaintext(t, inboxA)
	assert.Equal(t, []byte("pong"), reply.Data)

	eventually(t, func() bool {
		return statsA.handshakes() == 1 && statsB.handshakes() == 1
	}, "handshake not reported on both sides")
	assert.Equal(t, 1, a.Sessions(), "initiator should hold one session")
	assert.Equal(t, 1, b.Sessions(), "acceptor should hold one session")
}

func TestSendQueuedBehindHandshake(t *testing.T) {
	store := mustStore(t, "cluster", 0x42)
	a, _ := startSecured(t, 1, store, nil)
	defer a.Stop()
	b, inboxB := startSecured(t, 2, store, nil)
	defer b.Stop()

	want := map[string]bool{}
	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf("msg-%d", i)
		want[payload] = true
		assert.NoError(t, a.Send(connector.Datagram{Data: []byte(payload), Addr: b.LocalAddr()}))
	}

	// All three arrive whether they queued behind the handshake or rode
	// the session once it came up.
	for i := 0; i < 3; i++ {
		got := waitPlaintext(t, inboxB)
		if !want[string(got.Data)] {
			t.Fatalf("unexpected payload %q", got.Data)
		}
		delete(want, string(got.Data))
	}
	assert.Empty(t, want)
}

func TestImplicitKeyConfirmation(t *testing.T) {
	statsB := newFakeStats()
	store := mustStore(t, "cluster", 0x42)

	// Drop the finished record on egress so only the first data record
	// can confirm the keys.
	var a *Connector
	egress := func(d connector.Datagram) error {
		if d.Data[0] == recordTypeFinished {
			return nil
		}
		return a.udp.Send(d)
	}
	a, err := New(Config{
		BindAddr:      "127.0.0.1:0",
		NodeID:        1,
		PSK:           store,
		ReceiverCount: 1,
		Egress:        egress,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	assert.NoError(t, a.Start())
	defer a.Stop()

	b, inboxB := startSecured(t, 2, store, statsB)
	defer b.Stop()

	assert.NoError(t, a.Send(connector.Datagram{Data: []byte("confirms keys"), Addr: b.LocalAddr()}))
	got := waitPlaintext(t, inboxB)
	assert.Equal(t, []byte("confirms keys"), got.Data)

	eventually(t, func() bool { return statsB.handshakes() == 1 }, "data record did not confirm the session")

	// The session is fully established, so replies work.
	assert.NoError(t, b.Send(connector.Datagram{Data: []byte("ack"), Addr: got.Addr}))
}

func TestUnknownIdentityRejected(t *testing.T) {
	statsB := newFakeStats()
	a, _ := startSecured(t, 1, mustStore(t, "alpha", 0x42), nil)
	defer a.Stop()
	b, inboxB := startSecured(t, 2, mustStore(t, "beta", 0x42), statsB)
	defer b.Stop()

	assert.NoError(t, a.Send(connector.Datagram{Data: []byte("hello"), Addr: b.LocalAddr()}))

	eventually(t, func() bool { return statsB.failures("unknown_identity") == 1 },
		"unknown identity not reported")
	assert.Equal(t, 0, b.Sessions())
	select {
	case d := <-inboxB:
		t.Fatalf("plaintext %q delivered despite rejected handshake", d.Data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestKeyMismatchFailsVerify(t *testing.T) {
	statsB := newFakeStats()
	a, _ := startSecured(t, 1, mustStore(t, "cluster", 0x41), nil)
	defer a.Stop()
	b, inboxB := startSecured(t, 2, mustStore(t, "cluster", 0x42), statsB)
	defer b.Stop()

	assert.NoError(t, a.Send(connector.Datagram{Data: []byte("hello"), Addr: b.LocalAddr()}))

	eventually(t, func() bool { return statsB.failures("verify") >= 1 },
		"key confirmation mismatch not reported")
	select {
	case d := <-inboxB:
		t.Fatalf("plaintext %q delivered despite key mismatch", d.Data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPayloadTooLarge(t *testing.T) {
	store := mustStore(t, "cluster", 0x42)
	a, _ := startSecured(t, 1, store, nil)
	defer a.Stop()
	b, inboxB := startSecured(t, 2, store, nil)
	defer b.Stop()

	big := make([]byte, DefaultMTU-DataRecordOverhead+1)
	err := a.Send(connector.Datagram{Data: big, Addr: b.LocalAddr()})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// The largest payload that fits makes it through intact.
	max := make([]byte, DefaultMTU-DataRecordOverhead)
	max[0], max[len(max)-1] = 0xA5, 0x5A
	assert.NoError(t, a.Send(connector.Datagram{Data: max, Addr: b.LocalAddr()}))
	got := waitPlaintext(t, inboxB)
	assert.Equal(t, max, got.Data)
}

func TestServerRestartAlertRecovery(t *testing.T) {
	store := mustStore(t, "cluster", 0x42)
	a, _ := startSecured(t, 1, store, newFakeStats())
	defer a.Stop()

	b1, inboxB1 := startSecured(t, 2, store, nil)
	addrB := b1.LocalAddr()

	assert.NoError(t, a.Send(connector.Datagram{Data: []byte("before"), Addr: addrB}))
	got := waitPlaintext(t, inboxB1)
	assert.Equal(t, []byte("before"), got.Data)

	// Restart the acceptor on the same port with empty session state.
	b1.Stop()
	b2, err := New(Config{
		BindAddr:      addrB.String(),
		NodeID:        2,
		PSK:           store,
		ReceiverCount: 1,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	inboxB2 := make(chan connector.Datagram, 64)
	b2.SetHandler(func(d connector.Datagram) { inboxB2 <- d })
	if err := b2.Start(); err != nil {
		t.Fatalf("failed to rebind %v: %v", addrB, err)
	}
	defer b2.Stop()

	// The stale session draws an alert; the alert tears it down and a
	// later send re-handshakes.
	recovered := false
	for i := 0; i < 50 && !recovered; i++ {
		assert.NoError(t, a.Send(connector.Datagram{Data: []byte("probe"), Addr: addrB}))
		select {
		case d := <-inboxB2:
			assert.Equal(t, []byte("probe"), d.Data)
			recovered = true
		case <-time.After(100 * time.Millisecond):
		}
	}
	if !recovered {
		t.Fatal("sessions never recovered after restart")
	}
}

func TestAdoptedSocketPump(t *testing.T) {
	store := mustStore(t, "cluster", 0x42)

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind socket: %v", err)
	}
	defer sock.Close()

	c, err := New(Config{NodeID: 2, PSK: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	inboxC := make(chan connector.Datagram, 64)
	c.SetHandler(func(d connector.Datagram) { inboxC <- d })
	assert.NoError(t, c.StartWithSocket(sock, 0))

	// The socket owner reads and pumps records in.
	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := sock.ReadFromUDP(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			c.ProcessDatagram(connector.Datagram{Data: data, Addr: addr})
		}
	}()

	a, inboxA := startSecured(t, 1, store, nil)
	defer a.Stop()

	assert.NoError(t, a.Send(connector.Datagram{Data: []byte("through the pump"), Addr: c.LocalAddr()}))
	got := waitPlaintext(t, inboxC)
	assert.Equal(t, []byte("through the pump"), got.Data)

	// Replies leave through the adopted socket.
	assert.NoError(t, c.Send(connector.Datagram{Data: []byte("echo"), Addr: got.Addr}))
	reply := waitPlaintext(t, inboxA)
	assert.Equal(t, []byte("echo"), reply.Data)

	// Stop leaves the socket with its owner.
	c.Stop()
	_, err = sock.WriteToUDP([]byte("raw"), a.LocalAddr())
	assert.NoError(t, err)
}

func TestStartWithSocketMTU(t *testing.T) {
	store := mustStore(t, "cluster", 0x42)

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind socket: %v", err)
	}
	defer sock.Close()

	c, err := New(Config{NodeID: 1, PSK: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	assert.NoError(t, c.StartWithSocket(sock, 512))
	defer c.Stop()

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	err = c.Send(connector.Datagram{Data: make([]byte, 512-DataRecordOverhead+1), Addr: dest})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// An MTU below the record overhead is rejected outright.
	c2, err := New(Config{NodeID: 1, PSK: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	assert.Error(t, c2.StartWithSocket(sock, DataRecordOverhead))
	assert.False(t, c2.IsRunning())
}

func TestSecuredLifecycle(t *testing.T) {
	store := mustStore(t, "cluster", 0x42)
	c, err := New(Config{BindAddr: "127.0.0.1:0", NodeID: 1, PSK: store, ReceiverCount: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	assert.ErrorIs(t, c.Send(connector.Datagram{Data: []byte("x"), Addr: dest}), connector.ErrNotRunning)

	assert.NoError(t, c.Start())
	assert.NoError(t, c.Start(), "second Start must be a no-op")
	assert.True(t, c.IsRunning())

	assert.Error(t, c.Send(connector.Datagram{Data: []byte("x")}), "nil destination must be rejected")

	c.Stop()
	c.Stop()
	assert.False(t, c.IsRunning())
	assert.Equal(t, 0, c.Sessions(), "Stop must drop all sessions")
	assert.ErrorIs(t, c.Send(connector.Datagram{Data: []byte("x"), Addr: dest}), connector.ErrNotRunning)
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() accepted a missing PSK store")
	}

	store := mustStore(t, "cluster", 0x42)
	if _, err := New(Config{PSK: store, MTU: DataRecordOverhead}); err == nil {
		t.Error("New() accepted an MTU below the record overhead")
	}

	c, err := New(Config{PSK: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	assert.Equal(t, DefaultMTU, c.cfg.MTU)
	assert.Equal(t, DefaultMaxSessions, c.cfg.MaxSessions)
	assert.Equal(t, DefaultHandshakeTimeout, c.cfg.HandshakeTimeout)
	assert.Equal(t, DefaultPendingQueue, c.cfg.PendingQueue)
}

func TestSessionOwnerClassification(t *testing.T) {
	keys := testKeys(t)
	var sid sessionID
	binary.BigEndian.PutUint32(sid[:4], 7)

	data, err := sealRecord(recordTypeData, sid, keys.client, []byte("x"))
	if err != nil {
		t.Fatalf("sealRecord() error = %v", err)
	}
	finished, err := sealRecord(recordTypeFinished, sid, keys.client, []byte("x"))
	if err != nil {
		t.Fatalf("sealRecord() error = %v", err)
	}

	tests := []struct {
		name   string
		b      []byte
		want   types.NodeID
		wantOK bool
	}{
		{"data record", data, 7, true},
		{"finished record", finished, 0, false},
		{"client hello", (&clientHello{identity: "id"}).marshal(), 0, false},
		{"alert", buildAlert(alertUnknownSession, sid), 0, false},
		{"short", data[:5], 0, false},
		{"empty", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SessionOwner(tt.b)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("SessionOwner() = %v, %v, want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
