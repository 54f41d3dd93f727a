package tunnel

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"
)

// memTun is an in-memory stand-in for the TUN device: the test plays the
// kernel, feeding packets into in and collecting them from out.
type memTun struct {
	in  chan []byte
	out chan []byte
	mtu int

	closeOnce sync.Once
	closed    chan struct{}
}

func newMemTun(mtu int) *memTun {
	return &memTun{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		mtu:    mtu,
		closed: make(chan struct{}),
	}
}

func (m *memTun) Read(b []byte) (int, error) {
	select {
	case pkt := <-m.in:
		return copy(b, pkt), nil
	case <-m.closed:
		return 0, os.ErrClosed
	}
}

func (m *memTun) Write(b []byte) (int, error) {
	if len(b) > m.mtu {
		return 0, ErrOversizedPacket
	}
	pkt := append([]byte{}, b...)
	select {
	case m.out <- pkt:
		return len(b), nil
	case <-m.closed:
		return 0, os.ErrClosed
	}
}

func (m *memTun) Name() string { return "memtun" }
func (m *memTun) MTU() int     { return m.mtu }

func (m *memTun) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *memTun) ConfigureIPAddress(netip.Prefix) error { return nil }

type testStack struct {
	tun      *memTun
	ch       *Channel
	sess     *SessionManager
	engine   *Engine
	counters *Counters
	done     chan error
}

func newTestStack(t *testing.T, initiator bool, peerAddr netip.AddrPort) *testStack {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	tun := newMemTun(1400)
	counters := &Counters{}
	ch, err := NewChannel(&ChannelOpts{Conn: conn, Secret: testSecret(t), Initiator: initiator, Peer: peerAddr, Counters: counters})
	if err != nil {
		t.Fatal(err)
	}
	sess := NewSessionManager(&SessionOpts{Channel: ch, Initiator: initiator, Timers: testTimers()})
	engine := NewEngine(&EngineOpts{Tun: tun, Channel: ch, Session: sess, Counters: counters})

	return &testStack{tun: tun, ch: ch, sess: sess, engine: engine, counters: counters, done: make(chan error, 1)}
}

func (s *testStack) addr() netip.AddrPort {
	return netip.MustParseAddrPort(s.ch.conn.LocalAddr().String())
}

func (s *testStack) run(ctx context.Context) {
	go func() { s.done <- s.engine.Run(ctx) }()
}

func TestEngineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responder := newTestStack(t, false, netip.AddrPort{})
	initiator := newTestStack(t, true, responder.addr())

	responder.run(ctx)
	initiator.run(ctx)

	waitState(t, initiator.sess, StateEstablished, 2*time.Second)
	waitState(t, responder.sess, StateEstablished, 2*time.Second)

	// client kernel emits one 100-byte packet; the identical bytes must
	// surface from the server's interface
	packet := make([]byte, 100)
	rand.Read(packet)
	initiator.tun.in <- packet

	select {
	case got := <-responder.tun.out:
		if !bytes.Equal(got, packet) {
			t.Fatalf("packet corrupted in transit: got %d bytes", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("packet never crossed the tunnel")
	}

	// and the reverse direction
	reply := make([]byte, 64)
	rand.Read(reply)
	responder.tun.in <- reply

	select {
	case got := <-initiator.tun.out:
		if !bytes.Equal(got, reply) {
			t.Fatalf("reply corrupted in transit: got %d bytes", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never crossed the tunnel")
	}

	// shutdown must be prompt and release everything
	cancel()
	for _, s := range []*testStack{initiator, responder} {
		select {
		case err := <-s.done:
			if err != nil {
				t.Fatalf("engine exited with error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not stop after cancellation")
		}
	}
}

func TestEngineDropsWhileNotEstablished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// initiator with nobody listening: stays in handshaking forever
	dead := netip.MustParseAddrPort("127.0.0.1:9")
	stack := newTestStack(t, true, dead)
	stack.run(ctx)

	stack.tun.in <- []byte("never sent")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if stack.counters.DroppedNoSess.Load() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if stack.counters.DroppedNoSess.Load() == 0 {
		t.Fatal("packet was not dropped while handshaking")
	}
	if stack.counters.SentPackets.Load() != 0 {
		t.Fatal("data packet leaked out before the session was established")
	}

	cancel()
	select {
	case <-stack.done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}

func TestEngineSourceFilter(t *testing.T) {
	e := NewEngine(&EngineOpts{
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.8.0.0/24")},
	})

	if !e.sourceAllowed(fakeIPv4Packet(t, "10.8.0.7", "10.8.0.1")) {
		t.Fatal("allowed source was filtered")
	}
	if e.sourceAllowed(fakeIPv4Packet(t, "192.168.1.1", "10.8.0.1")) {
		t.Fatal("disallowed source was forwarded")
	}
	if e.sourceAllowed([]byte{0xde, 0xad}) {
		t.Fatal("unparsable packet was forwarded")
	}

	open := NewEngine(&EngineOpts{})
	if !open.sourceAllowed([]byte{0xde, 0xad}) {
		t.Fatal("empty filter must allow everything")
	}
}

func fakeIPv4Packet(t *testing.T, src, dst string) []byte {
	t.Helper()
	h := make([]byte, 20)
	h[0] = 0x45
	binary.BigEndian.PutUint16(h[2:4], 20)
	copy(h[12:16], net.ParseIP(src).To4())
	copy(h[16:20], net.ParseIP(dst).To4())
	return h
}
