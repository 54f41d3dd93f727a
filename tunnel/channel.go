package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/stun/v2"

	"github.com/caelansar/caetun/keys"
)

const (
	channelBufSize   = 1500
	dataQueueLen     = 64
	controlQueueLen  = 16
	sendWriteTimeout = 200 * time.Millisecond
)

var (
	ErrChannelClosed = errors.New("channel closed")
	errNoPeer        = errors.New("peer endpoint not yet known")
	errNoSession     = errors.New("no session keys negotiated yet")
)

// controlKind classifies frames consumed by the session manager. Data
// frames never appear here; control frames never surface as data.
type controlKind int

const (
	controlHandshakeInit controlKind = iota
	controlHandshakeAck
	controlKeepalive
	controlDesync
)

type controlEvent struct {
	kind controlKind
	from netip.AddrPort
}

// Channel owns the UDP socket and the session cryptographic state. The
// handshake direction ciphers are static and seal only handshake frames;
// each completed handshake derives a fresh pair of data ciphers bound to
// the two random identifiers exchanged in it, so a frame recorded under an
// earlier generation fails authentication once the session renegotiates.
type Channel struct {
	conn      *net.UDPConn
	secret    []byte
	initiator bool
	hs        keys.SessionKeys
	counters  *Counters
	tracer    *Tracer

	mu       sync.Mutex
	peer     netip.AddrPort
	sendSeq  uint64
	dataKeys keys.SessionKeys
	// localSession is our current handshake init id; remoteSession is the
	// peer init id we last acknowledged, with localAck the ack id we
	// generated for it.
	localSession  [sessionIDLen]byte
	remoteSession [sessionIDLen]byte
	localAck      [sessionIDLen]byte
	haveRemote    bool
	awaitingAck   bool

	window   replayWindow
	activity atomic.Int64
	lastSend atomic.Int64

	data    chan []byte
	control chan controlEvent

	publicAddr     netip.AddrPort
	publicAddrOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}
}

type ChannelOpts struct {
	Conn *net.UDPConn
	// Secret is the shared secret both key sets derive from.
	Secret []byte
	// Initiator fixes which of the two direction labels this endpoint
	// sends on. It mirrors the configured role, not who happened to start
	// the current handshake.
	Initiator bool
	Counters  *Counters
	Tracer    *Tracer
	// Peer is the configured remote endpoint; leave invalid for the
	// responder role, which learns it from the first authenticated frame.
	Peer netip.AddrPort
}

func NewChannel(opts *ChannelOpts) (*Channel, error) {
	hs, err := keys.DeriveSessionKeys(opts.Secret, opts.Initiator)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		conn:      opts.Conn,
		secret:    opts.Secret,
		initiator: opts.Initiator,
		hs:        hs,
		counters:  opts.Counters,
		tracer:    opts.Tracer,
		peer:      opts.Peer,
		data:      make(chan []byte, dataQueueLen),
		control:   make(chan controlEvent, controlQueueLen),
		closed:    make(chan struct{}),
	}
	if c.counters == nil {
		c.counters = &Counters{}
	}
	c.localSession = newSessionID()
	return c, nil
}

const sessionIDLen = 8

// newSessionID returns a random identifier distinguishing one handshake
// generation from the next, so retried handshake frames are recognized as
// duplicates instead of session restarts.
func newSessionID() [sessionIDLen]byte {
	var id [sessionIDLen]byte
	if _, err := rand.Read(id[:]); err != nil {
		panic("error generating session id: " + err.Error())
	}
	return id
}

func idSeq(id [sessionIDLen]byte) uint64 {
	return binary.BigEndian.Uint64(id[:])
}

func seqID(seq uint64) [sessionIDLen]byte {
	var id [sessionIDLen]byte
	binary.BigEndian.PutUint64(id[:], seq)
	return id
}

func (c *Channel) Start() {
	go c.readLoop()
}

// Close releases the socket and wakes every blocked reader. Idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Send encrypts pkt into a data frame and transmits it to the peer. A
// short write deadline applies; on timeout the packet is dropped, since
// a live tunnel favors freshness over completeness.
func (c *Channel) Send(pkt []byte) error {
	return c.sendData(frameData, pkt)
}

func (c *Channel) sendKeepalive() error { return c.sendData(frameKeepalive, nil) }

func (c *Channel) sendData(typ frameType, payload []byte) error {
	c.mu.Lock()
	if !c.peer.IsValid() {
		c.mu.Unlock()
		return errNoPeer
	}
	if c.dataKeys.Send == nil {
		c.mu.Unlock()
		return errNoSession
	}
	peer := c.peer
	aead := c.dataKeys.Send
	seq := c.sendSeq
	c.sendSeq++
	c.mu.Unlock()

	buf := sealFrame(make([]byte, 0, frameOverhead+len(payload)), aead, typ, seq, payload)
	if err := c.writeFrame(buf, peer); err != nil {
		return err
	}
	if typ == frameData {
		c.counters.SentPackets.Add(1)
	}
	return nil
}

// sendHandshakeInit transmits the current init id under the handshake
// ciphers. The id rides in the sequence field, doubling as a random
// nonce, so retransmits within one generation are byte-identical
// datagrams.
func (c *Channel) sendHandshakeInit() error {
	c.mu.Lock()
	if !c.peer.IsValid() {
		c.mu.Unlock()
		return errNoPeer
	}
	peer := c.peer
	id := c.localSession
	c.awaitingAck = true
	c.mu.Unlock()

	buf := sealFrame(make([]byte, 0, frameOverhead), c.hs.Send, frameHandshakeInit, idSeq(id), nil)
	return c.writeFrame(buf, peer)
}

// sendHandshakeAck echoes the acknowledged init id with our ack id in the
// sequence field. A retried init gets the identical ack back.
func (c *Channel) sendHandshakeAck() error {
	c.mu.Lock()
	if !c.peer.IsValid() {
		c.mu.Unlock()
		return errNoPeer
	}
	if !c.haveRemote {
		c.mu.Unlock()
		return errNoSession
	}
	peer := c.peer
	init := c.remoteSession
	ack := c.localAck
	c.mu.Unlock()

	buf := sealFrame(make([]byte, 0, frameOverhead+sessionIDLen), c.hs.Send, frameHandshakeAck, idSeq(ack), init[:])
	return c.writeFrame(buf, peer)
}

func (c *Channel) writeFrame(buf []byte, peer netip.AddrPort) error {
	c.conn.SetWriteDeadline(time.Now().Add(sendWriteTimeout))
	if _, err := c.conn.WriteToUDPAddrPort(buf, peer); err != nil {
		return err
	}
	c.lastSend.Store(time.Now().UnixNano())
	return nil
}

// Recv returns the next decrypted data payload. It blocks until a packet
// arrives, ctx is done, or the channel is closed.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-c.data:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrChannelClosed
	}
}

func (c *Channel) controlEvents() <-chan controlEvent {
	return c.control
}

func (c *Channel) Peer() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Channel) setPeer(addr netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer != addr {
		log.Printf("peer endpoint is now %s", addr)
		c.peer = addr
	}
}

// prepareHandshake picks a fresh init id ahead of a new handshake. Replay
// and key state stay untouched until the peer's acknowledgment completes
// the generation.
func (c *Channel) prepareHandshake() {
	c.mu.Lock()
	c.localSession = newSessionID()
	c.mu.Unlock()
}

// lastActivity is the receive time of the most recent authenticated frame.
func (c *Channel) lastActivity() time.Time {
	ns := c.activity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Channel) markActivity() {
	c.activity.Store(time.Now().UnixNano())
}

// lastSendTime is when the most recent frame of any type went out.
func (c *Channel) lastSendTime() time.Time {
	ns := c.lastSend.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// readLoop is the single reader of the socket and the single owner of the
// replay window. Every datagram is authenticated before any of its
// content is believed; failures are counted and dropped, never forwarded.
func (c *Channel) readLoop() {
	buf := make([]byte, channelBufSize)
	for {
		n, addr, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("error reading from udp conn: %s", err)
			return
		}

		if stun.IsMessage(buf[:n]) {
			c.handleStun(append([]byte{}, buf[:n]...))
			continue
		}

		typ, seq, err := parseFrameHeader(buf[:n])
		if err != nil {
			c.counters.MalformedFrames.Add(1)
			continue
		}

		switch typ {
		case frameHandshakeInit:
			c.handleHandshakeInit(buf[:n], seq, addr)
			continue
		case frameHandshakeAck:
			c.handleHandshakeAck(buf[:n], seq, addr)
			continue
		}

		c.mu.Lock()
		recv := c.dataKeys.Recv
		c.mu.Unlock()
		if recv == nil {
			c.counters.AuthFailures.Add(1)
			continue
		}

		err = c.window.check(seq)
		if errors.Is(err, ErrReplayedFrame) {
			c.counters.ReplaysDropped.Add(1)
			continue
		}
		desync := errors.Is(err, ErrSequenceDesync)

		payload, err := openFrame(nil, recv, buf[:n], seq)
		if err != nil {
			c.counters.AuthFailures.Add(1)
			continue
		}

		if desync {
			// Authenticated but far outside the window: the peer's
			// counter state no longer matches ours. Escalate for a
			// re-handshake instead of sliding blindly.
			c.pushControl(controlEvent{kind: controlDesync, from: addr})
			continue
		}

		c.window.accept(seq)
		c.markActivity()
		c.setPeer(addr)

		switch typ {
		case frameKeepalive:
			c.pushControl(controlEvent{kind: controlKeepalive, from: addr})
		case frameData:
			c.counters.RecvPackets.Add(1)
			c.tracer.TraceInbound(payload)
			select {
			case c.data <- payload:
			default:
				c.counters.DroppedBackpres.Add(1)
			}
		}
	}
}

// handleHandshakeInit processes an init frame; its id is both the nonce
// and the dedup handle. A repeated id is a retransmit and leaves all
// session state alone. A new id starts a generation: fresh data ciphers
// salted with both ids, replay window and send counter back to zero.
func (c *Channel) handleHandshakeInit(frame []byte, seq uint64, addr netip.AddrPort) {
	payload, err := openFrame(nil, c.hs.Recv, frame, seq)
	if err != nil {
		c.counters.AuthFailures.Add(1)
		return
	}
	if len(payload) != 0 {
		c.counters.MalformedFrames.Add(1)
		return
	}

	id := seqID(seq)
	c.mu.Lock()
	fresh := !c.haveRemote || id != c.remoteSession
	if fresh {
		ack := newSessionID()
		dk, err := keys.DeriveGenerationKeys(c.secret, id[:], ack[:], c.initiator)
		if err != nil {
			c.mu.Unlock()
			log.Printf("error deriving session keys: %s", err)
			return
		}
		c.remoteSession = id
		c.haveRemote = true
		c.localAck = ack
		c.dataKeys = dk
		c.sendSeq = 0
	}
	c.mu.Unlock()

	if fresh {
		c.window.reset()
	}
	c.markActivity()
	c.setPeer(addr)
	c.pushControl(controlEvent{kind: controlHandshakeInit, from: addr})
}

// handleHandshakeAck completes the generation we have an init outstanding
// for. The echoed init id binds the ack to that generation; stale,
// replayed or duplicated acks change nothing.
func (c *Channel) handleHandshakeAck(frame []byte, seq uint64, addr netip.AddrPort) {
	payload, err := openFrame(nil, c.hs.Recv, frame, seq)
	if err != nil {
		c.counters.AuthFailures.Add(1)
		return
	}
	if len(payload) != sessionIDLen {
		c.counters.MalformedFrames.Add(1)
		return
	}

	var echoed [sessionIDLen]byte
	copy(echoed[:], payload)

	c.mu.Lock()
	if !c.awaitingAck || echoed != c.localSession {
		c.mu.Unlock()
		return
	}
	ack := seqID(seq)
	dk, err := keys.DeriveGenerationKeys(c.secret, c.localSession[:], ack[:], c.initiator)
	if err != nil {
		c.mu.Unlock()
		log.Printf("error deriving session keys: %s", err)
		return
	}
	c.dataKeys = dk
	c.sendSeq = 0
	c.awaitingAck = false
	c.mu.Unlock()

	c.window.reset()
	c.markActivity()
	c.setPeer(addr)
	c.pushControl(controlEvent{kind: controlHandshakeAck, from: addr})
}

func (c *Channel) pushControl(ev controlEvent) {
	select {
	case c.control <- ev:
	default:
		// Manager is behind; it resynchronizes from timers.
	}
}
