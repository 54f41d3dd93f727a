package tunnel

import (
	"context"
	"log"
	"net/netip"
	"sync/atomic"
	"time"
)

// State is the session lifecycle state. Only the session manager writes
// it; the forwarding engine reads it to decide whether forwarding is
// currently permitted.
type State int32

const (
	// StateIdle: responder waiting for the first inbound handshake.
	StateIdle State = iota
	// StateHandshaking: negotiating; forwarding is suspended.
	StateHandshaking
	// StateEstablished: handshake complete, forwarding permitted.
	StateEstablished
	// StateDegraded: keepalives missed; forwarding continues best-effort.
	StateDegraded
	// StateClosed: terminal, reached only on shutdown.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Timers bundles the session state machine deadlines. Tests shrink them;
// production uses Defaults.
type Timers struct {
	// HandshakeRetryBase is the first retransmit delay; it doubles per
	// retry up to HandshakeRetryCap. Retries never stop: the daemon
	// outlives transient peer unavailability.
	HandshakeRetryBase time.Duration
	HandshakeRetryCap  time.Duration
	// KeepaliveInterval is how often a keepalive goes out when the send
	// path is otherwise idle.
	KeepaliveInterval time.Duration
	// KeepaliveTimeout without any authenticated frame demotes the
	// session to degraded.
	KeepaliveTimeout time.Duration
	// SessionDeadTimeout without any authenticated frame presumes the
	// session stale and forces a re-handshake.
	SessionDeadTimeout time.Duration
	// Tick is the state machine evaluation granularity.
	Tick time.Duration
}

func DefaultTimers() Timers {
	return Timers{
		HandshakeRetryBase: time.Second,
		HandshakeRetryCap:  30 * time.Second,
		KeepaliveInterval:  5 * time.Second,
		KeepaliveTimeout:   15 * time.Second,
		SessionDeadTimeout: 60 * time.Second,
		Tick:               250 * time.Millisecond,
	}
}

// SessionManager drives the handshake and keepalive state machine over
// the channel's control frames. It is the single writer of session state.
type SessionManager struct {
	ch        *Channel
	initiator bool
	timers    Timers

	state atomic.Int32

	// Owned by the Run goroutine.
	lastHandshakeSent time.Time
	backoff           time.Duration
}

type SessionOpts struct {
	Channel *Channel
	// Initiator endpoints know the peer endpoint up front and start the
	// handshake; responders wait in idle for the first inbound one.
	Initiator bool
	Timers    Timers
}

func NewSessionManager(opts *SessionOpts) *SessionManager {
	t := opts.Timers
	if t.Tick == 0 {
		t = DefaultTimers()
	}
	return &SessionManager{
		ch:        opts.Channel,
		initiator: opts.Initiator,
		timers:    t,
	}
}

func (m *SessionManager) State() State {
	return State(m.state.Load())
}

// Forwarding reports whether data packets may currently cross the tunnel.
// Degraded still forwards best-effort; handshaking does not.
func (m *SessionManager) Forwarding() bool {
	s := m.State()
	return s == StateEstablished || s == StateDegraded
}

// Snapshot is a consistent read of the session for logs and tests.
type Snapshot struct {
	State        State
	Peer         netip.AddrPort
	LastActivity time.Time
}

func (m *SessionManager) Snapshot() Snapshot {
	return Snapshot{
		State:        m.State(),
		Peer:         m.ch.Peer(),
		LastActivity: m.ch.lastActivity(),
	}
}

// Run executes the state machine until ctx is done, then parks the
// session in the terminal closed state.
func (m *SessionManager) Run(ctx context.Context) error {
	if m.initiator {
		m.startHandshake()
	} else {
		m.setState(StateIdle)
	}

	ticker := time.NewTicker(m.timers.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.setState(StateClosed)
			return nil
		case ev := <-m.ch.controlEvents():
			m.handleControl(ev)
		case <-ticker.C:
			m.tick(time.Now())
		}
	}
}

func (m *SessionManager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		log.Printf("session state: %s -> %s", old, s)
	}
}

func (m *SessionManager) startHandshake() {
	m.setState(StateHandshaking)
	m.ch.prepareHandshake()
	m.backoff = m.timers.HandshakeRetryBase
	m.sendHandshake()
}

func (m *SessionManager) sendHandshake() {
	if err := m.ch.sendHandshakeInit(); err != nil {
		log.Printf("error sending handshake: %s", err)
	}
	m.lastHandshakeSent = time.Now()
}

func (m *SessionManager) handleControl(ev controlEvent) {
	if m.State() == StateClosed {
		return
	}

	switch ev.kind {
	case controlHandshakeInit:
		// The peer started or retried a handshake. The channel has
		// already rotated the data ciphers if the init was fresh; a
		// retried init just needs the identical ack repeated.
		if err := m.ch.sendHandshakeAck(); err != nil {
			log.Printf("error sending handshake ack: %s", err)
			return
		}
		m.setState(StateEstablished)

	case controlHandshakeAck:
		if m.State() == StateHandshaking {
			m.setState(StateEstablished)
		} else if m.State() == StateDegraded {
			m.setState(StateEstablished)
		}

	case controlKeepalive:
		if m.State() == StateDegraded {
			m.setState(StateEstablished)
		}

	case controlDesync:
		// Authenticated traffic far outside the replay window: the
		// sequence spaces no longer agree. Renegotiate.
		if s := m.State(); s == StateEstablished || s == StateDegraded {
			log.Printf("sequence desync detected, renegotiating session")
			m.startHandshake()
		}
	}
}

func (m *SessionManager) tick(now time.Time) {
	switch m.State() {
	case StateIdle, StateClosed:

	case StateHandshaking:
		if !m.ch.Peer().IsValid() {
			return
		}
		if now.Sub(m.lastHandshakeSent) >= m.backoff {
			m.sendHandshake()
			m.backoff *= 2
			if m.backoff > m.timers.HandshakeRetryCap {
				m.backoff = m.timers.HandshakeRetryCap
			}
		}

	case StateEstablished:
		last := m.ch.lastActivity()
		if now.Sub(last) > m.timers.KeepaliveTimeout {
			// Probe immediately; forwarding stays permitted.
			m.setState(StateDegraded)
			m.probe()
			return
		}
		if now.Sub(m.ch.lastSendTime()) >= m.timers.KeepaliveInterval {
			m.probe()
		}

	case StateDegraded:
		last := m.ch.lastActivity()
		switch {
		case now.Sub(last) <= m.timers.KeepaliveTimeout:
			m.setState(StateEstablished)
		case now.Sub(last) > m.timers.SessionDeadTimeout:
			log.Printf("session presumed dead after %s of silence", now.Sub(last).Round(time.Millisecond))
			m.startHandshake()
		case now.Sub(m.ch.lastSendTime()) >= m.timers.KeepaliveInterval:
			m.probe()
		}
	}
}

func (m *SessionManager) probe() {
	if err := m.ch.sendKeepalive(); err != nil {
		log.Printf("error sending keepalive: %s", err)
	}
}
