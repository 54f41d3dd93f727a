package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"os"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

// Engine is the bidirectional pump between the virtual interface and the
// secure channel. The two directions run independently; a stall on one
// never blocks draining the other. There is no queuing beyond the
// channel's own bounded buffers: stale packets are worse than dropped
// packets in a live tunnel.
type Engine struct {
	tun        Tun
	ch         *Channel
	sess       *SessionManager
	counters   *Counters
	tracer     *Tracer
	allowedIPs []netip.Prefix
}

type EngineOpts struct {
	Tun      Tun
	Channel  *Channel
	Session  *SessionManager
	Counters *Counters
	Tracer   *Tracer
	// AllowedIPs restricts inner source addresses accepted from the
	// peer. Empty allows everything.
	AllowedIPs []netip.Prefix
}

func NewEngine(opts *EngineOpts) *Engine {
	e := &Engine{
		tun:        opts.Tun,
		ch:         opts.Channel,
		sess:       opts.Session,
		counters:   opts.Counters,
		tracer:     opts.Tracer,
		allowedIPs: opts.AllowedIPs,
	}
	if e.counters == nil {
		e.counters = &Counters{}
	}
	return e
}

// Run pumps until ctx is done or the interface fails. On return both the
// device and the socket are closed and all pump goroutines have exited.
func (e *Engine) Run(ctx context.Context) error {
	e.ch.Start()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.sess.Run(ctx)
	})
	g.Go(func() error {
		// Closing the handles is what unblocks the two pumps.
		<-ctx.Done()
		e.tun.Close()
		e.ch.Close()
		return nil
	})
	g.Go(func() error {
		return e.pumpOutbound(ctx)
	})
	g.Go(func() error {
		return e.pumpInbound(ctx)
	})

	err := g.Wait()
	snap := e.sess.Snapshot()
	log.Printf("forwarding stopped: state=%s peer=%s %s", snap.State, snap.Peer, e.counters)
	return err
}

// pumpOutbound moves packets from the interface to the channel. Packets
// read while no session is established are dropped, not queued.
func (e *Engine) pumpOutbound(ctx context.Context) error {
	buf := make([]byte, channelBufSize)
	for {
		n, err := e.tun.Read(buf)
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				return nil
			}
			return fmt.Errorf("interface read: %w", err)
		}

		if !e.sess.Forwarding() {
			e.counters.DroppedNoSess.Add(1)
			continue
		}

		pkt := buf[:n]
		e.tracer.TraceOutbound(pkt)

		if err := e.ch.Send(pkt); err != nil {
			switch {
			case errors.Is(err, errNoPeer):
				e.counters.DroppedNoPeer.Add(1)
			case errors.Is(err, errNoSession):
				e.counters.DroppedNoSess.Add(1)
			case isClosed(err):
				return nil
			default:
				// Send timeouts and transient socket errors drop the
				// packet; the tunnel favors freshness over completeness.
				e.counters.DroppedBackpres.Add(1)
			}
		}
	}
}

// pumpInbound moves decrypted packets from the channel to the interface.
func (e *Engine) pumpInbound(ctx context.Context) error {
	for {
		pkt, err := e.ch.Recv(ctx)
		if err != nil {
			return nil
		}

		if !e.sess.Forwarding() {
			e.counters.DroppedNoSess.Add(1)
			continue
		}
		if !e.sourceAllowed(pkt) {
			e.counters.DroppedFiltered.Add(1)
			continue
		}

		if _, err := e.tun.Write(pkt); err != nil {
			switch {
			case errors.Is(err, ErrOversizedPacket):
				e.counters.DroppedOversize.Add(1)
			case ctx.Err() != nil || isClosed(err):
				return nil
			default:
				return fmt.Errorf("interface write: %w", err)
			}
		}
	}
}

// sourceAllowed checks the inner IPv4 source address against the
// configured allowed prefixes.
func (e *Engine) sourceAllowed(pkt []byte) bool {
	if len(e.allowedIPs) == 0 {
		return true
	}
	hdr, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return false
	}
	src, ok := netip.AddrFromSlice(hdr.Src.To4())
	if !ok {
		return false
	}
	for _, p := range e.allowedIPs {
		if p.Contains(src) {
			return true
		}
	}
	return false
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
