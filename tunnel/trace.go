package tunnel

import (
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Tracer logs a one-line summary of each forwarded packet. Strictly a
// debugging aid; a nil Tracer is valid and traces nothing.
type Tracer struct{}

func NewTracer() *Tracer {
	return &Tracer{}
}

func (t *Tracer) TraceInbound(pkt []byte) {
	t.trace("in ", pkt)
}

func (t *Tracer) TraceOutbound(pkt []byte) {
	t.trace("out", pkt)
}

func (t *Tracer) trace(dir string, pkt []byte) {
	if t == nil {
		return
	}

	decoded := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Lazy)
	ip4, ok := decoded.NetworkLayer().(*layers.IPv4)
	if !ok {
		log.Printf("trace %s: non-ipv4 packet, %d bytes", dir, len(pkt))
		return
	}
	log.Printf("trace %s: ipv4 %s -> %s proto=%s len=%d", dir, ip4.SrcIP, ip4.DstIP, ip4.Protocol, len(pkt))
}
