package tunnel

import (
	"log"
	"net"
	"net/netip"

	"github.com/pion/stun/v2"
)

const stunServerAddr = "stun.l.google.com:19302"

// DiscoverPublicAddr fires one STUN binding request over the channel
// socket so the daemon can log its public endpoint before the handshake.
// Purely diagnostic: failures are logged and otherwise ignored, and the
// response is consumed by the read loop.
func (c *Channel) DiscoverPublicAddr() {
	stunAddr, err := net.ResolveUDPAddr("udp4", stunServerAddr)
	if err != nil {
		log.Printf("stun: resolve server: %s", err)
		return
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := c.conn.WriteTo(msg.Raw, stunAddr); err != nil {
		log.Printf("stun: send binding request: %s", err)
	}
}

func (c *Channel) handleStun(raw []byte) {
	msg := &stun.Message{Raw: raw}
	if err := msg.Decode(); err != nil {
		log.Printf("stun: decode message: %v", err)
		return
	}

	if msg.Type != stun.BindingSuccess {
		log.Printf("stun: unexpected response type: %s", msg.Type)
		return
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(msg); err != nil {
		log.Printf("stun: no xor-mapped address: %v", err)
		return
	}

	addr, err := netip.ParseAddrPort(xor.String())
	if err != nil {
		log.Printf("stun: parse xor-mapped address: %v", err)
		return
	}

	c.mu.Lock()
	c.publicAddr = addr
	c.mu.Unlock()
	c.publicAddrOnce.Do(func() {
		log.Printf("public endpoint: %s", addr)
	})
}

// PublicAddr returns the STUN-discovered public endpoint, if any.
func (c *Channel) PublicAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicAddr
}
