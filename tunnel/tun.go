package tunnel

import (
	"errors"
	"net/netip"
)

// ErrOversizedPacket is returned when a packet larger than the tunnel MTU
// is written to the device. Fragmentation belongs to the kernel path, not
// the daemon, so oversize is rejected rather than split.
var ErrOversizedPacket = errors.New("packet exceeds tunnel mtu")

// Tun is the virtual network device owned by the daemon. It carries raw
// IP packets and knows nothing about the transport framing. There is
// exactly one reader and one writer per process.
type Tun interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)

	Name() string
	Close() error
	MTU() int

	ConfigureIPAddress(prefix netip.Prefix) error
}
