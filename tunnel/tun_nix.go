package tunnel

import (
	"fmt"
	"log"
	"net/netip"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/songgao/water"
)

// NixTun is the water-backed TUN device used on Linux and macOS.
type NixTun struct {
	ifce *water.Interface
	mtu  int

	closeOnce sync.Once
	closeErr  error
}

func NewTun(name string, mtu int) (Tun, error) {
	cfg := water.Config{DeviceType: water.TUN}
	if name != "" && runtime.GOOS == "linux" {
		cfg.Name = name
	}
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create tun device: %w", err)
	}

	return &NixTun{ifce: ifce, mtu: mtu}, nil
}

func (n *NixTun) Read(b []byte) (int, error) {
	return n.ifce.Read(b)
}

func (n *NixTun) Write(b []byte) (int, error) {
	if len(b) > n.mtu {
		return 0, ErrOversizedPacket
	}
	return n.ifce.Write(b)
}

func (n *NixTun) Name() string {
	return n.ifce.Name()
}

// Close is idempotent; every exit path of the daemon releases the device
// through it.
func (n *NixTun) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.ifce.Close()
	})
	return n.closeErr
}

func (n *NixTun) MTU() int {
	return n.mtu
}

func (n *NixTun) ConfigureIPAddress(prefix netip.Prefix) error {
	addr := prefix.Addr()
	mtu := strconv.Itoa(n.mtu)

	switch runtime.GOOS {
	case "linux":
		if err := exec.Command("/sbin/ip", "link", "set", "dev", n.Name(), "mtu", mtu).Run(); err != nil {
			return fmt.Errorf("ip link mtu error: %w", err)
		}
		if err := exec.Command("/sbin/ip", "addr", "add", prefix.String(), "dev", n.Name()).Run(); err != nil {
			return fmt.Errorf("ip addr error: %w", err)
		}
		if err := exec.Command("/sbin/ip", "link", "set", "dev", n.Name(), "up").Run(); err != nil {
			return fmt.Errorf("ip link up error: %w", err)
		}
	case "darwin":
		if err := exec.Command("/sbin/ifconfig", n.Name(), "mtu", mtu, addr.String(), addr.String(), "up").Run(); err != nil {
			return fmt.Errorf("ifconfig error %v: %w", n.Name(), err)
		}
		if err := exec.Command("/sbin/route", "-n", "add", "-net", prefix.Masked().String(), addr.String()).Run(); err != nil {
			return fmt.Errorf("route add error: %w", err)
		}
	default:
		return fmt.Errorf("no tun support for: %v", runtime.GOOS)
	}

	log.Printf("tunnel interface up: %v %v mtu %d", n.Name(), prefix, n.mtu)
	return nil
}
