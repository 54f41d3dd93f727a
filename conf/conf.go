// Package conf resolves a caetun configuration file into a validated
// session descriptor. It only parses; it never touches the network stack
// or the OS interface table.
package conf

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/caelansar/caetun/keys"
	"gopkg.in/ini.v1"
)

const (
	DefaultListenPort = 19988
	DefaultMTU        = 1400

	// MinMTU is the minimum viable IPv4 MTU.
	MinMTU = 576
	// MaxMTU keeps the inner packet plus frame overhead plus the outer
	// IPv4/UDP headers within a 1500-byte path MTU.
	MaxMTU = 1500 - FrameOverhead - outerHeaderOverhead

	// FrameOverhead is the per-datagram cost of the tunnel framing:
	// 1 type byte, 8 sequence bytes and a 16-byte auth tag.
	FrameOverhead       = 1 + 8 + 16
	outerHeaderOverhead = 20 + 8
)

// SessionConfig is the resolved, validated description of one tunnel
// session. It is built once at startup and never mutated afterwards.
type SessionConfig struct {
	// Name identifies this endpoint in logs.
	Name string
	// Address is the local tunnel address with its prefix length.
	Address netip.Prefix
	MTU     int
	// ListenPort is the local UDP port the channel binds to.
	ListenPort uint16

	PeerName string
	// PeerEndpoint is the remote datagram address. Invalid means this
	// endpoint is the responder and learns the peer from the first
	// authenticated inbound frame.
	PeerEndpoint netip.AddrPort
	// AllowedIPs restricts which inner source addresses the peer may
	// send. Empty means no filtering.
	AllowedIPs []netip.Prefix

	// Exactly one of PresharedKey or PrivateKey+PeerPublicKey is set.
	PresharedKey  *keys.PresharedKey
	PrivateKey    keys.PrivateKey
	PeerPublicKey keys.PublicKey
}

// Initiator reports whether this endpoint dials the peer or waits for it.
func (c *SessionConfig) Initiator() bool {
	return c.PeerEndpoint.IsValid()
}

// SessionSecret returns the shared secret both endpoints derive their
// direction keys from.
func (c *SessionConfig) SessionSecret() ([]byte, error) {
	if c.PresharedKey != nil {
		return c.PresharedKey.Secret(), nil
	}
	return c.PrivateKey.SharedSecret(c.PeerPublicKey)
}

// Resolve parses and validates the INI configuration file at path.
func Resolve(path string) (*SessionConfig, error) {
	return ResolveWithPeer(path, "")
}

// ResolveWithPeer is Resolve with a peer endpoint override, serving the
// --peer command-line shorthand.
func ResolveWithPeer(path, peerOverride string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Reason: MissingRequiredField, Detail: fmt.Sprintf("read config: %v", err)}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if peerOverride != "" {
		ep, err := resolveEndpoint(peerOverride)
		if err != nil {
			return nil, err
		}
		cfg.PeerEndpoint = ep
	}
	return cfg, nil
}

// Parse resolves a configuration from raw INI bytes.
func Parse(data []byte) (*SessionConfig, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: true}, data)
	if err != nil {
		return nil, &Error{Reason: InvalidSyntax, Detail: fmt.Sprintf("invalid ini: %v", err)}
	}

	ifaces := sectionsByName(f, "Interface")
	switch len(ifaces) {
	case 0:
		return nil, &Error{Reason: MissingRequiredField, Detail: "missing [Interface] section"}
	case 1:
	default:
		return nil, &Error{Reason: DuplicateSection, Detail: "multiple [Interface] sections"}
	}
	iface := ifaces[0]

	peers := sectionsByName(f, "Peer")
	if len(peers) > 1 {
		return nil, &Error{Reason: DuplicateSection, Detail: "multiple [Peer] sections: the tunnel is pairwise"}
	}

	cfg := &SessionConfig{
		Name:       iface.Key("Name").String(),
		MTU:        DefaultMTU,
		ListenPort: DefaultListenPort,
	}

	addr := strings.TrimSpace(iface.Key("Address").String())
	if addr == "" {
		return nil, &Error{Reason: MissingRequiredField, Detail: "Interface.Address is required"}
	}
	cfg.Address, err = parseHostPrefix(addr)
	if err != nil {
		return nil, err
	}

	if k := iface.Key("MTU"); k.String() != "" {
		mtu, err := k.Int()
		if err != nil {
			return nil, &Error{Reason: InvalidMtu, Detail: fmt.Sprintf("MTU %q is not an integer", k.String())}
		}
		cfg.MTU = mtu
	}
	if cfg.MTU < MinMTU || cfg.MTU > MaxMTU {
		return nil, &Error{Reason: InvalidMtu, Detail: fmt.Sprintf("MTU %d outside [%d, %d]", cfg.MTU, MinMTU, MaxMTU)}
	}

	if k := iface.Key("ListenPort"); k.String() != "" {
		port, err := k.Uint()
		if err != nil || port > 65535 {
			return nil, &Error{Reason: MalformedAddress, Detail: fmt.Sprintf("invalid ListenPort %q", k.String())}
		}
		cfg.ListenPort = uint16(port)
	}

	var havePrivate bool
	if k := iface.Key("PrivateKey"); k.String() != "" {
		priv, err := keys.ParsePrivateKey(k.String())
		if err != nil {
			return nil, &Error{Reason: MalformedAddress, Detail: fmt.Sprintf("invalid PrivateKey: %v", err)}
		}
		cfg.PrivateKey = priv
		havePrivate = true
	}
	if k := iface.Key("PresharedKey"); k.String() != "" {
		psk, err := keys.ParsePresharedKey(k.String())
		if err != nil {
			return nil, &Error{Reason: MalformedAddress, Detail: fmt.Sprintf("invalid PresharedKey: %v", err)}
		}
		cfg.PresharedKey = &psk
	}

	if len(peers) == 1 {
		if err := parsePeer(peers[0], cfg, havePrivate); err != nil {
			return nil, err
		}
	}

	if cfg.PresharedKey == nil && !havePrivate {
		return nil, &Error{Reason: MissingRequiredField, Detail: "either PresharedKey or PrivateKey is required"}
	}
	if havePrivate && cfg.PresharedKey == nil && cfg.PeerPublicKey.IsZero() {
		return nil, &Error{Reason: MissingRequiredField, Detail: "PrivateKey requires Peer.PublicKey"}
	}

	return cfg, nil
}

func parsePeer(sec *ini.Section, cfg *SessionConfig, havePrivate bool) error {
	cfg.PeerName = sec.Key("Name").String()

	if ep := strings.TrimSpace(sec.Key("Endpoint").String()); ep != "" {
		addr, err := resolveEndpoint(ep)
		if err != nil {
			return err
		}
		cfg.PeerEndpoint = addr
	}

	if k := sec.Key("PublicKey"); k.String() != "" {
		pub, err := keys.ParsePublicKey(k.String())
		if err != nil {
			return &Error{Reason: MalformedAddress, Detail: fmt.Sprintf("invalid Peer.PublicKey: %v", err)}
		}
		cfg.PeerPublicKey = pub
	}

	if raw := sec.Key("AllowedIPs").String(); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return &Error{Reason: MalformedAddress, Detail: fmt.Sprintf("invalid AllowedIPs entry %q", part)}
			}
			cfg.AllowedIPs = append(cfg.AllowedIPs, p.Masked())
		}
	}

	return nil
}

// parseHostPrefix parses "ip/len" and requires the address to be a usable
// IPv4 host address inside its prefix.
func parseHostPrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, &Error{Reason: MalformedAddress, Detail: fmt.Sprintf("invalid address %q", s)}
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, &Error{Reason: MalformedAddress, Detail: fmt.Sprintf("address %q is not IPv4", s)}
	}
	if p.Bits() < 0 || p.Bits() > 32 {
		return netip.Prefix{}, &Error{Reason: MalformedAddress, Detail: fmt.Sprintf("prefix length %d outside [0, 32]", p.Bits())}
	}
	if p.Addr().IsUnspecified() || p.Addr().IsMulticast() {
		return netip.Prefix{}, &Error{Reason: MalformedAddress, Detail: fmt.Sprintf("address %q is not a host address", s)}
	}
	return p, nil
}

func resolveEndpoint(s string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		return netip.AddrPort{}, &Error{Reason: UnresolvableEndpoint, Detail: fmt.Sprintf("endpoint %q: %v", s, err)}
	}
	ap := ua.AddrPort()
	if !ap.IsValid() || ap.Port() == 0 {
		return netip.AddrPort{}, &Error{Reason: UnresolvableEndpoint, Detail: fmt.Sprintf("endpoint %q has no usable address", s)}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func sectionsByName(f *ini.File, name string) []*ini.Section {
	secs, err := f.SectionsByName(name)
	if err != nil {
		return nil
	}
	return secs
}
