package kdev

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bluerdma/goverbs/internal/verbs"
)

const (
	// DefaultMTU is the netdev MTU at load.
	DefaultMTU = 1500
	// MinMTU and MaxMTU bound what SetMTU accepts, the ethernet limits.
	MinMTU = 68
	MaxMTU = 65535
)

// NetDev mirrors the ethernet interface paired with an adapter: name,
// MAC, MTU and link state. The emulated data path does not flow through
// it; it exists so port attributes have a real interface to follow.
type NetDev struct {
	name string

	mu  sync.Mutex
	mac net.HardwareAddr
	mtu int
	up  bool
}

func newNetDev(name string, mac net.HardwareAddr) *NetDev {
	return &NetDev{
		name: name,
		mac:  mac,
		mtu:  DefaultMTU,
		up:   true,
	}
}

// Name returns the interface name, e.g. "blue0".
func (n *NetDev) Name() string { return n.name }

// MAC returns a copy of the hardware address.
func (n *NetDev) MAC() net.HardwareAddr {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(net.HardwareAddr, len(n.mac))
	copy(out, n.mac)
	return out
}

// MTU returns the current interface MTU in bytes.
func (n *NetDev) MTU() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mtu
}

// SetMTU changes the interface MTU within the ethernet bounds.
func (n *NetDev) SetMTU(mtu int) error {
	if mtu < MinMTU || mtu > MaxMTU {
		return fmt.Errorf("mtu %d outside [%d,%d]: %w", mtu, MinMTU, MaxMTU, verbs.ErrInvalidArgument)
	}
	n.mu.Lock()
	old := n.mtu
	n.mtu = mtu
	n.mu.Unlock()
	log.Info().
		Str("netdev", n.name).
		Int("old_mtu", old).
		Int("new_mtu", mtu).
		Msg("Changed netdev MTU")
	return nil
}

// Up reports the link state.
func (n *NetDev) Up() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.up
}

// SetUp changes the link state. Port attributes follow it.
func (n *NetDev) SetUp(up bool) {
	n.mu.Lock()
	n.up = up
	n.mu.Unlock()
	log.Info().Str("netdev", n.name).Bool("up", up).Msg("Changed netdev link state")
}
