// Package engine is the emulated data path backend. It implements the
// reliable connected service in software: work requests are segmented to
// the path MTU, carried over UDP in the package's own encapsulation, and
// acknowledged cumulatively with timeout and receiver-not-ready
// retransmission. The backend overrides the modify_qp, destroy_qp and
// post_send dispatch slots; receive postings stay in the core queues and
// are consumed here as messages arrive.
package engine

import (
	"fmt"
	"net"
	"time"

	"github.com/bluerdma/goverbs/internal/telemetry"
	"github.com/bluerdma/goverbs/internal/verbs"
)

const (
	// ProviderName is the backend name devices reference.
	ProviderName = "emulated"

	// DefaultDataPort is the conventional RoCEv2 UDP port.
	DefaultDataPort = 4791

	// DefaultTOS is the type-of-service value stamped on data path
	// packets (DSCP 24).
	DefaultTOS = 96

	// DefaultPacketRate is the transmit pacing budget in packets per
	// second.
	DefaultPacketRate = 1 << 20

	// DefaultMinRTO floors the retransmission timeout derived from the
	// QP timeout attribute, which encodes values far below what a UDP
	// round trip can meet.
	DefaultMinRTO = time.Millisecond
)

// Resolver maps a destination GID and QPN to the peer's data path
// address. Tests and examples install one for GIDs that do not embed a
// routable IPv4 address.
type Resolver func(gid verbs.GID, qpn uint32) (*net.UDPAddr, error)

// Config carries the per-provider data path settings. The zero value is
// usable; empty fields fall back to the defaults above.
type Config struct {
	// ListenAddr is the UDP address each driver instance binds.
	ListenAddr string

	// DataPort is the peer port used when the destination address is
	// derived from an IPv4-mapped GID.
	DataPort int

	// TOS is stamped on outgoing packets when positive.
	TOS int

	// PacketRate paces transmission in packets per second.
	PacketRate int

	// MinRTO floors the per-QP retransmission timeout.
	MinRTO time.Duration

	// Resolver overrides peer address resolution. When nil, only
	// IPv4-mapped destination GIDs are routable.
	Resolver Resolver

	// Metrics receives data path counters; nil disables recording.
	Metrics *telemetry.Metrics
}

// DefaultConfig returns the standard data path settings.
func DefaultConfig() Config {
	return Config{
		ListenAddr: fmt.Sprintf(":%d", DefaultDataPort),
		DataPort:   DefaultDataPort,
		TOS:        DefaultTOS,
		PacketRate: DefaultPacketRate,
		MinRTO:     DefaultMinRTO,
	}
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf(":%d", DefaultDataPort)
	}
	if c.DataPort == 0 {
		c.DataPort = DefaultDataPort
	}
	if c.PacketRate <= 0 {
		c.PacketRate = DefaultPacketRate
	}
	if c.MinRTO <= 0 {
		c.MinRTO = DefaultMinRTO
	}
	return c
}

// Provider constructs one driver instance per opened context.
type Provider struct {
	name string
	cfg  Config
}

// NewProvider builds a provider with the given data path settings.
func NewProvider(cfg Config) *Provider {
	return &Provider{name: ProviderName, cfg: cfg.withDefaults()}
}

// Name returns the backend name.
func (p *Provider) Name() string { return p.name }

// Open binds a fresh data path socket for the context being opened.
func (p *Provider) Open(deviceName string) (verbs.Driver, error) {
	return newDriver(deviceName, p.cfg)
}

// Register builds a provider from cfg and registers it under the
// standard backend name.
func Register(cfg Config) (*Provider, error) {
	p := NewProvider(cfg)
	if err := verbs.RegisterProvider(p); err != nil {
		return nil, err
	}
	return p, nil
}
