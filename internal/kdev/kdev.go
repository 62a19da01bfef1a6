// Package kdev emulates the kernel half of the provider: a process-wide
// adapter registry standing in for module load and unload, an ethernet
// mirror per adapter, and the per-device GID and pkey tables the verbs
// core queries through the HostDevice interface.
package kdev

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bluerdma/goverbs/internal/verbs"
)

const (
	// DefaultDeviceCount is how many adapters Load creates when asked
	// for the stock configuration.
	DefaultDeviceCount = 2

	// DefaultBackend is the backend name new adapters are bound to.
	DefaultBackend = "emulated"

	// FWVersion is the firmware string the emulated adapters report.
	FWVersion = "0.1.0"
)

// macPrefix is the locally administered OUI the emulated adapters use;
// the last byte is the device id.
var macPrefix = [5]byte{0x02, 0xbd, 0xbd, 0x00, 0x00}

// Device is one emulated adapter: identity, its netdev mirror, and the
// GID and pkey tables. It implements verbs.HostDevice.
type Device struct {
	id      int
	name    string
	backend string
	ndev    *NetDev
	gids    *gidTable
	pkeys   []uint16
}

func newDevice(id int, backend string) *Device {
	mac := make(net.HardwareAddr, 6)
	copy(mac, macPrefix[:])
	mac[5] = byte(id)

	d := &Device{
		id:      id,
		name:    fmt.Sprintf("bluerdma%d", id),
		backend: backend,
		ndev:    newNetDev(fmt.Sprintf("blue%d", id), mac),
		gids:    &gidTable{},
		pkeys:   []uint16{0x0001},
	}
	// Slot 0 holds the link-local address derived from the MAC.
	d.gids.add(0, EUI64GID(mac))
	return d
}

// ID returns the adapter's load index.
func (d *Device) ID() int { return d.id }

// Name returns the adapter name, e.g. "bluerdma0".
func (d *Device) Name() string { return d.name }

// BackendName returns the backend the adapter dispatches to.
func (d *Device) BackendName() string { return d.backend }

// NetDev returns the paired ethernet mirror.
func (d *Device) NetDev() *NetDev { return d.ndev }

// DeviceAttr reports the adapter capabilities. The maxima match the
// verbs core's resource tables.
func (d *Device) DeviceAttr() verbs.DeviceAttr {
	guid := EUI64GID(d.ndev.MAC())
	return verbs.DeviceAttr{
		FWVersion:   FWVersion,
		NodeGUID:    binary.BigEndian.Uint64(guid[8:]),
		MaxQP:       verbs.MaxQPCount,
		MaxCQ:       verbs.MaxCQCount,
		MaxMR:       verbs.MaxMRCount,
		MaxPD:       verbs.MaxPDCount,
		MaxQPWR:     verbs.MaxQPWR,
		MaxSGE:      verbs.MaxSGE,
		MaxCQE:      verbs.MaxCQE,
		MaxRDAtomic: verbs.MaxRDAtomic,
		PhysPortCnt: 1,
	}
}

// PortAttr reports port state. Only port 1 exists; its state and active
// MTU follow the netdev mirror.
func (d *Device) PortAttr(port uint8) (verbs.PortAttr, error) {
	if port != 1 {
		return verbs.PortAttr{}, fmt.Errorf("port %d: %w", port, verbs.ErrInvalidArgument)
	}
	state := verbs.PortDown
	if d.ndev.Up() {
		state = verbs.PortActive
	}
	return verbs.PortAttr{
		State:      state,
		MaxMTU:     verbs.MTU4096,
		ActiveMTU:  mtuEnum(d.ndev.MTU()),
		GIDTblLen:  GIDTableSize,
		PkeyTblLen: len(d.pkeys),
		MaxMsgSize: 1 << 31,
	}, nil
}

// QueryGID reads one GID table slot.
func (d *Device) QueryGID(port uint8, index int) (verbs.GID, error) {
	if port != 1 {
		return verbs.GID{}, fmt.Errorf("port %d: %w", port, verbs.ErrInvalidArgument)
	}
	return d.gids.query(index)
}

// AddGID installs an address at the named slot and marks it valid.
func (d *Device) AddGID(port uint8, index int, gid verbs.GID) error {
	if port != 1 {
		return fmt.Errorf("port %d: %w", port, verbs.ErrInvalidArgument)
	}
	if err := d.gids.add(index, gid); err != nil {
		return err
	}
	log.Debug().
		Str("device", d.name).
		Int("index", index).
		Str("gid", gid.String()).
		Msg("Added GID table entry")
	return nil
}

// DelGID marks the named slot invalid. The slot data is not zeroed.
func (d *Device) DelGID(port uint8, index int) error {
	if port != 1 {
		return fmt.Errorf("port %d: %w", port, verbs.ErrInvalidArgument)
	}
	if err := d.gids.del(index); err != nil {
		return err
	}
	log.Debug().
		Str("device", d.name).
		Int("index", index).
		Msg("Removed GID table entry")
	return nil
}

// QueryPkey reads one partition key table slot.
func (d *Device) QueryPkey(port uint8, index int) (uint16, error) {
	if port != 1 {
		return 0, fmt.Errorf("port %d: %w", port, verbs.ErrInvalidArgument)
	}
	if index < 0 || index >= len(d.pkeys) {
		return 0, fmt.Errorf("pkey index %d: %w", index, verbs.ErrInvalidArgument)
	}
	return d.pkeys[index], nil
}

// Gids renders the valid GID table entries the way the gids attribute
// file does: one canonical address per line.
func (d *Device) Gids() string { return d.gids.render() }

// MacAddr renders the netdev MAC in canonical colon-hex.
func (d *Device) MacAddr() string { return d.ndev.MAC().String() }

// mtuEnum maps a byte MTU onto the largest verbs enumeration that fits.
func mtuEnum(bytes int) verbs.MTU {
	switch {
	case bytes >= 4096:
		return verbs.MTU4096
	case bytes >= 2048:
		return verbs.MTU2048
	case bytes >= 1024:
		return verbs.MTU1024
	case bytes >= 512:
		return verbs.MTU512
	default:
		return verbs.MTU256
	}
}

// registry is the process-wide load state, the stand-in for the kernel
// module's static device array.
var registry struct {
	mu   sync.Mutex
	devs []*Device
}

// Load creates n adapters named bluerdma0..n-1, each with a blue%d
// netdev mirror brought up at the default MTU, and registers them with
// the verbs core. Loading while already loaded is a state conflict.
func Load(n int) ([]*Device, error) {
	if n <= 0 {
		return nil, fmt.Errorf("device count %d: %w", n, verbs.ErrInvalidArgument)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.devs) != 0 {
		return nil, fmt.Errorf("devices already loaded: %w", verbs.ErrStateConflict)
	}

	devs := make([]*Device, 0, n)
	for i := 0; i < n; i++ {
		d := newDevice(i, DefaultBackend)
		if _, err := verbs.RegisterHostDevice(d); err != nil {
			for _, prev := range devs {
				_ = verbs.UnregisterHostDevice(prev.name)
			}
			return nil, fmt.Errorf("register %s: %w", d.name, err)
		}
		devs = append(devs, d)
		log.Info().
			Str("device", d.name).
			Str("netdev", d.ndev.Name()).
			Str("mac", d.MacAddr()).
			Msg("Loaded emulated adapter")
	}
	registry.devs = devs
	return devs, nil
}

// Unload unregisters every loaded adapter. Contexts already open stay
// usable until closed, as with a real module removal grace period.
func Unload() error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.devs) == 0 {
		return fmt.Errorf("no devices loaded: %w", verbs.ErrStateConflict)
	}
	for _, d := range registry.devs {
		if err := verbs.UnregisterHostDevice(d.name); err != nil {
			log.Error().Err(err).Str("device", d.name).Msg("Failed to unregister adapter")
		}
	}
	registry.devs = nil
	return nil
}

// LoadedDevices returns the adapters in load order.
func LoadedDevices() []*Device {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]*Device, len(registry.devs))
	copy(out, registry.devs)
	return out
}
