package verbs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// HostDevice is the device-side half a registered adapter exposes to the
// provider: identity, attributes, and the read side of its GID and pkey
// tables. The kernel emulation registers one HostDevice per adapter.
type HostDevice interface {
	Name() string
	BackendName() string
	DeviceAttr() DeviceAttr
	PortAttr(port uint8) (PortAttr, error)
	QueryGID(port uint8, index int) (GID, error)
	QueryPkey(port uint8, index int) (uint16, error)
}

// Device is an enumerated adapter. Opening it resolves a dispatch table
// against the device's backend and yields a Context.
type Device struct {
	hd    HostDevice
	index int
}

// Name returns the adapter name, e.g. "bluerdma0".
func (d *Device) Name() string { return d.hd.Name() }

// Index returns the enumeration index assigned at registration.
func (d *Device) Index() int { return d.index }

// ABIVersion returns the provider ABI level of the device.
func (d *Device) ABIVersion() int { return ABIVersion }

// Host returns the device-side interface backing this device.
func (d *Device) Host() HostDevice { return d.hd }

var (
	deviceMu   sync.Mutex
	deviceTbl  = make(map[string]*Device)
	deviceNext int
)

// RegisterHostDevice adds an adapter to the device registry. It is called
// by the device side at load time; the name must be unique.
func RegisterHostDevice(hd HostDevice) (*Device, error) {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	name := hd.Name()
	if name == "" {
		return nil, fmt.Errorf("device with empty name: %w", ErrInvalidArgument)
	}
	if _, ok := deviceTbl[name]; ok {
		return nil, fmt.Errorf("device %q already registered: %w", name, ErrInvalidArgument)
	}
	d := &Device{hd: hd, index: deviceNext}
	deviceNext++
	deviceTbl[name] = d
	log.Info().Str("device", name).Str("backend", hd.BackendName()).Msg("Registered RDMA device")
	return d, nil
}

// UnregisterHostDevice removes an adapter from the registry. Contexts
// already open against it stay usable until closed.
func UnregisterHostDevice(name string) error {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	if _, ok := deviceTbl[name]; !ok {
		return fmt.Errorf("device %q not registered: %w", name, ErrInvalidArgument)
	}
	delete(deviceTbl, name)
	log.Info().Str("device", name).Msg("Unregistered RDMA device")
	return nil
}

// Devices returns the registered adapters in enumeration order.
func Devices() []*Device {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	out := make([]*Device, 0, len(deviceTbl))
	for _, d := range deviceTbl {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// DeviceByName looks up a registered adapter.
func DeviceByName(name string) (*Device, bool) {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	d, ok := deviceTbl[name]
	return d, ok
}

// Open allocates a context against the device: it constructs the backend
// driver instance, resolves the dispatch table (core defaults, then
// backend overrides), and binds the driver to the context. If the
// device's backend is not registered or its constructor fails, no
// context is returned.
func (d *Device) Open() (*Context, error) {
	backend := d.hd.BackendName()
	p, ok := lookupProvider(backend)
	if !ok {
		return nil, fmt.Errorf("device %s: backend %q not registered: %w", d.Name(), backend, ErrNotSupported)
	}
	drv, err := p.Open(d.Name())
	if err != nil {
		return nil, fmt.Errorf("device %s: backend %q open: %w", d.Name(), backend, err)
	}

	c := newContext(d, drv)
	c.ops, c.slots = resolveTable(drv)

	if b, ok := drv.(ContextBinder); ok {
		if err := b.BindContext(c); err != nil {
			drv.Close()
			return nil, fmt.Errorf("device %s: backend bind: %w", d.Name(), err)
		}
	}

	log.Debug().
		Str("device", d.Name()).
		Str("backend", backend).
		Msg("Opened device context")
	return c, nil
}
