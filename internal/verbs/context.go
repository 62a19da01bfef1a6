package verbs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// arena is a bounded handle table. External handles are derived from slot
// indexes; every lookup is bounds-checked.
type arena[T any] struct {
	slots  []*T
	cursor int
	count  int
}

func newArena[T any](size int) arena[T] {
	return arena[T]{slots: make([]*T, size)}
}

func (a *arena[T]) alloc(v *T) (int, bool) {
	if a.count == len(a.slots) {
		return 0, false
	}
	for i := 0; i < len(a.slots); i++ {
		idx := (a.cursor + i) % len(a.slots)
		if a.slots[idx] == nil {
			a.slots[idx] = v
			a.cursor = (idx + 1) % len(a.slots)
			a.count++
			return idx, true
		}
	}
	return 0, false
}

func (a *arena[T]) get(idx int) *T {
	if idx < 0 || idx >= len(a.slots) {
		return nil
	}
	return a.slots[idx]
}

func (a *arena[T]) free(idx int) {
	if idx < 0 || idx >= len(a.slots) || a.slots[idx] == nil {
		return
	}
	a.slots[idx] = nil
	a.count--
}

func (a *arena[T]) each(fn func(idx int, v *T)) {
	for i, v := range a.slots {
		if v != nil {
			fn(i, v)
		}
	}
}

// Context is an open session against a device. It owns the resource
// tables all PDs, CQs, QPs and MRs live in, and the dispatch table every
// operation routes through. A context and its resources may be driven
// from multiple goroutines; the resource tables are guarded here and each
// queue carries its own lock.
type Context struct {
	dev   *Device
	drv   Driver
	ops   *Table
	slots map[string]SlotSource

	mu     sync.Mutex
	closed bool
	pds    arena[PD]
	cqs    arena[CQ]
	qps    arena[QP]
	mrs    arena[MR]
	mrSalt []uint8
}

func newContext(d *Device, drv Driver) *Context {
	return &Context{
		dev:    d,
		drv:    drv,
		pds:    newArena[PD](MaxPDCount),
		cqs:    newArena[CQ](MaxCQCount),
		qps:    newArena[QP](MaxQPCount),
		mrs:    newArena[MR](MaxMRCount),
		mrSalt: make([]uint8, MaxMRCount),
	}
}

// Device returns the device this context was opened against.
func (c *Context) Device() *Device { return c.dev }

// Driver returns the backend driver instance bound to this context.
func (c *Context) Driver() Driver { return c.drv }

// Slots returns the dispatch slot resolution report, sorted by name.
func (c *Context) Slots() []SlotInfo {
	out := make([]SlotInfo, 0, len(c.slots))
	for name, src := range c.slots {
		out = append(out, SlotInfo{Name: name, Source: src})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// QueryDevice returns the device attributes.
func (c *Context) QueryDevice() (*DeviceAttr, error) {
	if c.ops.QueryDevice == nil {
		return nil, notSupported("query_device")
	}
	return c.ops.QueryDevice(c)
}

// QueryPort returns the attributes of the given port.
func (c *Context) QueryPort(port uint8) (*PortAttr, error) {
	if c.ops.QueryPort == nil {
		return nil, notSupported("query_port")
	}
	return c.ops.QueryPort(c, port)
}

// QueryGID reads one GID table slot.
func (c *Context) QueryGID(port uint8, index int) (GID, error) {
	if c.ops.QueryGID == nil {
		return GID{}, notSupported("query_gid")
	}
	return c.ops.QueryGID(c, port, index)
}

// QueryPkey reads one partition key table slot.
func (c *Context) QueryPkey(port uint8, index int) (uint16, error) {
	if c.ops.QueryPkey == nil {
		return 0, notSupported("query_pkey")
	}
	return c.ops.QueryPkey(c, port, index)
}

// AllocPD allocates a protection domain.
func (c *Context) AllocPD() (*PD, error) {
	if c.ops.AllocPD == nil {
		return nil, notSupported("alloc_pd")
	}
	return c.ops.AllocPD(c)
}

// CreateCQ creates a completion queue with capacity for at least cqe
// entries.
func (c *Context) CreateCQ(cqe int) (*CQ, error) {
	if c.ops.CreateCQ == nil {
		return nil, notSupported("create_cq")
	}
	return c.ops.CreateCQ(c, cqe)
}

// QP returns the queue pair with the given number, or nil. Backends use
// this to route inbound traffic.
func (c *Context) QP(qpn uint32) *QP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qps.get(int(qpn) - FirstQPN)
}

// MRByLKey resolves a local key to its memory region.
func (c *Context) MRByLKey(lkey uint32) (*MR, bool) {
	return c.mrByKey(lkey)
}

// MRByRKey resolves a remote key to its memory region.
func (c *Context) MRByRKey(rkey uint32) (*MR, bool) {
	return c.mrByKey(rkey)
}

func (c *Context) mrByKey(key uint32) (*MR, bool) {
	idx := int(key>>8) - 1
	c.mu.Lock()
	defer c.mu.Unlock()
	mr := c.mrs.get(idx)
	if mr == nil || mr.lkey != key {
		return nil, false
	}
	return mr, true
}

// Close tears the context down. Resources the application leaked are
// released in reverse dependency order (QPs, MRs, CQs, PDs), then the
// backend driver instance is closed.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("context already closed: %w", ErrStateConflict)
	}
	c.closed = true

	var qps []*QP
	var mrs []*MR
	var cqs []*CQ
	var pds []*PD
	c.qps.each(func(_ int, q *QP) { qps = append(qps, q) })
	c.mrs.each(func(_ int, m *MR) { mrs = append(mrs, m) })
	c.cqs.each(func(_ int, q *CQ) { cqs = append(cqs, q) })
	c.pds.each(func(_ int, p *PD) { pds = append(pds, p) })
	c.mu.Unlock()

	leaked := len(qps) + len(mrs) + len(cqs) + len(pds)
	if leaked > 0 {
		log.Warn().
			Str("device", c.dev.Name()).
			Int("qps", len(qps)).
			Int("mrs", len(mrs)).
			Int("cqs", len(cqs)).
			Int("pds", len(pds)).
			Msg("Releasing leaked resources at context close")
	}

	for _, q := range qps {
		if err := q.Destroy(); err != nil {
			log.Error().Err(err).Uint32("qpn", q.qpn).Msg("Failed to destroy leaked QP")
		}
	}
	for _, m := range mrs {
		if err := m.Dereg(); err != nil {
			log.Error().Err(err).Uint32("lkey", m.lkey).Msg("Failed to deregister leaked MR")
		}
	}
	for _, q := range cqs {
		if err := q.Destroy(); err != nil {
			log.Error().Err(err).Uint32("cq", q.handle).Msg("Failed to destroy leaked CQ")
		}
	}
	for _, p := range pds {
		if err := p.Dealloc(); err != nil {
			log.Error().Err(err).Uint32("pd", p.handle).Msg("Failed to deallocate leaked PD")
		}
	}

	err := c.drv.Close()
	log.Debug().Str("device", c.dev.Name()).Msg("Closed device context")
	return err
}

func (c *Context) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("context closed: %w", ErrStateConflict)
	}
	return nil
}

// CmdQueryDevice is the core implementation of the query_device slot.
func CmdQueryDevice(c *Context) (*DeviceAttr, error) {
	attr := c.dev.hd.DeviceAttr()
	return &attr, nil
}

// CmdQueryPort is the core implementation of the query_port slot.
func CmdQueryPort(c *Context, port uint8) (*PortAttr, error) {
	attr, err := c.dev.hd.PortAttr(port)
	if err != nil {
		return nil, err
	}
	return &attr, nil
}

// CmdQueryGID is the core implementation of the query_gid slot.
func CmdQueryGID(c *Context, port uint8, index int) (GID, error) {
	return c.dev.hd.QueryGID(port, index)
}

// CmdQueryPkey is the core implementation of the query_pkey slot.
func CmdQueryPkey(c *Context, port uint8, index int) (uint16, error) {
	return c.dev.hd.QueryPkey(port, index)
}
