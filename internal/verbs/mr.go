package verbs

import (
	"fmt"
	"unsafe"
)

// MR is a registered memory region: a byte range under a PD addressable
// through a local key and, for remote operations, a remote key. The
// backing memory must stay valid for the MR's whole lifetime, and
// deregistering an MR whose key is still referenced by an outstanding
// work request is a usage error.
type MR struct {
	ctx    *Context
	pd     *PD
	buf    []byte
	addr   uint64
	lkey   uint32
	rkey   uint32
	access AccessFlags
	idx    int
}

// PD returns the owning protection domain.
func (m *MR) PD() *PD { return m.pd }

// Addr returns the region's starting virtual address, the value the peer
// uses as the remote address for RDMA operations against this region.
func (m *MR) Addr() uint64 { return m.addr }

// Length returns the region length in bytes.
func (m *MR) Length() uint32 { return uint32(len(m.buf)) }

// LKey returns the local access key.
func (m *MR) LKey() uint32 { return m.lkey }

// RKey returns the remote access key.
func (m *MR) RKey() uint32 { return m.rkey }

// Access returns the region's access flags.
func (m *MR) Access() AccessFlags { return m.access }

// CheckAccess reports whether every requested access bit is granted.
func (m *MR) CheckAccess(req AccessFlags) bool {
	return m.access&req == req
}

// Slice returns the region bytes for [addr, addr+length), or an error if
// the window falls outside the region. Backends use this to move payload
// into and out of registered memory.
func (m *MR) Slice(addr uint64, length uint32) ([]byte, error) {
	if addr < m.addr || addr+uint64(length) > m.addr+uint64(len(m.buf)) {
		return nil, fmt.Errorf("range [%#x,+%d) outside MR [%#x,+%d): %w",
			addr, length, m.addr, len(m.buf), ErrInvalidArgument)
	}
	off := addr - m.addr
	return m.buf[off : off+uint64(length)], nil
}

// Dereg deregisters the memory region.
func (m *MR) Dereg() error {
	if m.ctx.ops.DeregMR == nil {
		return notSupported("dereg_mr")
	}
	return m.ctx.ops.DeregMR(m)
}

// CmdRegMR is the core implementation of the reg_mr slot. The key pair
// is derived from the MR table slot plus a per-slot salt so a recycled
// slot never reissues a recently freed key.
func CmdRegMR(pd *PD, buf []byte, access AccessFlags) (*MR, error) {
	c := pd.ctx
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("zero-length region: %w", ErrInvalidArgument)
	}
	if access&(AccessRemoteWrite|AccessRemoteAtomic) != 0 && access&AccessLocalWrite == 0 {
		return nil, fmt.Errorf("remote write access requires local write: %w", ErrInvalidArgument)
	}

	mr := &MR{
		ctx:    c,
		pd:     pd,
		buf:    buf,
		addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		access: access,
	}
	c.mu.Lock()
	idx, ok := c.mrs.alloc(mr)
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("MR table full (%d): %w", MaxMRCount, ErrResourceExhausted)
	}
	c.mrSalt[idx]++
	key := uint32(idx+1)<<8 | uint32(c.mrSalt[idx])
	c.mu.Unlock()

	mr.idx = idx
	mr.lkey = key
	mr.rkey = key
	return mr, nil
}

// CmdDeregMR is the core implementation of the dereg_mr slot.
func CmdDeregMR(mr *MR) error {
	c := mr.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mrs.get(mr.idx) != mr {
		return fmt.Errorf("unknown MR key %#x: %w", mr.lkey, ErrInvalidArgument)
	}
	c.mrs.free(mr.idx)
	return nil
}
