package verbs

import "fmt"

// PD is a protection domain: the authorization scope MRs and QPs are
// bound to. It carries no state beyond its owning context; the PD must
// outlive every MR and QP created under it, which is a caller obligation.
type PD struct {
	ctx    *Context
	handle uint32
}

// Context returns the owning context.
func (p *PD) Context() *Context { return p.ctx }

// Handle returns the opaque PD handle; handle 0 is never assigned.
func (p *PD) Handle() uint32 { return p.handle }

// CreateQP creates a queue pair under this PD.
func (p *PD) CreateQP(attr *QPInitAttr) (*QP, error) {
	if p.ctx.ops.CreateQP == nil {
		return nil, notSupported("create_qp")
	}
	return p.ctx.ops.CreateQP(p, attr)
}

// RegMR registers buf as a memory region under this PD.
func (p *PD) RegMR(buf []byte, access AccessFlags) (*MR, error) {
	if p.ctx.ops.RegMR == nil {
		return nil, notSupported("reg_mr")
	}
	return p.ctx.ops.RegMR(p, buf, access)
}

// Dealloc releases the protection domain. Deallocating a PD still
// referenced by a live QP or MR is a usage error.
func (p *PD) Dealloc() error {
	if p.ctx.ops.DeallocPD == nil {
		return notSupported("dealloc_pd")
	}
	return p.ctx.ops.DeallocPD(p)
}

// CmdAllocPD is the core implementation of the alloc_pd slot.
func CmdAllocPD(c *Context) (*PD, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	pd := &PD{ctx: c}
	c.mu.Lock()
	idx, ok := c.pds.alloc(pd)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("PD table full (%d): %w", MaxPDCount, ErrResourceExhausted)
	}
	pd.handle = uint32(idx) + 1
	return pd, nil
}

// CmdDeallocPD is the core implementation of the dealloc_pd slot.
func CmdDeallocPD(pd *PD) error {
	c := pd.ctx
	idx := int(pd.handle) - 1
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pds.get(idx) != pd {
		return fmt.Errorf("unknown PD handle %d: %w", pd.handle, ErrInvalidArgument)
	}
	c.pds.free(idx)
	return nil
}
