package verbs

import (
	"fmt"
	"sync"
)

// Provider is a registered backend module. Open is the mandatory
// constructor: it is called once per opened context with the device name
// and returns the per-instance driver state. If Open fails, device open
// fails entirely and no partial context is returned.
type Provider interface {
	Name() string
	Open(deviceName string) (Driver, error)
}

// Driver is the per-context backend instance. Close is the mandatory
// destructor; it runs after all resources of the owning context have been
// released. A driver additionally implements any subset of the capability
// interfaces below; each one it implements overrides the corresponding
// dispatch slot.
type Driver interface {
	Close() error
}

// ContextBinder is implemented by drivers that need a reference to their
// owning context. It is invoked once, after the dispatch table has been
// resolved and before the context is returned to the application.
type ContextBinder interface {
	BindContext(c *Context) error
}

// Capability interfaces. One per overridable dispatch slot; signatures
// mirror the Table fields.
type (
	DeviceQuerier interface {
		QueryDevice(c *Context) (*DeviceAttr, error)
	}
	PortQuerier interface {
		QueryPort(c *Context, port uint8) (*PortAttr, error)
	}
	GIDQuerier interface {
		QueryGID(c *Context, port uint8, index int) (GID, error)
	}
	PkeyQuerier interface {
		QueryPkey(c *Context, port uint8, index int) (uint16, error)
	}
	PDAllocator interface {
		AllocPD(c *Context) (*PD, error)
	}
	PDDeallocator interface {
		DeallocPD(pd *PD) error
	}
	MRRegistrar interface {
		RegMR(pd *PD, buf []byte, access AccessFlags) (*MR, error)
	}
	MRDeregistrar interface {
		DeregMR(mr *MR) error
	}
	CQCreator interface {
		CreateCQ(c *Context, cqe int) (*CQ, error)
	}
	CQResizer interface {
		ResizeCQ(cq *CQ, cqe int) error
	}
	CQDestroyer interface {
		DestroyCQ(cq *CQ) error
	}
	CQPoller interface {
		PollCQ(cq *CQ, wc []WC) (int, error)
	}
	CQNotifier interface {
		ReqNotifyCQ(cq *CQ, solicitedOnly bool) error
	}
	QPCreator interface {
		CreateQP(pd *PD, attr *QPInitAttr) (*QP, error)
	}
	QPQuerier interface {
		QueryQP(qp *QP) (*QPAttr, error)
	}
	QPModifier interface {
		ModifyQP(qp *QP, attr *QPAttr, mask AttrMask) error
	}
	QPDestroyer interface {
		DestroyQP(qp *QP) error
	}
	SendPoster interface {
		PostSend(qp *QP, wrs []SendWR) (int, error)
	}
	RecvPoster interface {
		PostRecv(qp *QP, wrs []RecvWR) (int, error)
	}
)

var (
	providerMu sync.Mutex
	providers  = make(map[string]Provider)
)

// RegisterProvider makes a backend available to devices that name it.
// Registration is explicit; there is no search path or symbol scanning.
func RegisterProvider(p Provider) error {
	providerMu.Lock()
	defer providerMu.Unlock()
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider with empty name: %w", ErrInvalidArgument)
	}
	if _, ok := providers[name]; ok {
		return fmt.Errorf("provider %q already registered: %w", name, ErrInvalidArgument)
	}
	providers[name] = p
	return nil
}

// UnregisterProvider removes a backend. Contexts already open keep their
// driver instance.
func UnregisterProvider(name string) {
	providerMu.Lock()
	defer providerMu.Unlock()
	delete(providers, name)
}

func lookupProvider(name string) (Provider, bool) {
	providerMu.Lock()
	defer providerMu.Unlock()
	p, ok := providers[name]
	return p, ok
}
