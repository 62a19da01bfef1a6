package verbs

// Table is the per-context operation dispatch table: one typed function
// slot per verbs operation the context routes. A nil slot means the
// operation is unresolved and invoking it fails with ErrNotSupported.
//
// Resolution happens once at context open: every slot starts empty, the
// core defaults are applied for the operations the core guarantees, then
// each capability interface the backend driver implements overrides its
// slot.
type Table struct {
	QueryDevice func(c *Context) (*DeviceAttr, error)
	QueryPort   func(c *Context, port uint8) (*PortAttr, error)
	QueryGID    func(c *Context, port uint8, index int) (GID, error)
	QueryPkey   func(c *Context, port uint8, index int) (uint16, error)
	AllocPD     func(c *Context) (*PD, error)
	DeallocPD   func(pd *PD) error
	RegMR       func(pd *PD, buf []byte, access AccessFlags) (*MR, error)
	DeregMR     func(mr *MR) error
	CreateCQ    func(c *Context, cqe int) (*CQ, error)
	ResizeCQ    func(cq *CQ, cqe int) error
	DestroyCQ   func(cq *CQ) error
	PollCQ      func(cq *CQ, wc []WC) (int, error)
	ReqNotifyCQ func(cq *CQ, solicitedOnly bool) error
	CreateQP    func(pd *PD, attr *QPInitAttr) (*QP, error)
	QueryQP     func(qp *QP) (*QPAttr, error)
	ModifyQP    func(qp *QP, attr *QPAttr, mask AttrMask) error
	DestroyQP   func(qp *QP) error
	PostSend    func(qp *QP, wrs []SendWR) (int, error)
	PostRecv    func(qp *QP, wrs []RecvWR) (int, error)
}

// SlotSource reports where a dispatch slot's implementation came from.
type SlotSource uint8

const (
	SlotUnresolved SlotSource = iota
	SlotCore
	SlotBackend
)

func (s SlotSource) String() string {
	switch s {
	case SlotCore:
		return "core"
	case SlotBackend:
		return "backend"
	default:
		return "none"
	}
}

// SlotInfo is one row of a context's slot resolution report.
type SlotInfo struct {
	Name   string
	Source SlotSource
}

// slotNames is the conventional verbs operation surface. Names without a
// routed Table field stay permanently unresolved; they are listed so the
// resolution report covers the full operation set.
var slotNames = []string{
	"advise_mr",
	"alloc_dm",
	"alloc_mw",
	"alloc_null_mr",
	"alloc_parent_domain",
	"alloc_pd",
	"alloc_td",
	"attach_mcast",
	"bind_mw",
	"close_xrcd",
	"create_ah",
	"create_counters",
	"create_cq",
	"create_flow",
	"create_qp",
	"create_rwq_ind_table",
	"create_srq",
	"create_wq",
	"dealloc_mw",
	"dealloc_pd",
	"dealloc_td",
	"dereg_mr",
	"destroy_ah",
	"destroy_counters",
	"destroy_cq",
	"destroy_flow",
	"destroy_qp",
	"destroy_rwq_ind_table",
	"destroy_srq",
	"destroy_wq",
	"detach_mcast",
	"free_dm",
	"get_srq_num",
	"import_dm",
	"import_mr",
	"import_pd",
	"modify_cq",
	"modify_qp",
	"modify_qp_rate_limit",
	"modify_srq",
	"modify_wq",
	"open_qp",
	"open_xrcd",
	"poll_cq",
	"post_recv",
	"post_send",
	"post_srq_ops",
	"post_srq_recv",
	"query_device",
	"query_ece",
	"query_gid",
	"query_pkey",
	"query_port",
	"query_qp",
	"query_qp_data_in_order",
	"query_rt_values",
	"query_srq",
	"read_counters",
	"reg_dm_mr",
	"reg_dmabuf_mr",
	"reg_mr",
	"req_notify_cq",
	"rereg_mr",
	"resize_cq",
	"set_ece",
	"unimport_dm",
	"unimport_mr",
	"unimport_pd",
}

// resolveTable builds the dispatch table for a context: core defaults
// first, then backend capability overrides. It also records the per-slot
// resolution source for introspection.
func resolveTable(drv Driver) (*Table, map[string]SlotSource) {
	sources := make(map[string]SlotSource, len(slotNames))
	for _, name := range slotNames {
		sources[name] = SlotUnresolved
	}

	t := &Table{
		QueryDevice: CmdQueryDevice,
		QueryPort:   CmdQueryPort,
		QueryGID:    CmdQueryGID,
		QueryPkey:   CmdQueryPkey,
		AllocPD:     CmdAllocPD,
		DeallocPD:   CmdDeallocPD,
		RegMR:       CmdRegMR,
		DeregMR:     CmdDeregMR,
		CreateCQ:    CmdCreateCQ,
		DestroyCQ:   CmdDestroyCQ,
		PollCQ:      CmdPollCQ,
		ReqNotifyCQ: CmdReqNotifyCQ,
		CreateQP:    CmdCreateQP,
		QueryQP:     CmdQueryQP,
		ModifyQP:    CmdModifyQP,
		DestroyQP:   CmdDestroyQP,
		PostSend:    CmdPostSend,
		PostRecv:    CmdPostRecv,
	}
	for _, name := range []string{
		"query_device", "query_port", "query_gid", "query_pkey",
		"alloc_pd", "dealloc_pd", "reg_mr", "dereg_mr",
		"create_cq", "destroy_cq", "poll_cq", "req_notify_cq",
		"create_qp", "query_qp", "modify_qp", "destroy_qp",
		"post_send", "post_recv",
	} {
		sources[name] = SlotCore
	}

	if op, ok := drv.(DeviceQuerier); ok {
		t.QueryDevice = op.QueryDevice
		sources["query_device"] = SlotBackend
	}
	if op, ok := drv.(PortQuerier); ok {
		t.QueryPort = op.QueryPort
		sources["query_port"] = SlotBackend
	}
	if op, ok := drv.(GIDQuerier); ok {
		t.QueryGID = op.QueryGID
		sources["query_gid"] = SlotBackend
	}
	if op, ok := drv.(PkeyQuerier); ok {
		t.QueryPkey = op.QueryPkey
		sources["query_pkey"] = SlotBackend
	}
	if op, ok := drv.(PDAllocator); ok {
		t.AllocPD = op.AllocPD
		sources["alloc_pd"] = SlotBackend
	}
	if op, ok := drv.(PDDeallocator); ok {
		t.DeallocPD = op.DeallocPD
		sources["dealloc_pd"] = SlotBackend
	}
	if op, ok := drv.(MRRegistrar); ok {
		t.RegMR = op.RegMR
		sources["reg_mr"] = SlotBackend
	}
	if op, ok := drv.(MRDeregistrar); ok {
		t.DeregMR = op.DeregMR
		sources["dereg_mr"] = SlotBackend
	}
	if op, ok := drv.(CQCreator); ok {
		t.CreateCQ = op.CreateCQ
		sources["create_cq"] = SlotBackend
	}
	if op, ok := drv.(CQResizer); ok {
		t.ResizeCQ = op.ResizeCQ
		sources["resize_cq"] = SlotBackend
	}
	if op, ok := drv.(CQDestroyer); ok {
		t.DestroyCQ = op.DestroyCQ
		sources["destroy_cq"] = SlotBackend
	}
	if op, ok := drv.(CQPoller); ok {
		t.PollCQ = op.PollCQ
		sources["poll_cq"] = SlotBackend
	}
	if op, ok := drv.(CQNotifier); ok {
		t.ReqNotifyCQ = op.ReqNotifyCQ
		sources["req_notify_cq"] = SlotBackend
	}
	if op, ok := drv.(QPCreator); ok {
		t.CreateQP = op.CreateQP
		sources["create_qp"] = SlotBackend
	}
	if op, ok := drv.(QPQuerier); ok {
		t.QueryQP = op.QueryQP
		sources["query_qp"] = SlotBackend
	}
	if op, ok := drv.(QPModifier); ok {
		t.ModifyQP = op.ModifyQP
		sources["modify_qp"] = SlotBackend
	}
	if op, ok := drv.(QPDestroyer); ok {
		t.DestroyQP = op.DestroyQP
		sources["destroy_qp"] = SlotBackend
	}
	if op, ok := drv.(SendPoster); ok {
		t.PostSend = op.PostSend
		sources["post_send"] = SlotBackend
	}
	if op, ok := drv.(RecvPoster); ok {
		t.PostRecv = op.PostRecv
		sources["post_recv"] = SlotBackend
	}

	return t, sources
}
