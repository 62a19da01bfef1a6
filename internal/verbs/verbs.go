// Package verbs implements a software RDMA verbs provider: the resource
// object model (PD, CQ, QP, MR), the per-context operation dispatch table,
// and the queue pair connection state machine. Data movement is delegated
// to a pluggable backend registered through RegisterProvider.
package verbs

import (
	"fmt"
	"net"
)

const (
	// ABIVersion is the provider ABI level reported to applications.
	ABIVersion = 1

	// Resource table bounds
	MaxQPCount = 1024 // QP arena size, QPN space
	MaxCQCount = 1024 // CQ arena size
	MaxMRCount = 4096 // MR key table size
	MaxPDCount = 256  // PD arena size

	// Per-QP capability maxima enforced at create time
	MaxQPWR     = 1024 // Max outstanding work requests per queue
	MaxSGE      = 16   // Max scatter/gather entries per work request
	MaxCQE      = 4096 // Max completion queue capacity
	MaxRDAtomic = 16   // Max outstanding RDMA reads as initiator or target

	// FirstQPN is the lowest assignable QP number; 0 and 1 are reserved.
	FirstQPN = 2

	// PSNMask bounds the 24-bit packet sequence number space.
	PSNMask = 1<<24 - 1
	// MSNMask bounds the 16-bit message sequence number space.
	MSNMask = 1<<16 - 1
)

// QPState is the connection state of a queue pair.
type QPState uint8

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERROR"
	default:
		return fmt.Sprintf("QPState(%d)", uint8(s))
	}
}

// QPType is the transport service type of a queue pair.
type QPType uint8

const (
	// QPTypeRC is the reliable connected service.
	QPTypeRC QPType = iota
)

func (t QPType) String() string {
	if t == QPTypeRC {
		return "RC"
	}
	return fmt.Sprintf("QPType(%d)", uint8(t))
}

// MTU is a path MTU value in the usual verbs enumeration.
type MTU uint8

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the payload size the MTU value stands for, or 0 if invalid.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}
	return 128 << m
}

func (m MTU) String() string {
	if b := m.Bytes(); b != 0 {
		return fmt.Sprintf("%d", b)
	}
	return fmt.Sprintf("MTU(%d)", uint8(m))
}

// AccessFlags controls local and remote access rights on MRs and QPs.
type AccessFlags uint32

const (
	AccessLocalWrite   AccessFlags = 1 << 0
	AccessRemoteWrite  AccessFlags = 1 << 1
	AccessRemoteRead   AccessFlags = 1 << 2
	AccessRemoteAtomic AccessFlags = 1 << 3
)

// GID is a 128-bit port network address.
type GID [16]byte

// GIDFromIPv4 builds an IPv4-mapped GID (::ffff:a.b.c.d).
func GIDFromIPv4(ip net.IP) GID {
	var g GID
	v4 := ip.To4()
	if v4 == nil {
		return g
	}
	g[10] = 0xff
	g[11] = 0xff
	copy(g[12:], v4)
	return g
}

// IsIPv4Mapped reports whether the GID encodes an IPv4 address.
func (g GID) IsIPv4Mapped() bool {
	for _, b := range g[:10] {
		if b != 0 {
			return false
		}
	}
	return g[10] == 0xff && g[11] == 0xff
}

// IPv4 returns the embedded IPv4 address, or nil if not IPv4-mapped.
func (g GID) IPv4() net.IP {
	if !g.IsIPv4Mapped() {
		return nil
	}
	return net.IPv4(g[12], g[13], g[14], g[15]).To4()
}

// IsZero reports whether every byte of the GID is zero.
func (g GID) IsZero() bool {
	return g == GID{}
}

// String renders the GID in canonical colon-separated form, the same
// textual form the gids attribute file uses.
func (g GID) String() string {
	return fmt.Sprintf("%04x:%04x:%04x:%04x:%04x:%04x:%04x:%04x",
		uint16(g[0])<<8|uint16(g[1]), uint16(g[2])<<8|uint16(g[3]),
		uint16(g[4])<<8|uint16(g[5]), uint16(g[6])<<8|uint16(g[7]),
		uint16(g[8])<<8|uint16(g[9]), uint16(g[10])<<8|uint16(g[11]),
		uint16(g[12])<<8|uint16(g[13]), uint16(g[14])<<8|uint16(g[15]))
}

// PortState is the logical state of a device port.
type PortState uint8

const (
	PortDown   PortState = 1
	PortActive PortState = 4
)

func (s PortState) String() string {
	switch s {
	case PortDown:
		return "DOWN"
	case PortActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("PortState(%d)", uint8(s))
	}
}

// DeviceAttr describes a device's capabilities.
type DeviceAttr struct {
	FWVersion   string
	NodeGUID    uint64
	MaxQP       int
	MaxCQ       int
	MaxMR       int
	MaxPD       int
	MaxQPWR     int
	MaxSGE      int
	MaxCQE      int
	MaxRDAtomic int
	PhysPortCnt uint8
}

// PortAttr describes the state of a device port.
type PortAttr struct {
	State      PortState
	MaxMTU     MTU
	ActiveMTU  MTU
	GIDTblLen  int
	PkeyTblLen int
	MaxMsgSize uint32
}

// QPCap holds the per-queue sizing requested at QP creation.
type QPCap struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSGE uint32
	MaxRecvSGE uint32
}

// QPInitAttr carries the parameters for creating a queue pair.
type QPInitAttr struct {
	QPType   QPType
	SendCQ   *CQ
	RecvCQ   *CQ
	Cap      QPCap
	SQSigAll bool // every send WR generates a completion regardless of its flags
}

// QPAttr carries the parameters for modifying a queue pair. Which fields
// are consulted is governed by the attr mask of the modify call.
type QPAttr struct {
	State           QPState
	PkeyIndex       uint16
	PortNum         uint8
	Access          AccessFlags
	PathMTU         MTU
	DestQPN         uint32
	RQPSN           uint32
	SQPSN           uint32
	DestGID         GID
	MaxRDAtomic     uint8
	MaxDestRDAtomic uint8
	MinRNRTimer     uint8
	Timeout         uint8
	RetryCnt        uint8
	RNRRetry        uint8
}

// AttrMask selects which QPAttr fields a modify call supplies. Bit
// positions follow the conventional verbs attribute mask.
type AttrMask uint32

const (
	AttrState           AttrMask = 1 << 0
	AttrAccessFlags     AttrMask = 1 << 3
	AttrPkeyIndex       AttrMask = 1 << 4
	AttrPort            AttrMask = 1 << 5
	AttrAV              AttrMask = 1 << 7
	AttrPathMTU         AttrMask = 1 << 8
	AttrTimeout         AttrMask = 1 << 9
	AttrRetryCnt        AttrMask = 1 << 10
	AttrRNRRetry        AttrMask = 1 << 11
	AttrRQPSN           AttrMask = 1 << 12
	AttrMaxRDAtomic     AttrMask = 1 << 13
	AttrMinRNRTimer     AttrMask = 1 << 15
	AttrSQPSN           AttrMask = 1 << 16
	AttrMaxDestRDAtomic AttrMask = 1 << 17
	AttrDestQPN         AttrMask = 1 << 20
)

// attrMaskNames maps single mask bits to the conventional attribute names
// used in error messages.
var attrMaskNames = map[AttrMask]string{
	AttrState:           "state",
	AttrAccessFlags:     "access_flags",
	AttrPkeyIndex:       "pkey_index",
	AttrPort:            "port",
	AttrAV:              "av",
	AttrPathMTU:         "path_mtu",
	AttrTimeout:         "timeout",
	AttrRetryCnt:        "retry_cnt",
	AttrRNRRetry:        "rnr_retry",
	AttrRQPSN:           "rq_psn",
	AttrMaxRDAtomic:     "max_rd_atomic",
	AttrMinRNRTimer:     "min_rnr_timer",
	AttrSQPSN:           "sq_psn",
	AttrMaxDestRDAtomic: "max_dest_rd_atomic",
	AttrDestQPN:         "dest_qp_num",
}
