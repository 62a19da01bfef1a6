package verbs

import "fmt"

// WROpcode identifies the operation a send work request performs.
type WROpcode uint8

const (
	WRSend WROpcode = iota
	WRSendWithImm
	WRRDMAWrite
	WRRDMAWriteWithImm
	WRRDMARead
)

func (op WROpcode) String() string {
	switch op {
	case WRSend:
		return "SEND"
	case WRSendWithImm:
		return "SEND_WITH_IMM"
	case WRRDMAWrite:
		return "RDMA_WRITE"
	case WRRDMAWriteWithImm:
		return "RDMA_WRITE_WITH_IMM"
	case WRRDMARead:
		return "RDMA_READ"
	default:
		return fmt.Sprintf("WROpcode(%d)", uint8(op))
	}
}

// SendFlags carries per-work-request behavior bits.
type SendFlags uint32

const (
	// SendSignaled requests a work completion for this request even on a
	// QP created without SQSigAll.
	SendSignaled SendFlags = 1 << 1
	// SendSolicited marks the message as solicited for the peer's
	// solicited-only completion notification.
	SendSolicited SendFlags = 1 << 2
)

// SGE is one scatter/gather entry of a work request. Addr is a virtual
// address inside the memory region named by Lkey, as reported by the
// region's Addr.
type SGE struct {
	Addr   uint64
	Length uint32
	Lkey   uint32
}

// SendWR is an application-submitted send-side work request. It is
// consumed by posting and never mutated afterwards.
type SendWR struct {
	WrID   uint64
	Opcode WROpcode
	SGList []SGE
	Flags  SendFlags
	Imm    uint32

	// RemoteAddr and RKey address the peer's memory for RDMA opcodes.
	RemoteAddr uint64
	RKey       uint32
}

// RecvWR is an application-submitted receive buffer posting.
type RecvWR struct {
	WrID   uint64
	SGList []SGE
}

// WCStatus is the outcome of a completed work request.
type WCStatus uint8

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocProtErr
	WCLocAccessErr
	WCRemAccessErr
	WCRemInvReqErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCWRFlushErr
	WCGeneralErr
)

func (s WCStatus) String() string {
	switch s {
	case WCSuccess:
		return "success"
	case WCLocLenErr:
		return "local length error"
	case WCLocProtErr:
		return "local protection error"
	case WCLocAccessErr:
		return "local access error"
	case WCRemAccessErr:
		return "remote access error"
	case WCRemInvReqErr:
		return "remote invalid request error"
	case WCRetryExcErr:
		return "transport retry counter exceeded"
	case WCRNRRetryExcErr:
		return "RNR retry counter exceeded"
	case WCWRFlushErr:
		return "work request flushed error"
	case WCGeneralErr:
		return "general error"
	default:
		return fmt.Sprintf("WCStatus(%d)", uint8(s))
	}
}

// WCOpcode identifies the kind of completed work.
type WCOpcode uint8

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpRecv
)

func (op WCOpcode) String() string {
	switch op {
	case WCOpSend:
		return "SEND"
	case WCOpRDMAWrite:
		return "RDMA_WRITE"
	case WCOpRDMARead:
		return "RDMA_READ"
	case WCOpRecv:
		return "RECV"
	default:
		return fmt.Sprintf("WCOpcode(%d)", uint8(op))
	}
}

// WC is a work completion. QPN names the queue the completed request was
// posted to; WrID is the application's correlation identifier.
type WC struct {
	WrID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	ByteLen   uint32
	QPN       uint32
	Imm       uint32
	Solicited bool
}
