package engine

import (
	"encoding/binary"
	"fmt"
)

// opcode identifies a data path packet. Messages larger than the path
// MTU are framed FIRST/MIDDLE/LAST; single-packet messages use ONLY.
type opcode uint8

const (
	opSendFirst opcode = iota
	opSendMiddle
	opSendLast
	opSendOnly
	opWriteFirst
	opWriteMiddle
	opWriteLast
	opWriteOnly
	opReadReq
	opReadRespFirst
	opReadRespMiddle
	opReadRespLast
	opReadRespOnly
	opAck
	opNak
)

func (op opcode) String() string {
	switch op {
	case opSendFirst:
		return "SEND_FIRST"
	case opSendMiddle:
		return "SEND_MIDDLE"
	case opSendLast:
		return "SEND_LAST"
	case opSendOnly:
		return "SEND_ONLY"
	case opWriteFirst:
		return "WRITE_FIRST"
	case opWriteMiddle:
		return "WRITE_MIDDLE"
	case opWriteLast:
		return "WRITE_LAST"
	case opWriteOnly:
		return "WRITE_ONLY"
	case opReadReq:
		return "READ_REQ"
	case opReadRespFirst:
		return "READ_RESP_FIRST"
	case opReadRespMiddle:
		return "READ_RESP_MIDDLE"
	case opReadRespLast:
		return "READ_RESP_LAST"
	case opReadRespOnly:
		return "READ_RESP_ONLY"
	case opAck:
		return "ACK"
	case opNak:
		return "NAK"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

func (op opcode) isSend() bool {
	return op >= opSendFirst && op <= opSendOnly
}

func (op opcode) isWrite() bool {
	return op >= opWriteFirst && op <= opWriteOnly
}

func (op opcode) isReadResp() bool {
	return op >= opReadRespFirst && op <= opReadRespOnly
}

// isData reports whether the packet consumes a PSN at the responder.
func (op opcode) isData() bool {
	return op.isSend() || op.isWrite() || op == opReadReq
}

// firstInMsg reports whether the packet opens a message.
func (op opcode) firstInMsg() bool {
	switch op {
	case opSendFirst, opSendOnly, opWriteFirst, opWriteOnly,
		opReadRespFirst, opReadRespOnly:
		return true
	}
	return false
}

// lastInMsg reports whether the packet closes a message.
func (op opcode) lastInMsg() bool {
	switch op {
	case opSendLast, opSendOnly, opWriteLast, opWriteOnly,
		opReadRespLast, opReadRespOnly:
		return true
	}
	return false
}

func sendOp(first, last bool) opcode {
	switch {
	case first && last:
		return opSendOnly
	case first:
		return opSendFirst
	case last:
		return opSendLast
	default:
		return opSendMiddle
	}
}

func writeOp(first, last bool) opcode {
	switch {
	case first && last:
		return opWriteOnly
	case first:
		return opWriteFirst
	case last:
		return opWriteLast
	default:
		return opWriteMiddle
	}
}

func readRespOp(first, last bool) opcode {
	switch {
	case first && last:
		return opReadRespOnly
	case first:
		return opReadRespFirst
	case last:
		return opReadRespLast
	default:
		return opReadRespMiddle
	}
}

// Header flag bits for data packets.
const (
	flagSolicited uint8 = 1 << 0 // request a solicited event at the peer
	flagImm       uint8 = 1 << 1 // immediate data present
)

// NAK codes, carried in the flags field of an opNak packet. An RNR NAK
// additionally carries the responder's minimum RNR timer index in imm.
const (
	nakSeq    uint8 = 1 // PSN gap; resend from the carried PSN
	nakRNR    uint8 = 2 // no receive buffer posted; retry after backoff
	nakInvReq uint8 = 3 // framing or length violation, fatal
	nakAccess uint8 = 4 // remote key, range or permission failure, fatal
)

// headerSize is the fixed wire header length in bytes.
const headerSize = 36

// header is the fixed header every data path packet starts with. All
// multi-byte fields are big-endian on the wire.
//
// Field use varies by opcode: va carries the target address for WRITE
// packets and READ_REQ, and the byte offset within the response for
// READ_RESP packets. length is the payload size, or the requested size
// for READ_REQ. psn is cumulative for ACK; for READ_RESP it repeats the
// request's PSN. imm carries immediate data, or the RNR timer index on
// an RNR NAK.
type header struct {
	op     opcode
	flags  uint8
	dqpn   uint32
	sqpn   uint32
	psn    uint32
	msn    uint16
	length uint32
	va     uint64
	rkey   uint32
	imm    uint32
}

func (h *header) marshal(b []byte) {
	b[0] = byte(h.op)
	b[1] = h.flags
	binary.BigEndian.PutUint32(b[2:6], h.dqpn)
	binary.BigEndian.PutUint32(b[6:10], h.sqpn)
	binary.BigEndian.PutUint32(b[10:14], h.psn)
	binary.BigEndian.PutUint16(b[14:16], h.msn)
	binary.BigEndian.PutUint32(b[16:20], h.length)
	binary.BigEndian.PutUint64(b[20:28], h.va)
	binary.BigEndian.PutUint32(b[28:32], h.rkey)
	binary.BigEndian.PutUint32(b[32:36], h.imm)
}

func parseHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, fmt.Errorf("packet too short: %d bytes", len(b))
	}
	h := header{
		op:     opcode(b[0]),
		flags:  b[1],
		dqpn:   binary.BigEndian.Uint32(b[2:6]),
		sqpn:   binary.BigEndian.Uint32(b[6:10]),
		psn:    binary.BigEndian.Uint32(b[10:14]),
		msn:    binary.BigEndian.Uint16(b[14:16]),
		length: binary.BigEndian.Uint32(b[16:20]),
		va:     binary.BigEndian.Uint64(b[20:28]),
		rkey:   binary.BigEndian.Uint32(b[28:32]),
		imm:    binary.BigEndian.Uint32(b[32:36]),
	}
	if h.op > opNak {
		return header{}, fmt.Errorf("unknown opcode %d", b[0])
	}
	if int(h.length) != len(b)-headerSize && h.op != opReadReq {
		return header{}, fmt.Errorf("length %d does not match payload %d", h.length, len(b)-headerSize)
	}
	return h, nil
}
