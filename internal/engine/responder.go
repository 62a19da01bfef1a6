package engine

import (
	"context"

	"github.com/bluerdma/goverbs/internal/verbs"
)

// handleDataLocked is the responder entry point for one inbound data
// packet. Duplicates are re-acknowledged, gaps are NAKed and dropped,
// and the expected PSN is processed by opcode. It reports true when a
// fatal violation requires the QP to move to ERROR.
func (s *qpSession) handleDataLocked(d *Driver, h header, payload []byte) bool {
	if s.dead {
		return false
	}
	switch cmpPSN(h.psn, s.expPSN) {
	case -1:
		// Duplicate. Reads are re-executed so a lost response stream is
		// rebuilt; anything else is re-acknowledged for the lost ACK.
		if h.op == opReadReq {
			s.streamReadLocked(d, h)
		} else {
			s.sendAckLocked(d, psnPrev(s.expPSN))
		}
		return false
	case 1:
		// One NAK per gap; a burst of out-of-order arrivals must not
		// burn the peer's retry budget.
		if !s.gapNak {
			s.sendNakLocked(d, nakSeq, s.expPSN, 0)
			s.gapNak = true
		}
		return false
	}
	s.gapNak = false

	switch {
	case h.op.isSend():
		return s.recvSendLocked(d, h, payload)
	case h.op.isWrite():
		return s.recvWriteLocked(d, h, payload)
	default: // opReadReq
		return s.recvReadLocked(d, h)
	}
}

// violationLocked ends both sides of the connection: the peer gets a
// fatal NAK and the local QP flushes and fails.
func (s *qpSession) violationLocked(d *Driver, code uint8, psn uint32) bool {
	s.sendNakLocked(d, code, psn, 0)
	s.failLocked(d, verbs.WCWRFlushErr)
	return true
}

func (s *qpSession) recvSendLocked(d *Driver, h header, payload []byte) bool {
	first := h.op == opSendFirst || h.op == opSendOnly
	last := h.op == opSendLast || h.op == opSendOnly
	if first == (s.asm != nil) || s.wframe {
		return s.violationLocked(d, nakInvReq, h.psn)
	}

	if first {
		wr, ok := s.qp.TakeRecv()
		if !ok {
			// Message not started: the PSN stays unconsumed and the
			// peer retries the whole message after its backoff.
			s.sendNakLocked(d, nakRNR, h.psn, uint32(s.qp.MinRNRTimer()))
			return false
		}
		scatter, total, err := resolveSGEs(d.ctx, wr.SGList)
		if err != nil {
			// The posted buffer no longer resolves; its region was
			// deregistered after posting.
			s.pushRecvWCLocked(d, wr.WrID, verbs.WCLocProtErr, 0, 0, false)
			return s.violationLocked(d, nakInvReq, h.psn)
		}
		s.asm = &recvAssembly{wr: wr, scatter: scatter, total: total}
	}

	a := s.asm
	if a.off+uint32(len(payload)) > a.total {
		s.pushRecvWCLocked(d, a.wr.WrID, verbs.WCLocLenErr, a.off, 0, false)
		s.asm = nil
		return s.violationLocked(d, nakInvReq, h.psn)
	}
	scatterCopy(a.scatter, a.off, payload)
	a.off += uint32(len(payload))
	s.expPSN = psnAdd(s.expPSN, 1)

	if last {
		var imm uint32
		if h.flags&flagImm != 0 {
			imm = h.imm
		}
		s.pushRecvWCLocked(d, a.wr.WrID, verbs.WCSuccess, a.off, imm, h.flags&flagSolicited != 0)
		s.msn++
		s.asm = nil
	}
	s.sendAckLocked(d, h.psn)
	return false
}

func (s *qpSession) recvWriteLocked(d *Driver, h header, payload []byte) bool {
	first := h.op == opWriteFirst || h.op == opWriteOnly
	last := h.op == opWriteLast || h.op == opWriteOnly
	if first == s.wframe || s.asm != nil {
		return s.violationLocked(d, nakInvReq, h.psn)
	}
	if first {
		s.wtotal = 0
	}

	if h.length > 0 {
		mr, ok := d.ctx.MRByRKey(h.rkey)
		if !ok || !mr.CheckAccess(verbs.AccessRemoteWrite) {
			return s.violationLocked(d, nakAccess, h.psn)
		}
		dst, err := mr.Slice(h.va, h.length)
		if err != nil {
			return s.violationLocked(d, nakAccess, h.psn)
		}
		copy(dst, payload)
	}

	if last && h.flags&flagImm != 0 {
		wr, ok := s.qp.TakeRecv()
		if !ok {
			// The packet is replayed after the peer's backoff; the
			// memory write above is idempotent.
			s.sendNakLocked(d, nakRNR, h.psn, uint32(s.qp.MinRNRTimer()))
			return false
		}
		s.pushRecvWCLocked(d, wr.WrID, verbs.WCSuccess, s.wtotal+h.length, h.imm, h.flags&flagSolicited != 0)
	}

	s.wtotal += h.length
	s.wframe = !last
	s.expPSN = psnAdd(s.expPSN, 1)
	if last {
		s.msn++
	}
	s.sendAckLocked(d, h.psn)
	return false
}

func (s *qpSession) recvReadLocked(d *Driver, h header) bool {
	if s.asm != nil || s.wframe {
		return s.violationLocked(d, nakInvReq, h.psn)
	}
	if h.length > 0 {
		mr, ok := d.ctx.MRByRKey(h.rkey)
		if !ok || !mr.CheckAccess(verbs.AccessRemoteRead) {
			return s.violationLocked(d, nakAccess, h.psn)
		}
		if _, err := mr.Slice(h.va, h.length); err != nil {
			return s.violationLocked(d, nakAccess, h.psn)
		}
	}
	s.expPSN = psnAdd(s.expPSN, 1)
	s.msn++
	s.streamReadLocked(d, h)
	return false
}

// streamReadLocked answers a read request with its response chunks. The
// source window is resolved fresh on every call, so re-executing a
// duplicate request rereads current memory.
func (s *qpSession) streamReadLocked(d *Driver, h header) {
	var src []byte
	if h.length > 0 {
		mr, ok := d.ctx.MRByRKey(h.rkey)
		if !ok {
			return
		}
		b, err := mr.Slice(h.va, h.length)
		if err != nil {
			return
		}
		src = b
	}

	if len(src) == 0 {
		resp := header{
			op:   opReadRespOnly,
			dqpn: s.dqpn,
			sqpn: s.qp.QPN(),
			psn:  h.psn,
			msn:  s.msn,
		}
		d.output(s, resp, nil)
		return
	}

	mtu := uint32(s.qp.PathMTU().Bytes())
	total := uint32(len(src))
	for off := uint32(0); off < total; off += mtu {
		n := total - off
		if n > mtu {
			n = mtu
		}
		resp := header{
			op:     readRespOp(off == 0, off+n == total),
			dqpn:   s.dqpn,
			sqpn:   s.qp.QPN(),
			psn:    h.psn,
			msn:    s.msn,
			length: n,
			va:     uint64(off),
		}
		d.output(s, resp, src[off:off+n])
	}
}

func (s *qpSession) sendAckLocked(d *Driver, psn uint32) {
	h := header{
		op:   opAck,
		dqpn: s.dqpn,
		sqpn: s.qp.QPN(),
		psn:  psn,
		msn:  s.msn,
	}
	d.output(s, h, nil)
}

func (s *qpSession) sendNakLocked(d *Driver, code uint8, psn, detail uint32) {
	h := header{
		op:    opNak,
		flags: code,
		dqpn:  s.dqpn,
		sqpn:  s.qp.QPN(),
		psn:   psn,
		msn:   s.msn,
		imm:   detail,
	}
	d.output(s, h, nil)
	d.metrics.RecordNak(context.Background())
}

func (s *qpSession) pushRecvWCLocked(d *Driver, wrID uint64, status verbs.WCStatus, n, imm uint32, solicited bool) {
	s.qp.RecvCQ().Push(verbs.WC{
		WrID:      wrID,
		Status:    status,
		Opcode:    verbs.WCOpRecv,
		ByteLen:   n,
		QPN:       s.qp.QPN(),
		Imm:       imm,
		Solicited: solicited,
	})
	ctx := context.Background()
	d.metrics.RecordCompletions(ctx, 1)
	if status != verbs.WCSuccess {
		d.metrics.RecordCompletionError(ctx, status.String())
	}
}
