package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bluerdma/goverbs/internal/verbs"
)

// rnrTimerUS maps the 32 RNR timer encodings to microseconds. Index 0
// is the largest value by convention.
var rnrTimerUS = [32]int64{
	655360, 10, 20, 30, 40, 60, 80, 120,
	160, 240, 300, 480, 640, 960, 1280, 1920,
	2560, 3840, 5120, 7680, 10240, 15360, 20480, 30720,
	40960, 61440, 81920, 122880, 163840, 245760, 327680, 491520,
}

func rnrDelay(index uint8) time.Duration {
	return time.Duration(rnrTimerUS[index&31]) * time.Microsecond
}

// rtoFromTimeout converts the verbs timeout exponent (4.096us << t) to
// a retransmission timeout, floored at min. Zero disables timeouts.
func rtoFromTimeout(t uint8, min time.Duration) time.Duration {
	if t == 0 {
		return 0
	}
	rto := time.Duration(4096<<t) * time.Nanosecond
	if rto < min {
		return min
	}
	return rto
}

func psnAdd(p, n uint32) uint32 { return (p + n) & verbs.PSNMask }

func psnPrev(p uint32) uint32 { return (p + verbs.PSNMask) & verbs.PSNMask }

// cmpPSN compares packet sequence numbers on the 24-bit circular space:
// 1 when a is ahead of b, -1 when behind, 0 when equal.
func cmpPSN(a, b uint32) int {
	d := (a - b) & verbs.PSNMask
	switch {
	case d == 0:
		return 0
	case d < 1<<23:
		return 1
	default:
		return -1
	}
}

// pendingWR is a transmitted send work request awaiting acknowledgement.
// gather aliases the registered memory, so a retransmission rereads the
// region instead of holding a copy.
type pendingWR struct {
	wr       verbs.SendWR
	gather   [][]byte
	total    uint32
	firstPSN uint32
	lastPSN  uint32
	postedAt time.Time
	retries  int
	rnrTries int

	// read response progress
	recvOff  uint32
	readDone bool
}

// qpSession is the per-QP transport state: requester bookkeeping for
// posted sends on one side, responder bookkeeping for inbound messages
// on the other. It is created when the QP reaches RTR and discarded on
// reset, error or destroy.
type qpSession struct {
	qp       *verbs.QP
	dqpn     uint32
	peer     *net.UDPAddr
	loopback bool

	mu   sync.Mutex
	dead bool

	// requester side
	armed      bool
	nextPSN    uint32
	ackedPSN   uint32
	inflight   []*pendingWR
	progressAt time.Time
	rto        time.Duration
	retryLimit uint8
	rnrLimit   uint8
	maxReads   int
	reads      int
	rnrWait    bool
	resumeAt   time.Time

	// responder side
	expPSN uint32
	msn    uint16
	asm    *recvAssembly
	wframe bool
	wtotal uint32
	gapNak bool
}

// recvAssembly is an in-progress inbound message landing in a consumed
// receive buffer.
type recvAssembly struct {
	wr      verbs.RecvWR
	scatter [][]byte
	total   uint32
	off     uint32
}

// resolveSGEs maps a scatter/gather list to the backing memory windows.
// Zero-length entries are skipped.
func resolveSGEs(c *verbs.Context, sges []verbs.SGE) ([][]byte, uint32, error) {
	out := make([][]byte, 0, len(sges))
	var total uint32
	for i := range sges {
		if sges[i].Length == 0 {
			continue
		}
		mr, ok := c.MRByLKey(sges[i].Lkey)
		if !ok {
			return nil, 0, fmt.Errorf("lkey %#x unknown: %w", sges[i].Lkey, verbs.ErrInvalidArgument)
		}
		b, err := mr.Slice(sges[i].Addr, sges[i].Length)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
		total += sges[i].Length
	}
	return out, total, nil
}

// gatherCopy copies n bytes starting at linear offset off out of the
// gather list.
func gatherCopy(gather [][]byte, off, n uint32) []byte {
	if n == 0 {
		return nil
	}
	out := make([]byte, 0, n)
	pos := uint32(0)
	for _, b := range gather {
		bl := uint32(len(b))
		if pos+bl <= off {
			pos += bl
			continue
		}
		start := uint32(0)
		if off > pos {
			start = off - pos
		}
		take := bl - start
		if remain := n - uint32(len(out)); take > remain {
			take = remain
		}
		out = append(out, b[start:start+take]...)
		pos += bl
		if uint32(len(out)) == n {
			break
		}
	}
	return out
}

// scatterCopy copies src into the scatter list starting at linear offset
// off and returns how many bytes landed.
func scatterCopy(scatter [][]byte, off uint32, src []byte) uint32 {
	copied := uint32(0)
	pos := uint32(0)
	for _, b := range scatter {
		bl := uint32(len(b))
		if pos+bl <= off {
			pos += bl
			continue
		}
		start := uint32(0)
		if off > pos {
			start = off - pos
		}
		n := copy(b[start:], src[copied:])
		copied += uint32(n)
		pos += bl
		if int(copied) == len(src) {
			break
		}
	}
	return copied
}

func wcOpcodeFor(op verbs.WROpcode) verbs.WCOpcode {
	switch op {
	case verbs.WRRDMAWrite, verbs.WRRDMAWriteWithImm:
		return verbs.WCOpRDMAWrite
	case verbs.WRRDMARead:
		return verbs.WCOpRDMARead
	default:
		return verbs.WCOpSend
	}
}

// postLocked applies the posting contract to a batch: the queue bound,
// per-request validation, the outstanding-read bound, then transmit.
func (s *qpSession) postLocked(d *Driver, qp *verbs.QP, wrs []verbs.SendWR) (int, error) {
	if s.dead {
		return 0, fmt.Errorf("post_send on failed connection: %w", verbs.ErrStateConflict)
	}
	for i := range wrs {
		if len(s.inflight) >= int(qp.Cap().MaxSendWR) {
			return i, fmt.Errorf("wr %d: send queue full: %w", i, verbs.ErrResourceExhausted)
		}
		if err := verbs.ValidateSendWR(qp, &wrs[i]); err != nil {
			return i, fmt.Errorf("wr %d: %w", i, err)
		}
		if wrs[i].Opcode == verbs.WRRDMARead && s.reads >= s.maxReads {
			return i, fmt.Errorf("wr %d: outstanding read limit %d: %w", i, s.maxReads, verbs.ErrResourceExhausted)
		}
		p, err := s.enqueueLocked(d, &wrs[i])
		if err != nil {
			return i, fmt.Errorf("wr %d: %w", i, err)
		}
		s.transmitLocked(d, p, p.firstPSN)
	}
	return len(wrs), nil
}

// enqueueLocked resolves the request's memory, assigns its PSN range and
// appends it to the in-flight queue.
func (s *qpSession) enqueueLocked(d *Driver, wr *verbs.SendWR) (*pendingWR, error) {
	gather, total, err := resolveSGEs(d.ctx, wr.SGList)
	if err != nil {
		return nil, err
	}
	npkts := uint32(1)
	if wr.Opcode != verbs.WRRDMARead && total > 0 {
		mtu := uint32(s.qp.PathMTU().Bytes())
		npkts = (total + mtu - 1) / mtu
	}
	p := &pendingWR{
		wr:       *wr,
		gather:   gather,
		total:    total,
		firstPSN: s.nextPSN,
		lastPSN:  psnAdd(s.nextPSN, npkts-1),
		postedAt: time.Now(),
	}
	s.nextPSN = psnAdd(s.nextPSN, npkts)
	if wr.Opcode == verbs.WRRDMARead {
		s.reads++
	}
	s.inflight = append(s.inflight, p)
	return p, nil
}

// transmitLocked sends the request's packets with PSN at or after from.
// Retransmissions pass the first unacknowledged PSN.
func (s *qpSession) transmitLocked(d *Driver, p *pendingWR, from uint32) {
	s.progressAt = time.Now()
	qpn := s.qp.QPN()

	if p.wr.Opcode == verbs.WRRDMARead {
		h := header{
			op:     opReadReq,
			dqpn:   s.dqpn,
			sqpn:   qpn,
			psn:    p.firstPSN,
			length: p.total,
			va:     p.wr.RemoteAddr,
			rkey:   p.wr.RKey,
		}
		d.output(s, h, nil)
		return
	}

	mtu := uint32(s.qp.PathMTU().Bytes())
	npkts := ((p.lastPSN - p.firstPSN) & verbs.PSNMask) + 1
	isWrite := p.wr.Opcode == verbs.WRRDMAWrite || p.wr.Opcode == verbs.WRRDMAWriteWithImm
	hasImm := p.wr.Opcode == verbs.WRSendWithImm || p.wr.Opcode == verbs.WRRDMAWriteWithImm

	for k := uint32(0); k < npkts; k++ {
		psn := psnAdd(p.firstPSN, k)
		if cmpPSN(psn, from) < 0 {
			continue
		}
		off := k * mtu
		n := p.total - off
		if n > mtu {
			n = mtu
		}
		first := k == 0
		last := k == npkts-1

		h := header{
			dqpn:   s.dqpn,
			sqpn:   qpn,
			psn:    psn,
			length: n,
		}
		if isWrite {
			h.op = writeOp(first, last)
			h.va = p.wr.RemoteAddr + uint64(off)
			h.rkey = p.wr.RKey
		} else {
			h.op = sendOp(first, last)
		}
		if last {
			if hasImm {
				h.flags |= flagImm
				h.imm = p.wr.Imm
			}
			if p.wr.Flags&verbs.SendSolicited != 0 {
				h.flags |= flagSolicited
			}
		}
		d.output(s, h, gatherCopy(p.gather, off, n))
	}
}

// handleAckLocked applies a cumulative acknowledgement and completes
// satisfied requests in submission order.
func (s *qpSession) handleAckLocked(d *Driver, h header) {
	if !s.armed || s.dead {
		return
	}
	if cmpPSN(h.psn, s.ackedPSN) <= 0 || cmpPSN(h.psn, s.nextPSN) >= 0 {
		return
	}
	s.ackedPSN = h.psn
	s.progressAt = time.Now()
	s.rnrWait = false
	s.advanceLocked(d)
}

// handleNakLocked reacts to a negative acknowledgement. It reports true
// when the connection must move to ERROR.
func (s *qpSession) handleNakLocked(d *Driver, h header) bool {
	if !s.armed || s.dead || len(s.inflight) == 0 {
		return false
	}
	head := s.inflight[0]
	switch h.flags {
	case nakSeq:
		head.retries++
		if head.retries > int(s.retryLimit) {
			s.failLocked(d, verbs.WCRetryExcErr)
			return true
		}
		d.metrics.RecordRetransmit(context.Background())
		s.resendLocked(d, h.psn)
	case nakRNR:
		head.rnrTries++
		if s.rnrLimit != 7 && head.rnrTries > int(s.rnrLimit) {
			s.failLocked(d, verbs.WCRNRRetryExcErr)
			return true
		}
		s.rnrWait = true
		s.resumeAt = time.Now().Add(rnrDelay(uint8(h.imm)))
	case nakInvReq:
		s.failLocked(d, verbs.WCRemInvReqErr)
		return true
	case nakAccess:
		s.failLocked(d, verbs.WCRemAccessErr)
		return true
	}
	return false
}

// handleReadRespLocked lands one read response chunk. Chunks arriving
// out of order are dropped; the request timeout recovers the stream.
func (s *qpSession) handleReadRespLocked(d *Driver, h header, payload []byte) {
	if !s.armed || s.dead {
		return
	}
	var p *pendingWR
	for _, q := range s.inflight {
		if q.wr.Opcode == verbs.WRRDMARead && q.firstPSN == h.psn {
			p = q
			break
		}
	}
	if p == nil || p.readDone {
		return
	}
	if h.va != uint64(p.recvOff) || uint32(len(payload)) != h.length {
		return
	}
	if p.recvOff+h.length > p.total {
		return
	}
	scatterCopy(p.gather, p.recvOff, payload)
	p.recvOff += h.length
	s.progressAt = time.Now()

	if h.op.lastInMsg() && p.recvOff == p.total {
		p.readDone = true
		if cmpPSN(h.psn, s.ackedPSN) > 0 && cmpPSN(h.psn, s.nextPSN) < 0 {
			s.ackedPSN = h.psn
		}
		s.advanceLocked(d)
	}
}

// advanceLocked completes in-flight requests from the head while they
// are satisfied, preserving submission order.
func (s *qpSession) advanceLocked(d *Driver) {
	for len(s.inflight) > 0 {
		p := s.inflight[0]
		if p.wr.Opcode == verbs.WRRDMARead {
			if !p.readDone {
				return
			}
		} else if cmpPSN(s.ackedPSN, p.lastPSN) < 0 {
			return
		}
		s.inflight = s.inflight[1:]
		if p.wr.Opcode == verbs.WRRDMARead {
			s.reads--
		}
		s.completeLocked(d, p, verbs.WCSuccess, false)
	}
}

// completeLocked surfaces one send-side completion, honoring selective
// signaling unless force is set.
func (s *qpSession) completeLocked(d *Driver, p *pendingWR, status verbs.WCStatus, force bool) {
	if !force && !s.qp.SQSigAll() && p.wr.Flags&verbs.SendSignaled == 0 {
		return
	}
	s.qp.SendCQ().Push(verbs.WC{
		WrID:    p.wr.WrID,
		Status:  status,
		Opcode:  wcOpcodeFor(p.wr.Opcode),
		ByteLen: p.total,
		QPN:     s.qp.QPN(),
	})
	ctx := context.Background()
	d.metrics.RecordCompletions(ctx, 1)
	if status == verbs.WCSuccess {
		d.metrics.RecordCompletionLatency(ctx, time.Since(p.postedAt))
	} else {
		d.metrics.RecordCompletionError(ctx, status.String())
	}
}

// failLocked ends the connection's send side: the head request reports
// its true status, the rest flush, and the session goes dead. The caller
// moves the QP to ERROR after releasing the lock.
func (s *qpSession) failLocked(d *Driver, status verbs.WCStatus) {
	if s.dead {
		return
	}
	s.dead = true
	for i, p := range s.inflight {
		if i == 0 && status != verbs.WCWRFlushErr {
			s.completeLocked(d, p, status, true)
			continue
		}
		s.completeLocked(d, p, verbs.WCWRFlushErr, false)
	}
	s.inflight = nil
	s.reads = 0
}

// resendLocked retransmits everything unacknowledged from the given PSN.
// Reads whose response stream is incomplete are re-issued even when a
// later cumulative ACK already covered their request PSN.
func (s *qpSession) resendLocked(d *Driver, from uint32) {
	if cmpPSN(from, s.ackedPSN) <= 0 {
		from = psnAdd(s.ackedPSN, 1)
	}
	for _, p := range s.inflight {
		if p.wr.Opcode == verbs.WRRDMARead {
			if !p.readDone {
				s.transmitLocked(d, p, p.firstPSN)
			}
			continue
		}
		if cmpPSN(p.lastPSN, from) < 0 {
			continue
		}
		s.transmitLocked(d, p, from)
	}
}

// tickLocked drives timeout retransmission and RNR resume. It reports
// true when the retry budget is exhausted and the QP must fail.
func (s *qpSession) tickLocked(d *Driver, now time.Time) bool {
	if s.dead || !s.armed || len(s.inflight) == 0 {
		return false
	}
	if s.rnrWait {
		if now.Before(s.resumeAt) {
			return false
		}
		s.rnrWait = false
		d.metrics.RecordRetransmit(context.Background())
		s.resendLocked(d, psnAdd(s.ackedPSN, 1))
		return false
	}
	if s.rto == 0 || now.Sub(s.progressAt) < s.rto {
		return false
	}
	head := s.inflight[0]
	head.retries++
	if head.retries > int(s.retryLimit) {
		s.failLocked(d, verbs.WCRetryExcErr)
		return true
	}
	d.metrics.RecordRetransmit(context.Background())
	s.resendLocked(d, psnAdd(s.ackedPSN, 1))
	return false
}
