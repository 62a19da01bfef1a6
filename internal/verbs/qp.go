package verbs

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Required attribute masks per target state. A modify call must supply
// at least these fields; missing any of them fails with invalid-argument
// and leaves the QP untouched.
const (
	reqInitMask = AttrState | AttrPkeyIndex | AttrPort | AttrAccessFlags
	reqRTRMask  = AttrState | AttrAV | AttrPathMTU | AttrDestQPN | AttrRQPSN |
		AttrMaxDestRDAtomic | AttrMinRNRTimer
	reqRTSMask = AttrState | AttrTimeout | AttrRetryCnt | AttrRNRRetry |
		AttrSQPSN | AttrMaxRDAtomic
)

// QP is a queue pair: the unit of connection. It is created in RESET and
// driven through INIT, RTR and RTS by Modify; ERROR is terminal except
// for an explicit reset. Send and receive work requests are queued here
// and complete on the bound CQs.
type QP struct {
	ctx *Context
	pd  *PD
	qpn uint32
	idx int

	qpType   QPType
	sendCQ   *CQ
	recvCQ   *CQ
	cap      QPCap
	sqSigAll bool

	mu    sync.Mutex
	state QPState

	portNum   uint8
	pkeyIndex uint16
	access    AccessFlags

	pathMTU         MTU
	destQPN         uint32
	destGID         GID
	rqPSN           uint32
	sqPSN           uint32
	maxRDAtomic     uint8
	maxDestRDAtomic uint8
	minRNRTimer     uint8
	timeout         uint8
	retryCnt        uint8
	rnrRetry        uint8

	sendQ []SendWR
	recvQ []RecvWR
}

// QPN returns the queue pair number.
func (q *QP) QPN() uint32 { return q.qpn }

// PD returns the owning protection domain.
func (q *QP) PD() *PD { return q.pd }

// Context returns the owning context.
func (q *QP) Context() *Context { return q.ctx }

// Type returns the transport service type.
func (q *QP) Type() QPType { return q.qpType }

// SendCQ returns the CQ send completions land on.
func (q *QP) SendCQ() *CQ { return q.sendCQ }

// RecvCQ returns the CQ receive completions land on.
func (q *QP) RecvCQ() *CQ { return q.recvCQ }

// Cap returns the queue sizing fixed at creation.
func (q *QP) Cap() QPCap { return q.cap }

// SQSigAll reports whether every send work request completes regardless
// of its signal flag.
func (q *QP) SQSigAll() bool { return q.sqSigAll }

// State returns the current connection state.
func (q *QP) State() QPState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// PathMTU returns the negotiated path MTU; valid from RTR.
func (q *QP) PathMTU() MTU {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pathMTU
}

// DestQPN returns the peer queue pair number; valid from RTR.
func (q *QP) DestQPN() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destQPN
}

// DestGID returns the peer network address; valid from RTR.
func (q *QP) DestGID() GID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destGID
}

// RQPSN returns the expected initial receive packet sequence number.
func (q *QP) RQPSN() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rqPSN
}

// SQPSN returns the initial send packet sequence number; valid from RTS.
func (q *QP) SQPSN() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sqPSN
}

// Timeout returns the retransmission timeout exponent; valid from RTS.
func (q *QP) Timeout() uint8 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timeout
}

// RetryCnt returns the transport retry budget; valid from RTS.
func (q *QP) RetryCnt() uint8 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retryCnt
}

// RNRRetry returns the receiver-not-ready retry budget; valid from RTS.
func (q *QP) RNRRetry() uint8 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rnrRetry
}

// MinRNRTimer returns the RNR NAK timer index; valid from RTR.
func (q *QP) MinRNRTimer() uint8 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.minRNRTimer
}

// Modify drives the connection state machine.
func (q *QP) Modify(attr *QPAttr, mask AttrMask) error {
	if q.ctx.ops.ModifyQP == nil {
		return notSupported("modify_qp")
	}
	return q.ctx.ops.ModifyQP(q, attr, mask)
}

// Query returns a snapshot of the QP's attributes.
func (q *QP) Query() (*QPAttr, error) {
	if q.ctx.ops.QueryQP == nil {
		return nil, notSupported("query_qp")
	}
	return q.ctx.ops.QueryQP(q)
}

// PostSend posts a batch of send work requests. It returns how many of
// the batch were accepted; on error the batch stopped at the first
// rejected request and the accepted prefix stays queued.
func (q *QP) PostSend(wrs []SendWR) (int, error) {
	if q.ctx.ops.PostSend == nil {
		return 0, notSupported("post_send")
	}
	return q.ctx.ops.PostSend(q, wrs)
}

// PostRecv posts a batch of receive buffers, with the same partial-batch
// contract as PostSend.
func (q *QP) PostRecv(wrs []RecvWR) (int, error) {
	if q.ctx.ops.PostRecv == nil {
		return 0, notSupported("post_recv")
	}
	return q.ctx.ops.PostRecv(q, wrs)
}

// Destroy releases the queue pair from any state. Queued signaled work
// flushes with a flush status; unsignaled work is discarded.
func (q *QP) Destroy() error {
	if q.ctx.ops.DestroyQP == nil {
		return notSupported("destroy_qp")
	}
	return q.ctx.ops.DestroyQP(q)
}

// TakeRecv pops the oldest posted receive buffer. Backends consume
// receive buffers in posting order as messages arrive.
func (q *QP) TakeRecv() (RecvWR, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.recvQ) == 0 {
		return RecvWR{}, false
	}
	wr := q.recvQ[0]
	q.recvQ = q.recvQ[1:]
	return wr, true
}

// CmdCreateQP is the core implementation of the create_qp slot.
func CmdCreateQP(pd *PD, attr *QPInitAttr) (*QP, error) {
	c := pd.ctx
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if attr == nil {
		return nil, fmt.Errorf("nil init attr: %w", ErrInvalidArgument)
	}
	if attr.QPType != QPTypeRC {
		return nil, fmt.Errorf("qp type %s: %w", attr.QPType, ErrNotSupported)
	}
	if attr.SendCQ == nil || attr.RecvCQ == nil {
		return nil, fmt.Errorf("send and recv CQ required: %w", ErrInvalidArgument)
	}
	if attr.SendCQ.ctx != c || attr.RecvCQ.ctx != c {
		return nil, fmt.Errorf("CQ from foreign context: %w", ErrInvalidArgument)
	}
	cap := attr.Cap
	switch {
	case cap.MaxSendWR == 0 || cap.MaxRecvWR == 0 || cap.MaxSendSGE == 0 || cap.MaxRecvSGE == 0:
		return nil, fmt.Errorf("qp capabilities must be non-zero: %w", ErrInvalidArgument)
	case cap.MaxSendWR > MaxQPWR || cap.MaxRecvWR > MaxQPWR:
		return nil, fmt.Errorf("qp queue depth exceeds maximum %d: %w", MaxQPWR, ErrInvalidArgument)
	case cap.MaxSendSGE > MaxSGE || cap.MaxRecvSGE > MaxSGE:
		return nil, fmt.Errorf("qp sge count exceeds maximum %d: %w", MaxSGE, ErrInvalidArgument)
	}

	qp := &QP{
		ctx:      c,
		pd:       pd,
		qpType:   attr.QPType,
		sendCQ:   attr.SendCQ,
		recvCQ:   attr.RecvCQ,
		cap:      cap,
		sqSigAll: attr.SQSigAll,
		state:    QPStateReset,
	}
	c.mu.Lock()
	idx, ok := c.qps.alloc(qp)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("QP table full (%d): %w", MaxQPCount, ErrResourceExhausted)
	}
	qp.idx = idx
	qp.qpn = uint32(idx) + FirstQPN
	log.Debug().
		Str("device", c.dev.Name()).
		Uint32("qpn", qp.qpn).
		Str("type", qp.qpType.String()).
		Msg("Created QP")
	return qp, nil
}

// CmdQueryQP is the core implementation of the query_qp slot.
func CmdQueryQP(qp *QP) (*QPAttr, error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return &QPAttr{
		State:           qp.state,
		PkeyIndex:       qp.pkeyIndex,
		PortNum:         qp.portNum,
		Access:          qp.access,
		PathMTU:         qp.pathMTU,
		DestQPN:         qp.destQPN,
		RQPSN:           qp.rqPSN,
		SQPSN:           qp.sqPSN,
		DestGID:         qp.destGID,
		MaxRDAtomic:     qp.maxRDAtomic,
		MaxDestRDAtomic: qp.maxDestRDAtomic,
		MinRNRTimer:     qp.minRNRTimer,
		Timeout:         qp.timeout,
		RetryCnt:        qp.retryCnt,
		RNRRetry:        qp.rnrRetry,
	}, nil
}

// CmdModifyQP is the core implementation of the modify_qp slot: the
// connection state machine. All validation happens before any field is
// written, so a failed call leaves the QP exactly as it was.
func CmdModifyQP(qp *QP, attr *QPAttr, mask AttrMask) error {
	if attr == nil {
		return fmt.Errorf("nil attr: %w", ErrInvalidArgument)
	}
	if mask&AttrState == 0 {
		return fmt.Errorf("modify without state: %w", ErrInvalidArgument)
	}

	qp.mu.Lock()
	defer qp.mu.Unlock()

	switch attr.State {
	case QPStateReset:
		qp.resetLocked()
	case QPStateInit:
		if qp.state != QPStateReset {
			return fmt.Errorf("%s to INIT: %w", qp.state, ErrStateConflict)
		}
		if err := checkRequired(mask, reqInitMask, QPStateInit); err != nil {
			return err
		}
		pa, err := qp.ctx.dev.hd.PortAttr(attr.PortNum)
		if err != nil {
			return fmt.Errorf("port %d: %w", attr.PortNum, ErrInvalidArgument)
		}
		if int(attr.PkeyIndex) >= pa.PkeyTblLen {
			return fmt.Errorf("pkey index %d out of range: %w", attr.PkeyIndex, ErrInvalidArgument)
		}
		qp.portNum = attr.PortNum
		qp.pkeyIndex = attr.PkeyIndex
		qp.access = attr.Access
		qp.state = QPStateInit
	case QPStateRTR:
		if qp.state != QPStateInit {
			return fmt.Errorf("%s to RTR: %w", qp.state, ErrStateConflict)
		}
		if err := checkRequired(mask, reqRTRMask, QPStateRTR); err != nil {
			return err
		}
		if attr.PathMTU.Bytes() == 0 {
			return fmt.Errorf("path mtu %d: %w", attr.PathMTU, ErrInvalidArgument)
		}
		if attr.DestGID.IsZero() {
			return fmt.Errorf("zero destination gid: %w", ErrInvalidArgument)
		}
		if attr.DestQPN > PSNMask {
			return fmt.Errorf("dest qpn %d out of range: %w", attr.DestQPN, ErrInvalidArgument)
		}
		if int(attr.MaxDestRDAtomic) > MaxRDAtomic {
			return fmt.Errorf("max dest rd atomic %d out of range: %w", attr.MaxDestRDAtomic, ErrInvalidArgument)
		}
		if attr.MinRNRTimer > 31 {
			return fmt.Errorf("min rnr timer %d out of range: %w", attr.MinRNRTimer, ErrInvalidArgument)
		}
		qp.pathMTU = attr.PathMTU
		qp.destQPN = attr.DestQPN
		qp.destGID = attr.DestGID
		qp.rqPSN = attr.RQPSN & PSNMask
		qp.maxDestRDAtomic = attr.MaxDestRDAtomic
		qp.minRNRTimer = attr.MinRNRTimer
		qp.state = QPStateRTR
	case QPStateRTS:
		if qp.state != QPStateRTR {
			return fmt.Errorf("%s to RTS: %w", qp.state, ErrStateConflict)
		}
		if err := checkRequired(mask, reqRTSMask, QPStateRTS); err != nil {
			return err
		}
		if attr.Timeout > 31 {
			return fmt.Errorf("timeout %d out of range: %w", attr.Timeout, ErrInvalidArgument)
		}
		if attr.RetryCnt > 7 {
			return fmt.Errorf("retry cnt %d out of range: %w", attr.RetryCnt, ErrInvalidArgument)
		}
		if attr.RNRRetry > 7 {
			return fmt.Errorf("rnr retry %d out of range: %w", attr.RNRRetry, ErrInvalidArgument)
		}
		if int(attr.MaxRDAtomic) > MaxRDAtomic {
			return fmt.Errorf("max rd atomic %d out of range: %w", attr.MaxRDAtomic, ErrInvalidArgument)
		}
		qp.timeout = attr.Timeout
		qp.retryCnt = attr.RetryCnt
		qp.rnrRetry = attr.RNRRetry
		qp.sqPSN = attr.SQPSN & PSNMask
		qp.maxRDAtomic = attr.MaxRDAtomic
		qp.state = QPStateRTS
	case QPStateError:
		qp.toErrorLocked()
	default:
		return fmt.Errorf("target state %s: %w", attr.State, ErrInvalidArgument)
	}

	log.Debug().
		Str("device", qp.ctx.dev.Name()).
		Uint32("qpn", qp.qpn).
		Str("state", qp.state.String()).
		Msg("QP state changed")
	return nil
}

func checkRequired(mask, required AttrMask, target QPState) error {
	missing := required &^ mask
	if missing == 0 {
		return nil
	}
	for bit := AttrMask(1); bit != 0; bit <<= 1 {
		if missing&bit != 0 {
			return missingAttr(target, bit)
		}
	}
	return nil
}

// resetLocked returns the QP to RESET: connection attributes clear and
// queued work is discarded without completions.
func (q *QP) resetLocked() {
	q.state = QPStateReset
	q.portNum = 0
	q.pkeyIndex = 0
	q.access = 0
	q.pathMTU = 0
	q.destQPN = 0
	q.destGID = GID{}
	q.rqPSN = 0
	q.sqPSN = 0
	q.maxRDAtomic = 0
	q.maxDestRDAtomic = 0
	q.minRNRTimer = 0
	q.timeout = 0
	q.retryCnt = 0
	q.rnrRetry = 0
	q.sendQ = nil
	q.recvQ = nil
}

// toErrorLocked moves the QP to ERROR and flushes queued work: signaled
// sends and all receives surface flush completions, unsignaled sends are
// discarded.
func (q *QP) toErrorLocked() {
	q.state = QPStateError
	q.flushLocked()
}

func (q *QP) flushLocked() {
	for _, wr := range q.sendQ {
		if !q.sqSigAll && wr.Flags&SendSignaled == 0 {
			continue
		}
		q.sendCQ.Push(WC{
			WrID:   wr.WrID,
			Status: WCWRFlushErr,
			Opcode: sendOpcodeToWC(wr.Opcode),
			QPN:    q.qpn,
		})
	}
	for _, wr := range q.recvQ {
		q.recvCQ.Push(WC{
			WrID:   wr.WrID,
			Status: WCWRFlushErr,
			Opcode: WCOpRecv,
			QPN:    q.qpn,
		})
	}
	q.sendQ = nil
	q.recvQ = nil
}

func sendOpcodeToWC(op WROpcode) WCOpcode {
	switch op {
	case WRRDMAWrite, WRRDMAWriteWithImm:
		return WCOpRDMAWrite
	case WRRDMARead:
		return WCOpRDMARead
	default:
		return WCOpSend
	}
}

// ValidateSendWR applies the per-request checks of the posting contract:
// scatter/gather limits, key ownership, range and access. Backends that
// override post_send reuse it so validation stays identical.
func ValidateSendWR(qp *QP, wr *SendWR) error {
	switch wr.Opcode {
	case WRSend, WRSendWithImm, WRRDMAWrite, WRRDMAWriteWithImm, WRRDMARead:
	default:
		return fmt.Errorf("opcode %s: %w", wr.Opcode, ErrNotSupported)
	}
	if len(wr.SGList) > int(qp.cap.MaxSendSGE) {
		return fmt.Errorf("%d sges exceeds qp max %d: %w", len(wr.SGList), qp.cap.MaxSendSGE, ErrInvalidArgument)
	}
	need := AccessFlags(0)
	if wr.Opcode == WRRDMARead {
		need = AccessLocalWrite
	}
	for i := range wr.SGList {
		if err := checkSGE(qp, &wr.SGList[i], need); err != nil {
			return fmt.Errorf("sge %d: %w", i, err)
		}
	}
	return nil
}

// ValidateRecvWR applies the per-request checks for receive postings.
func ValidateRecvWR(qp *QP, wr *RecvWR) error {
	if len(wr.SGList) > int(qp.cap.MaxRecvSGE) {
		return fmt.Errorf("%d sges exceeds qp max %d: %w", len(wr.SGList), qp.cap.MaxRecvSGE, ErrInvalidArgument)
	}
	for i := range wr.SGList {
		if err := checkSGE(qp, &wr.SGList[i], AccessLocalWrite); err != nil {
			return fmt.Errorf("sge %d: %w", i, err)
		}
	}
	return nil
}

func checkSGE(qp *QP, sge *SGE, need AccessFlags) error {
	mr, ok := qp.ctx.MRByLKey(sge.Lkey)
	if !ok {
		return fmt.Errorf("lkey %#x unknown: %w", sge.Lkey, ErrInvalidArgument)
	}
	if mr.pd != qp.pd {
		return fmt.Errorf("lkey %#x not in qp's pd: %w", sge.Lkey, ErrInvalidArgument)
	}
	if _, err := mr.Slice(sge.Addr, sge.Length); err != nil {
		return err
	}
	if need != 0 && !mr.CheckAccess(need) {
		return fmt.Errorf("lkey %#x lacks local write access: %w", sge.Lkey, ErrInvalidArgument)
	}
	return nil
}

// CmdPostSend is the core implementation of the post_send slot: validate
// and queue. Moving the queued work is the backend's job; without a
// backend send slot the requests stay queued.
func CmdPostSend(qp *QP, wrs []SendWR) (int, error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != QPStateRTS {
		return 0, fmt.Errorf("post_send in %s: %w", qp.state, ErrStateConflict)
	}
	for i := range wrs {
		if len(qp.sendQ) >= int(qp.cap.MaxSendWR) {
			return i, fmt.Errorf("wr %d: send queue full: %w", i, ErrResourceExhausted)
		}
		if err := ValidateSendWR(qp, &wrs[i]); err != nil {
			return i, fmt.Errorf("wr %d: %w", i, err)
		}
		qp.sendQ = append(qp.sendQ, wrs[i])
	}
	return len(wrs), nil
}

// CmdPostRecv is the core implementation of the post_recv slot. Receive
// buffers may be posted from INIT onward, before the connection is fully
// established.
func CmdPostRecv(qp *QP, wrs []RecvWR) (int, error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	switch qp.state {
	case QPStateInit, QPStateRTR, QPStateRTS:
	default:
		return 0, fmt.Errorf("post_recv in %s: %w", qp.state, ErrStateConflict)
	}
	for i := range wrs {
		if len(qp.recvQ) >= int(qp.cap.MaxRecvWR) {
			return i, fmt.Errorf("wr %d: recv queue full: %w", i, ErrResourceExhausted)
		}
		if err := ValidateRecvWR(qp, &wrs[i]); err != nil {
			return i, fmt.Errorf("wr %d: %w", i, err)
		}
		qp.recvQ = append(qp.recvQ, wrs[i])
	}
	return len(wrs), nil
}

// CmdDestroyQP is the core implementation of the destroy_qp slot,
// permitted from any state. Queued signaled work flushes before the QP
// is released.
func CmdDestroyQP(qp *QP) error {
	qp.mu.Lock()
	qp.flushLocked()
	qp.state = QPStateError
	qp.mu.Unlock()

	c := qp.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qps.get(qp.idx) != qp {
		return fmt.Errorf("unknown QP %d: %w", qp.qpn, ErrInvalidArgument)
	}
	c.qps.free(qp.idx)
	return nil
}
