package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
	"golang.org/x/net/ipv4"

	"github.com/bluerdma/goverbs/internal/telemetry"
	"github.com/bluerdma/goverbs/internal/verbs"
)

const (
	// maxDatagram bounds a single data path packet. The path MTU caps
	// payloads at 4096 bytes, so this leaves generous headroom.
	maxDatagram = 8192

	// loopQueueDepth is the local delivery queue size. A full queue
	// drops the packet; retransmission recovers it like any other loss.
	loopQueueDepth = 1024

	// retransmitTick is how often the timeout scan runs.
	retransmitTick = time.Millisecond
)

// Driver is one backend instance: a UDP data path socket, its receive
// and timeout loops, and the per-QP transport sessions. Packets between
// queue pairs of the same instance never touch the socket; they flow
// through a local delivery queue.
type Driver struct {
	cfg     Config
	device  string
	ctx     *verbs.Context
	conn    net.PacketConn
	pc      *ipv4.PacketConn
	limiter ratelimit.Limiter
	metrics *telemetry.Metrics

	mu       sync.Mutex
	closed   bool
	sessions map[uint32]*qpSession

	loopCh chan []byte
	done   chan struct{}
	wg     sync.WaitGroup
}

func newDriver(deviceName string, cfg Config) (*Driver, error) {
	conn, err := net.ListenPacket("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("data path listen on %s: %w", cfg.ListenAddr, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if cfg.TOS > 0 {
		if err := pc.SetTOS(cfg.TOS); err != nil {
			log.Warn().Err(err).Int("tos", cfg.TOS).Msg("Failed to set TOS on data path socket")
		}
	}
	d := &Driver{
		cfg:      cfg,
		device:   deviceName,
		conn:     conn,
		pc:       pc,
		limiter:  ratelimit.New(cfg.PacketRate),
		metrics:  cfg.Metrics,
		sessions: make(map[uint32]*qpSession),
		loopCh:   make(chan []byte, loopQueueDepth),
		done:     make(chan struct{}),
	}
	log.Info().
		Str("device", deviceName).
		Str("addr", conn.LocalAddr().String()).
		Msg("Emulated data path listening")
	return d, nil
}

// LocalAddr returns the bound data path address. Examples use it to
// publish where peers should send.
func (d *Driver) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// BindContext stores the owning context and starts the data path loops.
func (d *Driver) BindContext(c *verbs.Context) error {
	d.ctx = c
	d.wg.Add(3)
	go d.recvLoop()
	go d.loopbackLoop()
	go d.retransmitLoop()
	return nil
}

// Close stops the loops and releases the socket. Sessions disappear with
// the driver; the owning context has already flushed its QPs.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.sessions = make(map[uint32]*qpSession)
	d.mu.Unlock()

	close(d.done)
	err := d.conn.Close()
	d.wg.Wait()
	log.Debug().Str("device", d.device).Msg("Emulated data path closed")
	return err
}

func (d *Driver) recvLoop() {
	defer d.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, _, err := d.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-d.done:
				return
			default:
			}
			log.Warn().Err(err).Str("device", d.device).Msg("Data path read failed")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		d.handlePacket(pkt)
	}
}

func (d *Driver) loopbackLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case pkt := <-d.loopCh:
			d.handlePacket(pkt)
		}
	}
}

func (d *Driver) retransmitLoop() {
	defer d.wg.Done()
	t := time.NewTicker(retransmitTick)
	defer t.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-t.C:
			d.checkTimeouts()
		}
	}
}

func (d *Driver) checkTimeouts() {
	d.mu.Lock()
	sessions := make([]*qpSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	now := time.Now()
	for _, s := range sessions {
		s.mu.Lock()
		failed := s.tickLocked(d, now)
		s.mu.Unlock()
		if failed {
			d.moveToError(s.qp)
		}
	}
}

// handlePacket routes one inbound packet to its session. Packets for
// unknown queue pairs or from an unexpected source QPN are dropped.
func (d *Driver) handlePacket(pkt []byte) {
	h, err := parseHeader(pkt)
	if err != nil {
		log.Debug().Err(err).Str("device", d.device).Msg("Dropping malformed data path packet")
		return
	}
	d.metrics.RecordPacketsRx(context.Background(), 1)

	d.mu.Lock()
	s := d.sessions[h.dqpn]
	d.mu.Unlock()
	if s == nil || h.sqpn != s.dqpn {
		return
	}
	payload := pkt[headerSize:]

	s.mu.Lock()
	var failed bool
	switch {
	case h.op == opAck:
		s.handleAckLocked(d, h)
	case h.op == opNak:
		failed = s.handleNakLocked(d, h)
	case h.op.isReadResp():
		s.handleReadRespLocked(d, h, payload)
	case h.op.isData():
		failed = s.handleDataLocked(d, h, payload)
	}
	s.mu.Unlock()

	if failed {
		d.moveToError(s.qp)
	}
}

// moveToError drives a QP to ERROR after a transport failure. The
// session has already surfaced its completions; the state machine flush
// covers the posted receive buffers.
func (d *Driver) moveToError(qp *verbs.QP) {
	if err := verbs.CmdModifyQP(qp, &verbs.QPAttr{State: verbs.QPStateError}, verbs.AttrState); err != nil {
		log.Error().Err(err).Uint32("qpn", qp.QPN()).Msg("Failed to move QP to ERROR")
	}
	d.dropSession(qp.QPN())
	d.metrics.RecordQPTransition(context.Background(), verbs.QPStateError.String())
}

func (d *Driver) session(qpn uint32) *qpSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[qpn]
}

func (d *Driver) installSession(qp *verbs.QP, peer *net.UDPAddr, loopback bool) {
	s := &qpSession{
		qp:       qp,
		dqpn:     qp.DestQPN(),
		peer:     peer,
		loopback: loopback,
		expPSN:   qp.RQPSN(),
	}
	d.mu.Lock()
	d.sessions[qp.QPN()] = s
	d.mu.Unlock()
	ev := log.Debug().
		Str("device", d.device).
		Uint32("qpn", qp.QPN()).
		Uint32("dqpn", s.dqpn).
		Bool("loopback", loopback)
	if peer != nil {
		ev = ev.Str("peer", peer.String())
	}
	ev.Msg("Transport session established")
}

func (d *Driver) armSession(qp *verbs.QP, attr *verbs.QPAttr) {
	s := d.session(qp.QPN())
	if s == nil {
		return
	}
	s.mu.Lock()
	s.armed = true
	s.nextPSN = attr.SQPSN & verbs.PSNMask
	s.ackedPSN = psnPrev(s.nextPSN)
	s.rto = rtoFromTimeout(attr.Timeout, d.cfg.MinRTO)
	s.retryLimit = attr.RetryCnt
	s.rnrLimit = attr.RNRRetry
	s.maxReads = int(attr.MaxRDAtomic)
	s.progressAt = time.Now()
	s.mu.Unlock()
}

// flushSession surfaces flush completions for in-flight sends and
// removes the session. Used for the ERROR transition and destroy.
func (d *Driver) flushSession(qpn uint32) {
	d.mu.Lock()
	s := d.sessions[qpn]
	delete(d.sessions, qpn)
	d.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.failLocked(d, verbs.WCWRFlushErr)
	s.mu.Unlock()
}

// dropSession removes the session without completions. Used for the
// RESET transition, which discards work silently.
func (d *Driver) dropSession(qpn uint32) {
	d.mu.Lock()
	delete(d.sessions, qpn)
	d.mu.Unlock()
}

// ModifyQP wraps the core state machine with transport session
// lifecycle: peer resolution happens before the transition so a routing
// failure leaves the QP state untouched, and the session is installed,
// armed or torn down only after the transition commits.
func (d *Driver) ModifyQP(qp *verbs.QP, attr *verbs.QPAttr, mask verbs.AttrMask) error {
	var peer *net.UDPAddr
	var loopback bool
	if attr != nil && mask&verbs.AttrState != 0 && attr.State == verbs.QPStateRTR && mask&verbs.AttrAV != 0 {
		var err error
		peer, loopback, err = d.resolvePeer(attr.DestGID, attr.DestQPN)
		if err != nil {
			return err
		}
	}

	if err := verbs.CmdModifyQP(qp, attr, mask); err != nil {
		return err
	}

	switch attr.State {
	case verbs.QPStateRTR:
		d.installSession(qp, peer, loopback)
	case verbs.QPStateRTS:
		d.armSession(qp, attr)
	case verbs.QPStateError:
		d.flushSession(qp.QPN())
	case verbs.QPStateReset:
		d.dropSession(qp.QPN())
	}
	d.metrics.RecordQPTransition(context.Background(), attr.State.String())
	return nil
}

// DestroyQP flushes the transport session before releasing the QP.
func (d *Driver) DestroyQP(qp *verbs.QP) error {
	d.flushSession(qp.QPN())
	return verbs.CmdDestroyQP(qp)
}

// PostSend validates, segments and transmits a batch of send work
// requests. The batch stops at the first rejected request; accepted
// requests are already on the wire.
func (d *Driver) PostSend(qp *verbs.QP, wrs []verbs.SendWR) (int, error) {
	if st := qp.State(); st != verbs.QPStateRTS {
		return 0, fmt.Errorf("post_send in %s: %w", st, verbs.ErrStateConflict)
	}
	s := d.session(qp.QPN())
	if s == nil {
		return 0, fmt.Errorf("post_send without transport session: %w", verbs.ErrStateConflict)
	}

	s.mu.Lock()
	n, err := s.postLocked(d, qp, wrs)
	s.mu.Unlock()

	if n > 0 {
		d.metrics.RecordPosted(context.Background(), int64(n))
	}
	return n, err
}

// resolvePeer decides how packets for a destination reach it: a GID
// owned by this driver's own device short-circuits to local delivery,
// otherwise the configured resolver or the GID's embedded IPv4 address
// names the peer socket.
func (d *Driver) resolvePeer(gid verbs.GID, qpn uint32) (*net.UDPAddr, bool, error) {
	if d.ownGID(gid) {
		return nil, true, nil
	}
	if d.cfg.Resolver != nil {
		addr, err := d.cfg.Resolver(gid, qpn)
		if err != nil {
			return nil, false, fmt.Errorf("resolve gid %s: %w", gid, err)
		}
		return addr, false, nil
	}
	if ip := gid.IPv4(); ip != nil {
		return &net.UDPAddr{IP: ip, Port: d.cfg.DataPort}, false, nil
	}
	return nil, false, fmt.Errorf("no route to gid %s: %w", gid, verbs.ErrInvalidArgument)
}

func (d *Driver) ownGID(g verbs.GID) bool {
	hd := d.ctx.Device().Host()
	pa, err := hd.PortAttr(1)
	if err != nil {
		return false
	}
	for i := 0; i < pa.GIDTblLen; i++ {
		if got, err := hd.QueryGID(1, i); err == nil && got == g {
			return true
		}
	}
	return false
}

// output paces and transmits one packet. Local delivery uses a bounded
// queue; a full queue drops the packet and retransmission recovers it.
func (d *Driver) output(s *qpSession, h header, payload []byte) {
	d.limiter.Take()
	buf := make([]byte, headerSize+len(payload))
	h.marshal(buf)
	copy(buf[headerSize:], payload)
	if s.loopback {
		select {
		case d.loopCh <- buf:
		default:
			log.Warn().Str("device", d.device).Msg("Local delivery queue full, dropping packet")
		}
	} else {
		if _, err := d.pc.WriteTo(buf, nil, s.peer); err != nil {
			log.Warn().Err(err).Str("peer", s.peer.String()).Msg("Data path write failed")
		}
	}
	d.metrics.RecordPacketsTx(context.Background(), 1)
}
