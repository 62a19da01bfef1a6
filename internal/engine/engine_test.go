package engine

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluerdma/goverbs/internal/verbs"
)

// testDevice is a minimal adapter for exercising the backend: one active
// port with a fixed GID set.
type testDevice struct {
	name    string
	backend string
	gids    []verbs.GID
}

func (d *testDevice) Name() string        { return d.name }
func (d *testDevice) BackendName() string { return d.backend }

func (d *testDevice) DeviceAttr() verbs.DeviceAttr {
	return verbs.DeviceAttr{
		FWVersion:   "test",
		MaxQP:       verbs.MaxQPCount,
		MaxCQ:       verbs.MaxCQCount,
		MaxMR:       verbs.MaxMRCount,
		MaxPD:       verbs.MaxPDCount,
		MaxQPWR:     verbs.MaxQPWR,
		MaxSGE:      verbs.MaxSGE,
		MaxCQE:      verbs.MaxCQE,
		MaxRDAtomic: verbs.MaxRDAtomic,
		PhysPortCnt: 1,
	}
}

func (d *testDevice) PortAttr(port uint8) (verbs.PortAttr, error) {
	if port != 1 {
		return verbs.PortAttr{}, verbs.ErrInvalidArgument
	}
	return verbs.PortAttr{
		State:      verbs.PortActive,
		MaxMTU:     verbs.MTU4096,
		ActiveMTU:  verbs.MTU4096,
		GIDTblLen:  len(d.gids),
		PkeyTblLen: 1,
		MaxMsgSize: 1 << 30,
	}, nil
}

func (d *testDevice) QueryGID(port uint8, index int) (verbs.GID, error) {
	if port != 1 || index < 0 || index >= len(d.gids) {
		return verbs.GID{}, verbs.ErrInvalidArgument
	}
	return d.gids[index], nil
}

func (d *testDevice) QueryPkey(port uint8, index int) (uint16, error) {
	if port != 1 || index != 0 {
		return 0, verbs.ErrInvalidArgument
	}
	return 0x0001, nil
}

var testSeq atomic.Int32

func testGID(tag byte) verbs.GID {
	var g verbs.GID
	g[0] = 0xfe
	g[1] = 0x80
	g[15] = tag
	return g
}

// openTestContext registers a provider/device pair under unique names
// and opens a context whose driver binds an ephemeral local port.
func openTestContext(t *testing.T, cfg Config, gids []verbs.GID) *verbs.Context {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.MinRTO == 0 {
		cfg.MinRTO = 5 * time.Millisecond
	}
	id := testSeq.Add(1)
	backend := fmt.Sprintf("emulated-test%d", id)

	p := NewProvider(cfg)
	p.name = backend
	require.NoError(t, verbs.RegisterProvider(p))
	t.Cleanup(func() { verbs.UnregisterProvider(backend) })

	dev, err := verbs.RegisterHostDevice(&testDevice{
		name:    fmt.Sprintf("enginedev%d", id),
		backend: backend,
		gids:    gids,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = verbs.UnregisterHostDevice(dev.Name()) })

	ctx, err := dev.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

type testQP struct {
	qp     *verbs.QP
	sendCQ *verbs.CQ
	recvCQ *verbs.CQ
}

func newTestQP(t *testing.T, ctx *verbs.Context, pd *verbs.PD, sqSigAll bool) *testQP {
	t.Helper()
	sendCQ, err := ctx.CreateCQ(256)
	require.NoError(t, err)
	recvCQ, err := ctx.CreateCQ(256)
	require.NoError(t, err)
	qp, err := pd.CreateQP(&verbs.QPInitAttr{
		QPType:   verbs.QPTypeRC,
		SendCQ:   sendCQ,
		RecvCQ:   recvCQ,
		Cap:      verbs.QPCap{MaxSendWR: 64, MaxRecvWR: 64, MaxSendSGE: 8, MaxRecvSGE: 8},
		SQSigAll: sqSigAll,
	})
	require.NoError(t, err)
	return &testQP{qp: qp, sendCQ: sendCQ, recvCQ: recvCQ}
}

type connOpts struct {
	mtu      verbs.MTU
	timeout  uint8
	retryCnt uint8
	rnrRetry uint8
	minRNR   uint8
	maxRD    uint8
}

func defaultConnOpts() connOpts {
	return connOpts{
		mtu:      verbs.MTU4096,
		timeout:  1, // floors to the configured MinRTO
		retryCnt: 7,
		rnrRetry: 7,
		minRNR:   1, // 10us, keeps RNR recovery fast
		maxRD:    1,
	}
}

// bringUp drives a QP through INIT, RTR and RTS toward the given peer.
func bringUp(t *testing.T, qp *verbs.QP, destQPN uint32, destGID verbs.GID, o connOpts) {
	t.Helper()
	err := qp.Modify(&verbs.QPAttr{
		State:     verbs.QPStateInit,
		PkeyIndex: 0,
		PortNum:   1,
		Access:    verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessRemoteRead,
	}, verbs.AttrState|verbs.AttrPkeyIndex|verbs.AttrPort|verbs.AttrAccessFlags)
	require.NoError(t, err)

	err = qp.Modify(&verbs.QPAttr{
		State:           verbs.QPStateRTR,
		PathMTU:         o.mtu,
		DestQPN:         destQPN,
		DestGID:         destGID,
		RQPSN:           0,
		MaxDestRDAtomic: o.maxRD,
		MinRNRTimer:     o.minRNR,
	}, verbs.AttrState|verbs.AttrAV|verbs.AttrPathMTU|verbs.AttrDestQPN|
		verbs.AttrRQPSN|verbs.AttrMaxDestRDAtomic|verbs.AttrMinRNRTimer)
	require.NoError(t, err)

	err = qp.Modify(&verbs.QPAttr{
		State:       verbs.QPStateRTS,
		Timeout:     o.timeout,
		RetryCnt:    o.retryCnt,
		RNRRetry:    o.rnrRetry,
		SQPSN:       0,
		MaxRDAtomic: o.maxRD,
	}, verbs.AttrState|verbs.AttrTimeout|verbs.AttrRetryCnt|verbs.AttrRNRRetry|
		verbs.AttrSQPSN|verbs.AttrMaxRDAtomic)
	require.NoError(t, err)
}

// connectLoopback cross-connects two QPs of the same device through the
// local delivery path.
func connectLoopback(t *testing.T, a, b *testQP, gid verbs.GID, o connOpts) {
	t.Helper()
	bringUp(t, a.qp, b.qp.QPN(), gid, o)
	bringUp(t, b.qp, a.qp.QPN(), gid, o)
}

func regBuf(t *testing.T, pd *verbs.PD, n int, access verbs.AccessFlags) (*verbs.MR, []byte) {
	t.Helper()
	buf := make([]byte, n)
	mr, err := pd.RegMR(buf, access)
	require.NoError(t, err)
	return mr, buf
}

func fillPattern(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i*7)
	}
}

// pollOne waits for the next completion on cq.
func pollOne(t *testing.T, cq *verbs.CQ, within time.Duration) verbs.WC {
	t.Helper()
	var got verbs.WC
	require.Eventually(t, func() bool {
		wcs := make([]verbs.WC, 1)
		n, err := cq.Poll(wcs)
		if err != nil || n == 0 {
			return false
		}
		got = wcs[0]
		return true
	}, within, time.Millisecond, "no completion arrived")
	return got
}

// pollNone asserts cq stays empty for the duration.
func pollNone(t *testing.T, cq *verbs.CQ, within time.Duration) {
	t.Helper()
	time.Sleep(within)
	wcs := make([]verbs.WC, 1)
	n, err := cq.Poll(wcs)
	require.NoError(t, err)
	require.Zero(t, n, "unexpected completion: %+v", wcs[0])
}

func TestLoopbackSendRecv(t *testing.T) {
	gid := testGID(0x01)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	b := newTestQP(t, ctx, pd, false)
	connectLoopback(t, a, b, gid, defaultConnOpts())

	srcMR, src := regBuf(t, pd, 2048, verbs.AccessLocalWrite)
	dstMR, dst := regBuf(t, pd, 4096, verbs.AccessLocalWrite)
	fillPattern(src, 3)

	n, err := b.qp.PostRecv([]verbs.RecvWR{{
		WrID:   100,
		SGList: []verbs.SGE{{Addr: dstMR.Addr(), Length: 4096, Lkey: dstMR.LKey()}},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = a.qp.PostSend([]verbs.SendWR{{
		WrID:   7,
		Opcode: verbs.WRSendWithImm,
		SGList: []verbs.SGE{{Addr: srcMR.Addr(), Length: 2048, Lkey: srcMR.LKey()}},
		Flags:  verbs.SendSignaled | verbs.SendSolicited,
		Imm:    11,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recvWC := pollOne(t, b.recvCQ, 3*time.Second)
	assert.Equal(t, uint64(100), recvWC.WrID)
	assert.Equal(t, verbs.WCSuccess, recvWC.Status)
	assert.Equal(t, verbs.WCOpRecv, recvWC.Opcode)
	assert.Equal(t, uint32(2048), recvWC.ByteLen)
	assert.Equal(t, uint32(11), recvWC.Imm)
	assert.True(t, recvWC.Solicited)
	assert.Equal(t, b.qp.QPN(), recvWC.QPN)
	assert.Equal(t, src, dst[:2048])

	sendWC := pollOne(t, a.sendCQ, 3*time.Second)
	assert.Equal(t, uint64(7), sendWC.WrID)
	assert.Equal(t, verbs.WCSuccess, sendWC.Status)
	assert.Equal(t, verbs.WCOpSend, sendWC.Opcode)
	assert.Equal(t, uint32(2048), sendWC.ByteLen)
}

func TestLoopbackSegmentationAndSGLists(t *testing.T) {
	gid := testGID(0x02)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	b := newTestQP(t, ctx, pd, false)
	opts := defaultConnOpts()
	opts.mtu = verbs.MTU256 // 1000 bytes becomes four packets
	connectLoopback(t, a, b, gid, opts)

	srcMR, src := regBuf(t, pd, 1000, verbs.AccessLocalWrite)
	dstMR, dst := regBuf(t, pd, 1000, verbs.AccessLocalWrite)
	fillPattern(src, 9)

	// Scatter the landing buffer across two entries.
	n, err := b.qp.PostRecv([]verbs.RecvWR{{
		WrID: 200,
		SGList: []verbs.SGE{
			{Addr: dstMR.Addr(), Length: 300, Lkey: dstMR.LKey()},
			{Addr: dstMR.Addr() + 300, Length: 700, Lkey: dstMR.LKey()},
		},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Gather the message from two entries as well.
	n, err = a.qp.PostSend([]verbs.SendWR{{
		WrID:   8,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{
			{Addr: srcMR.Addr(), Length: 640, Lkey: srcMR.LKey()},
			{Addr: srcMR.Addr() + 640, Length: 360, Lkey: srcMR.LKey()},
		},
		Flags: verbs.SendSignaled,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recvWC := pollOne(t, b.recvCQ, 3*time.Second)
	assert.Equal(t, verbs.WCSuccess, recvWC.Status)
	assert.Equal(t, uint32(1000), recvWC.ByteLen)
	assert.Equal(t, src, dst)

	sendWC := pollOne(t, a.sendCQ, 3*time.Second)
	assert.Equal(t, verbs.WCSuccess, sendWC.Status)
	assert.Equal(t, uint32(1000), sendWC.ByteLen)
}

func TestLoopbackRDMAWriteAndRead(t *testing.T) {
	gid := testGID(0x03)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	b := newTestQP(t, ctx, pd, false)
	opts := defaultConnOpts()
	opts.mtu = verbs.MTU1024
	connectLoopback(t, a, b, gid, opts)

	localMR, local := regBuf(t, pd, 3000, verbs.AccessLocalWrite)
	remoteMR, remote := regBuf(t, pd, 3000,
		verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	fillPattern(local, 21)

	n, err := a.qp.PostSend([]verbs.SendWR{{
		WrID:       17,
		Opcode:     verbs.WRRDMAWrite,
		SGList:     []verbs.SGE{{Addr: localMR.Addr(), Length: 3000, Lkey: localMR.LKey()}},
		Flags:      verbs.SendSignaled,
		RemoteAddr: remoteMR.Addr(),
		RKey:       remoteMR.RKey(),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	writeWC := pollOne(t, a.sendCQ, 3*time.Second)
	assert.Equal(t, uint64(17), writeWC.WrID)
	assert.Equal(t, verbs.WCSuccess, writeWC.Status)
	assert.Equal(t, verbs.WCOpRDMAWrite, writeWC.Opcode)
	assert.Equal(t, local, remote)

	// A plain write consumes no receive buffer and raises no receiver
	// completion.
	pollNone(t, b.recvCQ, 30*time.Millisecond)

	readbackMR, readback := regBuf(t, pd, 3000, verbs.AccessLocalWrite)
	n, err = a.qp.PostSend([]verbs.SendWR{{
		WrID:       18,
		Opcode:     verbs.WRRDMARead,
		SGList:     []verbs.SGE{{Addr: readbackMR.Addr(), Length: 3000, Lkey: readbackMR.LKey()}},
		Flags:      verbs.SendSignaled,
		RemoteAddr: remoteMR.Addr(),
		RKey:       remoteMR.RKey(),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	readWC := pollOne(t, a.sendCQ, 3*time.Second)
	assert.Equal(t, uint64(18), readWC.WrID)
	assert.Equal(t, verbs.WCSuccess, readWC.Status)
	assert.Equal(t, verbs.WCOpRDMARead, readWC.Opcode)
	assert.Equal(t, uint32(3000), readWC.ByteLen)
	assert.Equal(t, local, readback)
}

func TestLoopbackWriteWithImmConsumesRecv(t *testing.T) {
	gid := testGID(0x04)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	b := newTestQP(t, ctx, pd, false)
	connectLoopback(t, a, b, gid, defaultConnOpts())

	localMR, local := regBuf(t, pd, 512, verbs.AccessLocalWrite)
	remoteMR, remote := regBuf(t, pd, 512, verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	sinkMR, _ := regBuf(t, pd, 16, verbs.AccessLocalWrite)
	fillPattern(local, 40)

	n, err := b.qp.PostRecv([]verbs.RecvWR{{
		WrID:   300,
		SGList: []verbs.SGE{{Addr: sinkMR.Addr(), Length: 16, Lkey: sinkMR.LKey()}},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = a.qp.PostSend([]verbs.SendWR{{
		WrID:       19,
		Opcode:     verbs.WRRDMAWriteWithImm,
		SGList:     []verbs.SGE{{Addr: localMR.Addr(), Length: 512, Lkey: localMR.LKey()}},
		Flags:      verbs.SendSignaled,
		Imm:        77,
		RemoteAddr: remoteMR.Addr(),
		RKey:       remoteMR.RKey(),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recvWC := pollOne(t, b.recvCQ, 3*time.Second)
	assert.Equal(t, uint64(300), recvWC.WrID)
	assert.Equal(t, verbs.WCSuccess, recvWC.Status)
	assert.Equal(t, uint32(512), recvWC.ByteLen, "byte length reports the written span")
	assert.Equal(t, uint32(77), recvWC.Imm)
	assert.Equal(t, local, remote)

	sendWC := pollOne(t, a.sendCQ, 3*time.Second)
	assert.Equal(t, verbs.WCOpRDMAWrite, sendWC.Opcode)
	assert.Equal(t, verbs.WCSuccess, sendWC.Status)
}

func TestSelectiveSignaling(t *testing.T) {
	gid := testGID(0x05)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	b := newTestQP(t, ctx, pd, false)
	connectLoopback(t, a, b, gid, defaultConnOpts())

	srcMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	dstMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)

	for i := 0; i < 2; i++ {
		n, err := b.qp.PostRecv([]verbs.RecvWR{{
			WrID:   uint64(400 + i),
			SGList: []verbs.SGE{{Addr: dstMR.Addr(), Length: 64, Lkey: dstMR.LKey()}},
		}})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	sge := []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}}
	n, err := a.qp.PostSend([]verbs.SendWR{
		{WrID: 20, Opcode: verbs.WRSend, SGList: sge},
		{WrID: 21, Opcode: verbs.WRSend, SGList: sge, Flags: verbs.SendSignaled},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Both messages arrive, but only the signaled send completes.
	first := pollOne(t, b.recvCQ, 3*time.Second)
	assert.Equal(t, uint64(400), first.WrID)
	second := pollOne(t, b.recvCQ, 3*time.Second)
	assert.Equal(t, uint64(401), second.WrID)

	sendWC := pollOne(t, a.sendCQ, 3*time.Second)
	assert.Equal(t, uint64(21), sendWC.WrID)
	pollNone(t, a.sendCQ, 30*time.Millisecond)
}

func TestCompletionOrderFollowsSubmission(t *testing.T) {
	gid := testGID(0x06)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, true)
	b := newTestQP(t, ctx, pd, false)
	opts := defaultConnOpts()
	opts.mtu = verbs.MTU256
	connectLoopback(t, a, b, gid, opts)

	srcMR, _ := regBuf(t, pd, 2048, verbs.AccessLocalWrite)
	dstMR, _ := regBuf(t, pd, 2048, verbs.AccessLocalWrite)

	sizes := []uint32{700, 1, 256, 2048, 33}
	var wrs []verbs.SendWR
	for i, sz := range sizes {
		n, err := b.qp.PostRecv([]verbs.RecvWR{{
			WrID:   uint64(500 + i),
			SGList: []verbs.SGE{{Addr: dstMR.Addr(), Length: 2048, Lkey: dstMR.LKey()}},
		}})
		require.NoError(t, err)
		require.Equal(t, 1, n)
		wrs = append(wrs, verbs.SendWR{
			WrID:   uint64(30 + i),
			Opcode: verbs.WRSend,
			SGList: []verbs.SGE{{Addr: srcMR.Addr(), Length: sz, Lkey: srcMR.LKey()}},
		})
	}

	n, err := a.qp.PostSend(wrs)
	require.NoError(t, err)
	require.Equal(t, len(wrs), n)

	for i, sz := range sizes {
		wc := pollOne(t, a.sendCQ, 3*time.Second)
		assert.Equal(t, uint64(30+i), wc.WrID, "completions follow submission order")
		assert.Equal(t, verbs.WCSuccess, wc.Status)
		assert.Equal(t, sz, wc.ByteLen)
	}
}

func TestTwoDriversOverUDP(t *testing.T) {
	gidA := testGID(0x0a)
	gidB := testGID(0x0b)

	var mu sync.Mutex
	routes := make(map[verbs.GID]*net.UDPAddr)
	resolver := func(gid verbs.GID, _ uint32) (*net.UDPAddr, error) {
		mu.Lock()
		defer mu.Unlock()
		addr, ok := routes[gid]
		if !ok {
			return nil, fmt.Errorf("no route to %s", gid)
		}
		return addr, nil
	}

	ctxA := openTestContext(t, Config{Resolver: resolver}, []verbs.GID{gidA})
	ctxB := openTestContext(t, Config{Resolver: resolver}, []verbs.GID{gidB})

	mu.Lock()
	routes[gidA] = ctxA.Driver().(*Driver).LocalAddr()
	routes[gidB] = ctxB.Driver().(*Driver).LocalAddr()
	mu.Unlock()

	pdA, err := ctxA.AllocPD()
	require.NoError(t, err)
	pdB, err := ctxB.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctxA, pdA, false)
	b := newTestQP(t, ctxB, pdB, false)
	opts := defaultConnOpts()
	opts.mtu = verbs.MTU512
	bringUp(t, a.qp, b.qp.QPN(), gidB, opts)
	bringUp(t, b.qp, a.qp.QPN(), gidA, opts)

	srcA, bufA := regBuf(t, pdA, 1500, verbs.AccessLocalWrite)
	dstB, landB := regBuf(t, pdB, 1500, verbs.AccessLocalWrite)
	srcB, bufB := regBuf(t, pdB, 900, verbs.AccessLocalWrite)
	dstA, landA := regBuf(t, pdA, 900, verbs.AccessLocalWrite)
	fillPattern(bufA, 55)
	fillPattern(bufB, 77)

	n, err := b.qp.PostRecv([]verbs.RecvWR{{
		WrID:   600,
		SGList: []verbs.SGE{{Addr: dstB.Addr(), Length: 1500, Lkey: dstB.LKey()}},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = a.qp.PostRecv([]verbs.RecvWR{{
		WrID:   601,
		SGList: []verbs.SGE{{Addr: dstA.Addr(), Length: 900, Lkey: dstA.LKey()}},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = a.qp.PostSend([]verbs.SendWR{{
		WrID:   40,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{{Addr: srcA.Addr(), Length: 1500, Lkey: srcA.LKey()}},
		Flags:  verbs.SendSignaled,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = b.qp.PostSend([]verbs.SendWR{{
		WrID:   41,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{{Addr: srcB.Addr(), Length: 900, Lkey: srcB.LKey()}},
		Flags:  verbs.SendSignaled,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	wcB := pollOne(t, b.recvCQ, 5*time.Second)
	assert.Equal(t, uint64(600), wcB.WrID)
	assert.Equal(t, verbs.WCSuccess, wcB.Status)
	assert.Equal(t, bufA, landB)

	wcA := pollOne(t, a.recvCQ, 5*time.Second)
	assert.Equal(t, uint64(601), wcA.WrID)
	assert.Equal(t, verbs.WCSuccess, wcA.Status)
	assert.Equal(t, bufB, landA)

	pollOne(t, a.sendCQ, 5*time.Second)
	pollOne(t, b.sendCQ, 5*time.Second)
}

func TestRNRRetryDeliversAfterRecvPosted(t *testing.T) {
	gid := testGID(0x0c)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	b := newTestQP(t, ctx, pd, false)
	connectLoopback(t, a, b, gid, defaultConnOpts())

	srcMR, src := regBuf(t, pd, 128, verbs.AccessLocalWrite)
	dstMR, dst := regBuf(t, pd, 128, verbs.AccessLocalWrite)
	fillPattern(src, 5)

	// No receive posted yet: the responder answers RNR and the sender
	// backs off and retries until one appears.
	n, err := a.qp.PostSend([]verbs.SendWR{{
		WrID:   50,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{{Addr: srcMR.Addr(), Length: 128, Lkey: srcMR.LKey()}},
		Flags:  verbs.SendSignaled,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pollNone(t, a.sendCQ, 30*time.Millisecond)

	n, err = b.qp.PostRecv([]verbs.RecvWR{{
		WrID:   700,
		SGList: []verbs.SGE{{Addr: dstMR.Addr(), Length: 128, Lkey: dstMR.LKey()}},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recvWC := pollOne(t, b.recvCQ, 5*time.Second)
	assert.Equal(t, uint64(700), recvWC.WrID)
	assert.Equal(t, src, dst)

	sendWC := pollOne(t, a.sendCQ, 5*time.Second)
	assert.Equal(t, uint64(50), sendWC.WrID)
	assert.Equal(t, verbs.WCSuccess, sendWC.Status)
}

func TestRNRRetryExceeded(t *testing.T) {
	gid := testGID(0x0d)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	b := newTestQP(t, ctx, pd, false)
	opts := defaultConnOpts()
	opts.rnrRetry = 0 // a single RNR NAK exhausts the budget
	connectLoopback(t, a, b, gid, opts)

	srcMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	n, err := a.qp.PostSend([]verbs.SendWR{{
		WrID:   51,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The failed request reports its status even though it was not
	// signaled.
	wc := pollOne(t, a.sendCQ, 5*time.Second)
	assert.Equal(t, uint64(51), wc.WrID)
	assert.Equal(t, verbs.WCRNRRetryExcErr, wc.Status)

	require.Eventually(t, func() bool {
		return a.qp.State() == verbs.QPStateError
	}, 3*time.Second, time.Millisecond)

	_, err = a.qp.PostSend([]verbs.SendWR{{
		WrID:   52,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}},
	}})
	require.ErrorIs(t, err, verbs.ErrStateConflict)
}

// blackholeAddr binds a socket that is never read, so packets sent to it
// vanish without errors.
func blackholeAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.LocalAddr().(*net.UDPAddr)
}

func TestRetryExceededOnSilentPeer(t *testing.T) {
	gid := testGID(0x0e)
	hole := blackholeAddr(t)
	resolver := func(verbs.GID, uint32) (*net.UDPAddr, error) { return hole, nil }
	ctx := openTestContext(t, Config{Resolver: resolver}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	opts := defaultConnOpts()
	opts.retryCnt = 1
	bringUp(t, a.qp, 99, testGID(0x66), opts)

	srcMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	n, err := a.qp.PostSend([]verbs.SendWR{{
		WrID:   53,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}},
		Flags:  verbs.SendSignaled,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	wc := pollOne(t, a.sendCQ, 5*time.Second)
	assert.Equal(t, uint64(53), wc.WrID)
	assert.Equal(t, verbs.WCRetryExcErr, wc.Status)

	require.Eventually(t, func() bool {
		return a.qp.State() == verbs.QPStateError
	}, 3*time.Second, time.Millisecond)
}

func TestRetryExceededFlushesQueuedRequests(t *testing.T) {
	gid := testGID(0x0f)
	hole := blackholeAddr(t)
	resolver := func(verbs.GID, uint32) (*net.UDPAddr, error) { return hole, nil }
	ctx := openTestContext(t, Config{Resolver: resolver}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	opts := defaultConnOpts()
	opts.retryCnt = 0
	bringUp(t, a.qp, 99, testGID(0x67), opts)

	srcMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	sge := []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}}
	n, err := a.qp.PostSend([]verbs.SendWR{
		{WrID: 54, Opcode: verbs.WRSend, SGList: sge, Flags: verbs.SendSignaled},
		{WrID: 55, Opcode: verbs.WRSend, SGList: sge}, // unsignaled: discarded on flush
		{WrID: 56, Opcode: verbs.WRSend, SGList: sge, Flags: verbs.SendSignaled},
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	first := pollOne(t, a.sendCQ, 5*time.Second)
	assert.Equal(t, uint64(54), first.WrID)
	assert.Equal(t, verbs.WCRetryExcErr, first.Status)

	second := pollOne(t, a.sendCQ, 5*time.Second)
	assert.Equal(t, uint64(56), second.WrID)
	assert.Equal(t, verbs.WCWRFlushErr, second.Status)

	pollNone(t, a.sendCQ, 30*time.Millisecond)
}

func TestRemoteAccessErrorFailsBothSides(t *testing.T) {
	gid := testGID(0x10)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	b := newTestQP(t, ctx, pd, false)
	connectLoopback(t, a, b, gid, defaultConnOpts())

	srcMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	remoteMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite) // no remote write access

	n, err := a.qp.PostSend([]verbs.SendWR{{
		WrID:       57,
		Opcode:     verbs.WRRDMAWrite,
		SGList:     []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}},
		Flags:      verbs.SendSignaled,
		RemoteAddr: remoteMR.Addr(),
		RKey:       remoteMR.RKey(),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	wc := pollOne(t, a.sendCQ, 5*time.Second)
	assert.Equal(t, uint64(57), wc.WrID)
	assert.Equal(t, verbs.WCRemAccessErr, wc.Status)

	require.Eventually(t, func() bool {
		return a.qp.State() == verbs.QPStateError && b.qp.State() == verbs.QPStateError
	}, 3*time.Second, time.Millisecond, "both connection ends fail")
}

func TestPostSendGatesAndReadLimit(t *testing.T) {
	gid := testGID(0x11)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	b := newTestQP(t, ctx, pd, false)

	srcMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	sge := []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}}

	// Not in RTS yet.
	_, err = a.qp.PostSend([]verbs.SendWR{{WrID: 58, Opcode: verbs.WRSend, SGList: sge}})
	require.ErrorIs(t, err, verbs.ErrStateConflict)

	connectLoopback(t, a, b, gid, defaultConnOpts())

	remoteMR, _ := regBuf(t, pd, 4096,
		verbs.AccessLocalWrite|verbs.AccessRemoteRead|verbs.AccessRemoteWrite)
	dst1MR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	dst2MR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)

	// MaxRDAtomic is 1: the second read in the batch must be refused.
	n, err := a.qp.PostSend([]verbs.SendWR{
		{
			WrID: 59, Opcode: verbs.WRRDMARead, Flags: verbs.SendSignaled,
			SGList:     []verbs.SGE{{Addr: dst1MR.Addr(), Length: 64, Lkey: dst1MR.LKey()}},
			RemoteAddr: remoteMR.Addr(), RKey: remoteMR.RKey(),
		},
		{
			WrID: 60, Opcode: verbs.WRRDMARead, Flags: verbs.SendSignaled,
			SGList:     []verbs.SGE{{Addr: dst2MR.Addr(), Length: 64, Lkey: dst2MR.LKey()}},
			RemoteAddr: remoteMR.Addr(), RKey: remoteMR.RKey(),
		},
	})
	require.ErrorIs(t, err, verbs.ErrResourceExhausted)
	require.Equal(t, 1, n)

	wc := pollOne(t, a.sendCQ, 5*time.Second)
	assert.Equal(t, uint64(59), wc.WrID)
	assert.Equal(t, verbs.WCSuccess, wc.Status)
}

func TestErrorTransitionFlushesInflight(t *testing.T) {
	gid := testGID(0x12)
	hole := blackholeAddr(t)
	resolver := func(verbs.GID, uint32) (*net.UDPAddr, error) { return hole, nil }
	ctx := openTestContext(t, Config{Resolver: resolver}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	opts := defaultConnOpts()
	opts.timeout = 0 // no retransmission; requests stay in flight
	bringUp(t, a.qp, 99, testGID(0x68), opts)

	srcMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	sge := []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}}
	n, err := a.qp.PostSend([]verbs.SendWR{
		{WrID: 61, Opcode: verbs.WRSend, SGList: sge, Flags: verbs.SendSignaled},
		{WrID: 62, Opcode: verbs.WRSend, SGList: sge},
		{WrID: 63, Opcode: verbs.WRSend, SGList: sge, Flags: verbs.SendSignaled},
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, a.qp.Modify(&verbs.QPAttr{State: verbs.QPStateError}, verbs.AttrState))

	first := pollOne(t, a.sendCQ, 3*time.Second)
	assert.Equal(t, uint64(61), first.WrID)
	assert.Equal(t, verbs.WCWRFlushErr, first.Status)
	second := pollOne(t, a.sendCQ, 3*time.Second)
	assert.Equal(t, uint64(63), second.WrID)
	assert.Equal(t, verbs.WCWRFlushErr, second.Status)
	pollNone(t, a.sendCQ, 30*time.Millisecond)
}

func TestDestroyQPFlushesSession(t *testing.T) {
	gid := testGID(0x13)
	hole := blackholeAddr(t)
	resolver := func(verbs.GID, uint32) (*net.UDPAddr, error) { return hole, nil }
	ctx := openTestContext(t, Config{Resolver: resolver}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	opts := defaultConnOpts()
	opts.timeout = 0
	bringUp(t, a.qp, 99, testGID(0x69), opts)

	srcMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	n, err := a.qp.PostSend([]verbs.SendWR{{
		WrID:   64,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}},
		Flags:  verbs.SendSignaled,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, a.qp.Destroy())

	wc := pollOne(t, a.sendCQ, 3*time.Second)
	assert.Equal(t, uint64(64), wc.WrID)
	assert.Equal(t, verbs.WCWRFlushErr, wc.Status)
}

func TestResetDiscardsInflightSilently(t *testing.T) {
	gid := testGID(0x14)
	hole := blackholeAddr(t)
	resolver := func(verbs.GID, uint32) (*net.UDPAddr, error) { return hole, nil }
	ctx := openTestContext(t, Config{Resolver: resolver}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	opts := defaultConnOpts()
	opts.timeout = 0
	bringUp(t, a.qp, 99, testGID(0x6a), opts)

	srcMR, _ := regBuf(t, pd, 64, verbs.AccessLocalWrite)
	n, err := a.qp.PostSend([]verbs.SendWR{{
		WrID:   65,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{{Addr: srcMR.Addr(), Length: 64, Lkey: srcMR.LKey()}},
		Flags:  verbs.SendSignaled,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, a.qp.Modify(&verbs.QPAttr{State: verbs.QPStateReset}, verbs.AttrState))

	pollNone(t, a.sendCQ, 50*time.Millisecond)
	require.Equal(t, verbs.QPStateReset, a.qp.State())
}

func TestDispatchSlotsShowBackendOverrides(t *testing.T) {
	gid := testGID(0x15)
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})

	sources := make(map[string]verbs.SlotSource)
	for _, s := range ctx.Slots() {
		sources[s.Name] = s.Source
	}
	assert.Equal(t, verbs.SlotBackend, sources["post_send"])
	assert.Equal(t, verbs.SlotBackend, sources["modify_qp"])
	assert.Equal(t, verbs.SlotBackend, sources["destroy_qp"])
	assert.Equal(t, verbs.SlotCore, sources["post_recv"])
	assert.Equal(t, verbs.SlotCore, sources["poll_cq"])
}

func TestResolveRTRFailureLeavesQPInInit(t *testing.T) {
	gid := testGID(0x16)
	// No resolver and a GID that embeds no IPv4 address: RTR must fail.
	ctx := openTestContext(t, Config{}, []verbs.GID{gid})
	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	a := newTestQP(t, ctx, pd, false)
	err = a.qp.Modify(&verbs.QPAttr{
		State:     verbs.QPStateInit,
		PkeyIndex: 0,
		PortNum:   1,
		Access:    verbs.AccessLocalWrite,
	}, verbs.AttrState|verbs.AttrPkeyIndex|verbs.AttrPort|verbs.AttrAccessFlags)
	require.NoError(t, err)

	err = a.qp.Modify(&verbs.QPAttr{
		State:           verbs.QPStateRTR,
		PathMTU:         verbs.MTU1024,
		DestQPN:         99,
		DestGID:         testGID(0x77),
		RQPSN:           0,
		MaxDestRDAtomic: 1,
		MinRNRTimer:     1,
	}, verbs.AttrState|verbs.AttrAV|verbs.AttrPathMTU|verbs.AttrDestQPN|
		verbs.AttrRQPSN|verbs.AttrMaxDestRDAtomic|verbs.AttrMinRNRTimer)
	require.ErrorIs(t, err, verbs.ErrInvalidArgument)
	require.Equal(t, verbs.QPStateInit, a.qp.State())
}
