package verbs

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeHostDevice is an in-memory adapter for driving the provider in
// tests without a kernel emulation behind it.
type fakeHostDevice struct {
	name    string
	backend string
	gids    []GID
	pkeys   []uint16
}

func (d *fakeHostDevice) Name() string        { return d.name }
func (d *fakeHostDevice) BackendName() string { return d.backend }

func (d *fakeHostDevice) DeviceAttr() DeviceAttr {
	return DeviceAttr{
		FWVersion:   "0.1.0",
		NodeGUID:    0x02bdbd0000000100,
		MaxQP:       MaxQPCount,
		MaxCQ:       MaxCQCount,
		MaxMR:       MaxMRCount,
		MaxPD:       MaxPDCount,
		MaxQPWR:     MaxQPWR,
		MaxSGE:      MaxSGE,
		MaxCQE:      MaxCQE,
		MaxRDAtomic: MaxRDAtomic,
		PhysPortCnt: 1,
	}
}

func (d *fakeHostDevice) PortAttr(port uint8) (PortAttr, error) {
	if port != 1 {
		return PortAttr{}, fmt.Errorf("port %d: %w", port, ErrInvalidArgument)
	}
	return PortAttr{
		State:      PortActive,
		MaxMTU:     MTU4096,
		ActiveMTU:  MTU1024,
		GIDTblLen:  len(d.gids),
		PkeyTblLen: len(d.pkeys),
		MaxMsgSize: 1 << 30,
	}, nil
}

func (d *fakeHostDevice) QueryGID(port uint8, index int) (GID, error) {
	if port != 1 {
		return GID{}, fmt.Errorf("port %d: %w", port, ErrInvalidArgument)
	}
	if index < 0 || index >= len(d.gids) {
		return GID{}, fmt.Errorf("gid index %d: %w", index, ErrInvalidArgument)
	}
	if d.gids[index].IsZero() {
		return GID{}, fmt.Errorf("gid index %d: %w", index, ErrAddrUnavailable)
	}
	return d.gids[index], nil
}

func (d *fakeHostDevice) QueryPkey(port uint8, index int) (uint16, error) {
	if port != 1 {
		return 0, fmt.Errorf("port %d: %w", port, ErrInvalidArgument)
	}
	if index < 0 || index >= len(d.pkeys) {
		return 0, fmt.Errorf("pkey index %d: %w", index, ErrInvalidArgument)
	}
	return d.pkeys[index], nil
}

// fakeDriver satisfies only the mandatory Driver contract, so every
// dispatch slot resolves to the core implementation.
type fakeDriver struct {
	closed atomic.Bool
}

func (d *fakeDriver) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeProvider struct {
	name    string
	drv     Driver
	openErr error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Open(deviceName string) (Driver, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	return p.drv, nil
}

var testDevSeq atomic.Int32

// newTestContext registers a fake device and backend pair and opens a
// context against it. Registrations are undone at test cleanup.
func newTestContext(t *testing.T, drv Driver) *Context {
	t.Helper()
	n := testDevSeq.Add(1)
	name := fmt.Sprintf("fakerdma%d", n)
	backend := fmt.Sprintf("fakebackend%d", n)

	hd := &fakeHostDevice{
		name:    name,
		backend: backend,
		gids:    []GID{GIDFromIPv4(net.IPv4(192, 168, 0, byte(n%250)+1)), {}},
		pkeys:   []uint16{0x0001},
	}
	_, err := RegisterHostDevice(hd)
	require.NoError(t, err, "Failed to register host device")
	t.Cleanup(func() { _ = UnregisterHostDevice(name) })

	err = RegisterProvider(&fakeProvider{name: backend, drv: drv})
	require.NoError(t, err, "Failed to register provider")
	t.Cleanup(func() { UnregisterProvider(backend) })

	dev, ok := DeviceByName(name)
	require.True(t, ok, "Device not found after registration")
	ctx, err := dev.Open()
	require.NoError(t, err, "Failed to open device context")
	return ctx
}

// newTestQP allocates the PD, CQs and a fresh RC queue pair most QP
// tests start from.
func newTestQP(t *testing.T, ctx *Context, sqSigAll bool) (*PD, *CQ, *CQ, *QP) {
	t.Helper()
	pd, err := ctx.AllocPD()
	require.NoError(t, err, "Failed to allocate PD")
	sendCQ, err := ctx.CreateCQ(64)
	require.NoError(t, err, "Failed to create send CQ")
	recvCQ, err := ctx.CreateCQ(64)
	require.NoError(t, err, "Failed to create recv CQ")
	qp, err := pd.CreateQP(&QPInitAttr{
		QPType:   QPTypeRC,
		SendCQ:   sendCQ,
		RecvCQ:   recvCQ,
		Cap:      QPCap{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 4, MaxRecvSGE: 4},
		SQSigAll: sqSigAll,
	})
	require.NoError(t, err, "Failed to create QP")
	return pd, sendCQ, recvCQ, qp
}
