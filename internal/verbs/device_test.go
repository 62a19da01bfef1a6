package verbs

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterHostDeviceValidation(t *testing.T) {
	// Empty names are rejected
	_, err := RegisterHostDevice(&fakeHostDevice{name: "", backend: "b"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	hd := &fakeHostDevice{name: "dupdev0", backend: "dupbackend0", pkeys: []uint16{0x0001}}
	_, err = RegisterHostDevice(hd)
	require.NoError(t, err)
	defer UnregisterHostDevice(hd.name)

	// Duplicate names are rejected
	_, err = RegisterHostDevice(&fakeHostDevice{name: "dupdev0", backend: "other"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Unregistering twice reports the missing entry
	other := &fakeHostDevice{name: "dupdev1", backend: "dupbackend0"}
	_, err = RegisterHostDevice(other)
	require.NoError(t, err)
	require.NoError(t, UnregisterHostDevice(other.name))
	assert.ErrorIs(t, UnregisterHostDevice(other.name), ErrInvalidArgument)
}

func TestRegisterProviderValidation(t *testing.T) {
	assert.ErrorIs(t, RegisterProvider(&fakeProvider{name: ""}), ErrInvalidArgument)

	require.NoError(t, RegisterProvider(&fakeProvider{name: "dupprov0"}))
	defer UnregisterProvider("dupprov0")
	assert.ErrorIs(t, RegisterProvider(&fakeProvider{name: "dupprov0"}), ErrInvalidArgument)
}

func TestDeviceEnumeration(t *testing.T) {
	a := &fakeHostDevice{name: "enumdev0", backend: "enumbackend", pkeys: []uint16{0x0001}}
	b := &fakeHostDevice{name: "enumdev1", backend: "enumbackend", pkeys: []uint16{0x0001}}
	da, err := RegisterHostDevice(a)
	require.NoError(t, err)
	defer UnregisterHostDevice(a.name)
	db, err := RegisterHostDevice(b)
	require.NoError(t, err)
	defer UnregisterHostDevice(b.name)

	// Enumeration order follows registration order
	assert.Less(t, da.Index(), db.Index())
	var names []string
	for _, d := range Devices() {
		names = append(names, d.Name())
	}
	ia, ib := -1, -1
	for i, n := range names {
		if n == "enumdev0" {
			ia = i
		}
		if n == "enumdev1" {
			ib = i
		}
	}
	require.GreaterOrEqual(t, ia, 0)
	require.GreaterOrEqual(t, ib, 0)
	assert.Less(t, ia, ib)

	d, ok := DeviceByName("enumdev0")
	require.True(t, ok)
	assert.Equal(t, "enumdev0", d.Name())
	assert.Equal(t, ABIVersion, d.ABIVersion())

	_, ok = DeviceByName("no-such-device")
	assert.False(t, ok)
}

func TestContextDeviceQueries(t *testing.T) {
	ctx := newTestContext(t, &fakeDriver{})
	defer ctx.Close()

	attr, err := ctx.QueryDevice()
	require.NoError(t, err)
	assert.Equal(t, MaxQPCount, attr.MaxQP)
	assert.Equal(t, uint8(1), attr.PhysPortCnt)

	pa, err := ctx.QueryPort(1)
	require.NoError(t, err)
	assert.Equal(t, PortActive, pa.State)
	assert.Equal(t, MTU4096, pa.MaxMTU)

	_, err = ctx.QueryPort(2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// GID slot 0 is populated, slot 1 is vacant
	gid, err := ctx.QueryGID(1, 0)
	require.NoError(t, err)
	assert.False(t, gid.IsZero())
	assert.True(t, gid.IsIPv4Mapped())

	_, err = ctx.QueryGID(1, 1)
	assert.ErrorIs(t, err, ErrAddrUnavailable)
	_, err = ctx.QueryGID(1, 99)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	pkey, err := ctx.QueryPkey(1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0001), pkey)
}

func TestGIDHelpers(t *testing.T) {
	ip := net.IPv4(192, 168, 7, 33)
	g := GIDFromIPv4(ip)
	assert.True(t, g.IsIPv4Mapped())
	assert.Equal(t, "0000:0000:0000:0000:0000:ffff:c0a8:0721", g.String())
	assert.True(t, g.IPv4().Equal(ip))

	var zero GID
	assert.True(t, zero.IsZero())
	assert.False(t, zero.IsIPv4Mapped())
	assert.Nil(t, zero.IPv4())

	// Non-mapped addresses are not misreported
	var ll GID
	ll[0] = 0xfe
	ll[1] = 0x80
	assert.False(t, ll.IsIPv4Mapped())
	assert.Nil(t, ll.IPv4())
}

func TestMTUBytes(t *testing.T) {
	assert.Equal(t, 256, MTU256.Bytes())
	assert.Equal(t, 512, MTU512.Bytes())
	assert.Equal(t, 1024, MTU1024.Bytes())
	assert.Equal(t, 2048, MTU2048.Bytes())
	assert.Equal(t, 4096, MTU4096.Bytes())
	assert.Equal(t, 0, MTU(0).Bytes())
	assert.Equal(t, 0, MTU(9).Bytes())
	assert.Equal(t, "4096", MTU4096.String())
}
