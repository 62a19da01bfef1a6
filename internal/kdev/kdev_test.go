package kdev

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluerdma/goverbs/internal/verbs"
)

func loadDevices(t *testing.T, n int) []*Device {
	t.Helper()
	devs, err := Load(n)
	require.NoError(t, err, "Failed to load devices")
	t.Cleanup(func() { _ = Unload() })
	return devs
}

func TestLoadUnload(t *testing.T) {
	devs := loadDevices(t, DefaultDeviceCount)
	require.Len(t, devs, 2)

	assert.Equal(t, "bluerdma0", devs[0].Name())
	assert.Equal(t, "bluerdma1", devs[1].Name())
	assert.Equal(t, "blue0", devs[0].NetDev().Name())
	assert.Equal(t, "blue1", devs[1].NetDev().Name())
	assert.Equal(t, DefaultBackend, devs[0].BackendName())
	assert.Equal(t, "02:bd:bd:00:00:00", devs[0].MacAddr())
	assert.Equal(t, "02:bd:bd:00:00:01", devs[1].MacAddr())

	// The adapters are visible to the verbs core
	for _, d := range devs {
		_, ok := verbs.DeviceByName(d.Name())
		assert.True(t, ok, "device %s not registered", d.Name())
	}

	// Double load is refused while loaded
	_, err := Load(2)
	assert.ErrorIs(t, err, verbs.ErrStateConflict)

	require.NoError(t, Unload())
	_, ok := verbs.DeviceByName("bluerdma0")
	assert.False(t, ok)

	// Unloading twice is a conflict; loading again works
	assert.ErrorIs(t, Unload(), verbs.ErrStateConflict)
	devs, err = Load(1)
	require.NoError(t, err)
	require.Len(t, devs, 1)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(0)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)
	_, err = Load(-3)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)
}

func TestEUI64GID(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0xbd, 0xbd, 0x00, 0x00, 0x01}
	g := EUI64GID(mac)

	// fe80::/64 prefix, then MAC with the u/l bit flipped and fffe
	// stuffed in the middle
	want := verbs.GID{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0x00, 0xbd, 0xbd, 0xff, 0xfe, 0x00, 0x00, 0x01}
	assert.Equal(t, want, g)
	assert.Equal(t, "fe80:0000:0000:0000:00bd:bdff:fe00:0001", g.String())

	// Malformed MAC yields the zero GID
	assert.True(t, EUI64GID(net.HardwareAddr{1, 2, 3}).IsZero())
}

func TestGIDTableOperations(t *testing.T) {
	devs := loadDevices(t, 1)
	d := devs[0]

	// Slot 0 carries the EUI-64 of the MAC at load
	g, err := d.QueryGID(1, 0)
	require.NoError(t, err)
	assert.Equal(t, EUI64GID(d.NetDev().MAC()), g)

	// Vacant slot
	_, err = d.QueryGID(1, 1)
	assert.ErrorIs(t, err, verbs.ErrAddrUnavailable)

	// Out-of-range indexes
	_, err = d.QueryGID(1, -1)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)
	_, err = d.QueryGID(1, GIDTableSize)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)

	// Wrong port
	_, err = d.QueryGID(0, 0)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)
	_, err = d.QueryGID(2, 0)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)

	// Add, read back, delete
	v4 := verbs.GIDFromIPv4(net.IPv4(10, 1, 2, 3))
	require.NoError(t, d.AddGID(1, 3, v4))
	g, err = d.QueryGID(1, 3)
	require.NoError(t, err)
	assert.Equal(t, v4, g)

	require.NoError(t, d.DelGID(1, 3))
	_, err = d.QueryGID(1, 3)
	assert.ErrorIs(t, err, verbs.ErrAddrUnavailable)

	// Add/Del bounds and port checks
	assert.ErrorIs(t, d.AddGID(1, GIDTableSize, v4), verbs.ErrInvalidArgument)
	assert.ErrorIs(t, d.AddGID(2, 1, v4), verbs.ErrInvalidArgument)
	assert.ErrorIs(t, d.DelGID(1, -1), verbs.ErrInvalidArgument)
	assert.ErrorIs(t, d.DelGID(2, 1), verbs.ErrInvalidArgument)

	// Re-adding a deleted slot revives it
	require.NoError(t, d.AddGID(1, 3, v4))
	g, err = d.QueryGID(1, 3)
	require.NoError(t, err)
	assert.Equal(t, v4, g)
}

func TestGidsRender(t *testing.T) {
	devs := loadDevices(t, 1)
	d := devs[0]

	v4 := verbs.GIDFromIPv4(net.IPv4(192, 168, 1, 10))
	require.NoError(t, d.AddGID(1, 2, v4))

	out := d.Gids()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2, "one line per valid entry")
	assert.Equal(t, EUI64GID(d.NetDev().MAC()).String(), lines[0])
	assert.Equal(t, "0000:0000:0000:0000:0000:ffff:c0a8:010a", lines[1])
	assert.True(t, strings.HasSuffix(out, "\n"))

	// Deleted entries drop out of the render
	require.NoError(t, d.DelGID(1, 2))
	lines = strings.Split(strings.TrimRight(d.Gids(), "\n"), "\n")
	assert.Len(t, lines, 1)
}

func TestNetDevMTU(t *testing.T) {
	devs := loadDevices(t, 1)
	nd := devs[0].NetDev()

	assert.Equal(t, DefaultMTU, nd.MTU())

	assert.ErrorIs(t, nd.SetMTU(MinMTU-1), verbs.ErrInvalidArgument)
	assert.ErrorIs(t, nd.SetMTU(MaxMTU+1), verbs.ErrInvalidArgument)
	assert.Equal(t, DefaultMTU, nd.MTU(), "failed change must not stick")

	require.NoError(t, nd.SetMTU(9000))
	assert.Equal(t, 9000, nd.MTU())
	require.NoError(t, nd.SetMTU(MinMTU))
	require.NoError(t, nd.SetMTU(MaxMTU))
}

func TestPortAttrFollowsNetdev(t *testing.T) {
	devs := loadDevices(t, 1)
	d := devs[0]

	pa, err := d.PortAttr(1)
	require.NoError(t, err)
	assert.Equal(t, verbs.PortActive, pa.State)
	assert.Equal(t, verbs.MTU1024, pa.ActiveMTU, "1500-byte netdev maps to the 1024 enum")
	assert.Equal(t, verbs.MTU4096, pa.MaxMTU)
	assert.Equal(t, GIDTableSize, pa.GIDTblLen)
	assert.Equal(t, 1, pa.PkeyTblLen)

	// Active MTU follows netdev MTU changes
	require.NoError(t, d.NetDev().SetMTU(4200))
	pa, err = d.PortAttr(1)
	require.NoError(t, err)
	assert.Equal(t, verbs.MTU4096, pa.ActiveMTU)

	require.NoError(t, d.NetDev().SetMTU(256))
	pa, err = d.PortAttr(1)
	require.NoError(t, err)
	assert.Equal(t, verbs.MTU256, pa.ActiveMTU)

	// Port state follows link state
	d.NetDev().SetUp(false)
	pa, err = d.PortAttr(1)
	require.NoError(t, err)
	assert.Equal(t, verbs.PortDown, pa.State)
	d.NetDev().SetUp(true)

	// Only port 1 exists
	_, err = d.PortAttr(0)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)
	_, err = d.PortAttr(2)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)
}

func TestDeviceAttrAndPkey(t *testing.T) {
	devs := loadDevices(t, 1)
	d := devs[0]

	attr := d.DeviceAttr()
	assert.Equal(t, FWVersion, attr.FWVersion)
	assert.Equal(t, verbs.MaxQPCount, attr.MaxQP)
	assert.Equal(t, verbs.MaxMRCount, attr.MaxMR)
	assert.Equal(t, uint8(1), attr.PhysPortCnt)
	// Node GUID is the EUI-64 interface identifier
	assert.Equal(t, uint64(0x00bdbdfffe000000), attr.NodeGUID)

	pkey, err := d.QueryPkey(1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0001), pkey)

	_, err = d.QueryPkey(1, 1)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)
	_, err = d.QueryPkey(2, 0)
	assert.ErrorIs(t, err, verbs.ErrInvalidArgument)
}
