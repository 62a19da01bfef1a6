package verbs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMRRegisterDeregisterRoundTrip(t *testing.T) {
	ctx := newTestContext(t, &fakeDriver{})
	defer ctx.Close()

	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	buf := make([]byte, 4096)
	mr, err := pd.RegMR(buf, AccessLocalWrite|AccessRemoteWrite|AccessRemoteRead)
	require.NoError(t, err, "Failed to register MR")

	assert.NotZero(t, mr.LKey())
	assert.Equal(t, mr.LKey(), mr.RKey())
	assert.NotZero(t, mr.Addr())
	assert.Equal(t, uint32(4096), mr.Length())
	assert.Same(t, pd, mr.PD())

	// Both keys resolve to the same region
	byL, ok := ctx.MRByLKey(mr.LKey())
	require.True(t, ok)
	assert.Same(t, mr, byL)
	byR, ok := ctx.MRByRKey(mr.RKey())
	require.True(t, ok)
	assert.Same(t, mr, byR)

	require.NoError(t, mr.Dereg())

	// The key no longer resolves and a second dereg is rejected
	_, ok = ctx.MRByLKey(mr.LKey())
	assert.False(t, ok)
	assert.ErrorIs(t, mr.Dereg(), ErrInvalidArgument)
}

func TestMRKeysDifferAcrossRegistrations(t *testing.T) {
	ctx := newTestContext(t, &fakeDriver{})
	defer ctx.Close()

	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	buf := make([]byte, 256)
	first, err := pd.RegMR(buf, AccessLocalWrite)
	require.NoError(t, err)
	oldKey := first.LKey()
	require.NoError(t, first.Dereg())

	second, err := pd.RegMR(buf, AccessLocalWrite)
	require.NoError(t, err)
	defer second.Dereg()

	assert.NotEqual(t, oldKey, second.LKey(), "a freed key must not be reissued")
	_, ok := ctx.MRByLKey(oldKey)
	assert.False(t, ok, "the freed key must not resolve")
}

func TestMRRegisterValidation(t *testing.T) {
	ctx := newTestContext(t, &fakeDriver{})
	defer ctx.Close()

	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	// Zero-length regions are rejected
	_, err = pd.RegMR(nil, AccessLocalWrite)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = pd.RegMR([]byte{}, AccessLocalWrite)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Remote write implies local write
	_, err = pd.RegMR(make([]byte, 64), AccessRemoteWrite)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = pd.RegMR(make([]byte, 64), AccessRemoteAtomic)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Remote read alone is fine
	mr, err := pd.RegMR(make([]byte, 64), AccessRemoteRead)
	require.NoError(t, err)
	require.NoError(t, mr.Dereg())
}

func TestMRSliceBounds(t *testing.T) {
	ctx := newTestContext(t, &fakeDriver{})
	defer ctx.Close()

	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i)
	}
	mr, err := pd.RegMR(buf, AccessLocalWrite)
	require.NoError(t, err)
	defer mr.Dereg()

	// Full window
	s, err := mr.Slice(mr.Addr(), 1024)
	require.NoError(t, err)
	assert.Len(t, s, 1024)
	assert.Equal(t, byte(0), s[0])

	// Interior window maps to the right bytes
	s, err = mr.Slice(mr.Addr()+100, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{100, 101, 102, 103}, s)

	// One byte past the end
	_, err = mr.Slice(mr.Addr()+1, 1024)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Before the start
	_, err = mr.Slice(mr.Addr()-1, 4)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Writes through the slice land in the backing buffer
	s, err = mr.Slice(mr.Addr()+8, 2)
	require.NoError(t, err)
	s[0] = 0xaa
	s[1] = 0xbb
	assert.Equal(t, byte(0xaa), buf[8])
	assert.Equal(t, byte(0xbb), buf[9])
}

func TestMRCheckAccess(t *testing.T) {
	ctx := newTestContext(t, &fakeDriver{})
	defer ctx.Close()

	pd, err := ctx.AllocPD()
	require.NoError(t, err)

	mr, err := pd.RegMR(make([]byte, 64), AccessLocalWrite|AccessRemoteRead)
	require.NoError(t, err)
	defer mr.Dereg()

	assert.True(t, mr.CheckAccess(AccessLocalWrite))
	assert.True(t, mr.CheckAccess(AccessRemoteRead))
	assert.True(t, mr.CheckAccess(AccessLocalWrite|AccessRemoteRead))
	assert.False(t, mr.CheckAccess(AccessRemoteWrite))
	assert.False(t, mr.CheckAccess(AccessRemoteRead|AccessRemoteWrite))
}

func TestPDAllocDealloc(t *testing.T) {
	ctx := newTestContext(t, &fakeDriver{})
	defer ctx.Close()

	pd, err := ctx.AllocPD()
	require.NoError(t, err)
	assert.NotZero(t, pd.Handle())

	other, err := ctx.AllocPD()
	require.NoError(t, err)
	assert.NotEqual(t, pd.Handle(), other.Handle())

	require.NoError(t, pd.Dealloc())
	assert.ErrorIs(t, pd.Dealloc(), ErrInvalidArgument)
	require.NoError(t, other.Dealloc())
}
