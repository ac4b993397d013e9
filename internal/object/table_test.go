package object_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahkoh/wl-proxy-sub007/internal/object"
	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
)

func TestBindAndLookup(t *testing.T) {
	tbl := object.NewTable()
	obj := object.New("wl_surface", 1)

	require.NoError(t, tbl.BindClientID(0x10, obj))
	got, ok := tbl.Lookup(0x10)
	require.True(t, ok)
	assert.Same(t, obj, got)
}

func TestBindOutsideRangeIsFatal(t *testing.T) {
	tbl := object.NewTable()
	obj := object.New("wl_surface", 1)

	err := tbl.BindClientID(object.ServerIDMin, obj)
	require.Error(t, err)
	assert.True(t, protoerr.Is(err, protoerr.KindSetClientID))

	err = tbl.BindServerID(object.ClientIDMin, obj)
	require.Error(t, err)
	assert.True(t, protoerr.Is(err, protoerr.KindSetServerID))
}

func TestBindZeroIsFatal(t *testing.T) {
	tbl := object.NewTable()
	err := tbl.BindClientID(0, object.New("wl_surface", 1))
	require.Error(t, err)
	assert.True(t, protoerr.Is(err, protoerr.KindSetClientID))
}

func TestBindAlreadyTakenIsFatal(t *testing.T) {
	tbl := object.NewTable()
	require.NoError(t, tbl.BindClientID(0x10, object.New("wl_surface", 1)))
	err := tbl.BindClientID(0x10, object.New("wl_surface", 1))
	require.Error(t, err)
	assert.True(t, protoerr.Is(err, protoerr.KindSetClientID))
}

// TestAllocateServerIDMonotonic: repeated allocation from an empty table
// returns the lowest free id in monotonically increasing order.
func TestAllocateServerIDMonotonic(t *testing.T) {
	tbl := object.NewTable()

	id1, err := tbl.AllocateServerID(object.New("wlproxy_test_hops", 1))
	require.NoError(t, err)
	id2, err := tbl.AllocateServerID(object.New("wlproxy_test_hops", 1))
	require.NoError(t, err)

	assert.Equal(t, object.ServerIDMin, id1)
	assert.Equal(t, object.ServerIDMin+1, id2)
	assert.Less(t, id1, id2)
}

func TestAllocateSkipsReleasedThenReusedID(t *testing.T) {
	tbl := object.NewTable()

	id1, err := tbl.AllocateClientID(object.New("wlproxy_test_hops", 1))
	require.NoError(t, err)
	tbl.Release(id1)

	id2, err := tbl.AllocateClientID(object.New("wlproxy_test_hops", 1))
	require.NoError(t, err)
	assert.Equal(t, object.ClientIDMin+1, id2, "cursor advances even though id1 was released")

	// id1 itself is free again and can still be bound explicitly.
	require.NoError(t, tbl.BindClientID(id1, object.New("wlproxy_test_hops", 1)))
}

func TestReleaseThenLookupMisses(t *testing.T) {
	tbl := object.NewTable()
	require.NoError(t, tbl.BindServerID(object.ServerIDMin, object.New("wl_surface", 1)))
	tbl.Release(object.ServerIDMin)

	_, ok := tbl.Lookup(object.ServerIDMin)
	assert.False(t, ok)
}
