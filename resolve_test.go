package rebind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_MemoizesScans(t *testing.T) {
	ti := fixture(t, "_open", "_close")
	lay, err := parseImage(ti.img)
	require.NoError(t, err)
	require.NotNil(t, lay.symtab)

	res, err := newResolver(16)
	require.NoError(t, err)

	addr := ti.symAddr(t, "_open")
	name, ok := res.resolve(lay.symtab, addr)
	require.True(t, ok)
	assert.Equal(t, "_open", name)
	assert.Equal(t, uint64(1), res.scans.Load())

	// The second lookup of the same address must be a cache hit, not a
	// rescan.
	name, ok = res.resolve(lay.symtab, addr)
	require.True(t, ok)
	assert.Equal(t, "_open", name)
	assert.Equal(t, uint64(1), res.scans.Load())
	assert.Equal(t, uint64(1), res.hits.Load())
}

func TestResolver_UnknownAddressNotCached(t *testing.T) {
	ti := fixture(t, "_open")
	lay, err := parseImage(ti.img)
	require.NoError(t, err)

	res, err := newResolver(16)
	require.NoError(t, err)

	_, ok := res.resolve(lay.symtab, ti.img.Base+1)
	assert.False(t, ok)
	_, ok = res.resolve(lay.symtab, ti.img.Base+1)
	assert.False(t, ok)

	// Misses rescan every time so a late-bound symbol can still resolve.
	assert.Equal(t, uint64(2), res.scans.Load())
	assert.Equal(t, uint64(0), res.hits.Load())
}

func TestResolver_ClearForcesRescan(t *testing.T) {
	ti := fixture(t, "_open")
	lay, err := parseImage(ti.img)
	require.NoError(t, err)

	res, err := newResolver(16)
	require.NoError(t, err)

	addr := ti.symAddr(t, "_open")
	_, ok := res.resolve(lay.symtab, addr)
	require.True(t, ok)
	res.clear()

	_, ok = res.resolve(lay.symtab, addr)
	require.True(t, ok)
	assert.Equal(t, uint64(2), res.scans.Load())
}

func TestResolver_NilReference(t *testing.T) {
	res, err := newResolver(16)
	require.NoError(t, err)

	_, ok := res.resolve(nil, 0x1000)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), res.scans.Load())
}
