package accel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	key := cacheKey(0x1234, "Sim GPU", "-cl-std=CL3.0", "kernel void f() {}")
	require.Len(t, key, 16)
	require.Equal(t, key, cacheKey(0x1234, "Sim GPU", "-cl-std=CL3.0", "kernel void f() {}"))
	require.NotEqual(t, key, cacheKey(0x1235, "Sim GPU", "-cl-std=CL3.0", "kernel void f() {}"))
	require.NotEqual(t, key, cacheKey(0x1234, "Sim GPU", "-cl-std=CL2.0", "kernel void f() {}"))
	require.NotEqual(t, key, cacheKey(0x1234, "Sim GPU", "-cl-std=CL3.0", "kernel void g() {}"))
}

func TestKernelCache(t *testing.T) {
	dir := t.TempDir()
	c := newKernelCache(dir)
	key := cacheKey(1, "dev", "", "src")

	_, result := c.Load(key)
	require.Equal(t, cacheMiss, result)

	require.NoError(t, c.Store(key, "f", "dev", []byte("binary")))
	bin, result := c.Load(key)
	require.Equal(t, cacheHit, result)
	require.Equal(t, []byte("binary"), bin)

	// A binary not matching its manifest is stale.
	binPath, metaPath := c.paths(key)
	require.NoError(t, os.WriteFile(binPath, []byte("tampered"), 0644))
	_, result = c.Load(key)
	require.Equal(t, cacheStale, result)

	// Overwritten.
	require.NoError(t, c.Store(key, "f", "dev", []byte("binary2")))
	bin, result = c.Load(key)
	require.Equal(t, cacheHit, result)
	require.Equal(t, []byte("binary2"), bin)

	require.NoError(t, os.WriteFile(metaPath, []byte{0xff, 0xff, 0xff}, 0644))
	_, result = c.Load(key)
	require.Equal(t, cacheStale, result)

	require.NoError(t, os.Remove(binPath))
	_, result = c.Load(key)
	require.Equal(t, cacheStale, result)

	// No temporary files left behind.
	entries, err := filepath.Glob(filepath.Join(dir, "*.tmp*"))
	require.NoError(t, err)
	require.Empty(t, entries)
}
