package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	t.Setenv("GOACC_IENV", "0")
	t.Setenv("GOACC_CACHE", "0")
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestDevicesCommand(t *testing.T) {
	require.NoError(t, run(t, "devices", "--driver=sim"))
	require.Error(t, run(t, "devices", "--driver=no-such-driver"))
}

func TestAtomicsCommand(t *testing.T) {
	require.NoError(t, run(t, "atomics", "--driver=sim", "--precision=32"))
	require.Error(t, run(t, "atomics", "--driver=sim", "--precision=16"))
}

func TestCompileCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "add.cl")
	require.NoError(t, os.WriteFile(path, []byte("kernel void add(global float *a) { a[0] += 1; }\n"), 0644))
	require.NoError(t, run(t, "compile", path, "--driver=sim", "--kernel=add", "--atomics=64"))
	require.Error(t, run(t, "compile", path, "--driver=sim", "--kernel=mul"))
}
