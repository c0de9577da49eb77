package autoinit

import (
	"testing"

	"github.com/gomlx/goacc/accel"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/goacc/driver/sim"
)

func TestAutoInit(t *testing.T) {
	r := accel.Default()
	require.True(t, r.IsInitialized())
	require.Equal(t, "sim", r.Driver().Name())
	require.NoError(t, Detach())
	require.False(t, r.IsInitialized())
	require.NoError(t, Detach())
}
