package accel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildFlags(t *testing.T) {
	require.Equal(t, "-cl-std=CL3.0 -w -D X(A)=A  -cl-fast-relaxed-math",
		BuildFlags("-cl-std=CL3.0", "-w", `-D"X(A)=A"`, "-cl-fast-relaxed-math"))
	require.Equal(t, "   ", BuildFlags("", "", "", ""))

	// The order is fixed: standard, options, params and try-options.
	require.Equal(t, "a b c d", BuildFlags("a", "b", "c", "d"))
}
