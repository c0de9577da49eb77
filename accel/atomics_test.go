package accel

import (
	"testing"

	"github.com/gomlx/goacc/driver/sim"
	"github.com/stretchr/testify/require"
)

const (
	gpu64Extensions = "cl_khr_fp64 cl_khr_global_int32_base_atomics cl_khr_global_int32_extended_atomics " +
		"cl_khr_int64_base_atomics cl_khr_int64_extended_atomics"
	fetchAddTF = "atomic_fetch_add_explicit((GLOBAL_VOLATILE(TF)*)A,B,memory_order_relaxed,memory_scope_work_group)"
)

func TestSelectAtomicsFlags(t *testing.T) {
	strategy := SelectAtomics(AtomicsInput{Bits: 64, Level: 3, DeviceExtensions: gpu64Extensions, Barrier: true})
	require.Equal(t, AtomicsCmpXchg, strategy.Kind)
	require.Equal(t,
		`-DTAN=2 -DTA=long -DTA2=atomic_long -DTF=atomic_double -DCMPXCHG=atom_cmpxchg `+
			`-D"ATOMIC_ADD_GLOBAL(A,B)=atomic_add_global_cmpxchg(A,B)" `+
			`-D"BARRIER(A)=work_group_barrier(A,memory_scope_work_group)"`,
		strategy.Flags())
	require.Equal(t, []string{"cl_khr_fp64 cl_khr_int64_base_atomics cl_khr_int64_extended_atomics"}, strategy.Extensions)

	// Deterministic.
	require.Equal(t, strategy, SelectAtomics(AtomicsInput{Bits: 64, Level: 3, DeviceExtensions: gpu64Extensions, Barrier: true}))
}

func TestSelectAtomics(t *testing.T) {
	for _, tc := range []struct {
		name       string
		in         AtomicsInput
		kind       AtomicsKind
		typeMacros string
		ops        string
		expr       string
		extensions []string
	}{
		{
			name:       "native",
			in:         AtomicsInput{Bits: 32, Level: 3, DeviceExtensions: gpu64Extensions, FloatAtomicCaps: 0x6, FloatAtomicCapsOK: true},
			kind:       AtomicsNative,
			typeMacros: "-DTA=int -DTA2=atomic_int -DTF=atomic_float",
			expr:       "atomic_fetch_add_explicit((GLOBAL_VOLATILE(atomic_float)*)A,B,memory_order_relaxed,memory_scope_work_group)",
			extensions: []string{"cl_khr_global_int32_base_atomics cl_khr_global_int32_extended_atomics", "cl_ext_float_atomics"},
		},
		{
			name:       "caps without add",
			in:         AtomicsInput{Bits: 32, Level: 3, NVIDIA: true, DeviceExtensions: gpu64Extensions, FloatAtomicCaps: 0x1, FloatAtomicCapsOK: true},
			kind:       AtomicsXchg,
			typeMacros: "-DTA=int -DTA2=atomic_int -DTF=atomic_float",
			expr:       "atomic_add_global_xchg(A,B)",
			extensions: []string{"cl_khr_global_int32_base_atomics cl_khr_global_int32_extended_atomics", "cl_khr_int64_base_atomics cl_khr_int64_extended_atomics"},
		},
		{
			name:       "intel range fp64",
			in:         AtomicsInput{Bits: 64, Level: 3, Intel: true, UID: 0x0bd5, DeviceExtensions: gpu64Extensions},
			kind:       AtomicsVendor,
			typeMacros: "-DTA=long -DTA2=atomic_long -DTF=atomic_double",
			ops:        "-DATOMIC_PROTOTYPES=2",
			expr:       fetchAddTF,
			extensions: []string{"cl_khr_fp64 cl_khr_int64_base_atomics cl_khr_int64_extended_atomics"},
		},
		{
			name:       "intel level 1 in range",
			in:         AtomicsInput{Bits: 64, Level: 1, Intel: true, UID: 0x0bd0, DeviceExtensions: gpu64Extensions},
			kind:       AtomicsVendor,
			typeMacros: "-DTA=long",
			ops:        "-DATOMIC_PROTOTYPES=1",
			expr:       "atomic_add(A,B)",
			extensions: []string{"cl_khr_fp64 cl_khr_int64_base_atomics"},
		},
		{
			name:       "intel fp32 out of range",
			in:         AtomicsInput{Bits: 32, Level: 3, Intel: true, UID: 0x56a0, DeviceExtensions: gpu64Extensions},
			kind:       AtomicsVendor,
			typeMacros: "-DTA=int -DTA2=atomic_int -DTF=atomic_float",
			ops:        "-Dcl_intel_global_float_atomics",
			expr:       fetchAddTF,
			extensions: []string{"cl_khr_global_int32_base_atomics cl_khr_global_int32_extended_atomics", "cl_intel_global_float_atomics"},
		},
		{
			name:       "intel fp64 out of range",
			in:         AtomicsInput{Bits: 64, Level: 3, Intel: true, UID: 0x56a0, DeviceExtensions: gpu64Extensions},
			kind:       AtomicsCmpXchg,
			typeMacros: "-DTA=long -DTA2=atomic_long -DTF=atomic_double",
			ops:        "-DCMPXCHG=atom_cmpxchg",
			expr:       "atomic_add_global_cmpxchg(A,B)",
			extensions: []string{"cl_khr_fp64 cl_khr_int64_base_atomics cl_khr_int64_extended_atomics"},
		},
		{
			name:       "intel integrated",
			in:         AtomicsInput{Bits: 32, Level: 3, Intel: true, UID: 0x0bd5, Unified: true, DeviceExtensions: gpu64Extensions},
			kind:       AtomicsCmpXchg,
			typeMacros: "-DTA=int -DTA2=atomic_int -DTF=atomic_float",
			ops:        "-DCMPXCHG=atomic_cmpxchg",
			expr:       "atomic_add_global_cmpxchg(A,B)",
			extensions: []string{"cl_khr_global_int32_base_atomics cl_khr_global_int32_extended_atomics"},
		},
		{
			name:       "amd builtin",
			in:         AtomicsInput{Bits: 64, Level: 2, AMDGeneration: 2, DeviceExtensions: gpu64Extensions},
			kind:       AtomicsBuiltin,
			typeMacros: "-DTA=long -DTA2=atomic_long -DTF=atomic_double",
			expr:       "__builtin_amdgcn_global_atomic_fadd_f64(A,B,__ATOMIC_RELAXED)",
			extensions: []string{"cl_khr_fp64 cl_khr_int64_base_atomics cl_khr_int64_extended_atomics"},
		},
		{
			name:       "unsynchronized",
			in:         AtomicsInput{Bits: 32, Level: 3, DeviceExtensions: gpu64Extensions, Override: "0", FloatAtomicCaps: 0x2, FloatAtomicCapsOK: true},
			kind:       AtomicsUnsynchronized,
			typeMacros: "-DTA=int -DTA2=atomic_int -DTF=atomic_float",
			expr:       "*(A)+=(B)",
			extensions: []string{"cl_khr_global_int32_base_atomics cl_khr_global_int32_extended_atomics", "cl_khr_int64_base_atomics cl_khr_int64_extended_atomics"},
		},
		{
			name:       "forced prototypes 3",
			in:         AtomicsInput{Bits: 32, Level: 1, DeviceExtensions: gpu64Extensions, Override: "3"},
			kind:       AtomicsVendor,
			typeMacros: "-DTA=int",
			ops:        "-DATOMIC_PROTOTYPES=3",
			expr:       fetchAddTF,
			extensions: []string{"cl_khr_global_int32_base_atomics", "cl_khr_int64_base_atomics"},
		},
		{
			name:       "override cmpxchg",
			in:         AtomicsInput{Bits: 32, Level: 3, NVIDIA: true, DeviceExtensions: gpu64Extensions, Override: "CmpXchg"},
			kind:       AtomicsCmpXchg,
			typeMacros: "-DTA=int -DTA2=atomic_int -DTF=atomic_float",
			ops:        "-DCMPXCHG=atomic_cmpxchg",
			expr:       "atomic_add_global_cmpxchg(A,B)",
			extensions: []string{"cl_khr_global_int32_base_atomics cl_khr_global_int32_extended_atomics"},
		},
		{
			name:       "override xchg",
			in:         AtomicsInput{Bits: 64, Level: 3, DeviceExtensions: gpu64Extensions, Override: "xchg"},
			kind:       AtomicsXchg,
			typeMacros: "-DTA=long -DTA2=atomic_long -DTF=atomic_double",
			ops:        "-DXCHG=atom_xchg",
			expr:       "atomic_add_global_xchg(A,B)",
			extensions: []string{"cl_khr_fp64 cl_khr_int64_base_atomics cl_khr_int64_extended_atomics"},
		},
		{
			name:       "int32 emulation of fp64",
			in:         AtomicsInput{Bits: 64, Level: 1, NVIDIA: true, DeviceExtensions: "cl_khr_fp64 cl_khr_global_int32_base_atomics"},
			kind:       AtomicsXchg,
			typeMacros: "-DATOMIC32_ADD64 -DTA=int",
			expr:       "atomic_add_global_xchg(A,B)",
			extensions: []string{"cl_khr_fp64 cl_khr_global_int32_base_atomics"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectAtomics(tc.in)
			require.Equal(t, tc.kind, got.Kind)
			require.Equal(t, tc.typeMacros, got.TypeMacros)
			require.Equal(t, tc.ops, got.Ops)
			require.Equal(t, tc.expr, got.Expr)
			require.Equal(t, tc.extensions, got.Extensions)
		})
	}
}

func TestSelectAtomicsUnsupported(t *testing.T) {
	strategy := SelectAtomics(AtomicsInput{Bits: 64, Level: 3, DeviceExtensions: "cl_khr_global_int32_base_atomics", Extensions: []string{"cl_foo"}})
	require.Equal(t, AtomicsNone, strategy.Kind)
	require.Empty(t, strategy.Flags())
	require.Equal(t, []string{"cl_foo"}, strategy.Extensions)

	// Extensions required by the caller must be supported as well.
	strategy = SelectAtomics(AtomicsInput{Bits: 32, Level: 3, DeviceExtensions: gpu64Extensions, Extensions: []string{"cl_foo"}})
	require.Equal(t, AtomicsNone, strategy.Kind)

	strategy = SelectAtomics(AtomicsInput{Bits: 32, Level: 3, DeviceExtensions: gpu64Extensions, Extensions: []string{"cl_khr_fp64"}})
	require.NotEqual(t, AtomicsNone, strategy.Kind)
	require.Equal(t, "cl_khr_fp64", strategy.Extensions[0])
}

func TestSelectAtomicsBarrier(t *testing.T) {
	in := AtomicsInput{Bits: 32, Level: 3, Intel: true, CPU: true, Unified: true, DeviceExtensions: gpu64Extensions, Barrier: true}
	require.Equal(t, `-D"BARRIER(A)=barrier(A)"`, SelectAtomics(in).Barrier)
	in.CPU = false
	require.Equal(t, `-D"BARRIER(A)=work_group_barrier(A,memory_scope_work_group)"`, SelectAtomics(in).Barrier)
	in.Level = 1
	require.Equal(t, `-D"BARRIER(A)=barrier(A)"`, SelectAtomics(in).Barrier)
	in.Barrier = false
	require.Empty(t, SelectAtomics(in).Barrier)
}

func TestRuntimeAtomics(t *testing.T) {
	topology := sim.DefaultTopology()
	gpu := &topology.Platforms[0].Devices[0]
	gpu.HasFloatAtomicCaps = true
	gpu.FP32AtomicCaps = 0x2
	r, _ := newTestRuntime(t, topology, nil)

	strategy, err := r.Atomics(nil, 32)
	require.NoError(t, err)
	require.Equal(t, AtomicsNative, strategy.Kind)
	require.Contains(t, strategy.Flags(), "-DTAN=1")

	strategy, err = r.Atomics(nil, 64, "cl_khr_fp64")
	require.NoError(t, err)
	require.Equal(t, AtomicsCmpXchg, strategy.Kind)
	require.Contains(t, strategy.Flags(), "-DTAN=2")

	_, err = r.Atomics(nil, 16)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, "CmpXchg", AtomicsCmpXchg.String())
}
