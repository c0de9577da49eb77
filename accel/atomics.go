package accel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/goacc/driver"
	"github.com/pkg/errors"
)

// AtomicsKind is the strategy used by kernels to atomically add floating-point values to global memory.
type AtomicsKind int

//go:generate go tool enumer -type=AtomicsKind -trimprefix=Atomics -output=gen_atomicskind_enumer.go atomics.go

const (
	// AtomicsNone means the device lacks the extensions required for the precision: no flags are emitted.
	AtomicsNone AtomicsKind = iota

	// AtomicsNative uses the standard float atomics extension.
	AtomicsNative

	// AtomicsVendor uses vendor float atomics or atomic prototypes.
	AtomicsVendor

	// AtomicsBuiltin uses a compiler builtin (AMD).
	AtomicsBuiltin

	// AtomicsCmpXchg emulates the addition with a compare-and-exchange loop.
	AtomicsCmpXchg

	// AtomicsXchg emulates the addition with an exchange loop.
	AtomicsXchg

	// AtomicsUnsynchronized is a plain (racy) addition, selected by an override starting with "0".
	AtomicsUnsynchronized
)

// Extensions used by the atomics strategies.
const (
	extFP64            = "cl_khr_fp64"
	extInt32Base       = "cl_khr_global_int32_base_atomics"
	extInt32Extended   = "cl_khr_global_int32_extended_atomics"
	extInt64Base       = "cl_khr_int64_base_atomics"
	extInt64Extended   = "cl_khr_int64_extended_atomics"
	extFloatAtomics    = "cl_ext_float_atomics"
	extIntelFloatAtoms = "cl_intel_global_float_atomics"
)

// floatAtomicAddCap is the bit of the float atomics capabilities reporting support for global add.
const floatAtomicAddCap = 1 << 1

// AtomicsInput is everything SelectAtomics depends on.
type AtomicsInput struct {
	// Bits is the precision, 32 or 64.
	Bits int

	// Level is the major capability level of the device.
	Level int

	Intel, NVIDIA bool

	// AMDGeneration as in DeviceDescriptor.
	AMDGeneration int

	UID     uint32
	Unified bool
	CPU     bool

	// DeviceExtensions supported by the device, space separated.
	DeviceExtensions string

	// FloatAtomicCaps is the float atomics capabilities bitmask, only valid if FloatAtomicCapsOK.
	FloatAtomicCaps   uint64
	FloatAtomicCapsOK bool

	// Barrier enables the barrier expression.
	Barrier bool

	// Override as in Config.Atomics.
	Override string

	// Extensions required by the caller: each entry is a group of one or more extension names.
	Extensions []string
}

// AtomicsStrategy is the result of SelectAtomics.
type AtomicsStrategy struct {
	Kind AtomicsKind

	// TAN is 1 for 32 bits and 2 for 64 bits precision, 0 if Kind is AtomicsNone.
	TAN int

	// TypeMacros define the integer and atomic types (e.g. "-DTA=int -DTA2=atomic_int -DTF=atomic_float").
	TypeMacros string

	// Ops are extra macros required by the expression.
	Ops string

	// Expr is the expression defined as ATOMIC_ADD_GLOBAL(A,B).
	Expr string

	// Barrier is the macro defining BARRIER(A), or "".
	Barrier string

	// Extensions are the extension groups to declare in the program (see KernelRequest.Extensions):
	// the caller's, the ones required by the type macros and by the strategy.
	Extensions []string
}

// Flags renders the build parameters of the strategy, "" if Kind is AtomicsNone.
func (s AtomicsStrategy) Flags() string {
	if s.Kind == AtomicsNone {
		return ""
	}
	return fmt.Sprintf("-DTAN=%d %s %s -D\"ATOMIC_ADD_GLOBAL(A,B)=%s\" %s", s.TAN, s.TypeMacros, s.Ops, s.Expr, s.Barrier)
}

// intelAtomicsUIDs is the range of Intel device ids with vendor float atomics.
const (
	intelAtomicsUIDFirst = 0x0bd0
	intelAtomicsUIDLast  = 0x0bdb
	intelNoAtomicsUID    = 0x4905
)

// SelectAtomics picks the strategy for atomic float additions given the device facts and the configuration.
// It is a pure function: the same input always gives the same strategy.
func SelectAtomics(in AtomicsInput) AtomicsStrategy {
	fp64 := in.Bits == 64
	strategy := AtomicsStrategy{Extensions: append([]string(nil), in.Extensions...)}

	// Type macros and the extensions they require (ext1), and the optional ones (ext2).
	var ext1, ext2, typeMacros string
	supported := func(group string) bool {
		return hasExtensions(in.DeviceExtensions, append(append([]string(nil), in.Extensions...), group)...)
	}
	if fp64 {
		switch {
		case in.Level >= 2 && supported(join(extFP64, extInt64Base, extInt64Extended)):
			ext1, typeMacros = join(extFP64, extInt64Base, extInt64Extended), "-DTA=long -DTA2=atomic_long -DTF=atomic_double"
		case supported(join(extFP64, extInt64Base)):
			ext1, typeMacros = join(extFP64, extInt64Base), "-DTA=long"
		case in.Level >= 2 && supported(join(extFP64, extInt32Base, extInt32Extended)):
			ext1, typeMacros = join(extFP64, extInt32Base, extInt32Extended), "-DATOMIC32_ADD64 -DTA=int -DTA2=atomic_int -DTF=atomic_double"
		case supported(join(extFP64, extInt32Base)):
			ext1, typeMacros = join(extFP64, extInt32Base), "-DATOMIC32_ADD64 -DTA=int"
		default:
			return strategy
		}
	} else {
		switch {
		case in.Level >= 2 && supported(join(extInt32Base, extInt32Extended)):
			ext1, typeMacros = join(extInt32Base, extInt32Extended), "-DTA=int -DTA2=atomic_int -DTF=atomic_float"
			ext2 = join(extInt64Base, extInt64Extended)
		case supported(extInt32Base):
			ext1, typeMacros = extInt32Base, "-DTA=int"
			ext2 = extInt64Base
		default:
			return strategy
		}
	}
	strategy.TypeMacros = typeMacros
	strategy.TAN = 1
	if fp64 {
		strategy.TAN = 2
	}
	atomicType, cmpxchg, xchg := "atomic_float", "atomic_cmpxchg", "atomic_xchg"
	if fp64 {
		atomicType, cmpxchg, xchg = "atomic_double", "atom_cmpxchg", "atom_xchg"
	}

	if in.Barrier {
		if in.Level >= 2 && !(in.Intel && in.CPU) {
			strategy.Barrier = `-D"BARRIER(A)=work_group_barrier(A,memory_scope_work_group)"`
		} else {
			strategy.Barrier = `-D"BARRIER(A)=barrier(A)"`
		}
	}

	override := in.Override
	force, _ := strconv.Atoi(leadingInt(override))
	inIntelRange := in.UID >= intelAtomicsUIDFirst && in.UID <= intelAtomicsUIDLast
	switch {
	case strings.HasPrefix(override, "0"):
		strategy.Kind = AtomicsUnsynchronized
		strategy.Expr = "*(A)+=(B)"

	case override == "" || force != 0:
		switch {
		case in.FloatAtomicCapsOK && in.FloatAtomicCaps&floatAtomicAddCap != 0:
			strategy.Kind = AtomicsNative
			ext2 = extFloatAtomics
			strategy.Expr = fmt.Sprintf("atomic_fetch_add_explicit((GLOBAL_VOLATILE(%s)*)A,B,"+
				"memory_order_relaxed,memory_scope_work_group)", atomicType)

		case force != 0 || (in.Intel && in.UID != intelNoAtomicsUID && !in.Unified):
			if force != 0 || (in.Intel && (inIntelRange || !fp64)) {
				strategy.Kind = AtomicsVendor
				switch {
				case force == 0 && (!in.Intel || !inIntelRange):
					ext2 = extIntelFloatAtoms
					strategy.Ops = "-D" + extIntelFloatAtoms
				case in.Level < 2 && force < 2:
					strategy.Ops = "-DATOMIC_PROTOTYPES=1"
				case force < 3:
					strategy.Ops = "-DATOMIC_PROTOTYPES=2"
				default:
					strategy.Ops = "-DATOMIC_PROTOTYPES=3"
				}
				if in.Level < 2 && force < 2 {
					strategy.Expr = "atomic_add(A,B)"
				} else {
					strategy.Expr = "atomic_fetch_add_explicit((GLOBAL_VOLATILE(TF)*)A,B," +
						"memory_order_relaxed,memory_scope_work_group)"
				}
			} else {
				strategy.Kind = AtomicsCmpXchg
				strategy.Expr = "atomic_add_global_cmpxchg(A,B)"
				strategy.Ops = "-DCMPXCHG=atom_cmpxchg"
			}

		case !in.NVIDIA:
			if in.AMDGeneration <= 1 {
				strategy.Kind = AtomicsCmpXchg
				strategy.Expr = "atomic_add_global_cmpxchg(A,B)"
				strategy.Ops = "-DCMPXCHG=" + cmpxchg
				ext2 = ""
			} else {
				strategy.Kind = AtomicsBuiltin
				builtin := "__builtin_amdgcn_global_atomic_fadd_f32"
				if fp64 {
					builtin = "__builtin_amdgcn_global_atomic_fadd_f64"
				}
				strategy.Expr = builtin + "(A,B,__ATOMIC_RELAXED)"
			}

		default:
			strategy.Kind = AtomicsXchg
			strategy.Expr = "atomic_add_global_xchg(A,B)"
		}

	case containsFold(override, "cmpxchg"):
		strategy.Kind = AtomicsCmpXchg
		strategy.Expr = "atomic_add_global_cmpxchg(A,B)"
		strategy.Ops = "-DCMPXCHG=" + cmpxchg
		ext2 = ""

	default:
		strategy.Kind = AtomicsXchg
		strategy.Expr = "atomic_add_global_xchg(A,B)"
		strategy.Ops = "-DXCHG=" + xchg
	}

	strategy.Extensions = append(strategy.Extensions, ext1)
	if ext2 != "" {
		strategy.Extensions = append(strategy.Extensions, ext2)
	}
	return strategy
}

func join(exts ...string) string { return strings.Join(exts, " ") }

// hasExtensions returns whether all the extensions in the groups are listed in deviceExtensions.
func hasExtensions(deviceExtensions string, groups ...string) bool {
	info := driver.DeviceInfo{Extensions: deviceExtensions}
	for _, group := range groups {
		for _, ext := range splitExtensions(group) {
			if !info.HasExtension(ext) {
				return false
			}
		}
	}
	return true
}

// splitExtensions splits a group of extension names.
func splitExtensions(group string) []string {
	return strings.FieldsFunc(group, func(r rune) bool { return strings.ContainsRune(deviceIDsDelimiters, r) })
}

// leadingInt returns the optional sign and digits at the start of s (like C's atoi), or "0".
func leadingInt(s string) string {
	s = strings.TrimLeft(s, " \t\n")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return "0"
	}
	return s[:end]
}

// Atomics selects the atomics strategy for the device bound to the worker (the master if w is nil), for
// the given precision (32 or 64 bits) and the extension groups required by the caller.
func (r *Runtime) Atomics(w *Worker, bits int, extensions ...string) (AtomicsStrategy, error) {
	if bits != 32 && bits != 64 {
		return AtomicsStrategy{}, errors.Wrapf(ErrInvalidArgument, "atomics precision must be 32 or 64 bits, got %d", bits)
	}
	desc, err := r.Descriptor(w)
	if err != nil {
		return AtomicsStrategy{}, err
	}
	w, _ = r.worker(w)
	_, device, err := r.deviceOf(w)
	if err != nil {
		return AtomicsStrategy{}, err
	}
	in := AtomicsInput{
		Bits:             bits,
		Level:            desc.Major,
		Intel:            desc.Intel,
		NVIDIA:           desc.NVIDIA,
		AMDGeneration:    desc.AMDGeneration,
		UID:              desc.UID,
		Unified:          desc.Unified,
		CPU:              desc.Class.Is(driver.ClassCPU),
		DeviceExtensions: desc.Extensions,
		Barrier:          r.cfg.Barrier,
		Override:         r.cfg.Atomics,
		Extensions:       extensions,
	}
	in.FloatAtomicCaps, err = r.drv.FloatAtomicCaps(device, bits)
	in.FloatAtomicCapsOK = err == nil
	return SelectAtomics(in), nil
}
