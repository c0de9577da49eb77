package accel

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomlx/goacc/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelRequest describes a kernel to compile. Exactly one of Source, SourceFile, Binary or IL must be set.
type KernelRequest struct {
	// Name of the kernel function in the program.
	Name string

	// Source is the program text.
	Source string

	// SourceFile is read as program text if its extension contains "cl" (".cl", ".ocl", ...), otherwise as a
	// program binary.
	SourceFile string

	// Binary is a device specific program binary, IL an intermediate representation.
	Binary, IL []byte

	// Params are macro definitions (e.g. the flags of an AtomicsStrategy), Options are compiler options.
	Params, Options string

	// TryOptions are options that may not be supported: if the build fails with them, the program is
	// rebuilt without them and the kernel is marked as degraded.
	TryOptions string

	// Extensions are groups of extension names (separated by spaces or ",;:") to declare in the program
	// text, if the device supports them and the program doesn't already enable them.
	Extensions []string
}

// Kernel is a compiled kernel, holding its program.
type Kernel struct {
	rt       *Runtime
	name     string
	program  driver.Program
	kernel   driver.Kernel
	device   driver.Device
	degraded bool
	handle   int
	released atomic.Bool
}

// Name of the kernel.
func (k *Kernel) Name() string { return k.name }

// Handle returns the driver kernel.
func (k *Kernel) Handle() driver.Kernel { return k.kernel }

// Program returns the driver program holding the kernel.
func (k *Kernel) Program() driver.Program { return k.program }

// Degraded returns whether the kernel was built without its try-options, because the build with them failed.
func (k *Kernel) Degraded() bool { return k.degraded }

// WorkGroupSize returns the maximum work-group size of the kernel on its device, and the preferred multiple
// of it.
func (k *Kernel) WorkGroupSize() (maxSize, preferredMultiple int, err error) {
	if k.released.Load() {
		return 0, 0, errors.Wrapf(ErrInvalidArgument, "kernel %q destroyed", k.name)
	}
	maxSize, preferredMultiple, err = k.rt.drv.WorkGroupSize(k.kernel, k.device)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "failed to query work-group size of kernel %q", k.name)
	}
	return
}

// WorkGroupSize returns the maximum work-group size of the device bound to the worker (the master if w is
// nil), and the preferred multiple of it (1 if the device doesn't report one).
func (r *Runtime) WorkGroupSize(w *Worker) (maxSize, preferredMultiple int, err error) {
	if err = r.checkReady(); err != nil {
		return
	}
	if w, err = r.worker(w); err != nil {
		return
	}
	_, device, err := r.deviceOf(w)
	if err != nil {
		return 0, 0, err
	}
	maxSize, preferredMultiple, err = r.drv.WorkGroupSize(0, device)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "failed to query work-group size of worker %d device", w.index)
	}
	return
}

// Destroy releases the kernel and its program. It is idempotent.
func (k *Kernel) Destroy() error {
	if k.released.Load() {
		return nil
	}
	if k.rt.kernels != nil {
		_, _ = k.rt.kernels.Release(k.handle)
	}
	return k.release()
}

func (k *Kernel) release() error {
	if !k.released.CompareAndSwap(false, true) {
		return nil
	}
	drv := k.rt.drv
	err := drv.ReleaseKernel(k.kernel)
	if programErr := drv.ReleaseProgram(k.program); err == nil {
		err = programErr
	}
	if err != nil {
		return errors.WithMessagef(err, "failed to release kernel %q", k.name)
	}
	return nil
}

// CompileConfig is created with Runtime.Compile, and is a "builder pattern" to configure the compilation of
// a kernel.
//
// At a minimum one has to set the program (WithSource, WithSourceFile, WithBinary or WithIL) and the kernel
// name. Once finished call CompileConfig.Done to build the program and get back the Kernel or an error.
type CompileConfig struct {
	rt  *Runtime
	w   *Worker
	req KernelRequest
	err error
}

// Compile starts the configuration of a kernel compilation for the device bound to the worker (the master
// if w is nil).
func (r *Runtime) Compile(w *Worker) *CompileConfig {
	return &CompileConfig{rt: r, w: w}
}

func (cc *CompileConfig) setProgram() {
	if cc.req.Source != "" || cc.req.SourceFile != "" || cc.req.Binary != nil || cc.req.IL != nil {
		cc.err = errors.Wrap(ErrInvalidArgument, "Runtime.Compile() was given the program more than once")
	}
}

// WithSource sets the program text.
func (cc *CompileConfig) WithSource(source string) *CompileConfig {
	cc.setProgram()
	cc.req.Source = source
	return cc
}

// WithSourceFile sets the file with the program text (or binary, see KernelRequest.SourceFile).
func (cc *CompileConfig) WithSourceFile(path string) *CompileConfig {
	cc.setProgram()
	cc.req.SourceFile = path
	return cc
}

// WithBinary sets a device specific program binary.
func (cc *CompileConfig) WithBinary(binary []byte) *CompileConfig {
	cc.setProgram()
	cc.req.Binary = binary
	return cc
}

// WithIL sets a program in intermediate representation.
func (cc *CompileConfig) WithIL(il []byte) *CompileConfig {
	cc.setProgram()
	cc.req.IL = il
	return cc
}

// Kernel sets the name of the kernel function.
func (cc *CompileConfig) Kernel(name string) *CompileConfig {
	cc.req.Name = name
	return cc
}

// WithParams sets the macro definitions, see AtomicsStrategy.Flags.
func (cc *CompileConfig) WithParams(params string) *CompileConfig {
	cc.req.Params = params
	return cc
}

// WithOptions sets the compiler options.
func (cc *CompileConfig) WithOptions(options string) *CompileConfig {
	cc.req.Options = options
	return cc
}

// WithTryOptions sets options dropped if the build fails with them, see Kernel.Degraded.
func (cc *CompileConfig) WithTryOptions(try string) *CompileConfig {
	cc.req.TryOptions = try
	return cc
}

// WithExtensions adds groups of extensions to declare in the program text.
func (cc *CompileConfig) WithExtensions(groups ...string) *CompileConfig {
	cc.req.Extensions = append(cc.req.Extensions, groups...)
	return cc
}

// Done builds the program and creates the kernel.
// Build failures return an error matching ErrBuild, that can be converted to a *BuildError with the log.
func (cc *CompileConfig) Done() (*Kernel, error) {
	if cc.rt == nil {
		return nil, errors.New("misconfigured CompileConfig, or an attempt of using it more than once, which is not supported -- call Runtime.Compile() again")
	}
	defer func() { cc.rt = nil }()
	if cc.err != nil {
		return nil, cc.err
	}
	k, _, err := cc.rt.CompileKernel(cc.w, cc.req)
	return k, err
}

// CompileKernel builds the program of the request for the device bound to the worker (the master if w is nil)
// and creates the kernel.
//
// degraded is true if the program only built without the try-options.
func (r *Runtime) CompileKernel(w *Worker, req KernelRequest) (k *Kernel, degraded bool, err error) {
	start := time.Now()
	k, err = r.compileKernel(w, req)
	buildDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		kernelBuildsTotal.WithLabelValues(buildFailed).Inc()
		return nil, false, err
	case k.degraded:
		kernelBuildsTotal.WithLabelValues(buildDegraded).Inc()
	default:
		kernelBuildsTotal.WithLabelValues(buildOK).Inc()
	}
	return k, k.degraded, nil
}

func (r *Runtime) compileKernel(w *Worker, req KernelRequest) (*Kernel, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}
	w, err := r.worker(w)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "no kernel name given")
	}
	numPrograms := 0
	for _, set := range []bool{req.Source != "", req.SourceFile != "", req.Binary != nil, req.IL != nil} {
		if set {
			numPrograms++
		}
	}
	if numPrograms != 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "kernel %q: exactly one of source, source file, binary or IL must be given", req.Name)
	}
	ctx, device, err := r.deviceOf(w)
	if err != nil {
		return nil, err
	}
	info, err := r.drv.DeviceInfo(device)
	if err != nil {
		return nil, errors.WithMessagef(err, "kernel %q: failed to query device", req.Name)
	}
	desc, _ := r.Descriptor(w)

	b := &kernelBuild{rt: r, ctx: ctx, device: device, info: info, desc: desc, req: req, std: clStd(info)}
	if req.SourceFile != "" {
		data, err := os.ReadFile(req.SourceFile)
		if err != nil {
			return nil, errors.Wrapf(err, "kernel %q: failed to read program", req.Name)
		}
		if containsFold(strings.TrimPrefix(filepath.Ext(req.SourceFile), "."), "cl") {
			b.req.Source = string(data)
		} else {
			b.req.Binary = data
		}
	}
	if b.req.Source != "" {
		return b.fromSource()
	}
	return b.fromBinary()
}

// kernelBuild holds the state of one compilation.
type kernelBuild struct {
	rt     *Runtime
	ctx    driver.Context
	device driver.Device
	info   driver.DeviceInfo
	desc   DeviceDescriptor
	req    KernelRequest
	std    string
}

func (b *kernelBuild) fromSource() (*Kernel, error) {
	r, req := b.rt, b.req
	source := injectExtensions(req.Source, req.Extensions, b.info)
	fromFile := req.SourceFile != ""
	if r.cfg.Dump != 0 && !fromFile {
		r.dumpSource(req.Name, source, req.Params, b.info, b.desc)
	}
	create := func() (driver.Program, error) { return r.drv.CreateProgramWithSource(b.ctx, source) }

	var program driver.Program
	var degraded, cached bool
	var key string
	if r.cache != nil {
		key = cacheKey(b.desc.UID, b.info.Name, BuildFlags(b.std, req.Options, req.Params, req.TryOptions), source)
		bin, result := r.cache.Load(key)
		if result == cacheHit {
			var err error
			program, err = r.drv.CreateProgramWithBinary(b.ctx, b.device, bin)
			if err == nil {
				if err = r.drv.BuildProgram(program, b.device, BuildFlags(b.std, req.Options, req.Params, req.TryOptions)); err != nil {
					b.releaseProgram(program)
					program = 0
				}
			}
			if err != nil {
				klog.V(1).Infof("accel: cached binary of kernel %q is stale: %v", req.Name, err)
				result = cacheStale
			} else {
				cached = true
			}
		}
		kernelCacheLookupsTotal.WithLabelValues(result).Inc()
	}
	if !cached {
		var err error
		program, degraded, err = b.build(create)
		if err != nil {
			return nil, err
		}
	}

	kernel, err := r.drv.CreateKernel(program, req.Name)
	if err != nil {
		b.releaseProgram(program)
		return nil, wrapf(ErrKernelLookup, err, "kernel %q", req.Name)
	}
	if !fromFile && (r.cfg.Dump >= 2 || r.cfg.Dump < 0) {
		if err := b.dumpBinary(program); err != nil {
			b.releaseKernel(kernel)
			b.releaseProgram(program)
			return nil, newBuildError(req.Name, "", err)
		}
	}
	if r.cache != nil && !cached && !degraded {
		if bin, err := r.drv.ProgramBinary(program); err != nil {
			klog.V(1).Infof("accel: can't cache kernel %q: %v", req.Name, err)
		} else if err := r.cache.Store(key, req.Name, b.info.Name, bin); err != nil {
			klog.Warningf("accel: failed to cache kernel %q: %v", req.Name, err)
		}
	}
	return b.register(program, kernel, degraded)
}

func (b *kernelBuild) fromBinary() (*Kernel, error) {
	r, req := b.rt, b.req
	create := func() (driver.Program, error) {
		if req.IL != nil {
			return r.drv.CreateProgramWithIL(b.ctx, req.IL)
		}
		return r.drv.CreateProgramWithBinary(b.ctx, b.device, req.Binary)
	}
	program, degraded, err := b.build(create)
	if err != nil {
		return nil, err
	}
	kernel, err := r.drv.CreateKernel(program, req.Name)
	if err != nil {
		// Binaries may name their kernels differently: use the last one.
		if names, namesErr := r.drv.ProgramKernelNames(program); namesErr == nil && len(names) > 0 {
			klog.V(1).Infof("accel: kernel %q not found in binary, using %q", req.Name, names[len(names)-1])
			kernel, err = r.drv.CreateKernel(program, names[len(names)-1])
		}
	}
	if err != nil {
		b.releaseProgram(program)
		return nil, wrapf(ErrKernelLookup, err, "kernel %q", req.Name)
	}
	return b.register(program, kernel, degraded)
}

// build creates and builds the program, and if that fails with try-options, recreates and rebuilds it
// without them.
func (b *kernelBuild) build(create func() (driver.Program, error)) (program driver.Program, degraded bool, err error) {
	r, req := b.rt, b.req
	program, err = create()
	if err != nil {
		return 0, false, newBuildError(req.Name, "", err)
	}
	err = r.drv.BuildProgram(program, b.device, BuildFlags(b.std, req.Options, req.Params, req.TryOptions))
	if err != nil && strings.TrimSpace(req.TryOptions) != "" {
		klog.V(1).Infof("accel: kernel %q failed to build with %q, retrying without: %v", req.Name, req.TryOptions, err)
		b.releaseProgram(program)
		degraded = true
		program, err = create()
		if err != nil {
			return 0, degraded, newBuildError(req.Name, "", err)
		}
		err = r.drv.BuildProgram(program, b.device, BuildFlags(b.std, req.Options, req.Params, ""))
	}
	if err != nil {
		log, logErr := r.drv.BuildLog(program, b.device)
		if logErr != nil {
			klog.V(1).Infof("accel: failed to get build log of kernel %q: %v", req.Name, logErr)
		}
		b.releaseProgram(program)
		return 0, degraded, newBuildError(req.Name, log, err)
	}
	return program, degraded, nil
}

func (b *kernelBuild) register(program driver.Program, kernel driver.Kernel, degraded bool) (*Kernel, error) {
	k := &Kernel{rt: b.rt, name: b.req.Name, program: program, kernel: kernel, device: b.device, degraded: degraded}
	handle, err := b.rt.kernels.Acquire(k)
	if err != nil {
		_ = k.release()
		return nil, err
	}
	k.handle = handle
	klog.V(2).Infof("accel: kernel %q compiled for %q (degraded=%v)", k.name, b.info.Name, degraded)
	return k, nil
}

func (b *kernelBuild) releaseProgram(program driver.Program) {
	if err := b.rt.drv.ReleaseProgram(program); err != nil {
		klog.Errorf("failed to release program of kernel %q: %v", b.req.Name, err)
	}
}

func (b *kernelBuild) releaseKernel(kernel driver.Kernel) {
	if err := b.rt.drv.ReleaseKernel(kernel); err != nil {
		klog.Errorf("failed to release kernel %q: %v", b.req.Name, err)
	}
}

// dumpBinary writes the program binary to "<DumpDir>/<kernel>.dump".
func (b *kernelBuild) dumpBinary(program driver.Program) error {
	bin, err := b.rt.drv.ProgramBinary(program)
	if err != nil {
		return errors.WithMessagef(err, "failed to get binary to dump")
	}
	path := filepath.Join(b.rt.cfg.DumpDir, b.req.Name+".dump")
	if err := os.WriteFile(path, bin, 0644); err != nil {
		return errors.Wrapf(err, "failed to dump binary")
	}
	klog.V(1).Infof("accel: dumped binary of kernel %q to %q", b.req.Name, path)
	return nil
}

var rePragmaExtension = regexp.MustCompile(`^#pragma OPENCL EXTENSION ([^: ]+)[: ]+(.*)$`)

// declaredExtensions returns the extensions enabled by the leading block of extension pragmas of source.
func declaredExtensions(source string) map[string]bool {
	declared := make(map[string]bool)
	for line := range strings.Lines(source) {
		m := rePragmaExtension.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if m == nil {
			break
		}
		if strings.TrimSpace(m[2]) == "enable" {
			declared[m[1]] = true
		}
	}
	return declared
}

// injectExtensions prepends an enable pragma for every extension of the groups that the device supports and
// that source doesn't enable yet. Groups are processed last to first.
func injectExtensions(source string, groups []string, info driver.DeviceInfo) string {
	if len(groups) == 0 {
		return source
	}
	declared := declaredExtensions(source)
	var sb strings.Builder
	for ii := len(groups) - 1; ii >= 0; ii-- {
		for _, ext := range splitExtensions(groups[ii]) {
			if declared[ext] {
				continue
			}
			if !info.HasExtension(ext) {
				if ext != extIntelFloatAtoms {
					klog.Warningf("accel: extension %q not supported by device %q", ext, info.Name)
				}
				continue
			}
			fmt.Fprintf(&sb, "#pragma OPENCL EXTENSION %s : enable\n", ext)
			declared[ext] = true
		}
	}
	if sb.Len() == 0 {
		return source
	}
	return sb.String() + source
}

var reCommentLine = regexp.MustCompile(`^\s*(//.*)?$`)

// dumpSource writes the program text, preprocessed with the system's cpp if available, to
// "<DumpDir>/<kernel>.cl". It is only a diagnostic: failures are logged.
func (r *Runtime) dumpSource(name, source, params string, info driver.DeviceInfo, desc DeviceDescriptor) {
	cpp, err := exec.LookPath("cpp")
	if err != nil {
		klog.V(1).Infof("accel: cpp not found, kernel %q not dumped", name)
		return
	}
	tmp, err := os.CreateTemp("", "goacc-*.cl")
	if err != nil {
		klog.V(1).Infof("accel: failed to dump kernel %q: %v", name, err)
		return
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	_, err = tmp.WriteString(source)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		klog.V(1).Infof("accel: failed to dump kernel %q: %v", name, err)
		return
	}

	major, minor, _ := parseLevel(info.Version)
	args := []string{"-P", "-C", "-nostdinc", fmt.Sprintf("-D__OPENCL_VERSION__=%d", 100*major+10*minor)}
	if desc.NVIDIA {
		args = append(args, "-D__NV_CL_C_VERSION")
	}
	args = append(args, strings.Fields(strings.ReplaceAll(params, `"`, ""))...)
	args = append(args, tmp.Name())
	out, err := exec.Command(cpp, args...).Output()
	if err != nil {
		klog.V(1).Infof("accel: cpp failed on kernel %q: %v", name, err)
		return
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		if line := scanner.Text(); !reCommentLine.MatchString(line) {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	path := filepath.Join(r.cfg.DumpDir, name+".cl")
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		klog.V(1).Infof("accel: failed to dump kernel %q: %v", name, err)
		return
	}
	klog.V(1).Infof("accel: dumped preprocessed kernel %q to %q", name, path)
}
