package accel

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

// kernelCache stores program binaries on disk, keyed by the device and the exact build input.
//
// Each entry is a pair of files: "<key>.bin" with the binary and "<key>.meta" with a serialized
// structpb.Struct manifest (size and checksum of the binary, kernel name, device and creation time).
type kernelCache struct {
	dir string
}

func newKernelCache(dir string) *kernelCache {
	return &kernelCache{dir: dir}
}

// cacheKey hashes everything that affects the binary of a program.
func cacheKey(uid uint32, deviceName, flags, source string) string {
	d := xxhash.New()
	_, _ = fmt.Fprintf(d, "%08x\x00%s\x00%s\x00", uid, deviceName, flags)
	_, _ = d.WriteString(source)
	return fmt.Sprintf("%016x", d.Sum64())
}

func (c *kernelCache) paths(key string) (bin, meta string) {
	return filepath.Join(c.dir, key+".bin"), filepath.Join(c.dir, key+".meta")
}

// Load returns the binary stored under key, and the lookup result (cacheHit, cacheMiss or cacheStale).
// A stale entry is one whose files are inconsistent.
func (c *kernelCache) Load(key string) ([]byte, string) {
	binPath, metaPath := c.paths(key)
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, cacheMiss
	}
	bin, err := os.ReadFile(binPath)
	if err != nil {
		return nil, cacheStale
	}
	manifest := &structpb.Struct{}
	if err := proto.Unmarshal(metaBytes, manifest); err != nil {
		klog.V(1).Infof("accel: corrupted kernel cache manifest %q: %v", metaPath, err)
		return nil, cacheStale
	}
	fields := manifest.GetFields()
	if int(fields["size"].GetNumberValue()) != len(bin) ||
		fields["checksum"].GetStringValue() != fmt.Sprintf("%016x", xxhash.Sum64(bin)) {
		klog.V(1).Infof("accel: kernel cache entry %q doesn't match its manifest", binPath)
		return nil, cacheStale
	}
	return bin, cacheHit
}

// Store writes (or overwrites) the entry for key.
func (c *kernelCache) Store(key, kernel, device string, bin []byte) error {
	manifest, err := structpb.NewStruct(map[string]any{
		"kernel":   kernel,
		"device":   device,
		"size":     len(bin),
		"checksum": fmt.Sprintf("%016x", xxhash.Sum64(bin)),
		"created":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create kernel cache manifest")
	}
	metaBytes, err := proto.Marshal(manifest)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize kernel cache manifest")
	}
	binPath, metaPath := c.paths(key)
	if err := writeFileAtomic(binPath, bin); err != nil {
		return err
	}
	return writeFileAtomic(metaPath, metaBytes)
}

// writeFileAtomic writes to a temporary file in the same directory and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}
