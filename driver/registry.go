package driver

import (
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Constructor creates a Driver. It is called at most once per registered name.
type Constructor func() (Driver, error)

var (
	// registered constructors and the drivers already created, protected by muDrivers.
	constructors    = make(map[string]Constructor)
	loadedDrivers   = make(map[string]Driver)
	firstRegistered string
	muDrivers       sync.Mutex
)

// Register a driver constructor under the given name. Typically called from an init function of
// the driver package. Registering the same name again replaces the constructor, but not a driver
// that was already created.
func Register(name string, constructor Constructor) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if len(constructors) == 0 {
		firstRegistered = name
	}
	constructors[name] = constructor
}

// Get returns the driver registered with the given name, creating it on first use.
// Drivers are singletons: Get returns the same Driver for the same name.
func Get(name string) (Driver, error) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if drv, found := loadedDrivers[name]; found {
		return drv, nil
	}
	constructor, found := constructors[name]
	if !found {
		return nil, errors.Errorf("driver %q not registered, drivers available: \"%s\"",
			name, strings.Join(listLocked(), "\", \""))
	}
	klog.V(1).Infof("creating driver %q", name)
	drv, err := constructor()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create driver %q", name)
	}
	loadedDrivers[name] = drv
	return drv, nil
}

// List the names of the registered drivers, sorted.
func List() []string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	return listLocked()
}

func listLocked() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultName returns the name of the driver to use when none is configured:
// "opencl" if it is linked in, otherwise the first registered driver.
func DefaultName() string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if _, found := constructors["opencl"]; found {
		return "opencl"
	}
	return firstRegistered
}
