// Package driver implements the per-plugin-file Driver: lazy library load,
// once-per-handle init, factory acquisition, and refcounted teardown. The
// handle bookkeeping is delegated to the handletable package; a Driver only
// holds its library open while factory users are outstanding.
package driver

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelbox-go/driverkit/descriptor"
	"github.com/modelbox-go/driverkit/dlopen"
	"github.com/modelbox-go/driverkit/driverapi"
	"github.com/modelbox-go/driverkit/handletable"
	"github.com/modelbox-go/driverkit/status"
)

// library is the slice of dlopen.Library the Driver needs. Kept as an
// interface so tests can substitute a fake plugin without a real shared
// object on disk.
type library interface {
	Handle() uintptr
	Path() string
	Close() error
	Sym(name string, fnPtr interface{}) error
	HasSym(name string) bool
}

// openLibrary is the dlopen entry point, a package variable so tests can
// intercept it.
var openLibrary = func(path string, mode int) (library, error) {
	return dlopen.Open(path, mode)
}

// Driver is one discovered plugin file. It owns its Descriptor and holds a
// library handle only while factory users are outstanding.
type Driver struct {
	desc      *descriptor.Descriptor
	isVirtual bool
	logger    *slog.Logger

	mu           sync.Mutex
	factoryCount int
	lib          library
	factory      *driverapi.Factory
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger the Driver reports load failures through.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// New builds a Driver owning desc.
func New(desc *descriptor.Descriptor, opts ...Option) *Driver {
	d := &Driver{desc: desc, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Descriptor returns the Driver's descriptor.
func (d *Driver) Descriptor() *descriptor.Descriptor { return d.desc }

// FilePath returns the shared object path the Driver loads from.
func (d *Driver) FilePath() string { return d.desc.FilePath() }

// IsVirtual reports whether this Driver was produced by a virtual driver
// manager rather than discovered on disk.
func (d *Driver) IsVirtual() bool { return d.isVirtual }

// SetVirtual marks the Driver as virtual.
func (d *Driver) SetVirtual(isVirtual bool) { d.isVirtual = isVirtual }

// FactoryCount returns the number of outstanding factory handles.
func (d *Driver) FactoryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.factoryCount
}

// Close asserts the Driver is idle before it is discarded. Discarding a
// Driver with outstanding factory users is a programming-contract
// violation, not a recoverable error.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.factoryCount != 0 {
		panic(fmt.Sprintf("driver %s: factory reference count is not zero", d.desc.FilePath()))
	}
}

// HasSym reports whether name resolves in the Driver's library. Valid only
// while a factory is outstanding.
func (d *Driver) HasSym(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lib == nil {
		return false
	}
	return d.lib.HasSym(name)
}

// ResolveSym resolves name in the Driver's library onto fnPtr. Valid only
// while a factory is outstanding.
func (d *Driver) ResolveSym(name string, fnPtr interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lib == nil {
		return fmt.Errorf("driver %s is not loaded", d.desc.FilePath())
	}
	return d.lib.Sym(name, fnPtr)
}

// Factory is a shared handle to the plugin's factory object. Each handle
// must be released exactly once; Release is idempotent so a deferred
// Release after an explicit one is harmless.
type Factory struct {
	driver *Driver
	addr   uintptr
	once   sync.Once
}

// Addr returns the raw factory pointer the plugin returned. Valid until
// Release.
func (f *Factory) Addr() uintptr { return f.addr }

// Release drops this handle's reference. On the last release the library
// is finalized and unloaded. The caller must not hold the owning Driver's
// factory in use past this call.
func (f *Factory) Release() {
	f.once.Do(func() {
		f.driver.mu.Lock()
		defer f.driver.mu.Unlock()
		f.driver.closeFactoryLocked()
	})
}

// loadMode derives the dlopen flags from the descriptor's load options.
// Bindings are resolved eagerly; visibility defaults to local.
func loadMode(noDelete bool, global bool, deepBind bool) int {
	mode := dlopen.Now
	if noDelete {
		mode |= dlopen.NoDelete
	}
	if deepBind {
		mode |= dlopen.DeepBind
	}
	if global {
		return mode | dlopen.Global
	}
	return mode | dlopen.Local
}

// CreateFactory acquires a factory handle, loading and initializing the
// library on the first acquisition. Concurrent callers are serialized by
// the Driver's mutex; every successful call returns a handle whose Release
// decrements the factory-refcount, tearing the library down on the last
// one.
func (d *Driver) CreateFactory() (*Factory, *status.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.factoryCount++
	if d.factoryCount == 1 {
		if st := d.loadLocked(); !st.OK() {
			d.logger.Error("create factory failed",
				"file", d.desc.FilePath(), "error", st.Error())
			return nil, st
		}
	}

	return &Factory{driver: d, addr: d.factory.Addr}, status.New(status.Ok, "")
}

// loadLocked performs the 0 -> 1 transition: open, register with the
// handle table, init once per handle, resolve the factory constructor.
// Every failure path leaves the Driver as if CreateFactory had never been
// called. Caller holds d.mu.
func (d *Driver) loadLocked() *status.Status {
	file := d.desc.FilePath()
	mode := loadMode(d.desc.NoDelete(), d.desc.Global(), d.desc.DeepBind())

	lib, err := openLibrary(file, mode)
	if err != nil {
		d.factoryCount--
		return status.Wrap(status.Invalid, fmt.Sprintf("dlopen %s failed", file), err)
	}
	d.lib = lib

	table := handletable.Default()
	entry := table.Add(lib.Handle())

	var initErr *status.Status
	entry.WithInitLock(func() {
		if entry.IncInitRefcount() != 1 {
			return
		}
		initErr = d.runDriverInit(lib)
		if initErr != nil {
			entry.DecInitRefcount()
		}
	})
	if initErr != nil {
		// Init was rolled back, so the generic teardown (which would
		// decrement it again) does not apply here.
		table.Remove(lib.Handle())
		d.factoryCount--
		d.unloadLocked()
		return initErr
	}

	var createFactory func() uintptr
	if err := lib.Sym(driverapi.SymCreateDriverFactory, &createFactory); err != nil {
		st := status.Wrap(status.NotSupported,
			fmt.Sprintf("failed to dlsym function %s in file: %s", driverapi.SymCreateDriverFactory, file), err)
		d.closeFactoryLocked()
		return st
	}

	addr := createFactory()
	if addr == 0 {
		st := status.New(status.Fault, "create driver factory failed, driver:"+file)
		d.closeFactoryLocked()
		return st
	}

	d.factory = &driverapi.Factory{Addr: addr}
	return status.New(status.Ok, "")
}

// runDriverInit invokes the optional DriverInit symbol. A missing symbol
// is success; a present symbol returning nonzero is a Fault.
func (d *Driver) runDriverInit(lib library) *status.Status {
	if !lib.HasSym(driverapi.SymDriverInit) {
		return nil
	}

	var driverInit func() int32
	if err := lib.Sym(driverapi.SymDriverInit, &driverInit); err != nil {
		return status.Wrap(status.Invalid,
			fmt.Sprintf("failed to dlsym function %s in file: %s", driverapi.SymDriverInit, d.desc.FilePath()), err)
	}

	if code := driverInit(); code != 0 {
		return status.New(status.Fault,
			fmt.Sprintf("driver init failed, driver:%s, code:%d", d.desc.FilePath(), code))
	}
	return nil
}

// closeFactoryLocked is the teardown: it drops one factory reference and,
// on the last one, finalizes and unloads the library. Caller holds d.mu.
func (d *Driver) closeFactoryLocked() {
	d.factoryCount--
	if d.factoryCount > 0 {
		return
	}

	if d.lib == nil {
		d.factory = nil
		return
	}

	table := handletable.Default()
	handle := d.lib.Handle()
	entry, ok := table.Get(handle)
	if !ok {
		// Unreachable while the Driver mutex serializes load and unload
		// for this handle; see the handletable lock protocol.
		d.logger.Error("close factory failed, handle entry missing",
			"file", d.desc.FilePath())
	} else {
		noDelete := d.desc.NoDelete()
		removeEntry := false
		entry.WithInitLock(func() {
			if entry.DecInitRefcount() != 0 {
				return
			}
			if noDelete {
				// Clamp at 1 so DriverFini is never called.
				entry.IncInitRefcount()
				return
			}
			d.runDriverFini()
			removeEntry = true
		})
		if removeEntry {
			table.Remove(handle)
		}
	}

	d.unloadLocked()
}

// runDriverFini invokes the optional DriverFini symbol.
func (d *Driver) runDriverFini() {
	var driverFini func()
	if !d.lib.HasSym(driverapi.SymDriverFini) {
		return
	}
	if err := d.lib.Sym(driverapi.SymDriverFini, &driverFini); err != nil {
		d.logger.Warn("resolve DriverFini failed", "file", d.desc.FilePath(), "error", err)
		return
	}
	driverFini()
}

// unloadLocked clears the factory and closes the library handle. Caller
// holds d.mu.
func (d *Driver) unloadLocked() {
	d.factory = nil
	if err := d.lib.Close(); err != nil {
		d.logger.Warn("dlclose failed", "file", d.desc.FilePath(), "error", err)
	}
	d.lib = nil
}
