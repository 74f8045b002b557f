// Package registry implements the Drivers façade: the process-global
// registry of discovered drivers. It orchestrates the two-phase scan
// (untrusted first load in a child process, trusted manifest replay in the
// parent), duplicate-identity guarding, query-by-key, and virtual-driver
// expansion.
package registry

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"unsafe"

	"github.com/modelbox-go/driverkit/config"
	"github.com/modelbox-go/driverkit/descriptor"
	"github.com/modelbox-go/driverkit/dlopen"
	"github.com/modelbox-go/driverkit/driver"
	"github.com/modelbox-go/driverkit/driverapi"
	"github.com/modelbox-go/driverkit/status"
	"github.com/modelbox-go/driverkit/subproc"
)

// Deployment constants: where drivers live by default and where the scan
// record and the dynamic-linker cache are found.
const (
	DefaultDriverDir    = "/usr/local/lib/modelbox-drivers"
	DefaultScanInfoPath = "/tmp/modelbox-driver-scan-info.json"
	DefaultLDCachePath  = "/etc/ld.so.cache"
)

// Paths groups the filesystem locations the registry depends on, so tests
// and unusual deployments can point them elsewhere.
type Paths struct {
	ScanInfo  string
	LDCache   string
	DriverDir string
}

// DefaultPaths returns the deployment defaults.
func DefaultPaths() Paths {
	return Paths{
		ScanInfo:  DefaultScanInfoPath,
		LDCache:   DefaultLDCachePath,
		DriverDir: DefaultDriverDir,
	}
}

// VirtualManagerFactory turns a loaded VIRTUAL-class driver into a
// VirtualDriverManager plus the release that drops its factory reference.
type VirtualManagerFactory func(d *driver.Driver) (driverapi.VirtualDriverManager, driverapi.Release, error)

// library mirrors the slice of dlopen.Library the scan needs; a package
// variable indirection lets tests fake plugin files.
type library interface {
	Handle() uintptr
	Path() string
	Close() error
	Sym(name string, fnPtr interface{}) error
	HasSym(name string) bool
}

var openLibrary = func(path string, mode int) (library, error) {
	return dlopen.Open(path, mode)
}

// Registry is the Drivers façade. Scan, manifest replay and virtual
// expansion run single-threaded during startup; the query operations are
// read-only and safe to call concurrently with each other once scanning is
// done, but not concurrently with mutation.
type Registry struct {
	logger            *slog.Logger
	paths             Paths
	runner            subproc.Runner
	newVirtualManager VirtualManagerFactory

	cfg     config.Configuration
	dirs    []string
	drivers []*driver.Driver

	virtualManagers []driverapi.VirtualDriverManager
	virtualReleases []driverapi.Release

	lastModifyTimeSum int64
	loadSuccess       []string
	loadFailed        map[string]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithPaths overrides the deployment paths.
func WithPaths(paths Paths) Option {
	return func(r *Registry) { r.paths = paths }
}

// WithRunner sets the sub-process collaborator the first-load pass runs
// under. The default runs in-process; binaries that cooperate with
// subproc.ReExec should install it here.
func WithRunner(runner subproc.Runner) Option {
	return func(r *Registry) { r.runner = runner }
}

// WithVirtualManagerFactory overrides how VIRTUAL-class drivers are turned
// into managers, letting tests substitute managers that never touch the
// dynamic loader.
func WithVirtualManagerFactory(f VirtualManagerFactory) Option {
	return func(r *Registry) { r.newVirtualManager = f }
}

// New builds an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:     slog.Default(),
		paths:      DefaultPaths(),
		runner:     subproc.InProcess{},
		loadFailed: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = New()
)

// Default returns the process-wide Registry.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

// SetDefault substitutes the process-wide Registry, returning the previous
// one so a test can restore it.
func SetDefault(r *Registry) *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultRegistry
	defaultRegistry = r
	return prev
}

// Initialize records the search directories from configuration. The
// built-in default path is appended unless driver.skip_default_path is
// set.
func (r *Registry) Initialize(cfg config.Configuration) *status.Status {
	if cfg == nil {
		return status.New(status.Invalid, "config is empty.")
	}
	r.cfg = cfg

	r.dirs = append([]string(nil), cfg.GetStrings(config.KeyDriverDir)...)
	if !cfg.GetBool(config.KeySkipDefaultPath, false) {
		r.dirs = append(r.dirs, r.paths.DriverDir)
	}

	r.logger.Debug("driver search path", "dirs", r.dirs)
	return status.New(status.Ok, "")
}

// SearchDirs returns the configured search directories.
func (r *Registry) SearchDirs() []string { return r.dirs }

// Add opens file just long enough to read its DriverDescription, records
// the resulting Descriptor, and closes the library again: a successful Add
// keeps no handle open. A no-delete descriptor triggers one extra
// NODELETE open/close pair to pin the library in process memory.
func (r *Registry) Add(file string) *status.Status {
	lib, err := openLibrary(file, dlopen.Lazy|dlopen.Local)
	if err != nil {
		return status.Wrap(status.Invalid, file+" : dlopen failed", err)
	}

	var describe func(raw uintptr)
	if err := lib.Sym(driverapi.SymDriverDescription, &describe); err != nil {
		_ = lib.Close()
		return status.Wrap(status.NotSupported, file+" : dlsym DriverDescription failed", err)
	}

	var raw driverapi.RawDescriptor
	describe(uintptr(unsafe.Pointer(&raw)))

	desc := &descriptor.Descriptor{}
	desc.SetClass(dlopen.ReadCString(raw.Class))
	desc.SetType(dlopen.ReadCString(raw.Type))
	desc.SetName(dlopen.ReadCString(raw.Name))
	desc.SetDescription(dlopen.ReadCString(raw.Description))
	desc.SetNoDelete(raw.NoDelete != 0)
	desc.SetGlobal(raw.Global != 0)
	desc.SetDeepBind(raw.DeepBind != 0)
	if st := desc.SetVersion(dlopen.ReadCString(raw.Version)); !st.OK() {
		// The driver is still registered, just unversioned.
		r.logger.Warn("driver reports malformed version, treating as unversioned",
			"file", file, "error", st.Error())
	}
	runtime.KeepAlive(&raw)

	if r.contains(desc.Key()) {
		r.logger.Debug("add driver failed, same function library already registered", "file", file)
		_ = lib.Close()
		return status.New(status.Exist, file+" : driver is already registered.")
	}
	desc.SetFilePath(file)

	if desc.NoDelete() {
		sec, err := openLibrary(file, dlopen.Lazy|dlopen.Local|dlopen.NoDelete)
		if err != nil {
			r.logger.Warn("dlopen as no delete failed", "file", file, "error", err)
		} else {
			_ = sec.Close()
		}
	}

	r.drivers = append(r.drivers, driver.New(desc, driver.WithLogger(r.logger)))
	_ = lib.Close()

	r.logger.Debug("add driver",
		"name", desc.Name(), "class", desc.Class(), "type", desc.Type(),
		"description", desc.Description(), "version", desc.Version(), "file", file)
	return status.New(status.Ok, "")
}

// contains reports whether a driver with the given identity tuple is
// already registered.
func (r *Registry) contains(key descriptor.Key) bool {
	for _, d := range r.drivers {
		if d.Descriptor().Key() == key {
			return true
		}
	}
	return false
}

// GetAllDriverList returns every registered driver, in registration order.
func (r *Registry) GetAllDriverList() []*driver.Driver {
	return append([]*driver.Driver(nil), r.drivers...)
}

// GetDriverListByClass returns the drivers of the given class.
func (r *Registry) GetDriverListByClass(class string) []*driver.Driver {
	var out []*driver.Driver
	for _, d := range r.drivers {
		if d.Descriptor().Class() == class {
			out = append(out, d)
		}
	}
	return out
}

// GetDriverClassList returns the deduplicated class names.
func (r *Registry) GetDriverClassList() []string {
	var out []string
	for _, d := range r.drivers {
		out = append(out, d.Descriptor().Class())
	}
	return dedupe(out)
}

// GetDriverTypeList returns the deduplicated type names within class.
func (r *Registry) GetDriverTypeList(class string) []string {
	var out []string
	for _, d := range r.drivers {
		if d.Descriptor().Class() == class {
			out = append(out, d.Descriptor().Type())
		}
	}
	return dedupe(out)
}

// GetDriverNameList returns the deduplicated driver names within
// (class, type).
func (r *Registry) GetDriverNameList(class string, typ string) []string {
	var out []string
	for _, d := range r.drivers {
		if d.Descriptor().Class() == class && d.Descriptor().Type() == typ {
			out = append(out, d.Descriptor().Name())
		}
	}
	return dedupe(out)
}

// GetDriver returns the driver matching (class, type, name, version)
// exactly, or, when no exact version match exists, the candidate with the
// greatest version string. Versions compare lexicographically on the raw
// string. Nil when nothing matches.
func (r *Registry) GetDriver(class string, typ string, name string, version string) *driver.Driver {
	var best *driver.Driver
	for _, d := range r.drivers {
		desc := d.Descriptor()
		if desc.Class() != class || desc.Type() != typ || desc.Name() != name {
			continue
		}

		if desc.Version() == version {
			return d
		}

		if best == nil || best.Descriptor().Version() < desc.Version() {
			best = d
		}
	}
	return best
}

// Clear releases the virtual drivers and their managers first, then drops
// everything else, returning the Registry to its pre-Initialize state.
// Clearing while factory users are outstanding is a contract violation
// and aborts.
func (r *Registry) Clear() {
	kept := r.drivers[:0]
	for _, d := range r.drivers {
		if d.IsVirtual() {
			d.Close()
			continue
		}
		kept = append(kept, d)
	}
	r.drivers = kept

	for _, release := range r.virtualReleases {
		release()
	}
	r.virtualReleases = nil
	r.virtualManagers = nil

	for _, d := range r.drivers {
		d.Close()
	}
	r.drivers = nil
	r.dirs = nil
	r.cfg = nil
	r.lastModifyTimeSum = 0
	r.loadSuccess = nil
	r.loadFailed = make(map[string]string)
}

func dedupe(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i > 0 && in[i-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}
