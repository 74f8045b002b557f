// Package driverapi declares the native plugin ABI every driver shared
// object exports, and the small set of Go-side types (Factory,
// VirtualDriverManager) built on top of it. It has no dependency on driver
// or registry so both can import it without a cycle.
package driverapi

// Symbol names every driver plugin may export, with C linkage.
//
// DriverDescription takes a pointer to a RawDescriptor and populates it.
// CreateDriverFactory returns an owning pointer to the plugin's factory.
// DriverInit returns 0 on success, nonzero on failure; it and DriverFini
// are optional.
const (
	SymDriverDescription   = "DriverDescription"
	SymCreateDriverFactory = "CreateDriverFactory"
	SymDriverInit          = "DriverInit"
	SymDriverFini          = "DriverFini"
)

// Symbol names a VIRTUAL-class plugin additionally exports to satisfy the
// VirtualDriverManager capability set. Each takes the factory pointer
// CreateDriverFactory returned. VirtualDriverInit is optional; the other
// two are the capability probe. String payloads cross the boundary as
// NUL-terminated JSON (see dlopen.ReadCString): VirtualDriverScan receives
// the search directories as a JSON array, VirtualDriverGetAllDriverList
// returns a JSON array of descriptor records.
const (
	SymVirtualDriverInit   = "VirtualDriverInit"
	SymVirtualDriverScan   = "VirtualDriverScan"
	SymVirtualDriverGetAll = "VirtualDriverGetAllDriverList"
)

// RawDescriptor is the C-layout record DriverDescription populates: five
// char* identity fields and three 0/1 flags, every slot pointer-sized so
// the layout is the same struct on both sides of the FFI boundary. The
// char* fields point at storage owned by the plugin and are copied out
// with dlopen.ReadCString before the library is closed.
type RawDescriptor struct {
	Class       uintptr
	Type        uintptr
	Name        uintptr
	Description uintptr
	Version     uintptr
	NoDelete    uintptr
	Global      uintptr
	DeepBind    uintptr
}

// Factory is an owning handle to the object a plugin's
// CreateDriverFactory() returns. It is opaque: the registry core never
// interprets its bits, only passes it back to the owning Driver's release
// hook and, for VIRTUAL drivers, to the virtual package's capability
// adapter.
type Factory struct {
	// Addr is the raw pointer CreateDriverFactory returned, valid only
	// while the owning Driver's factory-refcount is > 0.
	Addr uintptr
}

// Release must be called exactly once per Factory obtained from
// Driver.CreateFactory, when the caller is done with it. It is supplied by
// the Driver that created the Factory; driverapi itself holds no state.
type Release func()

// VirtualDriverManager is the capability set a VIRTUAL-class driver's
// factory must satisfy: given the registry's search directories, it
// enumerates further driver descriptors. Registry is kept as an interface
// here (rather than importing the registry package, which would cycle back
// to driverapi through driver) so a virtual driver only needs to see the
// handful of registry operations it is allowed to call.
type VirtualDriverManager interface {
	// Init is called once, before Scan, so the manager can record
	// whatever registry-level context it needs.
	Init(reg Registry) error
	// Scan asks the manager to enumerate drivers under dirs.
	Scan(dirs []string) error
	// GetAllDriverList returns the descriptors the manager discovered.
	// The caller (the registry) is responsible for turning each into a
	// Driver and marking it virtual.
	GetAllDriverList() []Descriptor
}

// Registry is the minimal surface a VirtualDriverManager is allowed to call
// back into. It intentionally does not expose mutation methods: a virtual
// manager enumerates drivers by returning them from GetAllDriverList, not
// by mutating the registry directly.
type Registry interface {
	GetAllDriverList() []Descriptor
}

// Descriptor mirrors the subset of descriptor.Descriptor a virtual manager
// needs to hand back, kept narrow here to avoid an import of the
// descriptor package from driverapi's native-ABI boundary.
type Descriptor interface {
	Class() string
	Type() string
	Name() string
	Description() string
	Version() string
	FilePath() string
	NoDelete() bool
	Global() bool
	DeepBind() bool
}
