package registry

import (
	"context"
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelbox-go/driverkit/config"
	"github.com/modelbox-go/driverkit/descriptor"
	"github.com/modelbox-go/driverkit/driver"
	"github.com/modelbox-go/driverkit/driverapi"
	"github.com/modelbox-go/driverkit/status"
)

// descData is what a fake plugin's DriverDescription reports.
type descData struct {
	class       string
	typ         string
	name        string
	description string
	version     string
	noDelete    bool
	global      bool
	deepBind    bool
}

// cstrings pins the NUL-terminated byte buffers handed across the fake FFI
// boundary for the lifetime of a test.
type cstrings struct {
	bufs [][]byte
}

func (c *cstrings) ptr(s string) uintptr {
	buf := append([]byte(s), 0)
	c.bufs = append(c.bufs, buf)
	return uintptr(unsafe.Pointer(&buf[0]))
}

func boolToFlag(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

// fakeRegistryLib fakes a driver shared object for the scan path: its only
// interesting symbol is DriverDescription.
type fakeRegistryLib struct {
	handle uintptr
	path   string
	data   descData
	strs   *cstrings
}

func (f *fakeRegistryLib) Handle() uintptr { return f.handle }
func (f *fakeRegistryLib) Path() string    { return f.path }
func (f *fakeRegistryLib) Close() error    { return nil }

func (f *fakeRegistryLib) HasSym(name string) bool {
	return name == driverapi.SymDriverDescription
}

func (f *fakeRegistryLib) Sym(name string, fnPtr interface{}) error {
	if name != driverapi.SymDriverDescription {
		return fmt.Errorf("dlsym %s in %s failed: symbol not found", name, f.path)
	}

	p, ok := fnPtr.(*func(uintptr))
	if !ok {
		return fmt.Errorf("dlsym %s: unsupported signature %T", name, fnPtr)
	}
	*p = func(rawPtr uintptr) {
		raw := (*driverapi.RawDescriptor)(unsafe.Pointer(rawPtr))
		raw.Class = f.strs.ptr(f.data.class)
		raw.Type = f.strs.ptr(f.data.typ)
		raw.Name = f.strs.ptr(f.data.name)
		raw.Description = f.strs.ptr(f.data.description)
		raw.Version = f.strs.ptr(f.data.version)
		raw.NoDelete = boolToFlag(f.data.noDelete)
		raw.Global = boolToFlag(f.data.global)
		raw.DeepBind = boolToFlag(f.data.deepBind)
	}
	return nil
}

// fakeLoader serves fakeRegistryLibs by path and records every open.
type fakeLoader struct {
	byPath  map[string]descData
	strs    cstrings
	opens   []string
	nextHdl uintptr
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{byPath: make(map[string]descData), nextHdl: 0x1000}
}

func (l *fakeLoader) add(path string, data descData) {
	l.byPath[path] = data
}

func (l *fakeLoader) open(path string, mode int) (library, error) {
	l.opens = append(l.opens, path)
	data, ok := l.byPath[path]
	if !ok {
		return nil, fmt.Errorf("dlopen %s failed: no such file", path)
	}
	l.nextHdl += 0x10
	return &fakeRegistryLib{handle: l.nextHdl, path: path, data: data, strs: &l.strs}, nil
}

func installLoader(t *testing.T, l *fakeLoader) {
	t.Helper()
	prev := openLibrary
	openLibrary = l.open
	t.Cleanup(func() { openLibrary = prev })
}

func mapConfig(dirs []string, skipDefault bool) *config.Map {
	return &config.Map{
		Strings: map[string][]string{config.KeyDriverDir: dirs},
		Bools:   map[string]bool{config.KeySkipDefaultPath: skipDefault},
	}
}

func TestInitialize(t *testing.T) {
	r := New()
	st := r.Initialize(mapConfig([]string{"/p", "/q"}, false))
	require.True(t, st.OK())
	assert.Equal(t, []string{"/p", "/q", DefaultDriverDir}, r.SearchDirs())
}

func TestInitializeSkipDefaultPath(t *testing.T) {
	r := New()
	st := r.Initialize(mapConfig([]string{"/p"}, true))
	require.True(t, st.OK())
	assert.Equal(t, []string{"/p"}, r.SearchDirs())
}

func TestInitializeNilConfig(t *testing.T) {
	r := New()
	st := r.Initialize(nil)
	assert.Equal(t, status.Invalid, st.Kind())
}

func TestAdd(t *testing.T) {
	loader := newFakeLoader()
	loader.add("/p/libmodelbox-alpha.so", descData{
		class: "cpu", typ: "x", name: "alpha", description: "first", version: "1.0.0",
	})
	installLoader(t, loader)

	r := New()
	st := r.Add("/p/libmodelbox-alpha.so")
	require.True(t, st.OK())

	drivers := r.GetAllDriverList()
	require.Len(t, drivers, 1)
	desc := drivers[0].Descriptor()
	assert.Equal(t, "cpu", desc.Class())
	assert.Equal(t, "x", desc.Type())
	assert.Equal(t, "alpha", desc.Name())
	assert.Equal(t, "first", desc.Description())
	assert.Equal(t, "1.0.0", desc.Version())
	assert.Equal(t, "/p/libmodelbox-alpha.so", desc.FilePath())
}

func TestAddDlopenFailure(t *testing.T) {
	installLoader(t, newFakeLoader())

	r := New()
	st := r.Add("/p/libmodelbox-broken.so")
	assert.Equal(t, status.Invalid, st.Kind())
	assert.Empty(t, r.GetAllDriverList())
}

func TestAddDuplicateIdentity(t *testing.T) {
	loader := newFakeLoader()
	same := descData{class: "cpu", typ: "x", name: "alpha", description: "first", version: "1.0.0"}
	loader.add("/p/libmodelbox-a.so", same)
	loader.add("/p/libmodelbox-b.so", same)
	installLoader(t, loader)

	r := New()
	require.True(t, r.Add("/p/libmodelbox-a.so").OK())

	st := r.Add("/p/libmodelbox-b.so")
	assert.Equal(t, status.Exist, st.Kind())
	assert.Len(t, r.GetAllDriverList(), 1)
}

func TestAddMalformedVersionDegradesToUnversioned(t *testing.T) {
	loader := newFakeLoader()
	loader.add("/p/libmodelbox-odd.so", descData{
		class: "cpu", typ: "x", name: "odd", version: "1.2",
	})
	installLoader(t, loader)

	r := New()
	require.True(t, r.Add("/p/libmodelbox-odd.so").OK())
	assert.Empty(t, r.GetAllDriverList()[0].Descriptor().Version())
}

func TestAddNoDeletePinsLibrary(t *testing.T) {
	loader := newFakeLoader()
	loader.add("/p/libmodelbox-pinned.so", descData{
		class: "cpu", typ: "x", name: "pinned", noDelete: true,
	})
	installLoader(t, loader)

	r := New()
	require.True(t, r.Add("/p/libmodelbox-pinned.so").OK())
	assert.Equal(t, []string{"/p/libmodelbox-pinned.so", "/p/libmodelbox-pinned.so"}, loader.opens,
		"no-delete triggers a second pinning open")
}

func addDriver(t *testing.T, r *Registry, data descData) {
	t.Helper()
	desc := &descriptor.Descriptor{}
	desc.SetClass(data.class)
	desc.SetType(data.typ)
	desc.SetName(data.name)
	desc.SetDescription(data.description)
	require.True(t, desc.SetVersion(data.version).OK())
	desc.SetFilePath(fmt.Sprintf("/p/libmodelbox-%s-%s.so", data.name, data.version))
	r.drivers = append(r.drivers, newDriverForRegistry(desc, r))
}

func TestQueryLists(t *testing.T) {
	r := New()
	addDriver(t, r, descData{class: "cpu", typ: "x", name: "alpha", version: "1.0.0"})
	addDriver(t, r, descData{class: "cpu", typ: "x", name: "beta", version: "1.0.0"})
	addDriver(t, r, descData{class: "cpu", typ: "y", name: "alpha", version: "1.0.0"})
	addDriver(t, r, descData{class: "gpu", typ: "x", name: "gamma", version: "1.0.0"})

	assert.Len(t, r.GetAllDriverList(), 4)
	assert.Len(t, r.GetDriverListByClass("cpu"), 3)
	assert.ElementsMatch(t, []string{"cpu", "gpu"}, r.GetDriverClassList())
	assert.ElementsMatch(t, []string{"x", "y"}, r.GetDriverTypeList("cpu"))
	assert.ElementsMatch(t, []string{"alpha", "beta"}, r.GetDriverNameList("cpu", "x"))
	assert.Empty(t, r.GetDriverNameList("npu", "x"))
}

func TestGetDriverExactVersion(t *testing.T) {
	r := New()
	addDriver(t, r, descData{class: "c", typ: "t", name: "m", version: "1.0.0"})
	addDriver(t, r, descData{class: "c", typ: "t", name: "m", version: "1.0.2"})

	d := r.GetDriver("c", "t", "m", "1.0.0")
	require.NotNil(t, d)
	assert.Equal(t, "1.0.0", d.Descriptor().Version())

	assert.Nil(t, r.GetDriver("c", "t", "missing", "1.0.0"))
}

func TestGetDriverLatestVersion(t *testing.T) {
	r := New()
	addDriver(t, r, descData{class: "c", typ: "t", name: "m", version: "1.0.0"})
	addDriver(t, r, descData{class: "c", typ: "t", name: "m", version: "1.0.2"})
	addDriver(t, r, descData{class: "c", typ: "t", name: "m", version: "1.1.0"})

	d := r.GetDriver("c", "t", "m", "")
	require.NotNil(t, d)
	assert.Equal(t, "1.1.0", d.Descriptor().Version())
}

func TestGetDriverLexicographicOrder(t *testing.T) {
	// Version resolution is lexicographic on the raw string, so "9.0.0"
	// outranks "10.0.0".
	r := New()
	addDriver(t, r, descData{class: "c", typ: "t", name: "m", version: "10.0.0"})
	addDriver(t, r, descData{class: "c", typ: "t", name: "m", version: "9.0.0"})

	d := r.GetDriver("c", "t", "m", "")
	require.NotNil(t, d)
	assert.Equal(t, "9.0.0", d.Descriptor().Version())
}

func TestClear(t *testing.T) {
	r := New()
	require.True(t, r.Initialize(mapConfig([]string{"/p"}, true)).OK())
	addDriver(t, r, descData{class: "cpu", typ: "x", name: "alpha", version: "1.0.0"})
	r.lastModifyTimeSum = 42
	r.loadSuccess = []string{"/p/libmodelbox-alpha.so"}

	r.Clear()

	assert.Empty(t, r.GetAllDriverList())
	assert.Empty(t, r.SearchDirs())
	assert.Nil(t, r.cfg)
	assert.Zero(t, r.lastModifyTimeSum)
	assert.Empty(t, r.loadSuccess)
	assert.Empty(t, r.loadFailed)
}

// fakeManager is a VirtualDriverManager that enumerates canned
// descriptors.
type fakeManager struct {
	initCalled bool
	scanDirs   []string
	drivers    []driverapi.Descriptor
	reg        driverapi.Registry
}

func (m *fakeManager) Init(reg driverapi.Registry) error {
	m.initCalled = true
	m.reg = reg
	return nil
}

func (m *fakeManager) Scan(dirs []string) error {
	m.scanDirs = dirs
	return nil
}

func (m *fakeManager) GetAllDriverList() []driverapi.Descriptor {
	return m.drivers
}

func virtualDesc(t *testing.T, data descData) *descriptor.Descriptor {
	t.Helper()
	desc := &descriptor.Descriptor{}
	desc.SetClass(data.class)
	desc.SetType(data.typ)
	desc.SetName(data.name)
	desc.SetDescription(data.description)
	require.True(t, desc.SetVersion(data.version).OK())
	desc.SetFilePath(fmt.Sprintf("/p/%s.toml", data.name))
	return desc
}

func TestVirtualDriverScan(t *testing.T) {
	mgr := &fakeManager{
		drivers: []driverapi.Descriptor{
			virtualDesc(t, descData{class: "flowunit", typ: "cpu", name: "resize", version: "1.0.0"}),
			virtualDesc(t, descData{class: "cpu", typ: "x", name: "alpha", version: "1.0.0"}),
		},
	}

	var released bool
	r := New(WithVirtualManagerFactory(
		func(d *driver.Driver) (driverapi.VirtualDriverManager, driverapi.Release, error) {
			return mgr, func() { released = true }, nil
		}))
	require.True(t, r.Initialize(mapConfig([]string{"/p"}, true)).OK())

	// One ordinary driver that collides with a virtual one, plus the
	// VIRTUAL-class driver backing the manager.
	addDriver(t, r, descData{class: "cpu", typ: "x", name: "alpha", version: "1.0.0"})
	addDriver(t, r, descData{class: descriptor.ClassVirtual, typ: "toml", name: "vmgr", version: "1.0.0"})

	st := r.VirtualDriverScan(context.Background())
	require.True(t, st.OK())

	assert.True(t, mgr.initCalled)
	assert.Equal(t, []string{"/p"}, mgr.scanDirs)

	drivers := r.GetAllDriverList()
	require.Len(t, drivers, 3, "duplicate virtual driver is not re-added")
	require.NotNil(t, mgr.reg)
	assert.Len(t, mgr.reg.GetAllDriverList(), 3, "the registry view tracks expansion live")

	resize := r.GetDriver("flowunit", "cpu", "resize", "1.0.0")
	require.NotNil(t, resize)
	assert.True(t, resize.IsVirtual())

	require.Len(t, r.VirtualDriverManagers(), 1)

	r.Clear()
	assert.True(t, released, "Clear releases the manager's factory reference")
	assert.Empty(t, r.GetAllDriverList())
	assert.Empty(t, r.VirtualDriverManagers())
}
