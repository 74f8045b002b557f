// Package virtual adapts a loaded VIRTUAL-class driver into the
// VirtualDriverManager capability set. A virtual plugin exports, on top of
// the ordinary driver ABI, the VirtualDriver* symbols; directory lists and
// descriptor records cross the FFI boundary as NUL-terminated JSON, the
// same convention DriverDescription uses for its string fields.
package virtual

import (
	"encoding/json"
	"fmt"

	"github.com/modelbox-go/driverkit/descriptor"
	"github.com/modelbox-go/driverkit/dlopen"
	"github.com/modelbox-go/driverkit/driver"
	"github.com/modelbox-go/driverkit/driverapi"
	"github.com/modelbox-go/driverkit/manifest"
	"github.com/modelbox-go/driverkit/status"
)

// Manager drives a virtual plugin's enumeration through its native
// VirtualDriver* entry points. It holds the factory pointer the plugin's
// CreateDriverFactory returned; the owning registry keeps the matching
// release alive until Clear.
type Manager struct {
	factory uintptr

	init   func(factory uintptr) int32
	scan   func(factory uintptr, dirsJSON string) int32
	getAll func(factory uintptr) uintptr

	reg driverapi.Registry
}

// Acquire loads d's factory and probes it for the virtual capability set.
// On success it returns the manager plus the release that drops the
// factory reference; the caller owns the release. A driver without the
// capability symbols is NotSupported and its factory is released before
// returning.
func Acquire(d *driver.Driver) (*Manager, driverapi.Release, error) {
	fh, st := d.CreateFactory()
	if !st.OK() {
		return nil, nil, st
	}

	if !d.HasSym(driverapi.SymVirtualDriverScan) || !d.HasSym(driverapi.SymVirtualDriverGetAll) {
		fh.Release()
		return nil, nil, status.New(status.NotSupported,
			fmt.Sprintf("driver %s does not implement the virtual driver manager interface", d.FilePath()))
	}

	m := &Manager{factory: fh.Addr()}
	if err := d.ResolveSym(driverapi.SymVirtualDriverScan, &m.scan); err != nil {
		fh.Release()
		return nil, nil, err
	}
	if err := d.ResolveSym(driverapi.SymVirtualDriverGetAll, &m.getAll); err != nil {
		fh.Release()
		return nil, nil, err
	}
	if d.HasSym(driverapi.SymVirtualDriverInit) {
		if err := d.ResolveSym(driverapi.SymVirtualDriverInit, &m.init); err != nil {
			fh.Release()
			return nil, nil, err
		}
	}

	return m, fh.Release, nil
}

// Init hands the manager its registry context and runs the plugin's
// optional init hook.
func (m *Manager) Init(reg driverapi.Registry) error {
	m.reg = reg
	if m.init == nil {
		return nil
	}
	if code := m.init(m.factory); code != 0 {
		return status.New(status.Fault, fmt.Sprintf("virtual driver init failed, code:%d", code))
	}
	return nil
}

// Scan asks the plugin to enumerate drivers under dirs.
func (m *Manager) Scan(dirs []string) error {
	payload, err := json.Marshal(dirs)
	if err != nil {
		return fmt.Errorf("marshal scan dirs failed: %w", err)
	}
	if code := m.scan(m.factory, string(payload)); code != 0 {
		return status.New(status.Fault, fmt.Sprintf("virtual driver scan failed, code:%d", code))
	}
	return nil
}

// GetAllDriverList returns the descriptors the plugin enumerated. The
// plugin hands them back as a JSON array in the manifest entry schema.
func (m *Manager) GetAllDriverList() []driverapi.Descriptor {
	ptr := m.getAll(m.factory)
	raw := dlopen.ReadCString(ptr)
	if raw == "" {
		return nil
	}

	var entries []manifest.Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}

	descs := make([]driverapi.Descriptor, 0, len(entries))
	for _, e := range entries {
		d := &descriptor.Descriptor{}
		d.SetClass(e.Class)
		d.SetType(e.Type)
		d.SetName(e.Name)
		d.SetDescription(e.Description)
		d.SetFilePath(e.FilePath)
		d.SetNoDelete(e.NoDelete)
		d.SetGlobal(e.Global)
		d.SetDeepBind(e.DeepBind)
		if st := d.SetVersion(e.Version); !st.OK() {
			// An invalid version degrades to unversioned, the same
			// treatment scan entries get.
			d.SetVersion("")
		}
		descs = append(descs, d)
	}
	return descs
}
