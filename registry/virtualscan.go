package registry

import (
	"context"
	"log/slog"

	"github.com/modelbox-go/driverkit/descriptor"
	"github.com/modelbox-go/driverkit/driver"
	"github.com/modelbox-go/driverkit/driverapi"
	"github.com/modelbox-go/driverkit/manifest"
	"github.com/modelbox-go/driverkit/status"
	"github.com/modelbox-go/driverkit/virtual"
)

// VirtualDriverScan expands the registry through its VIRTUAL-class
// drivers: each one is loaded, adapted into a VirtualDriverManager, asked
// to scan the search directories, and the drivers it enumerates are
// absorbed. The managers (and the factory references keeping their
// libraries loaded) are retained until Clear so the virtual drivers'
// backing code outlives them.
func (r *Registry) VirtualDriverScan(ctx context.Context) *status.Status {
	newManager := r.newVirtualManager
	if newManager == nil {
		newManager = func(d *driver.Driver) (driverapi.VirtualDriverManager, driverapi.Release, error) {
			return virtual.Acquire(d)
		}
	}

	for _, d := range r.GetDriverListByClass(descriptor.ClassVirtual) {
		mgr, release, err := newManager(d)
		if err != nil {
			r.logger.WarnContext(ctx, "load virtual driver manager failed",
				"file", d.FilePath(), "error", err)
			continue
		}

		if err := mgr.Init(registryView{r}); err != nil {
			r.logger.WarnContext(ctx, "virtual driver init failed", "error", err)
		}
		if err := mgr.Scan(r.dirs); err != nil {
			r.logger.WarnContext(ctx, "virtual driver scan failed", "error", err)
		}

		for _, vd := range mgr.GetAllDriverList() {
			desc := newDescriptorFromAPI(vd, r.logger)
			if r.contains(desc.Key()) {
				r.logger.DebugContext(ctx, "virtual driver already registered",
					"name", desc.Name(), "class", desc.Class())
				continue
			}
			vdrv := driver.New(desc, driver.WithLogger(r.logger))
			vdrv.SetVirtual(true)
			r.drivers = append(r.drivers, vdrv)
		}

		r.virtualManagers = append(r.virtualManagers, mgr)
		r.virtualReleases = append(r.virtualReleases, release)
	}

	return status.New(status.Ok, "")
}

// VirtualDriverManagers returns the managers retained by the last
// VirtualDriverScan.
func (r *Registry) VirtualDriverManagers() []driverapi.VirtualDriverManager {
	return append([]driverapi.VirtualDriverManager(nil), r.virtualManagers...)
}

// registryView is the narrow read-only surface handed to virtual driver
// managers.
type registryView struct {
	r *Registry
}

func (v registryView) GetAllDriverList() []driverapi.Descriptor {
	out := make([]driverapi.Descriptor, 0, len(v.r.drivers))
	for _, d := range v.r.drivers {
		out = append(out, d.Descriptor())
	}
	return out
}

// newDescriptorFromEntry rebuilds a Descriptor from a manifest entry. A
// malformed version degrades to unversioned rather than dropping the
// driver, matching what the scan recorded.
func newDescriptorFromEntry(e manifest.Entry, logger *slog.Logger) *descriptor.Descriptor {
	desc := &descriptor.Descriptor{}
	desc.SetClass(e.Class)
	desc.SetType(e.Type)
	desc.SetName(e.Name)
	desc.SetDescription(e.Description)
	desc.SetFilePath(e.FilePath)
	desc.SetNoDelete(e.NoDelete)
	desc.SetGlobal(e.Global)
	desc.SetDeepBind(e.DeepBind)
	if st := desc.SetVersion(e.Version); !st.OK() {
		logger.Warn("scan info has malformed version, treating as unversioned",
			"file", e.FilePath, "version", e.Version)
	}
	return desc
}

// newDescriptorFromAPI copies a virtual manager's descriptor into a fresh
// registry-owned one.
func newDescriptorFromAPI(src driverapi.Descriptor, logger *slog.Logger) *descriptor.Descriptor {
	desc := &descriptor.Descriptor{}
	desc.SetClass(src.Class())
	desc.SetType(src.Type())
	desc.SetName(src.Name())
	desc.SetDescription(src.Description())
	desc.SetFilePath(src.FilePath())
	desc.SetNoDelete(src.NoDelete())
	desc.SetGlobal(src.Global())
	desc.SetDeepBind(src.DeepBind())
	if st := desc.SetVersion(src.Version()); !st.OK() {
		logger.Warn("virtual driver has malformed version, treating as unversioned",
			"name", src.Name(), "version", src.Version())
	}
	return desc
}

func newDriverForRegistry(desc *descriptor.Descriptor, r *Registry) *driver.Driver {
	return driver.New(desc, driver.WithLogger(r.logger))
}
