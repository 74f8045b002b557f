package registry

import (
	"context"
	"os"
	"time"

	"github.com/modelbox-go/driverkit/manifest"
	"github.com/modelbox-go/driverkit/scanpath"
	"github.com/modelbox-go/driverkit/status"
)

// Scan discovers drivers under the configured search directories. When the
// persisted manifest is still fresh the first-load pass is skipped
// entirely; otherwise it runs under the sub-process collaborator and
// rewrites the manifest. Either way the registry is then rebuilt from the
// manifest alone, without loading any plugin, and VIRTUAL-class drivers
// are expanded last.
func (r *Registry) Scan(ctx context.Context) *status.Status {
	if !r.CheckPathAndMagicCode() {
		err := r.runner.Run(ctx, func() error {
			if st := r.InnerScan(); !st.OK() {
				return st
			}
			return nil
		})
		if err != nil {
			return status.Wrap(status.Fault, "fork subprocess run scan so failed", err)
		}
	}

	if st := r.GatherScanInfo(r.paths.ScanInfo); !st.OK() {
		return status.Wrap(status.Fault, "gather scan info failed", st)
	}

	r.logScanResults(ctx)

	r.logger.InfoContext(ctx, "begin scan virtual drivers")
	st := r.VirtualDriverScan(ctx)
	r.logger.InfoContext(ctx, "end scan virtual drivers")
	return st
}

// InnerScan is the first-load pass: it dlopens every candidate file under
// every search directory to read its description, then persists the result
// as a fresh manifest. It is the half of Scan that executes untrusted
// plugin code and is what the sub-process runs.
func (r *Registry) InnerScan() *status.Status {
	for _, dir := range r.dirs {
		st := r.scanPath(dir, scanpath.DriverFilePattern)
		if !st.OK() && st.Kind() != status.NotFound {
			r.logger.Warn("scan failed", "dir", dir, "error", st.Error())
		}
	}

	checkCode := manifest.GenerateKey(r.lastModifyTimeSum)
	if st := r.WriteScanInfo(r.paths.ScanInfo, checkCode); !st.OK() {
		r.logger.Error("write scan info failed", "error", st.Error())
		return status.Wrap(status.Fault, "write scan info failed", st)
	}
	return status.New(status.Ok, "")
}

// scanPath adds the drivers under path, which may name a directory or a
// single file. Per-file failures are recorded but do not abort the scan;
// symbolic links found inside a directory are skipped both from Add and
// from the mtime sum.
func (r *Registry) scanPath(path string, filter string) *status.Status {
	st, err := scanpath.Lstat(path)
	if err != nil {
		return status.Wrap(status.Fault, "scan path failed", err)
	}

	if !st.IsDir {
		r.lastModifyTimeSum += st.ModTimeSec
		return r.addAndRecord(path)
	}

	files, err := scanpath.ListFiles(path, filter)
	if err != nil {
		return status.Wrap(status.Fault, "scan path failed", err)
	}
	if len(files) == 0 {
		return status.New(status.NotFound, "directory is empty")
	}

	for _, file := range files {
		fst, err := scanpath.Lstat(file)
		if err != nil {
			continue
		}
		if fst.IsSymlink {
			continue
		}
		r.lastModifyTimeSum += fst.ModTimeSec
		r.addAndRecord(file)
	}
	return status.New(status.Ok, "")
}

func (r *Registry) addAndRecord(file string) *status.Status {
	st := r.Add(file)
	if st.OK() {
		r.loadSuccess = append(r.loadSuccess, file)
	} else {
		r.loadFailed[file] = st.Error()
	}
	return st
}

// WriteScanInfo persists the scan outcome: every registered driver as a
// successful entry, every recorded failure as a failed one, stamped with
// the check code and the current linker-cache generation.
func (r *Registry) WriteScanInfo(path string, checkCode string) *status.Status {
	m := &manifest.Manifest{
		LDCacheTime:   scanpath.ModTimeSec(r.paths.LDCache),
		CheckCode:     checkCode,
		VersionRecord: time.Now().Format(time.ANSIC),
	}

	for _, d := range r.drivers {
		desc := d.Descriptor()
		m.ScanDrivers = append(m.ScanDrivers, manifest.Entry{
			Class:       desc.Class(),
			Type:        desc.Type(),
			Name:        desc.Name(),
			Description: desc.Description(),
			Version:     desc.Version(),
			FilePath:    desc.FilePath(),
			NoDelete:    desc.NoDelete(),
			Global:      desc.Global(),
			DeepBind:    desc.DeepBind(),
			LoadSuccess: true,
		})
	}

	for file, errMsg := range r.loadFailed {
		m.ScanDrivers = append(m.ScanDrivers, manifest.Entry{
			FilePath:    file,
			ErrMsg:      errMsg,
			LoadSuccess: false,
		})
	}

	return manifest.Write(path, m)
}

// GatherScanInfo rebuilds the registry from a manifest without executing
// any plugin code: every successful entry becomes a Driver unless its
// identity tuple is already present.
func (r *Registry) GatherScanInfo(path string) *status.Status {
	m, st := manifest.Read(path)
	if !st.OK() {
		r.logger.Error("open scan info for read failed", "path", path, "error", st.Error())
		return st
	}

	for _, e := range m.ScanDrivers {
		if !e.LoadSuccess {
			continue
		}

		desc := newDescriptorFromEntry(e, r.logger)
		if r.contains(desc.Key()) {
			continue
		}
		r.drivers = append(r.drivers, newDriverForRegistry(desc, r))
	}

	r.logger.Info("gather scan info success", "drivers", len(r.drivers))
	return status.New(status.Ok, "")
}

// CheckPathAndMagicCode reports whether the persisted manifest still
// describes the world: it must exist, its linker-cache generation must
// match, every current plugin file must be listed in it, and the digest of
// the current mtime sum must equal the recorded check code.
func (r *Registry) CheckPathAndMagicCode() bool {
	if _, err := os.Stat(r.paths.ScanInfo); err != nil {
		r.logger.Debug("scan info does not exist", "path", r.paths.ScanInfo)
		return false
	}
	if _, err := os.Stat(r.paths.LDCache); err != nil {
		r.logger.Debug("ld cache does not exist", "path", r.paths.LDCache)
		return false
	}

	info, st := manifest.LoadCheckInfo(r.paths.ScanInfo)
	if !st.OK() {
		return false
	}

	if info.LDCacheTime != scanpath.ModTimeSec(r.paths.LDCache) {
		return false
	}

	var checkSum int64
	for _, dir := range r.dirs {
		dst, err := scanpath.Lstat(dir)
		if err != nil {
			r.logger.Error("lstat search dir failed", "dir", dir, "error", err)
			return false
		}

		if !dst.IsDir {
			checkSum += dst.ModTimeSec
			continue
		}

		files, err := scanpath.ListFiles(dir, scanpath.DriverFilePattern)
		if err != nil {
			r.logger.Error("list search dir failed", "dir", dir, "error", err)
			return false
		}

		for _, file := range files {
			fst, err := scanpath.Lstat(file)
			if err != nil {
				continue
			}
			if fst.IsSymlink {
				continue
			}

			if !info.Files[file] {
				return false
			}
			checkSum += fst.ModTimeSec
		}
	}

	return manifest.GenerateKey(checkSum) == info.CheckCode
}

// Summary is the user-facing outcome of the last scan, read back from the
// manifest.
type Summary struct {
	LoadSuccess []string
	LoadFailed  map[string]string
}

// ScanSummary reads the manifest and splits it into successes and
// failures. Rendering is left to the caller.
func (r *Registry) ScanSummary() (*Summary, *status.Status) {
	m, st := manifest.Read(r.paths.ScanInfo)
	if !st.OK() {
		return nil, st
	}

	s := &Summary{LoadFailed: make(map[string]string)}
	for _, e := range m.ScanDrivers {
		if e.LoadSuccess {
			s.LoadSuccess = append(s.LoadSuccess, e.FilePath)
			continue
		}
		s.LoadFailed[e.FilePath] = e.ErrMsg
	}
	return s, status.New(status.Ok, "")
}

func (r *Registry) logScanResults(ctx context.Context) {
	s, st := r.ScanSummary()
	if !st.OK() {
		r.logger.ErrorContext(ctx, "read scan results failed", "error", st.Error())
		return
	}

	if len(s.LoadSuccess) == 0 {
		r.logger.WarnContext(ctx, "no driver load success, please check")
	} else {
		r.logger.InfoContext(ctx, "load success drivers", "count", len(s.LoadSuccess))
		for _, file := range s.LoadSuccess {
			r.logger.DebugContext(ctx, "load success", "file", file)
		}
	}

	if len(s.LoadFailed) == 0 {
		r.logger.InfoContext(ctx, "no drivers load failed")
		return
	}
	r.logger.WarnContext(ctx, "load failed drivers", "count", len(s.LoadFailed))
	for file, errMsg := range s.LoadFailed {
		r.logger.WarnContext(ctx, "load failed", "file", file, "error", errMsg)
	}
}
