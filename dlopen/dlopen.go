// Package dlopen wraps github.com/ebitengine/purego's cgo-free dlopen
// binding behind a small Library type: Open/Close on a handle, Sym for
// symbol resolution.
package dlopen

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Mode flags, mirroring the dynamic loader's RTLD_* bits. NoDelete and
// DeepBind are platform-dependent; see flags_linux.go.
const (
	Lazy   = purego.RTLD_LAZY
	Now    = purego.RTLD_NOW
	Global = purego.RTLD_GLOBAL
	Local  = purego.RTLD_LOCAL
)

// Library is an opened shared object.
type Library struct {
	path   string
	handle uintptr
}

// Open dlopens path with the given mode flags.
func Open(path string, mode int) (*Library, error) {
	h, err := purego.Dlopen(path, mode)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s failed: %w", path, err)
	}
	return &Library{path: path, handle: h}, nil
}

// Close dlcloses the library. It is safe to call on a nil *Library.
func (l *Library) Close() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	if err := purego.Dlclose(l.handle); err != nil {
		return fmt.Errorf("dlclose %s failed: %w", l.path, err)
	}
	l.handle = 0
	return nil
}

// Path returns the path the library was opened from.
func (l *Library) Path() string { return l.path }

// Handle returns the raw dlopen handle, usable as a HandleTable key.
func (l *Library) Handle() uintptr { return l.handle }

// Sym resolves a symbol by name and registers it onto fnPtr, a pointer to
// a function variable, via purego.RegisterFunc. It
// reports an error instead of panicking when the symbol is missing, since
// a plugin lacking a symbol is a recoverable condition, not a programmer
// error.
func (l *Library) Sym(name string, fnPtr interface{}) error {
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return fmt.Errorf("dlsym %s in %s failed: %w", name, l.path, err)
	}
	purego.RegisterFunc(fnPtr, addr)
	return nil
}

// HasSym reports whether name resolves in the library, without registering
// a callable. Used to probe for optional symbols (DriverInit, DriverFini)
// and for virtual-driver capability detection.
func (l *Library) HasSym(name string) bool {
	_, err := purego.Dlsym(l.handle, name)
	return err == nil
}

// ReadCString copies a NUL-terminated C string out of the process's memory
// starting at ptr. It is how strings cross the cgo-free FFI boundary:
// registry.Registry.Add copies the char* fields of a RawDescriptor with it,
// and virtual.Manager.GetAllDriverList reads the NUL-terminated JSON array a
// virtual plugin returns. A zero ptr yields "".
func ReadCString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}

	var length int
	for {
		b := *(*byte)(unsafe.Pointer(ptr + uintptr(length)))
		if b == 0 {
			break
		}
		length++
	}

	buf := make([]byte, length)
	for i := 0; i < length; i++ {
		buf[i] = *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
	}
	return string(buf)
}
