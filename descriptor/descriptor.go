// Package descriptor implements Descriptor, the plain record of a driver's
// identity and load options.
package descriptor

import (
	"strings"

	"github.com/modelbox-go/driverkit/status"
)

// Well-known driver classes. VIRTUAL is the class the Registry treats
// specially: once loaded, a VIRTUAL driver's factory enumerates further
// drivers (see the virtual package).
const (
	ClassVirtual = "VIRTUAL"
)

// Descriptor is a driver's identity plus its load options. Once inserted
// into a Registry, the identity tuple (Class, Type, Name, Version,
// Description) must not change; callers should treat a Descriptor as
// immutable after registration even though the setters remain exported for
// the scan path that builds one incrementally.
type Descriptor struct {
	class       string
	typ         string
	name        string
	description string
	version     string
	filePath    string

	noDelete bool
	global   bool
	deepBind bool
}

// Key identifies a Descriptor for duplicate detection and manifest
// round-tripping. Two descriptors with an equal Key are the same driver.
type Key struct {
	Class       string
	Type        string
	Name        string
	Version     string
	Description string
}

func (d *Descriptor) Key() Key {
	return Key{
		Class:       d.class,
		Type:        d.typ,
		Name:        d.name,
		Version:     d.version,
		Description: d.description,
	}
}

func (d *Descriptor) Class() string       { return d.class }
func (d *Descriptor) Type() string        { return d.typ }
func (d *Descriptor) Name() string        { return d.name }
func (d *Descriptor) Description() string { return d.description }
func (d *Descriptor) Version() string     { return d.version }
func (d *Descriptor) FilePath() string    { return d.filePath }
func (d *Descriptor) NoDelete() bool      { return d.noDelete }
func (d *Descriptor) Global() bool        { return d.global }
func (d *Descriptor) DeepBind() bool      { return d.deepBind }

func (d *Descriptor) SetClass(class string)             { d.class = class }
func (d *Descriptor) SetType(typ string)                { d.typ = typ }
func (d *Descriptor) SetName(name string)               { d.name = name }
func (d *Descriptor) SetDescription(description string) { d.description = description }
func (d *Descriptor) SetFilePath(path string)           { d.filePath = path }
func (d *Descriptor) SetNoDelete(noDelete bool)         { d.noDelete = noDelete }
func (d *Descriptor) SetGlobal(global bool)             { d.global = global }
func (d *Descriptor) SetDeepBind(deepBind bool)         { d.deepBind = deepBind }

// IsVirtual reports whether the descriptor names a VIRTUAL-class driver.
func (d *Descriptor) IsVirtual() bool { return d.class == ClassVirtual }

// SetVersion validates and sets the version string. An empty string is
// accepted and means "unversioned". Any other value must be exactly three
// dot-separated, all-digit segments.
func (d *Descriptor) SetVersion(version string) *status.Status {
	if version == "" {
		d.version = ""
		return status.New(status.Ok, "")
	}

	if st := CheckVersion(version); !st.OK() {
		return st
	}

	d.version = version
	return status.New(status.Ok, "")
}

// CheckVersion reports whether version matches the required x.y.z shape,
// each segment composed solely of decimal digits. It does not special-case
// the empty string; callers that permit "unversioned" check that first, the
// way SetVersion does.
func CheckVersion(version string) *status.Status {
	segments := strings.Split(version, ".")
	if len(segments) != 3 {
		return status.New(status.BadConfig, "version is invalid")
	}

	for _, seg := range segments {
		if seg == "" {
			return status.New(status.BadConfig, "version is invalid")
		}
		for _, r := range seg {
			if r < '0' || r > '9' {
				return status.New(status.BadConfig, "version is invalid")
			}
		}
	}

	return status.New(status.Ok, "")
}
