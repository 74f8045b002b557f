// Package config declares the narrow configuration surface the driver
// registry consumes. The configuration reader proper is an external
// collaborator; the registry only ever asks it for a string list and a
// bool, so that is all the interface carries.
package config

// Keys the registry reads.
const (
	KeyDriverDir       = "driver.dir"
	KeySkipDefaultPath = "driver.skip_default_path"
)

// Configuration is the subset of a configuration store the registry needs.
type Configuration interface {
	// GetStrings returns the string-list value for key, nil when unset.
	GetStrings(key string) []string
	// GetBool returns the bool value for key, or def when unset.
	GetBool(key string, def bool) bool
}

// Map is a small map-backed Configuration for tests and standalone use.
type Map struct {
	Strings map[string][]string
	Bools   map[string]bool
}

func (m *Map) GetStrings(key string) []string {
	if m == nil {
		return nil
	}
	return m.Strings[key]
}

func (m *Map) GetBool(key string, def bool) bool {
	if m == nil {
		return def
	}
	v, ok := m.Bools[key]
	if !ok {
		return def
	}
	return v
}
