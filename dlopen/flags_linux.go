//go:build linux

package dlopen

// glibc's RTLD_NODELETE and RTLD_DEEPBIND. purego does not export them
// (they are GNU extensions, not part of the portable RTLD_* set it carries
// across platforms), so they are defined here directly.
const (
	NoDelete = 0x01000
	DeepBind = 0x00008
)
