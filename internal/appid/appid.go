// Package appid carries the application identity: the binary name, the
// environment variable prefix, and the config file stem. Embedders that
// ship slurmscope under their own name register a different identity
// before calling into config or cmd.
package appid

import "sync"

// Identity names the application for config discovery, env var mapping,
// and CLI banners.
type Identity struct {
	// BinaryName is the executable name ("slurmscope").
	BinaryName string

	// DisplayName is the human-facing name used in banners and help.
	DisplayName string

	// EnvPrefix is the uppercase prefix for environment variables
	// ("SLURMSCOPE" yields SLURMSCOPE_PORT, SLURMSCOPE_LOG_LEVEL, ...).
	EnvPrefix string

	// ConfigName is the config file stem searched for in the project
	// root and user config directories ("slurmscope" finds
	// slurmscope.yaml).
	ConfigName string
}

var (
	mu      sync.RWMutex
	current *Identity
)

// Set registers the application identity. Later Get calls return a copy
// of id.
func Set(id Identity) {
	mu.Lock()
	defer mu.Unlock()
	current = &id
}

// Get returns the registered identity, or the built-in slurmscope
// identity when none was registered. Never nil.
func Get() *Identity {
	mu.RLock()
	defer mu.RUnlock()
	if current != nil {
		id := *current
		return &id
	}
	return &Identity{
		BinaryName:  "slurmscope",
		DisplayName: "SlurmScope",
		EnvPrefix:   "SLURMSCOPE",
		ConfigName:  "slurmscope",
	}
}
