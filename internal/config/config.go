// Package config reads the environment variables that configure a vrift
// process (daemon, CLI, or shim) into a read-only Config value.
package config

import "os"

const (
	EnvManifest  = "VRIFT_MANIFEST"
	EnvCasRoot   = "VR_THE_SOURCE"
	EnvVFSPrefix = "VRIFT_VFS_PREFIX"
	EnvSocket    = "VRIFT_SOCKET_PATH"
	EnvDebug     = "VRIFT_DEBUG"
	EnvIsolated  = "VRIFT_ISOLATED"
)

const (
	defaultCasRoot   = "/var/vrift/the_source"
	defaultVFSPrefix = "/vrift"
)

// Config is populated once from the environment and passed down by value;
// nothing in this package mutates it after FromEnv returns.
type Config struct {
	// ManifestPath activates VFS interposition when non-empty.
	ManifestPath string
	CasRoot      string
	VFSPrefix    string
	SocketPath   string
	Debug        bool
	Isolated     bool
}

// FromEnv reads the process environment into a Config, applying the
// defaults for the CAS root and VFS prefix environment variables.
func FromEnv() Config {
	c := Config{
		ManifestPath: os.Getenv(EnvManifest),
		CasRoot:      getenvOr(EnvCasRoot, defaultCasRoot),
		VFSPrefix:    getenvOr(EnvVFSPrefix, defaultVFSPrefix),
		SocketPath:   os.Getenv(EnvSocket),
		Debug:        os.Getenv(EnvDebug) == "1",
		Isolated:     os.Getenv(EnvIsolated) == "1",
	}
	return c
}

// Active reports whether VFS interposition should activate at all: the
// shim is a no-op pass-through without a manifest path.
func (c Config) Active() bool { return c.ManifestPath != "" }

func getenvOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
