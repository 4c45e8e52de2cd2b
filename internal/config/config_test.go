package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvManifest, "")
	t.Setenv(EnvCasRoot, "")
	t.Setenv(EnvVFSPrefix, "")
	t.Setenv(EnvSocket, "")
	t.Setenv(EnvDebug, "")
	t.Setenv(EnvIsolated, "")

	c := FromEnv()
	if c.CasRoot != defaultCasRoot {
		t.Fatalf("CasRoot = %q, want default %q", c.CasRoot, defaultCasRoot)
	}
	if c.VFSPrefix != defaultVFSPrefix {
		t.Fatalf("VFSPrefix = %q, want default %q", c.VFSPrefix, defaultVFSPrefix)
	}
	if c.Active() {
		t.Fatal("expected Active() false without a manifest path")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvManifest, "/tmp/m.bolt")
	t.Setenv(EnvCasRoot, "/custom/source")
	t.Setenv(EnvVFSPrefix, "/myvfs")
	t.Setenv(EnvDebug, "1")
	t.Setenv(EnvIsolated, "1")

	c := FromEnv()
	if !c.Active() {
		t.Fatal("expected Active() true with a manifest path set")
	}
	if c.CasRoot != "/custom/source" || c.VFSPrefix != "/myvfs" {
		t.Fatalf("c = %+v, want overridden CasRoot/VFSPrefix", c)
	}
	if !c.Debug || !c.Isolated {
		t.Fatalf("c = %+v, want Debug and Isolated true", c)
	}
}
