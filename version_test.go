package kurir

import (
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	v := GetVersion()
	if !strings.HasPrefix(v, "kurir v"+Version+" ") {
		t.Errorf("unexpected version string %q", v)
	}
	if strings.Contains(v, "vv") {
		t.Errorf("version must not carry a doubled prefix: %q", v)
	}
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	for _, key := range []string{"version", "commit", "build_date", "go_version"} {
		if info[key] == "" {
			t.Errorf("missing %s", key)
		}
	}

	old := GitCommit
	GitCommit = "abc123"
	defer func() { GitCommit = old }()
	if GetVersionInfo()["commit"] != "abc123" {
		t.Error("an injected commit should win")
	}
}
