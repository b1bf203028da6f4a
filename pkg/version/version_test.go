package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if got := v.Short(); got != "1.2.3-rc1" {
		t.Fatalf("Short() = %q", got)
	}
	s := v.String()
	if !strings.HasPrefix(s, "Version: 1.2.3-rc1\n") || !strings.HasSuffix(s, "Build: abcdef") {
		t.Fatalf("String() = %q", s)
	}
}

func withBuildInfo(t *testing.T, info *debug.BuildInfo) {
	old := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, info != nil }
	t.Cleanup(func() { readBuildInfo = old })
}

func TestBuildInfo(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/overhook/overhook", Version: "(devel)"},
		Deps: []*debug.Module{
			{Path: "github.com/yuin/gopher-lua", Version: "v1.1.2"},
			{Path: "gopkg.in/ini.v1", Version: "v1.67.0", Replace: &debug.Module{Path: "example.com/ini", Version: "v1.67.1"}},
		},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123abcd"}},
	})
	want := runtime.Version() + "\n" +
		"github.com/overhook/overhook (devel)\n" +
		"  github.com/yuin/gopher-lua v1.1.2\n" +
		"  example.com/ini v1.67.1\n"
	if got := BuildInfo(); got != want {
		t.Fatalf("BuildInfo() = %q, want %q", got, want)
	}

	v := Version{Major: "1", Minor: "0", Patch: "0", Build: "$Id$"}
	if s := v.String(); !strings.HasSuffix(s, "Build: 0123abcd") {
		t.Fatalf("revision not used as build: %q", s)
	}
}

func TestBuildInfoWithoutModules(t *testing.T) {
	withBuildInfo(t, nil)
	if got := BuildInfo(); !strings.HasSuffix(got, "not built in module mode\n") {
		t.Fatalf("BuildInfo() = %q", got)
	}
}
