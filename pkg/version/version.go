package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of overhook.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// OverhookVersion is the current version of overhook.
var OverhookVersion = Version{
	Major: "1", Minor: "2", Patch: "0", Metadata: "",
	Build: "$Id$",
}

// Short returns the dotted version without build information, as shown
// in the overlay title line.
func (v Version) Short() string {
	ver := fmt.Sprintf("%s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return ver
}

func (v Version) String() string {
	fixBuild(&v)
	return fmt.Sprintf("Version: %s\nBuild: %s", v.Short(), v.Build)
}

var readBuildInfo = debug.ReadBuildInfo

// BuildInfo lists the Go version and the modules overhook was built
// from, replacements resolved, one per line.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", runtime.Version())
	info, ok := readBuildInfo()
	if !ok {
		b.WriteString("not built in module mode\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%s %s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		fmt.Fprintf(&b, "  %s %s\n", dep.Path, dep.Version)
	}
	return b.String()
}

func fixBuild(v *Version) {
	// Return if v.Build already set, but not if it is Git ident expand file blob hash
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := readBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
