package version

import (
	"runtime/debug"
	"strings"
)

// Version information set by build flags.
// Set using -ldflags "-X github.com/cbyrne/betterinject/pkg/version.version=v1.2.3"
var version string = "unknown"

// String returns the version of betterinject. Without build flags the
// module version of the binary is used.
func String() string {
	if version != "unknown" && version != "" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return version
}

// Banner is the one-line identification printed by the version command.
func Banner() string {
	s := strings.Builder{}
	s.WriteString("betterinject/")
	if v := String(); v != "" {
		s.WriteString(v)
	} else {
		s.WriteString("dirty")
	}
	return s.String()
}
