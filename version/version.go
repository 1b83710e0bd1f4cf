package version

import (
	"fmt"
	"runtime/debug"
)

var (
	// Set via -ldflags at build time.
	GitCommit string
	BuildTime string
)

// Info describes the running binary.
type Info struct {
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the build's version information.
func Get() Info {
	ret := Info{
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		ret.BuildInfo = buildInfo
	}
	return ret
}

// Short returns a compact version string for banners and the MCP server
// handshake. Dev builds without ldflags report "dev".
func (v Info) Short() string {
	if v.GitCommit == "" {
		return "dev"
	}
	if len(v.GitCommit) > 12 {
		return v.GitCommit[:12]
	}
	return v.GitCommit
}

// String renders the full version line for the CLI.
func (v Info) String() string {
	s := v.Short()
	if v.BuildTime != "" {
		s = fmt.Sprintf("%s (built %s)", s, v.BuildTime)
	}
	return s
}
