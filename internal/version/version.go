// Package version reports the maintd build version.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	defaultModule  = "pkt.systems/maintd"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/maintd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string    `json:"module"`
	Version   string    `json:"version"`
	Revision  string    `json:"revision,omitempty"`
	BuiltFrom time.Time `json:"vcsTime,omitzero"`
	Modified  bool      `json:"modified,omitempty"`
	GoVersion string    `json:"goVersion,omitempty"`
}

var readBuildInfo = sync.OnceValues(debug.ReadBuildInfo)

// Read collects Info from ldflags and the embedded build info.
func Read() Info {
	info, ok := readBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(info, buildVersion)
}

func fromBuildInfo(bi *debug.BuildInfo, ldflags string) Info {
	out := Info{Module: defaultModule}
	if bi != nil {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			out.Module = path
		}
		out.GoVersion = bi.GoVersion
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				if ts, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					out.BuiltFrom = ts.UTC()
				}
			case "vcs.modified":
				out.Modified = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(ldflags) != "":
		out.Version = strings.TrimSpace(ldflags)
	case bi != nil && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		out.Version = bi.Main.Version
	default:
		out.Version = out.pseudo()
	}
	return out
}

// pseudo derives a Go style pseudo version from the VCS stamp.
func (i Info) pseudo() string {
	if i.Revision == "" || i.BuiltFrom.IsZero() {
		return unknownVersion
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.BuiltFrom.Format("20060102150405") + "-" + rev
	if i.Modified {
		v += "+dirty"
	}
	return v
}

// Current returns the version string of the running binary.
func Current() string {
	return Read().Version
}

// Module returns the main module path.
func Module() string {
	return Read().Module
}

// UserAgent formats the User-Agent value a maintd component sends.
func UserAgent(component string) string {
	return component + "/" + Current()
}
