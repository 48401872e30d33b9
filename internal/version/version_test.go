package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestFromBuildInfoPseudoVersion(t *testing.T) {
	bi := &debug.BuildInfo{
		Main:      debug.Module{Path: "example.com/maintd", Version: "(devel)"},
		GoVersion: "go1.25.0",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(bi, "")
	if got.Version != "v0.0.0-20260304050607-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got.Version)
	}
	if got.Module != "example.com/maintd" || !got.Modified || got.GoVersion != "go1.25.0" {
		t.Fatalf("unexpected info %+v", got)
	}
	if !got.BuiltFrom.Equal(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)) {
		t.Fatalf("unexpected vcs time %s", got.BuiltFrom)
	}
}

func TestFromBuildInfoPrecedence(t *testing.T) {
	bi := &debug.BuildInfo{Main: debug.Module{Path: "pkt.systems/maintd", Version: "v1.4.0"}}
	if got := fromBuildInfo(bi, " v9.9.9 ").Version; got != "v9.9.9" {
		t.Fatalf("ldflags should win, got %q", got)
	}
	if got := fromBuildInfo(bi, "").Version; got != "v1.4.0" {
		t.Fatalf("module version should be used, got %q", got)
	}
	got := fromBuildInfo(nil, "")
	if got.Version != unknownVersion || got.Module != defaultModule {
		t.Fatalf("unexpected fallback %+v", got)
	}
}

func TestCurrentPrefersBuildVersion(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	defer func() { buildVersion = prev }()
	if Current() != "v1.2.3" {
		t.Fatalf("expected ldflags version, got %q", Current())
	}
	if UserAgent("maintd-cli") != "maintd-cli/v1.2.3" {
		t.Fatalf("unexpected user agent %q", UserAgent("maintd-cli"))
	}
	if !strings.Contains(Module(), "/") {
		t.Fatalf("unexpected module path %q", Module())
	}
}
