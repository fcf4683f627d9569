package version

import (
	"runtime/debug"
	"testing"
)

func TestResolveFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		},
	}
	info := resolve(bi)
	if info.Version != "v0.3.1" {
		t.Fatalf("version: got %q", info.Version)
	}
	if info.Commit != "0123456789abcdef0123" {
		t.Fatalf("commit: got %q", info.Commit)
	}
	if info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("build time: got %q", info.BuildTime)
	}
	if info.Format != "dkf 1.0" {
		t.Fatalf("format: got %q", info.Format)
	}
}

func TestResolveDevel(t *testing.T) {
	info := resolve(&debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if info.Version != "devel" {
		t.Fatalf("version: got %q", info.Version)
	}
	if info := resolve(nil); info.Version != "devel" || info.Commit != "" {
		t.Fatalf("nil build info: got %+v", info)
	}
}

func TestShortCommit(t *testing.T) {
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("got %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("got %q", got)
	}
}
