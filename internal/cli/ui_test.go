package cli

import (
	"strings"
	"testing"
)

func TestRenderStartupHeaderPlain(t *testing.T) {
	out := renderStartupHeader(startupHeader{
		Title: "workroom session",
		Fields: []startupField{
			{Key: "project", Value: "proj_1"},
			{Key: "sandbox", Value: "sbx_1"},
			{Key: "", Value: "dropped"},
			{Key: "also dropped", Value: "  "},
		},
	}, false)

	if !strings.Contains(out, "workroom session") {
		t.Fatalf("missing title: %q", out)
	}
	if !strings.Contains(out, "project: proj_1") || !strings.Contains(out, "sandbox: sbx_1") {
		t.Fatalf("missing fields: %q", out)
	}
	if strings.Contains(out, "dropped") {
		t.Fatalf("empty fields were rendered: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain render contains ANSI: %q", out)
	}
}

func TestRenderStartupHeaderColor(t *testing.T) {
	out := renderStartupHeader(startupHeader{Title: "workroom"}, true)
	if !strings.Contains(out, "\x1b[1;36m") {
		t.Fatalf("color render lacks ANSI title: %q", out)
	}
}

func TestShouldUseANSIHonorsNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	t.Setenv("CLICOLOR_FORCE", "1")
	if shouldUseANSI(nil) {
		t.Fatalf("NO_COLOR must win over CLICOLOR_FORCE")
	}
}

func TestShouldUseANSIForce(t *testing.T) {
	t.Setenv("CLICOLOR_FORCE", "1")
	if !shouldUseANSI(nil) {
		t.Fatalf("CLICOLOR_FORCE not honored")
	}
}
