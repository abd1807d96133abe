package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "aily dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestExecuteExitCodes(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"version"})
	if code := execute(cmd); code != exitOK {
		t.Errorf("version exit = %d, want 0", code)
	}

	// A config failure surfaces exit code 2.
	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"db", "migrate", "--config", "/nonexistent/aily.yaml"})
	if code := execute(cmd); code != exitConfig {
		t.Errorf("bad config exit = %d, want %d", code, exitConfig)
	}
}
