package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `
master:
  neighbors:
    right: alpha
remotes:
  - alias: alpha
    hostname: alpha.lan
    neighbors:
      left: master
hotkeys:
  - key: control+mod4+right
    action: switch right
  - key: control+mod4+q
    action: quit
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kvmux.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

// withTerminal makes every descriptor look like a terminal, or none.
func withTerminal(t *testing.T, tty bool) {
	t.Helper()
	prev := isTerminal
	isTerminal = func(int) bool { return tty }
	t.Cleanup(func() { isTerminal = prev })
}

// ============================================================================
// Arguments
// ============================================================================

func TestTooManyArgs(t *testing.T) {
	if _, err := execute(t, "a.yaml", "b.yaml"); err == nil {
		t.Error("expected error for two arguments")
	}
}

func TestHelp(t *testing.T) {
	for _, flag := range []string{"--help", "-h"} {
		t.Run(flag, func(t *testing.T) {
			out, err := execute(t, flag)
			if err != nil {
				t.Fatalf("%s: %v", flag, err)
			}
			if !strings.Contains(out, "kvmux [config-file]") {
				t.Errorf("usage missing from output:\n%s", out)
			}
		})
	}
}

func TestCheckValidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)

	out, err := execute(t, "--check", path)
	if err != nil {
		t.Fatalf("--check: %v", err)
	}
	if !strings.Contains(out, "ok (1 remotes, 2 hotkeys)") {
		t.Errorf("output = %q", out)
	}
}

func TestCheckInvalidConfig(t *testing.T) {
	path := writeConfig(t, "remotes:\n  - alias: alpha\n    neighbors:\n      left: nowhere\n")

	if _, err := execute(t, "--check", path); err == nil {
		t.Error("expected error for an unresolvable neighbor")
	}
}

func TestCheckRequiresConfig(t *testing.T) {
	_, err := execute(t, "--check")
	if err == nil || !strings.Contains(err.Error(), "requires a configuration file") {
		t.Errorf("err = %v", err)
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to load config") {
		t.Errorf("err = %v", err)
	}
}

// ============================================================================
// Agent mode
// ============================================================================

func TestAgentModeRefusesTerminal(t *testing.T) {
	withTerminal(t, true)

	_, err := execute(t)
	if err == nil || !strings.Contains(err.Error(), "agent mode") {
		t.Errorf("err = %v, want terminal refusal", err)
	}
}

func TestCheckAgentStreams(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if err := checkAgentStreams(r, w); err != nil {
		t.Errorf("pipes rejected: %v", err)
	}

	var seen []int
	prev := isTerminal
	isTerminal = func(fd int) bool {
		seen = append(seen, fd)
		return fd == int(w.Fd())
	}
	defer func() { isTerminal = prev }()

	if err := checkAgentStreams(r, w); err == nil {
		t.Error("terminal on output accepted")
	}
	if len(seen) != 2 || seen[0] != int(r.Fd()) {
		t.Errorf("checked descriptors %v", seen)
	}
}
