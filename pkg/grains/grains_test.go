package grains

import (
	"context"
	"fmt"
	"io/fs"
	"testing"

	"github.com/keelcm/keel/pkg/target"
)

// scriptedTarget answers Exec from a canned command table.
type scriptedTarget struct {
	responses map[string]string
}

func (s *scriptedTarget) Name() string { return "scripted" }

func (s *scriptedTarget) Exec(_ context.Context, command string) (target.ExecResult, error) {
	out, ok := s.responses[command]
	if !ok {
		return target.ExecResult{ExitCode: 127, Stderr: "command not found"}, nil
	}
	return target.ExecResult{Stdout: out}, nil
}

func (s *scriptedTarget) WriteFile(context.Context, string, []byte, fs.FileMode) error {
	return fmt.Errorf("not supported")
}

func (s *scriptedTarget) ReadFile(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("not supported")
}

func TestCollect(t *testing.T) {
	tgt := &scriptedTarget{responses: map[string]string{
		"hostname": "web-1\n",
		"uname -s": "Linux\n",
		"uname -r": "6.8.0-41-generic\n",
		"uname -m": "x86_64\n",
		"cat /etc/os-release": `NAME="Debian GNU/Linux"
ID=debian
VERSION_ID="12"
`,
		"nproc":                        "8\n",
		"grep MemTotal /proc/meminfo":  "MemTotal:       16314128 kB\n",
		"command -v apt-get":           "/usr/bin/apt-get\n",
	}}

	g, err := Collect(context.Background(), tgt)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	want := map[string]any{
		"hostname":       "web-1",
		"kernel":         "linux",
		"kernel_release": "6.8.0-41-generic",
		"arch":           "x86_64",
		"os":             "debian",
		"os_version":     "12",
		"cpu_count":      int64(8),
		"memory_mb":      int64(15931),
		"pkg_manager":    "apt",
	}
	for key, val := range want {
		if g[key] != val {
			t.Errorf("grain %s: expected %v, got %v", key, val, g[key])
		}
	}
}

func TestCollectPartialFailure(t *testing.T) {
	tgt := &scriptedTarget{responses: map[string]string{
		"hostname": "bare-1",
		"uname -s": "Linux",
	}}

	g, err := Collect(context.Background(), tgt)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if g["hostname"] != "bare-1" {
		t.Errorf("expected hostname bare-1, got %v", g["hostname"])
	}
	if _, ok := g["os"]; ok {
		t.Error("expected os grain to be omitted when the probe fails")
	}
	if g["pkg_manager"] != "unknown" {
		t.Errorf("expected unknown pkg_manager, got %v", g["pkg_manager"])
	}
}
