package harness

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeInventory(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machines.yaml")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadInventory(t *testing.T) {
	path := writeInventory(t, `
machines:
  dev-1:
    host: 192.168.64.5
    user: ubuntu
    private_key: keys/dev-1
  dev-2:
    host: 192.168.64.6
    port: 2222
    user: root
    password: hunter2
    strict_host_key_checking: true
    connect_timeout_sec: 5
`)
	inv, err := LoadInventory(path)
	if err != nil {
		t.Fatalf("LoadInventory: %v", err)
	}
	if got := inv.Names(); !reflect.DeepEqual(got, []string{"dev-1", "dev-2"}) {
		t.Fatalf("Names() = %v", got)
	}

	cfg := inv.Machines["dev-1"].sshConfig(filepath.Dir(path))
	if !filepath.IsAbs(cfg.PrivateKeyPath) {
		t.Errorf("relative key path not resolved: %s", cfg.PrivateKeyPath)
	}
	if cfg.Address() != "192.168.64.5:22" {
		t.Errorf("Address() = %s", cfg.Address())
	}

	cfg = inv.Machines["dev-2"].sshConfig(filepath.Dir(path))
	if cfg.Address() != "192.168.64.6:2222" {
		t.Errorf("Address() = %s", cfg.Address())
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("strict_host_key_checking not carried over")
	}
}

func TestLoadInventoryInvalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "no machines",
			src:  "machines: {}\n",
			want: "declares no machines",
		},
		{
			name: "missing host",
			src:  "machines:\n  dev-1:\n    user: ubuntu\n    password: x\n",
			want: "validation failed",
		},
		{
			name: "no credentials",
			src:  "machines:\n  dev-1:\n    host: 10.0.0.1\n    user: ubuntu\n",
			want: "validation failed",
		},
		{
			name: "bad yaml",
			src:  "machines: [not a map\n",
			want: "parsing inventory",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadInventory(writeInventory(t, tt.src))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestStartUnknownMachine(t *testing.T) {
	path := writeInventory(t, `
machines:
  dev-1:
    host: 192.168.64.5
    user: ubuntu
    password: x
`)
	inv, err := LoadInventory(path)
	if err != nil {
		t.Fatalf("LoadInventory: %v", err)
	}
	_, err = inv.Start(context.Background(), "dev-9")
	if err == nil || !strings.Contains(err.Error(), "not in inventory") {
		t.Fatalf("error = %v", err)
	}
}
