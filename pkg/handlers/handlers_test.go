package handlers

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"github.com/keelcm/keel/pkg/resource"
	"github.com/keelcm/keel/pkg/target"
)

// fakeTarget answers Exec from a canned table and records every command and
// file write.
type fakeTarget struct {
	mu        sync.Mutex
	responses map[string]target.ExecResult
	commands  []string
	files     map[string][]byte
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		responses: make(map[string]target.ExecResult),
		files:     make(map[string][]byte),
	}
}

func (f *fakeTarget) respond(command, stdout string) {
	f.responses[command] = target.ExecResult{Stdout: stdout}
}

func (f *fakeTarget) fail(command string, code int) {
	f.responses[command] = target.ExecResult{ExitCode: code}
}

func (f *fakeTarget) Name() string { return "fake" }

func (f *fakeTarget) Exec(_ context.Context, command string) (target.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if res, ok := f.responses[command]; ok {
		return res, nil
	}
	return target.ExecResult{}, nil
}

func (f *fakeTarget) WriteFile(_ context.Context, path string, content []byte, _ fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *fakeTarget) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: no such file", path)
	}
	return content, nil
}

func (f *fakeTarget) ran(command string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == command {
			return true
		}
	}
	return false
}

func opFor(kind resource.Kind, changeKind resource.ChangeKind, changes ...resource.Change) *resource.Operation {
	return &resource.Operation{ID: "op-1", Kind: kind, ChangeKind: changeKind, Changes: changes}
}

func change(kind resource.Kind, key string, changeKind resource.ChangeKind, desired resource.Attrs) resource.Change {
	return resource.Change{
		Identity: resource.Identity{Kind: kind, Key: key},
		Kind:     changeKind,
		Desired:  desired,
	}
}

func TestPkgProbe(t *testing.T) {
	h := NewPkgHandler()
	tgt := newFakeTarget()
	tgt.respond("command -v apt-get", "/usr/bin/apt-get")
	tgt.respond("dpkg-query -W -f='${db:Status-Status} ${Version}' git", "installed 2.39.2")
	tgt.fail("dpkg-query -W -f='${db:Status-Status} ${Version}' missing", 1)

	observed, err := h.Probe(context.Background(), tgt, resource.Identity{Kind: "pkg", Key: "git"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if observed == nil || observed["version"] != "2.39.2" {
		t.Errorf("expected installed git 2.39.2, got %v", observed)
	}

	observed, err = h.Probe(context.Background(), tgt, resource.Identity{Kind: "pkg", Key: "missing"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if observed != nil {
		t.Errorf("expected absent, got %v", observed)
	}
}

func TestPkgDiff(t *testing.T) {
	h := NewPkgHandler()

	if got := h.Diff(nil, resource.Attrs{"name": "git"}); got != resource.ChangeCreate {
		t.Errorf("absent package: expected create, got %s", got)
	}
	observed := resource.ObservedState{"name": "git", "version": "2.39.2"}
	if got := h.Diff(observed, resource.Attrs{"name": "git"}); got != resource.ChangeNoop {
		t.Errorf("unpinned installed package: expected noop, got %s", got)
	}
	if got := h.Diff(observed, resource.Attrs{"name": "git", "version": "2.40.0"}); got != resource.ChangeUpdate {
		t.Errorf("pinned to other version: expected update, got %s", got)
	}
}

func TestPkgApplyBatchesSorted(t *testing.T) {
	h := NewPkgHandler()
	tgt := newFakeTarget()
	tgt.respond("command -v apt-get", "/usr/bin/apt-get")

	op := opFor("pkg", resource.ChangeCreate,
		change("pkg", "zsh", resource.ChangeCreate, resource.Attrs{"name": "zsh"}),
		change("pkg", "curl", resource.ChangeCreate, resource.Attrs{"name": "curl"}),
		change("pkg", "git", resource.ChangeCreate, resource.Attrs{"name": "git", "version": "2.40.0"}),
	)
	if err := h.Apply(context.Background(), tgt, op); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := "DEBIAN_FRONTEND=noninteractive apt-get install -y curl git=2.40.0 zsh"
	if !tgt.ran(want) {
		t.Errorf("expected %q, got %v", want, tgt.commands)
	}
}

func TestPkgApplyFailure(t *testing.T) {
	h := NewPkgHandler()
	tgt := newFakeTarget()
	tgt.respond("command -v apt-get", "/usr/bin/apt-get")
	tgt.responses["DEBIAN_FRONTEND=noninteractive apt-get install -y ghost"] = target.ExecResult{ExitCode: 100, Stderr: "E: Unable to locate package ghost"}

	op := opFor("pkg", resource.ChangeCreate,
		change("pkg", "ghost", resource.ChangeCreate, resource.Attrs{"name": "ghost"}))
	err := h.Apply(context.Background(), tgt, op)
	if err == nil || !strings.Contains(err.Error(), "Unable to locate") {
		t.Errorf("expected apply failure with stderr, got %v", err)
	}
}

func TestFileProbeAndApply(t *testing.T) {
	h := NewFileHandler()
	tgt := newFakeTarget()

	// Absent file.
	tgt.fail(`test -f "/etc/motd"`, 1)
	observed, err := h.Probe(context.Background(), tgt, resource.Identity{Kind: "file", Key: "/etc/motd"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if observed != nil {
		t.Errorf("expected absent, got %v", observed)
	}

	// Create it.
	op := opFor("file", resource.ChangeCreate,
		change("file", "/etc/motd", resource.ChangeCreate,
			resource.Attrs{"path": "/etc/motd", "content": "hi", "mode": "0644"}))
	if err := h.Apply(context.Background(), tgt, op); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if string(tgt.files["/etc/motd"]) != "hi" {
		t.Errorf("expected file written, got %q", tgt.files["/etc/motd"])
	}

	// Present file probes content and stat fields.
	tgt.respond(`test -f "/etc/motd"`, "")
	tgt.respond(`stat -c '%a %U %G' "/etc/motd"`, "644 root root\n")
	observed, err = h.Probe(context.Background(), tgt, resource.Identity{Kind: "file", Key: "/etc/motd"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if observed["content"] != "hi" || observed["mode"] != "0644" || observed["owner"] != "root" {
		t.Errorf("unexpected observed state: %v", observed)
	}

	if kind := h.Diff(observed, resource.Attrs{"path": "/etc/motd", "content": "hi"}); kind != resource.ChangeNoop {
		t.Errorf("expected noop for matching content, got %s", kind)
	}
	if kind := h.Diff(observed, resource.Attrs{"path": "/etc/motd", "content": "bye"}); kind != resource.ChangeUpdate {
		t.Errorf("expected update for changed content, got %s", kind)
	}
}

func TestFileDelete(t *testing.T) {
	h := NewFileHandler()
	tgt := newFakeTarget()

	op := opFor("file", resource.ChangeDelete,
		change("file", "/tmp/old", resource.ChangeDelete, nil))
	if err := h.Apply(context.Background(), tgt, op); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !tgt.ran(`rm -f "/tmp/old"`) {
		t.Errorf("expected rm, got %v", tgt.commands)
	}
}

func TestServiceProbe(t *testing.T) {
	h := NewServiceHandler()
	tgt := newFakeTarget()
	tgt.respond("systemctl cat nginx.service >/dev/null 2>&1", "")
	tgt.respond("systemctl is-active nginx", "active\n")
	tgt.respond("systemctl is-enabled nginx", "enabled\n")

	observed, err := h.Probe(context.Background(), tgt, resource.Identity{Kind: "service", Key: "nginx"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if observed["state"] != "running" || observed["enabled"] != true {
		t.Errorf("unexpected observed state: %v", observed)
	}

	if kind := h.Diff(observed, resource.Attrs{"name": "nginx", "state": "running"}); kind != resource.ChangeNoop {
		t.Errorf("expected noop, got %s", kind)
	}
	if kind := h.Diff(observed, resource.Attrs{"name": "nginx", "state": "stopped"}); kind != resource.ChangeUpdate {
		t.Errorf("expected update, got %s", kind)
	}
}

func TestServiceApply(t *testing.T) {
	h := NewServiceHandler()
	tgt := newFakeTarget()

	op := opFor("service", resource.ChangeUpdate,
		change("service", "nginx", resource.ChangeUpdate,
			resource.Attrs{"name": "nginx", "state": "running", "enabled": true}))
	if err := h.Apply(context.Background(), tgt, op); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !tgt.ran("systemctl enable nginx") || !tgt.ran("systemctl start nginx") {
		t.Errorf("expected enable and start, got %v", tgt.commands)
	}
}

func TestExecGuards(t *testing.T) {
	h := NewExecHandler()

	t.Run("creates guard skips", func(t *testing.T) {
		tgt := newFakeTarget()
		tgt.respond(`test -e "/opt/tool/bin"`, "")
		op := opFor("exec", resource.ChangeCreate,
			change("exec", "install-tool.sh", resource.ChangeCreate,
				resource.Attrs{"command": "install-tool.sh", "creates": "/opt/tool/bin"}))
		if err := h.Apply(context.Background(), tgt, op); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if tgt.ran("install-tool.sh") {
			t.Error("expected command skipped by creates guard")
		}
	})

	t.Run("unless guard fails so command runs", func(t *testing.T) {
		tgt := newFakeTarget()
		tgt.fail("check-installed", 1)
		op := opFor("exec", resource.ChangeCreate,
			change("exec", "setup.sh", resource.ChangeCreate,
				resource.Attrs{"command": "setup.sh", "unless": "check-installed"}))
		if err := h.Apply(context.Background(), tgt, op); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if !tgt.ran("setup.sh") {
			t.Error("expected command to run when unless guard fails")
		}
	})
}

func TestRegisterDefaults(t *testing.T) {
	reg := resource.NewRegistry()
	if err := RegisterDefaults(reg); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	for _, kind := range []resource.Kind{"pkg", "file", "service", "exec"} {
		if !reg.Has(kind) {
			t.Errorf("expected %s registered", kind)
		}
	}
}
