package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePlan(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}
	return path
}

func TestLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, "base.star", `
name = "base"
version = "1.2.3"
params = {
    "editor": {"type": "string", "default": "nvim"},
    "count": {"type": "number"},
}

def setup(params, grains):
    return []
`)

	loader := NewLoader()
	p, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p.Name != "base" {
		t.Errorf("expected name base, got %q", p.Name)
	}
	if p.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", p.Version)
	}
	if len(p.Params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(p.Params))
	}
	if p.Params["editor"].Default != "nvim" {
		t.Errorf("expected editor default nvim, got %v", p.Params["editor"].Default)
	}
	if p.Params["count"].Type != TypeNumber {
		t.Errorf("expected count to be number, got %s", p.Params["count"].Type)
	}

	again, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load (cached): %v", err)
	}
	if again != p {
		t.Error("expected cached plan to be reused")
	}
}

func TestLoaderLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "missing name",
			src: `
version = "1.0.0"

def setup(params, grains):
    return []
`,
			want: "missing global name",
		},
		{
			name: "bad version",
			src: `
name = "p"
version = "not-a-version"

def setup(params, grains):
    return []
`,
			want: "not a semantic version",
		},
		{
			name: "missing setup",
			src: `
name = "p"
version = "1.0.0"
`,
			want: "missing setup function",
		},
		{
			name: "setup arity",
			src: `
name = "p"
version = "1.0.0"

def setup(params):
    return []
`,
			want: "must take (params, grains)",
		},
		{
			name: "unknown param type",
			src: `
name = "p"
version = "1.0.0"
params = {"x": {"type": "tuple"}}

def setup(params, grains):
    return []
`,
			want: "invalid type",
		},
		{
			name: "default type mismatch",
			src: `
name = "p"
version = "1.0.0"
params = {"x": {"type": "string", "default": 7}}

def setup(params, grains):
    return []
`,
			want: "default does not match type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writePlan(t, dir, "bad.star", tt.src)
			_, err := NewLoader().Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			cfgErr, ok := err.(*ConfigError)
			if !ok {
				t.Fatalf("expected ConfigError, got %T: %v", err, err)
			}
			if !strings.Contains(cfgErr.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %q", tt.want, cfgErr.Error())
			}
		})
	}
}

func TestSchemaResolve(t *testing.T) {
	schema := Schema{
		"editor":  {Type: TypeString, Default: "nvim"},
		"count":   {Type: TypeNumber},
		"verbose": {Type: TypeBool, Optional: true},
	}

	t.Run("defaults and values", func(t *testing.T) {
		resolved, issues := schema.Resolve(map[string]any{"count": int64(3)})
		if len(issues) != 0 {
			t.Fatalf("unexpected issues: %v", issues)
		}
		if resolved["editor"] != "nvim" {
			t.Errorf("expected default editor, got %v", resolved["editor"])
		}
		if resolved["count"] != int64(3) {
			t.Errorf("expected count 3, got %v", resolved["count"])
		}
		if _, ok := resolved["verbose"]; ok {
			t.Error("optional parameter without value should stay unset")
		}
	})

	t.Run("collects every issue", func(t *testing.T) {
		_, issues := schema.Resolve(map[string]any{
			"editor": 42,
			"bogus":  true,
		})
		if len(issues) != 3 {
			t.Fatalf("expected 3 issues, got %d: %v", len(issues), issues)
		}
		joined := strings.Join(issues, "; ")
		for _, want := range []string{`parameter "editor"`, `missing required parameter "count"`, `unknown parameter "bogus"`} {
			if !strings.Contains(joined, want) {
				t.Errorf("expected issue containing %q in %q", want, joined)
			}
		}
	})
}
