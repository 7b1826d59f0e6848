package plan

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Loader reads plan files from disk and caches them by absolute path, so a
// plan included from several places is parsed once.
type Loader struct {
	cache map[string]*Plan
}

// NewLoader creates an empty Loader.
func NewLoader() *Loader {
	return &Loader{cache: make(map[string]*Plan)}
}

// Load parses the plan file at path. The returned Plan is shared between
// callers and must not be mutated.
func (l *Loader) Load(path string) (*Plan, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving plan path %s: %w", path, err)
	}
	if p, ok := l.cache[abs]; ok {
		return p, nil
	}

	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}

	p, err := parse(abs, src)
	if err != nil {
		return nil, err
	}
	l.cache[abs] = p
	return p, nil
}

func parse(path string, src []byte) (*Plan, error) {
	thread := &starlark.Thread{
		Name: path,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("plan", path).Msg(msg)
		},
	}
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	globals, err := starlark.ExecFile(thread, path, src, predeclared)
	if err != nil {
		return nil, NewConfigError(path, err.Error())
	}

	var issues []string

	name, ok := globals["name"]
	if !ok {
		issues = append(issues, "missing global name")
	}
	nameStr, ok := name.(starlark.String)
	if name != nil && !ok {
		issues = append(issues, fmt.Sprintf("name must be a string, got %s", name.Type()))
	}

	version, ok := globals["version"]
	if !ok {
		issues = append(issues, "missing global version")
	}
	versionStr, ok := version.(starlark.String)
	if version != nil && !ok {
		issues = append(issues, fmt.Sprintf("version must be a string, got %s", version.Type()))
	} else if version != nil {
		if _, err := semver.NewVersion(string(versionStr)); err != nil {
			issues = append(issues, fmt.Sprintf("version %q is not a semantic version", string(versionStr)))
		}
	}

	setup, ok := globals["setup"]
	if !ok {
		issues = append(issues, "missing setup function")
	}
	setupFn, ok := setup.(*starlark.Function)
	if setup != nil && !ok {
		issues = append(issues, fmt.Sprintf("setup must be a function, got %s", setup.Type()))
	} else if setupFn != nil && setupFn.NumParams() != 2 {
		issues = append(issues, fmt.Sprintf("setup must take (params, grains), takes %d parameters", setupFn.NumParams()))
	}

	schema := Schema{}
	if paramsVal, ok := globals["params"]; ok {
		raw, err := fromStarlarkValue(paramsVal)
		if err != nil {
			issues = append(issues, fmt.Sprintf("params: %v", err))
		} else {
			schema, issues = parseSchema(raw, issues)
		}
	}

	if len(issues) > 0 {
		return nil, NewConfigError(path, issues...)
	}

	return &Plan{
		Name:    string(nameStr),
		Version: string(versionStr),
		Path:    path,
		Params:  schema,
		setup:   setupFn,
	}, nil
}

func parseSchema(raw any, issues []string) (Schema, []string) {
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, append(issues, fmt.Sprintf("params must be a dict, got %T", raw))
	}

	schema := make(Schema, len(dict))
	for name, fieldRaw := range dict {
		fieldDict, ok := fieldRaw.(map[string]any)
		if !ok {
			issues = append(issues, fmt.Sprintf("param %q: declaration must be a dict, got %T", name, fieldRaw))
			continue
		}

		var field ParamField
		typeRaw, ok := fieldDict["type"]
		if !ok {
			issues = append(issues, fmt.Sprintf("param %q: missing type", name))
			continue
		}
		typeStr, ok := typeRaw.(string)
		if !ok || !ParamType(typeStr).Valid() {
			issues = append(issues, fmt.Sprintf("param %q: invalid type %v", name, typeRaw))
			continue
		}
		field.Type = ParamType(typeStr)

		if def, ok := fieldDict["default"]; ok {
			if !matchesType(field.Type, def) {
				issues = append(issues, fmt.Sprintf("param %q: default does not match type %s", name, field.Type))
				continue
			}
			field.Default = def
		}
		if opt, ok := fieldDict["optional"]; ok {
			b, ok := opt.(bool)
			if !ok {
				issues = append(issues, fmt.Sprintf("param %q: optional must be a bool", name))
				continue
			}
			field.Optional = b
		}

		for key := range fieldDict {
			switch key {
			case "type", "default", "optional":
			default:
				issues = append(issues, fmt.Sprintf("param %q: unknown declaration key %q", name, key))
			}
		}

		schema[name] = field
	}
	return schema, issues
}
