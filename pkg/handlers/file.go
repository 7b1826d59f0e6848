package handlers

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/keelcm/keel/pkg/resource"
	"github.com/keelcm/keel/pkg/target"
)

// FileHandler manages regular files: content, mode, owner and group.
// Unspecified attributes are left as they are on the machine.
type FileHandler struct{}

// NewFileHandler creates the file handler.
func NewFileHandler() *FileHandler { return &FileHandler{} }

func (h *FileHandler) Kind() resource.Kind { return "file" }

func (h *FileHandler) Key(attrs resource.Attrs) (string, error) {
	path, ok := attrs["path"].(string)
	if !ok || !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("file requires an absolute path attribute")
	}
	return path, nil
}

func (h *FileHandler) Probe(ctx context.Context, tgt target.Target, id resource.Identity) (resource.ObservedState, error) {
	res, err := tgt.Exec(ctx, fmt.Sprintf("test -f %q", id.Key))
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, nil
	}

	content, err := tgt.ReadFile(ctx, id.Key)
	if err != nil {
		return nil, err
	}

	observed := resource.ObservedState{
		"path":    id.Key,
		"content": string(content),
	}

	stat, err := tgt.Exec(ctx, fmt.Sprintf("stat -c '%%a %%U %%G' %q", id.Key))
	if err != nil {
		return nil, err
	}
	if stat.Ok() {
		fields := strings.Fields(stat.Stdout)
		if len(fields) == 3 {
			observed["mode"] = "0" + strings.TrimPrefix(fields[0], "0")
			observed["owner"] = fields[1]
			observed["group"] = fields[2]
		}
	}
	return observed, nil
}

func (h *FileHandler) Diff(observed resource.ObservedState, desired resource.Attrs) resource.ChangeKind {
	return resource.DiffAttrs(observed, desired)
}

func (h *FileHandler) SupportsMerge(resource.ChangeKind) bool { return false }

func (h *FileHandler) Apply(ctx context.Context, tgt target.Target, op *resource.Operation) error {
	for _, ch := range op.Changes {
		if err := h.applyChange(ctx, tgt, ch); err != nil {
			return err
		}
	}
	return nil
}

func (h *FileHandler) applyChange(ctx context.Context, tgt target.Target, ch resource.Change) error {
	path := ch.Identity.Key

	if ch.Kind == resource.ChangeDelete {
		log.Info().Str("path", path).Msg("removing file")
		res, err := tgt.Exec(ctx, fmt.Sprintf("rm -f %q", path))
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("removing %s: %s", path, strings.TrimSpace(res.Stderr))
		}
		return nil
	}

	mode := fs.FileMode(0o644)
	if m, ok := ch.Desired["mode"].(string); ok {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q for %s", m, path)
		}
		mode = fs.FileMode(parsed)
	}

	if content, ok := ch.Desired["content"].(string); ok || ch.Kind == resource.ChangeCreate {
		log.Info().Str("path", path).Msg("writing file")
		if err := tgt.WriteFile(ctx, path, []byte(content), mode); err != nil {
			return err
		}
	} else if m, ok := ch.Desired["mode"].(string); ok {
		res, err := tgt.Exec(ctx, fmt.Sprintf("chmod %s %q", m, path))
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("chmod %s: %s", path, strings.TrimSpace(res.Stderr))
		}
	}

	owner, hasOwner := ch.Desired["owner"].(string)
	group, hasGroup := ch.Desired["group"].(string)
	if hasOwner || hasGroup {
		spec := owner
		if hasGroup {
			spec += ":" + group
		}
		res, err := tgt.Exec(ctx, fmt.Sprintf("chown %s %q", spec, path))
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("chown %s: %s", path, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}
