package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/keelcm/keel/pkg/resource"
	"github.com/keelcm/keel/pkg/target"
)

// PkgHandler manages system packages. Installs and removals within one
// epoch are batched into a single package-manager invocation; the package
// list is sorted and deduplicated, so batching is order-independent.
type PkgHandler struct {
	mu       sync.Mutex
	managers map[string]string
}

// NewPkgHandler creates the pkg handler.
func NewPkgHandler() *PkgHandler {
	return &PkgHandler{managers: make(map[string]string)}
}

func (h *PkgHandler) Kind() resource.Kind { return "pkg" }

func (h *PkgHandler) Key(attrs resource.Attrs) (string, error) {
	name, ok := attrs["name"].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("pkg requires a name attribute")
	}
	return name, nil
}

// manager detects the target's package manager once and caches it per
// target name.
func (h *PkgHandler) manager(ctx context.Context, tgt target.Target) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mgr, ok := h.managers[tgt.Name()]; ok {
		return mgr, nil
	}
	for _, mgr := range []string{"apt-get", "dnf", "apk"} {
		res, err := tgt.Exec(ctx, "command -v "+mgr)
		if err != nil {
			return "", err
		}
		if res.Ok() {
			h.managers[tgt.Name()] = mgr
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager on %s", tgt.Name())
}

func (h *PkgHandler) Probe(ctx context.Context, tgt target.Target, id resource.Identity) (resource.ObservedState, error) {
	mgr, err := h.manager(ctx, tgt)
	if err != nil {
		return nil, err
	}

	var query string
	switch mgr {
	case "apt-get":
		query = fmt.Sprintf("dpkg-query -W -f='${db:Status-Status} ${Version}' %s", id.Key)
	case "dnf":
		query = fmt.Sprintf("rpm -q --qf 'installed %%{VERSION}' %s", id.Key)
	case "apk":
		query = fmt.Sprintf("apk info -e %s >/dev/null && echo installed", id.Key)
	}

	res, err := tgt.Exec(ctx, query)
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, nil
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 || fields[0] != "installed" {
		return nil, nil
	}
	observed := resource.ObservedState{"name": id.Key}
	if len(fields) > 1 {
		observed["version"] = fields[1]
	}
	return observed, nil
}

func (h *PkgHandler) Diff(observed resource.ObservedState, desired resource.Attrs) resource.ChangeKind {
	if observed == nil {
		return resource.ChangeCreate
	}
	// A pinned version forces an update when it differs; otherwise any
	// installed version satisfies the declaration.
	if want, ok := desired["version"].(string); ok {
		if got, _ := observed["version"].(string); got != want {
			return resource.ChangeUpdate
		}
	}
	return resource.ChangeNoop
}

func (h *PkgHandler) SupportsMerge(kind resource.ChangeKind) bool {
	return kind == resource.ChangeCreate || kind == resource.ChangeDelete
}

func (h *PkgHandler) Apply(ctx context.Context, tgt target.Target, op *resource.Operation) error {
	mgr, err := h.manager(ctx, tgt)
	if err != nil {
		return err
	}

	names := packageNames(op)
	var command string
	switch op.ChangeKind {
	case resource.ChangeCreate, resource.ChangeUpdate:
		command = installCommand(mgr, names)
	case resource.ChangeDelete:
		command = removeCommand(mgr, names)
	default:
		return fmt.Errorf("pkg cannot apply change kind %s", op.ChangeKind)
	}

	log.Info().Strs("packages", names).Str("manager", mgr).Str("change", string(op.ChangeKind)).Msg("applying package operation")
	res, err := tgt.Exec(ctx, command)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("%s exited %d: %s", mgr, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// packageNames returns the sorted, deduplicated package list of an
// operation, with pinned versions attached where declared.
func packageNames(op *resource.Operation) []string {
	set := make(map[string]bool)
	for _, ch := range op.Changes {
		name := ch.Identity.Key
		if version, ok := ch.Desired["version"].(string); ok && op.ChangeKind != resource.ChangeDelete {
			name = name + "=" + version
		}
		set[name] = true
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func installCommand(mgr string, names []string) string {
	joined := strings.Join(names, " ")
	switch mgr {
	case "apt-get":
		return "DEBIAN_FRONTEND=noninteractive apt-get install -y " + joined
	case "dnf":
		return "dnf install -y " + joined
	default:
		return "apk add " + joined
	}
}

func removeCommand(mgr string, names []string) string {
	joined := strings.Join(names, " ")
	switch mgr {
	case "apt-get":
		return "DEBIAN_FRONTEND=noninteractive apt-get remove -y " + joined
	case "dnf":
		return "dnf remove -y " + joined
	default:
		return "apk del " + joined
	}
}
