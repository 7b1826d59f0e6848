package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/keelcm/keel/pkg/resource"
	"github.com/keelcm/keel/pkg/target"
)

// ServiceHandler manages systemd units. Attributes: name, state
// ("running" or "stopped") and enabled (bool).
type ServiceHandler struct{}

// NewServiceHandler creates the service handler.
func NewServiceHandler() *ServiceHandler { return &ServiceHandler{} }

func (h *ServiceHandler) Kind() resource.Kind { return "service" }

func (h *ServiceHandler) Key(attrs resource.Attrs) (string, error) {
	name, ok := attrs["name"].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("service requires a name attribute")
	}
	return name, nil
}

func (h *ServiceHandler) Probe(ctx context.Context, tgt target.Target, id resource.Identity) (resource.ObservedState, error) {
	exists, err := tgt.Exec(ctx, fmt.Sprintf("systemctl cat %s.service >/dev/null 2>&1", id.Key))
	if err != nil {
		return nil, err
	}
	if !exists.Ok() {
		return nil, nil
	}

	observed := resource.ObservedState{"name": id.Key}

	active, err := tgt.Exec(ctx, fmt.Sprintf("systemctl is-active %s", id.Key))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(active.Stdout) == "active" {
		observed["state"] = "running"
	} else {
		observed["state"] = "stopped"
	}

	enabled, err := tgt.Exec(ctx, fmt.Sprintf("systemctl is-enabled %s", id.Key))
	if err != nil {
		return nil, err
	}
	observed["enabled"] = strings.TrimSpace(enabled.Stdout) == "enabled"

	return observed, nil
}

func (h *ServiceHandler) Diff(observed resource.ObservedState, desired resource.Attrs) resource.ChangeKind {
	return resource.DiffAttrs(observed, desired)
}

func (h *ServiceHandler) SupportsMerge(resource.ChangeKind) bool { return false }

func (h *ServiceHandler) Apply(ctx context.Context, tgt target.Target, op *resource.Operation) error {
	for _, ch := range op.Changes {
		if err := h.applyChange(ctx, tgt, ch); err != nil {
			return err
		}
	}
	return nil
}

func (h *ServiceHandler) applyChange(ctx context.Context, tgt target.Target, ch resource.Change) error {
	name := ch.Identity.Key

	if ch.Kind == resource.ChangeDelete {
		return h.runAll(ctx, tgt,
			fmt.Sprintf("systemctl stop %s", name),
			fmt.Sprintf("systemctl disable %s", name),
		)
	}

	var commands []string
	if enabled, ok := ch.Desired["enabled"].(bool); ok {
		if enabled {
			commands = append(commands, fmt.Sprintf("systemctl enable %s", name))
		} else {
			commands = append(commands, fmt.Sprintf("systemctl disable %s", name))
		}
	}
	if state, ok := ch.Desired["state"].(string); ok {
		switch state {
		case "running":
			commands = append(commands, fmt.Sprintf("systemctl start %s", name))
		case "stopped":
			commands = append(commands, fmt.Sprintf("systemctl stop %s", name))
		default:
			return fmt.Errorf("service %s: unsupported state %q", name, state)
		}
	}

	log.Info().Str("service", name).Str("change", string(ch.Kind)).Msg("applying service operation")
	return h.runAll(ctx, tgt, commands...)
}

func (h *ServiceHandler) runAll(ctx context.Context, tgt target.Target, commands ...string) error {
	for _, command := range commands {
		res, err := tgt.Exec(ctx, command)
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("%s: %s", command, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}
