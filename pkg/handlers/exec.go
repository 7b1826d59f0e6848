package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/keelcm/keel/pkg/resource"
	"github.com/keelcm/keel/pkg/target"
)

// ExecHandler runs an arbitrary command. Idempotence comes from guards:
// "creates" names a path whose existence means the command already ran, and
// "unless" is a command whose zero exit skips execution. Without a guard
// the command runs on every apply.
type ExecHandler struct{}

// NewExecHandler creates the exec handler.
func NewExecHandler() *ExecHandler { return &ExecHandler{} }

func (h *ExecHandler) Kind() resource.Kind { return "exec" }

func (h *ExecHandler) Key(attrs resource.Attrs) (string, error) {
	command, ok := attrs["command"].(string)
	if !ok || command == "" {
		return "", fmt.Errorf("exec requires a command attribute")
	}
	return command, nil
}

func (h *ExecHandler) Probe(ctx context.Context, tgt target.Target, id resource.Identity) (resource.ObservedState, error) {
	// Probing cannot know guard attributes; Diff evaluates them from the
	// desired state instead.
	return nil, nil
}

func (h *ExecHandler) Diff(observed resource.ObservedState, desired resource.Attrs) resource.ChangeKind {
	return resource.ChangeCreate
}

func (h *ExecHandler) SupportsMerge(resource.ChangeKind) bool { return false }

func (h *ExecHandler) Apply(ctx context.Context, tgt target.Target, op *resource.Operation) error {
	for _, ch := range op.Changes {
		if err := h.applyChange(ctx, tgt, ch); err != nil {
			return err
		}
	}
	return nil
}

func (h *ExecHandler) applyChange(ctx context.Context, tgt target.Target, ch resource.Change) error {
	command := ch.Identity.Key

	if creates, ok := ch.Desired["creates"].(string); ok {
		res, err := tgt.Exec(ctx, fmt.Sprintf("test -e %q", creates))
		if err != nil {
			return err
		}
		if res.Ok() {
			log.Debug().Str("command", command).Str("creates", creates).Msg("guard satisfied, skipping")
			return nil
		}
	}
	if unless, ok := ch.Desired["unless"].(string); ok {
		res, err := tgt.Exec(ctx, unless)
		if err != nil {
			return err
		}
		if res.Ok() {
			log.Debug().Str("command", command).Str("unless", unless).Msg("guard satisfied, skipping")
			return nil
		}
	}

	log.Info().Str("command", command).Msg("running command")
	res, err := tgt.Exec(ctx, command)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
