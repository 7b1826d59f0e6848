// Package grains collects machine facts and exposes them to plan setup
// functions. Collection is command-based so the same probes work over any
// target transport.
package grains

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/keelcm/keel/pkg/target"
)

// Grains is a snapshot of machine facts keyed by fact name. Values are
// plain Go values so they convert cleanly into plan evaluation.
type Grains map[string]any

// Collect probes the target and returns its grains. Individual probes that
// fail are logged and omitted rather than failing the whole collection.
func Collect(ctx context.Context, tgt target.Target) (Grains, error) {
	g := Grains{}

	if out, ok := run(ctx, tgt, "hostname"); ok {
		g["hostname"] = out
	}
	if out, ok := run(ctx, tgt, "uname -s"); ok {
		g["kernel"] = strings.ToLower(out)
	}
	if out, ok := run(ctx, tgt, "uname -r"); ok {
		g["kernel_release"] = out
	}
	if out, ok := run(ctx, tgt, "uname -m"); ok {
		g["arch"] = out
	}

	if out, ok := run(ctx, tgt, "cat /etc/os-release"); ok {
		id, version := parseOSRelease(out)
		if id != "" {
			g["os"] = id
		}
		if version != "" {
			g["os_version"] = version
		}
	}

	if out, ok := run(ctx, tgt, "nproc"); ok {
		if n, err := strconv.Atoi(out); err == nil {
			g["cpu_count"] = int64(n)
		}
	}

	if out, ok := run(ctx, tgt, "grep MemTotal /proc/meminfo"); ok {
		if kb, ok := parseMemTotal(out); ok {
			g["memory_mb"] = kb / 1024
		}
	}

	g["pkg_manager"] = detectPackageManager(ctx, tgt)

	log.Debug().Str("target", tgt.Name()).Int("grains", len(g)).Msg("collected grains")
	return g, nil
}

func run(ctx context.Context, tgt target.Target, command string) (string, bool) {
	res, err := tgt.Exec(ctx, command)
	if err != nil || !res.Ok() {
		log.Warn().Err(err).Str("target", tgt.Name()).Str("command", command).Msg("grain probe failed")
		return "", false
	}
	return strings.TrimSpace(res.Stdout), true
}

func parseOSRelease(out string) (id, version string) {
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "ID="):
			id = strings.Trim(strings.TrimPrefix(line, "ID="), `"`)
		case strings.HasPrefix(line, "VERSION_ID="):
			version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
		}
	}
	return id, version
}

func parseMemTotal(line string) (int64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	kb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return kb, true
}

func detectPackageManager(ctx context.Context, tgt target.Target) string {
	for _, mgr := range []string{"apt-get", "dnf", "yum", "apk", "pacman", "brew"} {
		res, err := tgt.Exec(ctx, "command -v "+mgr)
		if err == nil && res.Ok() {
			return strings.TrimSuffix(mgr, "-get")
		}
	}
	return "unknown"
}
