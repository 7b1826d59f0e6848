// Package handlers implements the built-in resource kinds: pkg, file,
// service and exec. Each handler probes observed state, classifies the
// needed change and applies operations over a target, keeping the engine
// itself free of any per-kind knowledge.
package handlers

import "github.com/keelcm/keel/pkg/resource"

// RegisterDefaults registers every built-in handler.
func RegisterDefaults(reg *resource.Registry) error {
	for _, h := range []resource.Handler{
		NewPkgHandler(),
		NewFileHandler(),
		NewServiceHandler(),
		NewExecHandler(),
	} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
