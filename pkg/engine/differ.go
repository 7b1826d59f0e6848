package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/keelcm/keel/pkg/plan"
	"github.com/keelcm/keel/pkg/resource"
	"github.com/keelcm/keel/pkg/target"
	"github.com/keelcm/keel/pkg/telemetry"
)

// ChangeSet is the diff result for one run: one change per distinct
// resource identity, with ordering hints resolved to identities.
type ChangeSet struct {
	// Changes holds one entry per identity, sorted by identity.
	Changes []resource.Change

	// Before and After map an identity to the identities its hints order
	// it against.
	Before map[resource.Identity][]resource.Identity
	After  map[resource.Identity][]resource.Identity

	// ProbeErrors records why an identity diffed to unknown.
	ProbeErrors map[resource.Identity]*ProbeError

	// Unmanaged lists identities remembered from earlier runs that are no
	// longer desired and were left alone because pruning is off.
	Unmanaged []resource.Identity
}

// Change returns the change for an identity, or nil.
func (cs *ChangeSet) Change(id resource.Identity) *resource.Change {
	for i := range cs.Changes {
		if cs.Changes[i].Identity == id {
			return &cs.Changes[i]
		}
	}
	return nil
}

// Differ computes a ChangeSet from the flattened desired resources. Probes
// are read-only and independent, so they run on a bounded worker pool.
type Differ struct {
	registry *resource.Registry
	workers  int

	// Prune turns identities managed by earlier runs but absent from the
	// desired set into delete changes. Off by default: unmanaged resources
	// are reported, not touched.
	Prune bool

	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// NewDiffer creates a Differ probing with at most workers concurrent probes.
func NewDiffer(reg *resource.Registry, workers int) *Differ {
	if workers <= 0 {
		workers = 4
	}
	return &Differ{registry: reg, workers: workers}
}

// desired is one identity's merged desired state.
type desired struct {
	identity resource.Identity
	attrs    resource.Attrs

	// fieldOrigin remembers which module path set each field, for
	// conflict reporting.
	fieldOrigin map[string]string

	modulePaths []string
	before      map[resource.Identity]bool
	after       map[resource.Identity]bool
}

// Diff merges the leaves by identity, probes observed state and classifies
// each identity's change. managed lists identities recorded by earlier runs
// against the same target.
func (d *Differ) Diff(ctx context.Context, tgt target.Target, leaves []plan.FlatLeaf, managed []resource.Identity) (*ChangeSet, error) {
	merged, order, err := mergeLeaves(leaves)
	if err != nil {
		return nil, err
	}

	cs := &ChangeSet{
		Before:      make(map[resource.Identity][]resource.Identity),
		After:       make(map[resource.Identity][]resource.Identity),
		ProbeErrors: make(map[resource.Identity]*ProbeError),
	}

	changes, err := d.probeAll(ctx, tgt, merged, order)
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		if pe, ok := ch.probeErr(); ok {
			cs.ProbeErrors[ch.Identity] = pe
		}
		cs.Changes = append(cs.Changes, ch.Change)
	}

	for _, id := range order {
		des := merged[id]
		cs.Before[id] = sortedIdentities(des.before)
		cs.After[id] = sortedIdentities(des.after)
	}

	if err := d.diffOrphans(ctx, tgt, merged, managed, cs); err != nil {
		return nil, err
	}

	sort.Slice(cs.Changes, func(i, j int) bool {
		return cs.Changes[i].Identity.String() < cs.Changes[j].Identity.String()
	})
	return cs, nil
}

// probedChange pairs a change with the probe error that made it unknown.
type probedChange struct {
	resource.Change
	err *ProbeError
}

func (p probedChange) probeErr() (*ProbeError, bool) { return p.err, p.err != nil }

func (d *Differ) probeAll(ctx context.Context, tgt target.Target, merged map[resource.Identity]*desired, order []resource.Identity) ([]probedChange, error) {
	queue := make(chan resource.Identity, len(order))
	for _, id := range order {
		queue <- id
	}
	close(queue)

	results := make([]probedChange, len(order))
	indexOf := make(map[resource.Identity]int, len(order))
	for i, id := range order {
		indexOf[id] = i
	}

	workers := d.workers
	if len(order) < workers {
		workers = len(order)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				results[indexOf[id]] = d.probeOne(ctx, tgt, merged[id])
			}
		}()
	}
	wg.Wait()

	return results, ctx.Err()
}

func (d *Differ) probeOne(ctx context.Context, tgt target.Target, des *desired) probedChange {
	ch := resource.Change{
		Identity:    des.identity,
		Desired:     des.attrs,
		ModulePaths: des.modulePaths,
	}

	handler, err := d.registry.Get(des.identity.Kind)
	if err != nil {
		ch.Kind = resource.ChangeUnknown
		return probedChange{Change: ch, err: &ProbeError{Identity: des.identity, Err: err}}
	}

	observed, err := handler.Probe(ctx, tgt, des.identity)
	if err != nil {
		log.Warn().Err(err).Stringer("resource", des.identity).Msg("probe failed, marking unknown")
		d.Metrics.RecordProbeFailure()
		ch.Kind = resource.ChangeUnknown
		return probedChange{Change: ch, err: &ProbeError{Identity: des.identity, Err: err}}
	}

	ch.Observed = observed
	ch.Kind = handler.Diff(observed, des.attrs)
	return probedChange{Change: ch}
}

// diffOrphans handles identities managed by earlier runs but missing from
// the desired set: delete changes when pruning, an unmanaged report entry
// otherwise.
func (d *Differ) diffOrphans(ctx context.Context, tgt target.Target, merged map[resource.Identity]*desired, managed []resource.Identity, cs *ChangeSet) error {
	for _, id := range managed {
		if _, ok := merged[id]; ok {
			continue
		}
		if !d.Prune {
			cs.Unmanaged = append(cs.Unmanaged, id)
			continue
		}

		handler, err := d.registry.Get(id.Kind)
		if err != nil {
			cs.ProbeErrors[id] = &ProbeError{Identity: id, Err: err}
			cs.Changes = append(cs.Changes, resource.Change{Identity: id, Kind: resource.ChangeUnknown})
			continue
		}
		observed, err := handler.Probe(ctx, tgt, id)
		if err != nil {
			cs.ProbeErrors[id] = &ProbeError{Identity: id, Err: err}
			cs.Changes = append(cs.Changes, resource.Change{Identity: id, Kind: resource.ChangeUnknown})
			continue
		}
		if observed == nil {
			// Already gone.
			continue
		}
		cs.Changes = append(cs.Changes, resource.Change{
			Identity: id,
			Kind:     resource.ChangeDelete,
			Observed: observed,
		})
	}

	sort.Slice(cs.Unmanaged, func(i, j int) bool {
		return cs.Unmanaged[i].String() < cs.Unmanaged[j].String()
	})
	return nil
}

// mergeLeaves groups leaves by identity and merges their desired attributes
// field-wise. The same field set to two different values is a ConflictError.
func mergeLeaves(leaves []plan.FlatLeaf) (map[resource.Identity]*desired, []resource.Identity, error) {
	merged := make(map[resource.Identity]*desired)
	var order []resource.Identity

	for _, leaf := range leaves {
		id := leaf.Resource.Identity
		des, ok := merged[id]
		if !ok {
			des = &desired{
				identity:    id,
				attrs:       resource.Attrs{},
				fieldOrigin: make(map[string]string),
				before:      make(map[resource.Identity]bool),
				after:       make(map[resource.Identity]bool),
			}
			merged[id] = des
			order = append(order, id)
		}

		for _, field := range leaf.Resource.Attrs.SortedKeys() {
			value := leaf.Resource.Attrs[field]
			prev, set := des.attrs[field]
			if set && !resource.ValuesEqual(prev, value) {
				return nil, nil, &ConflictError{
					Identity: id,
					Field:    field,
					PathA:    des.fieldOrigin[field],
					PathB:    leaf.Resource.ModulePath,
					ValueA:   prev,
					ValueB:   value,
				}
			}
			if !set {
				des.attrs[field] = value
				des.fieldOrigin[field] = leaf.Resource.ModulePath
			}
		}

		des.modulePaths = append(des.modulePaths, leaf.Resource.ModulePath)
		for _, b := range leaf.Before {
			if b != id {
				des.before[b] = true
			}
		}
		for _, a := range leaf.After {
			if a != id {
				des.after[a] = true
			}
		}
	}

	return merged, order, nil
}

func sortedIdentities(set map[resource.Identity]bool) []resource.Identity {
	if len(set) == 0 {
		return nil
	}
	ids := make([]resource.Identity, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
