package engine

import (
	"sort"

	"github.com/google/uuid"

	"github.com/keelcm/keel/pkg/resource"
)

// MergeEpoch turns one epoch's changes into the minimal set of operations.
// Changes sharing (resource kind, change kind) collapse into one batched
// operation when the kind's handler supports merging for that change kind;
// everything else becomes its own operation. Batching never crosses epoch
// boundaries. The handler's merge commutativity obligation is what makes
// in-epoch order irrelevant.
func MergeEpoch(reg *resource.Registry, changes []resource.Change) ([]resource.Operation, error) {
	type groupKey struct {
		kind       resource.Kind
		changeKind resource.ChangeKind
	}

	groups := make(map[groupKey][]resource.Change)
	var keys []groupKey
	for _, ch := range changes {
		key := groupKey{kind: ch.Identity.Kind, changeKind: ch.Kind}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], ch)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].changeKind < keys[j].changeKind
	})

	var ops []resource.Operation
	for _, key := range keys {
		group := groups[key]

		handler, err := reg.Get(key.kind)
		if err != nil {
			return nil, err
		}

		if len(group) > 1 && handler.SupportsMerge(key.changeKind) {
			ops = append(ops, resource.Operation{
				ID:         uuid.NewString(),
				Kind:       key.kind,
				ChangeKind: key.changeKind,
				Changes:    group,
			})
			continue
		}
		for _, ch := range group {
			ops = append(ops, resource.Operation{
				ID:         uuid.NewString(),
				Kind:       key.kind,
				ChangeKind: key.changeKind,
				Changes:    []resource.Change{ch},
			})
		}
	}
	return ops, nil
}
