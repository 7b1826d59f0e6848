package resource

import "testing"

func TestDiffAttrs(t *testing.T) {
	tests := []struct {
		name     string
		observed ObservedState
		desired  Attrs
		want     ChangeKind
	}{
		{
			name:     "absent",
			observed: nil,
			desired:  Attrs{"name": "curl"},
			want:     ChangeCreate,
		},
		{
			name:     "matches",
			observed: ObservedState{"name": "curl", "version": "8.5.0"},
			desired:  Attrs{"name": "curl"},
			want:     ChangeNoop,
		},
		{
			name:     "declared field differs",
			observed: ObservedState{"content": "old"},
			desired:  Attrs{"content": "new"},
			want:     ChangeUpdate,
		},
		{
			name:     "declared field missing from observation",
			observed: ObservedState{"state": "running"},
			desired:  Attrs{"state": "running", "enabled": true},
			want:     ChangeUpdate,
		},
		{
			name:     "undeclared observed fields ignored",
			observed: ObservedState{"mode": "0644", "owner": "root"},
			desired:  Attrs{"mode": "0644"},
			want:     ChangeNoop,
		},
		{
			name:     "numeric types normalized",
			observed: ObservedState{"count": int64(3)},
			desired:  Attrs{"count": 3.0},
			want:     ChangeNoop,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DiffAttrs(tt.observed, tt.desired); got != tt.want {
				t.Errorf("DiffAttrs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValuesEqual(t *testing.T) {
	if !ValuesEqual(int64(7), 7) {
		t.Error("int64 and int should compare equal")
	}
	if ValuesEqual(7, "7") {
		t.Error("number and string should not compare equal")
	}
	if !ValuesEqual([]any{"a", "b"}, []any{"a", "b"}) {
		t.Error("equal slices should compare equal")
	}
}

func TestActionable(t *testing.T) {
	for kind, want := range map[ChangeKind]bool{
		ChangeCreate:  true,
		ChangeUpdate:  true,
		ChangeDelete:  true,
		ChangeNoop:    false,
		ChangeUnknown: false,
	} {
		if got := kind.Actionable(); got != want {
			t.Errorf("%s.Actionable() = %v, want %v", kind, got, want)
		}
	}
}

func TestIdentityString(t *testing.T) {
	id := Identity{Kind: "file", Key: "/etc/motd"}
	if id.String() != "file//etc/motd" {
		t.Errorf("String() = %s", id.String())
	}
}
