package livediff

import (
	"errors"
	"testing"
)

// TestFingerprint_StableAcrossData verifies that the fingerprint depends on
// the template shape only: rendering the same definition with different
// dynamic values must produce the same fingerprint both times.
func TestFingerprint_StableAcrossData(t *testing.T) {
	a := &Rendered{Source: "card", Statics: []string{"<p>", "</p>"}, Dynamics: []any{"one"}}
	b := &Rendered{Source: "card", Statics: []string{"<p>", "</p>"}, Dynamics: []any{"two"}}

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprints differ for same shape: %d vs %d", a.Fingerprint(), b.Fingerprint())
	}
}

func TestFingerprint_DiffersAcrossSources(t *testing.T) {
	a := &Rendered{Source: "branch-a", Statics: []string{"<p>", "</p>"}, Dynamics: []any{"x"}}
	b := &Rendered{Source: "branch-b", Statics: []string{"<p>", "</p>"}, Dynamics: []any{"x"}}

	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different sources must produce different fingerprints")
	}
}

func TestFingerprint_DiffersAcrossStatics(t *testing.T) {
	a := &Rendered{Source: "card", Statics: []string{"<p>", "</p>"}, Dynamics: []any{"x"}}
	b := &Rendered{Source: "card", Statics: []string{"<div>", "</div>"}, Dynamics: []any{"x"}}

	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different statics must produce different fingerprints")
	}
}

// TestFingerprint_SegmentBoundaries guards against segment concatenation
// collisions: ["ab", ""] and ["a", "b"] are different shapes.
func TestFingerprint_SegmentBoundaries(t *testing.T) {
	a := fingerprintStatics("t", []string{"ab", ""})
	b := fingerprintStatics("t", []string{"a", "b"})

	if a == b {
		t.Error("segment boundaries must contribute to the fingerprint")
	}
}

func TestRendered_ValidateArity(t *testing.T) {
	bad := &Rendered{Source: "t", Statics: []string{"only one"}, Dynamics: []any{"a", "b"}}
	if err := bad.validate(); !errors.Is(err, ErrMalformedTree) {
		t.Errorf("expected ErrMalformedTree, got %v", err)
	}

	good := &Rendered{Source: "t", Statics: []string{"<p>", "</p>"}, Dynamics: []any{"a"}}
	if err := good.validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestComprehension_ValidateRowArity(t *testing.T) {
	bad := &Comprehension{
		Source:      "rows",
		ItemStatics: []string{"<li>", "</li>"},
		Rows:        [][]any{{"ok"}, {"too", "many"}},
	}
	if err := bad.validate(); !errors.Is(err, ErrMalformedTree) {
		t.Errorf("expected ErrMalformedTree, got %v", err)
	}
}

func TestKeyedComprehension_ValidateDuplicateKey(t *testing.T) {
	bad := &KeyedComprehension{
		Source:      "rows",
		ItemStatics: []string{"<li>", "</li>"},
		Rows: []KeyedRow{
			{Key: "a", Slots: []any{"first"}},
			{Key: "a", Slots: []any{"second"}},
		},
	}
	if err := bad.validate(); !errors.Is(err, ErrMalformedTree) {
		t.Errorf("expected ErrMalformedTree for duplicate key, got %v", err)
	}
}

func TestDep_WrapsSlot(t *testing.T) {
	tr := Dep("value", "title", "subtitle")
	keys, inner, tracked := unwrap(tr)
	if !tracked {
		t.Fatal("Dep result must unwrap as tracked")
	}
	if inner != "value" {
		t.Errorf("inner = %v, want value", inner)
	}
	if len(keys) != 2 || keys[0] != "title" || keys[1] != "subtitle" {
		t.Errorf("keys = %v", keys)
	}

	_, inner, tracked = unwrap("plain")
	if tracked || inner != "plain" {
		t.Errorf("plain slot must unwrap untracked, got tracked=%v inner=%v", tracked, inner)
	}
}
