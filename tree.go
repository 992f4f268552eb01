// Package livediff maintains a live, incrementally-updated view of a rendered
// document by diffing successive render trees and emitting only the minimal
// structural changes. Templates are handed in already split into static and
// dynamic parts; parsing, transport and client-side patching live elsewhere.
package livediff

import (
	"fmt"
	"hash/fnv"
)

// Rendered is the immutable output of one render pass: fixed string segments
// alternating with computed slot values. Statics has exactly len(Dynamics)+1
// entries; slot i sits between Statics[i] and Statics[i+1].
//
// Source identifies the template definition and call site that produced this
// tree. Two renders of the same definition with different data share a Source;
// different branches of a conditional must carry different Sources so that a
// branch switch is detected as a shape change.
type Rendered struct {
	Source   string
	Statics  []string
	Dynamics []any

	fp uint64 // cached fingerprint, computed on first use
}

// Slot values accepted in Rendered.Dynamics and comprehension rows:
// scalars (strings, numbers, booleans), *Rendered, *Comprehension,
// *KeyedComprehension, *ComponentRef, or a Tracked wrapper around any of
// those.

// Tracked declares the binding keys feeding a slot. When the enclosing tree's
// fingerprint matches the previous pass and none of Keys appear in the pass's
// change set, the slot is omitted from the diff and the client keeps its
// previous value. An untracked slot is always re-emitted.
type Tracked struct {
	Keys []string
	Slot any
}

// Dep wraps a slot with its binding dependencies.
func Dep(slot any, keys ...string) Tracked {
	return Tracked{Keys: keys, Slot: slot}
}

// Comprehension is a repeated block: every row shares ItemStatics and only
// Rows varies between renders. Rows are always resent in full on change; for
// per-row reconciliation use KeyedComprehension instead.
type Comprehension struct {
	Source      string
	ItemStatics []string
	Rows        [][]any
}

// KeyedComprehension is a repeated block with stable per-row identity. Rows
// are reconciled by Key across renders: unchanged rows are not resent, and
// reorders transmit only the key order.
type KeyedComprehension struct {
	Source      string
	ItemStatics []string
	Rows        []KeyedRow
}

// KeyedRow is one row of a KeyedComprehension. Key must be unique within the
// comprehension for one render pass.
type KeyedRow struct {
	Key   string
	Slots []any
}

// ComponentRef marks a slot as occupied by a stateful component. A non-empty
// ID pins the component's identity across passes: the same (Kind, ID) pair
// reuses its previous state. An empty ID is anonymous: the component gets a
// fresh identity every render and is never reconciled.
type ComponentRef struct {
	Kind    string
	ID      string
	Assigns map[string]any
}

// Fingerprint returns the structural hash of this tree: a function of Source
// and the static segments only, never of dynamic data. Renders of the same
// template shape with different data produce identical fingerprints.
func (r *Rendered) Fingerprint() uint64 {
	if r.fp == 0 {
		r.fp = fingerprintStatics(r.Source, r.Statics)
	}
	return r.fp
}

// validate checks the statics/dynamics arity invariant.
func (r *Rendered) validate() error {
	if len(r.Statics) != len(r.Dynamics)+1 {
		return fmt.Errorf("%w: %d statics for %d dynamics (want %d)",
			ErrMalformedTree, len(r.Statics), len(r.Dynamics), len(r.Dynamics)+1)
	}
	return nil
}

func (c *Comprehension) validate() error {
	want := len(c.ItemStatics) - 1
	for i, row := range c.Rows {
		if len(row) != want {
			return fmt.Errorf("%w: comprehension row %d has %d slots for %d item statics",
				ErrMalformedTree, i, len(row), len(c.ItemStatics))
		}
	}
	return nil
}

func (k *KeyedComprehension) validate() error {
	want := len(k.ItemStatics) - 1
	seen := make(map[string]bool, len(k.Rows))
	for i, row := range k.Rows {
		if len(row.Slots) != want {
			return fmt.Errorf("%w: keyed row %q has %d slots for %d item statics",
				ErrMalformedTree, row.Key, len(row.Slots), len(k.ItemStatics))
		}
		if seen[row.Key] {
			return fmt.Errorf("%w: keyed row %d reuses key %q", ErrMalformedTree, i, row.Key)
		}
		seen[row.Key] = true
	}
	return nil
}

// fingerprintStatics hashes a source identity plus its static segments with
// FNV-1a. Segment boundaries are delimited so that ["ab",""] and ["a","b"]
// hash differently.
func fingerprintStatics(source string, statics []string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(source))
	h.Write([]byte{0})
	for _, s := range statics {
		h.Write([]byte(s))
		h.Write([]byte{1})
	}
	fp := h.Sum64()
	if fp == 0 {
		// Zero is reserved as "not yet computed".
		fp = 1
	}
	return fp
}

// unwrap splits a possibly-Tracked slot into its dependency keys and value.
// The third return is false for untracked slots, whose dependencies are
// unknown and therefore always treated as changed.
func unwrap(slot any) ([]string, any, bool) {
	switch t := slot.(type) {
	case Tracked:
		return t.Keys, t.Slot, true
	case *Tracked:
		return t.Keys, t.Slot, true
	}
	return nil, slot, false
}
