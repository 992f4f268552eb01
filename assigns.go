package livediff

import "reflect"

// ChangeSet is the set of binding keys whose values differ from the previous
// render pass. A nil ChangeSet means provenance is unknown and every tracked
// slot is treated as changed.
type ChangeSet map[string]bool

// NewChangeSet builds a ChangeSet from the given keys.
func NewChangeSet(keys ...string) ChangeSet {
	cs := make(ChangeSet, len(keys))
	for _, k := range keys {
		cs[k] = true
	}
	return cs
}

// anyOf reports whether any of the keys is marked changed. A nil set is
// conservative: everything counts as changed.
func (cs ChangeSet) anyOf(keys []string) bool {
	if cs == nil {
		return true
	}
	for _, k := range keys {
		if cs[k] {
			return true
		}
	}
	return false
}

// Assigns is a keyed value map with per-key change tracking for the current
// render pass. The changed set is cleared at the start of each pass and
// populated as the driver applies updates before invoking render.
//
// Change marking is conservative: it may over-report (a key re-set to an
// equal value is still marked changed) but never under-reports.
type Assigns struct {
	values  map[string]any
	changed map[string]bool
}

// NewAssigns creates an empty Assigns map.
func NewAssigns() *Assigns {
	return &Assigns{
		values:  make(map[string]any),
		changed: make(map[string]bool),
	}
}

// Set stores a value and marks the key changed, regardless of whether the
// value differs from the previous one. The declared changed marker is
// authoritative for the diff engine even when redundant.
func (a *Assigns) Set(key string, value any) {
	a.values[key] = value
	a.changed[key] = true
}

// SetIfChanged stores a value and marks the key changed only when the new
// value is not deeply equal to the current one. Slower than Set but produces
// tighter diffs for drivers that re-supply whole value sets each pass.
func (a *Assigns) SetIfChanged(key string, value any) {
	if prev, ok := a.values[key]; ok && reflect.DeepEqual(prev, value) {
		return
	}
	a.values[key] = value
	a.changed[key] = true
}

// Get returns the value for key, or nil when absent.
func (a *Assigns) Get(key string) any {
	return a.values[key]
}

// GetOr returns the value for key, or fallback when absent.
func (a *Assigns) GetOr(key string, fallback any) any {
	if v, ok := a.values[key]; ok {
		return v
	}
	return fallback
}

// Has reports whether key is present.
func (a *Assigns) Has(key string) bool {
	_, ok := a.values[key]
	return ok
}

// Changed reports whether key was marked changed in the current pass.
func (a *Assigns) Changed(key string) bool {
	return a.changed[key]
}

// Merge applies incoming values per the component update contract: keys
// present in incoming are stored, and marked changed when the incoming value
// differs from the stored one; all other keys retain their prior values and
// stay unmarked. The equality check lets a parent re-declare a component with
// identical assigns without forcing a redundant lifecycle run.
func (a *Assigns) Merge(incoming map[string]any) {
	for k, v := range incoming {
		if prev, ok := a.values[k]; ok && reflect.DeepEqual(prev, v) {
			continue
		}
		a.values[k] = v
		a.changed[k] = true
	}
}

// ChangeSet returns the keys marked changed in the current pass.
func (a *Assigns) ChangeSet() ChangeSet {
	cs := make(ChangeSet, len(a.changed))
	for k := range a.changed {
		cs[k] = true
	}
	return cs
}

// ClearChanged resets the changed markers at the start of a pass.
func (a *Assigns) ClearChanged() {
	a.changed = make(map[string]bool)
}

// Len returns the number of stored keys.
func (a *Assigns) Len() int {
	return len(a.values)
}

// clone returns a copy sharing no map structure with the original. Values
// themselves are not deep-copied.
func (a *Assigns) clone() *Assigns {
	c := &Assigns{
		values:  make(map[string]any, len(a.values)),
		changed: make(map[string]bool, len(a.changed)),
	}
	for k, v := range a.values {
		c.values[k] = v
	}
	for k := range a.changed {
		c.changed[k] = true
	}
	return c
}
