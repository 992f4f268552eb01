package livediff

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Payload keys. Slot positions use their decimal string form ("0", "1", ...)
// so the payload serializes directly to JSON and msgpack.
const (
	staticsKey    = "s" // template or comprehension statics, first appearance only
	rowsKey       = "d" // comprehension rows
	orderKey      = "k" // keyed comprehension row order
	componentsKey = "c" // top level: cid -> component diff side table
	destroyedKey  = "x" // top level: destroyed cid list
)

// Diff is the wire payload for one render pass: a mapping from slot position
// to a scalar, a nested Diff, a comprehension payload, or an integer cid.
// Statics appear only on first appearance or shape change. The top-level Diff
// additionally carries the component side table and the destroyed cid list.
//
// An empty Diff means the client's view is already current.
type Diff map[string]any

// Empty reports whether the payload carries no changes at all.
func (d Diff) Empty() bool {
	return len(d) == 0
}

// Components returns the per-component diff side table, keyed by the decimal
// string form of each cid. Only meaningful on a top-level Diff.
func (d Diff) Components() map[string]Diff {
	c, _ := d[componentsKey].(map[string]Diff)
	return c
}

// Destroyed returns the cids destroyed by this pass in ascending order.
func (d Diff) Destroyed() []int {
	x, _ := d[destroyedKey].([]int)
	return x
}

// Statics returns the static segments carried by this payload, if any.
func (d Diff) Statics() []string {
	s, _ := d[staticsKey].([]string)
	return s
}

// Slot returns the payload entry for slot position i.
func (d Diff) Slot(i int) (any, bool) {
	v, ok := d[strconv.Itoa(i)]
	return v, ok
}

// setSlot records the payload entry for slot position i.
func (d Diff) setSlot(i int, v any) {
	d[strconv.Itoa(i)] = v
}

// MarshalJSON serializes the payload with deterministic key order, which
// keeps payloads byte-stable across passes for caching and tests.
func (d Diff) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, erri := strconv.Atoi(keys[i])
		nj, errj := strconv.Atoi(keys[j])
		if erri == nil && errj == nil {
			return ni < nj
		}
		if (erri == nil) != (errj == nil) {
			return erri == nil // numeric slots before named keys
		}
		return keys[i] < keys[j]
	})

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(d[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}

// Size estimates the serialized payload size in bytes without encoding it.
func (d Diff) Size() int {
	return sizeOf(map[string]any(d))
}

func sizeOf(v any) int {
	switch x := v.(type) {
	case nil:
		return 4
	case string:
		return len(x) + 2
	case []string:
		n := 2
		for _, s := range x {
			n += len(s) + 3
		}
		return n
	case Diff:
		return sizeOf(map[string]any(x))
	case map[string]any:
		n := 2
		for k, val := range x {
			n += len(k) + 4 + sizeOf(val)
		}
		return n
	case map[string]Diff:
		n := 2
		for k, val := range x {
			n += len(k) + 4 + val.Size()
		}
		return n
	case map[string][]any:
		n := 2
		for k, row := range x {
			n += len(k) + 4 + sizeOf(any(row))
		}
		return n
	case [][]any:
		n := 2
		for _, row := range x {
			n += sizeOf(any(row)) + 1
		}
		return n
	case []any:
		n := 2
		for _, e := range x {
			n += sizeOf(e) + 1
		}
		return n
	case []int:
		return 2 + len(x)*4
	default:
		// Numbers, booleans, and anything exotic: rough fixed cost.
		return 8
	}
}
