package livediff

import (
	"fmt"
	"hash/fnv"
	"io"
	"sort"
	"strconv"
)

// pass carries the working state of one diff pass: the registry transaction,
// the cids referenced so far, the duplicate-id claims, the component
// lifecycle queue, and the per-component diff side table.
//
// A pass touches committed state read-only; everything it changes is staged
// on the transaction or built fresh, so a failing pass commits nothing.
type pass struct {
	session    *Session
	txn        *registryTxn
	seen       map[int]bool
	rendered   map[int]bool
	claimed    map[refKey]bool
	queuedSet  map[int]bool
	pending    []*pendingRef
	components map[string]Diff
}

type pendingRef struct {
	inst  *instance
	isNew bool
}

func newPass(s *Session, txn *registryTxn) *pass {
	return &pass{
		session:    s,
		txn:        txn,
		seen:       make(map[int]bool),
		rendered:   make(map[int]bool),
		claimed:    make(map[refKey]bool),
		queuedSet:  make(map[int]bool),
		components: make(map[string]Diff),
	}
}

// template diffs one Rendered node against its previous shape. A nil prev or
// a fingerprint mismatch is the full-fragment case: statics and every dynamic
// are emitted and the stored shape is replaced. On a fingerprint match,
// statics are omitted and tracked slots with no changed bindings are skipped,
// carrying their previous shape forward.
func (p *pass) template(r *Rendered, prev *ShapeStore, changed ChangeSet) (Diff, *ShapeStore, error) {
	if err := r.validate(); err != nil {
		return nil, nil, err
	}

	fp := r.Fingerprint()
	next := newShapeStore(fp)
	full := prev == nil || prev.fingerprint != fp
	if full {
		prev = nil
	}

	d := Diff{}
	if full {
		d[staticsKey] = append([]string(nil), r.Statics...)
	}

	for i, slot := range r.Dynamics {
		keys, inner, tracked := unwrap(slot)
		if !full && tracked && !changed.anyOf(keys) {
			// Unchanged bindings: the client keeps its previous value.
			// Components beneath the skipped slot stay alive.
			p.markSeenDeep(next.adopt(prev, i))
			p.session.metrics.IncrementCustomCounter("skipped_slots")
			continue
		}

		val, emit, err := p.slot(inner, i, prev, next, full, changed)
		if err != nil {
			return nil, nil, err
		}
		if emit {
			d.setSlot(i, val)
		}
	}

	return d, next, nil
}

// slot diffs a single dynamic position. The Tracked wrapper has already been
// stripped by the caller.
func (p *pass) slot(inner any, i int, prev, next *ShapeStore, full bool, changed ChangeSet) (any, bool, error) {
	switch v := inner.(type) {
	case *Rendered:
		var prevChild *ShapeStore
		if !full {
			prevChild = prev.child(i)
		}
		sub, childNext, err := p.template(v, prevChild, changed)
		if err != nil {
			return nil, false, err
		}
		next.children[i] = childNext
		if cids := childNext.allCIDs(); len(cids) > 0 {
			next.slotCIDs[i] = cids
		}
		if len(sub) == 0 {
			return nil, false, nil
		}
		return sub, true, nil

	case *Comprehension:
		return p.comprehension(v, i, prev, next, full)

	case *KeyedComprehension:
		return p.keyedComprehension(v, i, prev, next, full)

	case *ComponentRef:
		cid, err := p.resolveRef(v)
		if err != nil {
			return nil, false, err
		}
		next.slotCIDs[i] = []int{cid}
		return cid, true, nil

	case Tracked, *Tracked:
		return nil, false, fmt.Errorf("%w: nested Tracked wrapper at slot %d", ErrMalformedTree, i)

	default:
		// Scalar. Previous values are not retained, so a scalar that was
		// reached is always transmitted; omission happens only through the
		// Tracked short-circuit above.
		return v, true, nil
	}
}

// comprehension handles the positional repeated-block case: item statics are
// sent on first appearance (and on item shape change), rows are always
// resent in full. The fingerprint marker is allocated only once the
// comprehension has been non-empty, and persists through later empty renders.
func (p *pass) comprehension(c *Comprehension, i int, prev, next *ShapeStore, full bool) (any, bool, error) {
	if err := c.validate(); err != nil {
		return nil, false, err
	}

	marker := fingerprintStatics(c.Source, c.ItemStatics)
	var cs *comprehensionShape
	if !full {
		cs = prev.comp(i)
	}
	first := cs == nil || cs.marker != marker

	rows := make([][]any, len(c.Rows))
	var cids []int
	for ri, row := range c.Rows {
		out := make([]any, len(row))
		for si, slot := range row {
			_, inner, _ := unwrap(slot)
			v, rowCIDs, err := p.fullValue(inner)
			if err != nil {
				return nil, false, err
			}
			out[si] = v
			cids = append(cids, rowCIDs...)
		}
		rows[ri] = out
	}

	d := Diff{rowsKey: rows}
	switch {
	case first && len(c.Rows) > 0:
		d[staticsKey] = append([]string(nil), c.ItemStatics...)
		next.comps[i] = &comprehensionShape{marker: marker}
	case first:
		// Empty and never seen: nothing to remember, no marker yet.
	default:
		next.comps[i] = cs
	}
	if len(cids) > 0 {
		next.slotCIDs[i] = cids
	}
	return d, true, nil
}

// keyedComprehension reconciles rows by their declared key: unchanged rows
// are omitted, changed or new rows are sent in full, and ordering travels as
// a key vector. Row change detection hashes the row's slot values.
func (p *pass) keyedComprehension(k *KeyedComprehension, i int, prev, next *ShapeStore, full bool) (any, bool, error) {
	if err := k.validate(); err != nil {
		return nil, false, err
	}

	marker := fingerprintStatics(k.Source, k.ItemStatics)
	var cs *comprehensionShape
	if !full {
		cs = prev.comp(i)
	}
	first := cs == nil || cs.marker != marker || cs.keyed == nil

	newHashes := make(map[string]uint64, len(k.Rows))
	newCIDs := make(map[string][]int, len(k.Rows))
	order := make([]string, len(k.Rows))
	rowsOut := make(map[string][]any)
	var cids []int

	for idx, row := range k.Rows {
		order[idx] = row.Key
		h := hashRow(row.Slots)
		newHashes[row.Key] = h

		changedRow := first
		if !changedRow {
			prevH, ok := cs.keyed[row.Key]
			changedRow = !ok || prevH != h
		}

		if changedRow {
			out := make([]any, len(row.Slots))
			var rowCIDs []int
			for si, slot := range row.Slots {
				_, inner, _ := unwrap(slot)
				v, rc, err := p.fullValue(inner)
				if err != nil {
					return nil, false, err
				}
				out[si] = v
				rowCIDs = append(rowCIDs, rc...)
			}
			rowsOut[row.Key] = out
			newCIDs[row.Key] = rowCIDs
			cids = append(cids, rowCIDs...)
		} else {
			kept := cs.keyedCIDs[row.Key]
			newCIDs[row.Key] = kept
			cids = append(cids, kept...)
			p.markSeenDeep(kept)
		}
	}

	d := Diff{}
	if first {
		d[staticsKey] = append([]string(nil), k.ItemStatics...)
	}
	if first || !equalStrings(order, cs.order) {
		d[orderKey] = order
	}
	if len(rowsOut) > 0 {
		d[rowsKey] = rowsOut
	}

	next.comps[i] = &comprehensionShape{
		marker:    marker,
		keyed:     newHashes,
		order:     order,
		keyedCIDs: newCIDs,
	}
	if len(cids) > 0 {
		next.slotCIDs[i] = cids
	}
	if len(d) == 0 {
		return nil, false, nil
	}
	return d, true, nil
}

// fullValue renders a slot with no prior state: nested templates carry their
// statics, comprehensions take their first-appearance form, component refs
// resolve to their cid. Used for comprehension rows, which are stateless
// between passes.
func (p *pass) fullValue(inner any) (any, []int, error) {
	switch v := inner.(type) {
	case *Rendered:
		sub, childNext, err := p.template(v, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		return sub, childNext.allCIDs(), nil

	case *Comprehension:
		if err := v.validate(); err != nil {
			return nil, nil, err
		}
		rows := make([][]any, len(v.Rows))
		var cids []int
		for ri, row := range v.Rows {
			out := make([]any, len(row))
			for si, slot := range row {
				_, inner, _ := unwrap(slot)
				val, rc, err := p.fullValue(inner)
				if err != nil {
					return nil, nil, err
				}
				out[si] = val
				cids = append(cids, rc...)
			}
			rows[ri] = out
		}
		d := Diff{rowsKey: rows}
		if len(v.Rows) > 0 {
			d[staticsKey] = append([]string(nil), v.ItemStatics...)
		}
		return d, cids, nil

	case *KeyedComprehension:
		if err := v.validate(); err != nil {
			return nil, nil, err
		}
		order := make([]string, len(v.Rows))
		rowsOut := make(map[string][]any, len(v.Rows))
		var cids []int
		for idx, row := range v.Rows {
			order[idx] = row.Key
			out := make([]any, len(row.Slots))
			for si, slot := range row.Slots {
				_, inner, _ := unwrap(slot)
				val, rc, err := p.fullValue(inner)
				if err != nil {
					return nil, nil, err
				}
				out[si] = val
				cids = append(cids, rc...)
			}
			rowsOut[row.Key] = out
		}
		d := Diff{orderKey: order, rowsKey: rowsOut}
		if len(v.Rows) > 0 {
			d[staticsKey] = append([]string(nil), v.ItemStatics...)
		}
		return d, cids, nil

	case *ComponentRef:
		cid, err := p.resolveRef(v)
		if err != nil {
			return nil, nil, err
		}
		return cid, []int{cid}, nil

	default:
		return v, nil, nil
	}
}

// claimRefs walks a fully materialized tree and claims every named component
// reference it contains, including refs sitting under slots the diff walk
// will later skip (unchanged tracked slots, unchanged keyed rows). The tree
// is materialized before diffing begins, so a pair referenced twice is
// always visible here even when only one site gets walked.
func (p *pass) claimRefs(slot any) error {
	_, inner, _ := unwrap(slot)
	switch v := inner.(type) {
	case *Rendered:
		for _, d := range v.Dynamics {
			if err := p.claimRefs(d); err != nil {
				return err
			}
		}
	case *Comprehension:
		for _, row := range v.Rows {
			for _, s := range row {
				if err := p.claimRefs(s); err != nil {
					return err
				}
			}
		}
	case *KeyedComprehension:
		for _, row := range v.Rows {
			for _, s := range row.Slots {
				if err := p.claimRefs(s); err != nil {
					return err
				}
			}
		}
	case *ComponentRef:
		if v.ID == "" {
			return nil
		}
		key := refKey{kind: v.Kind, id: v.ID}
		if p.claimed[key] {
			return &DuplicateIDError{Kind: v.Kind, ID: v.ID}
		}
		p.claimed[key] = true
	}
	return nil
}

// resolveRef maps a ComponentRef to its cid, allocating a fresh instance for
// first appearances (and always for anonymous refs), or staging an update on
// the existing instance. Duplicate identifiers have already been rejected by
// claimRefs before the walk reaches this point.
func (p *pass) resolveRef(ref *ComponentRef) (int, error) {
	if _, ok := p.session.kinds.Lookup(ref.Kind); !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownComponentKind, ref.Kind)
	}

	if ref.ID == "" {
		inst := p.txn.create(refKey{kind: ref.Kind}, true)
		inst.sock.assigns.Merge(ref.Assigns)
		cid := inst.sock.cid
		p.seen[cid] = true
		p.enqueue(inst, true)
		return cid, nil
	}

	key := refKey{kind: ref.Kind, id: ref.ID}

	if existing, ok := p.txn.lookupKey(key); ok {
		staged := p.txn.stage(existing)
		staged.sock.assigns.Merge(ref.Assigns)
		cid := staged.sock.cid
		p.seen[cid] = true
		if len(staged.sock.assigns.changed) > 0 {
			p.enqueue(staged, false)
		} else {
			// Nothing to update: the previous render stands, and the
			// components inside it stay alive.
			p.markSeenDeep(staged.shapes.allCIDs())
		}
		return cid, nil
	}

	inst := p.txn.create(key, false)
	inst.sock.assigns.Merge(ref.Assigns)
	cid := inst.sock.cid
	p.seen[cid] = true
	p.enqueue(inst, true)
	return cid, nil
}

func (p *pass) enqueue(inst *instance, isNew bool) {
	cid := inst.sock.cid
	if p.queuedSet[cid] {
		return
	}
	p.queuedSet[cid] = true
	p.pending = append(p.pending, &pendingRef{inst: inst, isNew: isNew})
}

// markSeenDeep marks cids as referenced by this pass, following each live
// instance's own shape store so that components nested under a skipped
// subtree are not swept.
func (p *pass) markSeenDeep(cids []int) {
	for _, cid := range cids {
		if p.seen[cid] {
			continue
		}
		p.seen[cid] = true
		if inst, ok := p.txn.lookup(cid); ok && inst.shapes != nil {
			p.markSeenDeep(inst.shapes.allCIDs())
		}
	}
}

// processPending drains the component lifecycle queue in waves: a rendered
// component may reference further components, which join the next wave. For
// each kind, in first-appearance order: Mount new instances, run the batch
// Preload hook over every touched instance, then Update, Render, and diff
// each instance against its private shape store.
func (p *pass) processPending() error {
	for len(p.pending) > 0 {
		batch := p.pending
		p.pending = nil

		var kindOrder []string
		byKind := make(map[string][]*pendingRef)
		for _, pr := range batch {
			kind := pr.inst.key.kind
			if _, ok := byKind[kind]; !ok {
				kindOrder = append(kindOrder, kind)
			}
			byKind[kind] = append(byKind[kind], pr)
		}

		for _, kind := range kindOrder {
			comp, ok := p.session.kinds.Lookup(kind)
			if !ok {
				return fmt.Errorf("%w: %q", ErrUnknownComponentKind, kind)
			}
			refs := byKind[kind]

			for _, pr := range refs {
				if !pr.isNew {
					continue
				}
				if err := comp.Mount(pr.inst.sock.ctx, pr.inst.sock); err != nil {
					return fmt.Errorf("livediff: mount %s: %w", kind, err)
				}
			}

			if pl, ok := comp.(Preloader); ok {
				socks := make([]*Socket, len(refs))
				for i, pr := range refs {
					socks[i] = pr.inst.sock
				}
				if err := pl.Preload(p.txn.ctx, socks); err != nil {
					return fmt.Errorf("livediff: preload %s: %w", kind, err)
				}
			}

			for _, pr := range refs {
				sock := pr.inst.sock
				if err := comp.Update(sock.ctx, sock); err != nil {
					return fmt.Errorf("livediff: update %s cid %d: %w", kind, sock.cid, err)
				}
				tree, err := comp.Render(sock)
				if err != nil {
					return fmt.Errorf("livediff: render %s cid %d: %w", kind, sock.cid, err)
				}
				if tree == nil {
					return fmt.Errorf("%w: component %s cid %d rendered nil", ErrMalformedTree, kind, sock.cid)
				}
				if err := p.claimRefs(tree); err != nil {
					return err
				}

				changed := sock.assigns.ChangeSet()
				cd, nextShapes, err := p.template(tree, pr.inst.shapes, changed)
				if err != nil {
					return err
				}
				pr.inst.shapes = nextShapes
				sock.assigns.ClearChanged()
				p.rendered[sock.cid] = true
				if len(cd) > 0 {
					p.components[strconv.Itoa(sock.cid)] = cd
				}
			}
		}
	}
	return nil
}

// sweep marks every live instance that this pass did not reference for
// destruction, so the client and server cid sets stay in agreement. Runs
// after all pending component work, before the diff is finalized.
func (p *pass) sweep() {
	for cid := range p.session.registry.byCID {
		if !p.seen[cid] {
			p.txn.destroyed = append(p.txn.destroyed, cid)
		}
	}
	sort.Ints(p.txn.destroyed)
}

// hashRow produces the change-detection hash for one keyed row from its slot
// values. Conservative: structurally different rows may never collide into
// "unchanged", but equal-valued rows always hash equal.
func hashRow(slots []any) uint64 {
	h := fnv.New64a()
	for _, slot := range slots {
		_, inner, _ := unwrap(slot)
		hashSlot(h, inner)
		h.Write([]byte{0xff})
	}
	return h.Sum64()
}

func hashSlot(h io.Writer, inner any) {
	switch v := inner.(type) {
	case *Rendered:
		fmt.Fprintf(h, "t:%s|%d|", v.Source, len(v.Statics))
		for _, s := range v.Statics {
			h.Write([]byte(s))
			h.Write([]byte{1})
		}
		for _, d := range v.Dynamics {
			_, di, _ := unwrap(d)
			hashSlot(h, di)
		}
	case *Comprehension:
		fmt.Fprintf(h, "c:%s|", v.Source)
		for _, row := range v.Rows {
			for _, s := range row {
				_, si, _ := unwrap(s)
				hashSlot(h, si)
			}
			h.Write([]byte{2})
		}
	case *KeyedComprehension:
		fmt.Fprintf(h, "k:%s|", v.Source)
		for _, row := range v.Rows {
			h.Write([]byte(row.Key))
			h.Write([]byte{3})
			for _, s := range row.Slots {
				_, si, _ := unwrap(s)
				hashSlot(h, si)
			}
			h.Write([]byte{2})
		}
	case *ComponentRef:
		fmt.Fprintf(h, "r:%s|%s|", v.Kind, v.ID)
		keys := make([]string, 0, len(v.Assigns))
		for k := range v.Assigns {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%v|", k, v.Assigns[k])
		}
	default:
		fmt.Fprintf(h, "v:%v|", v)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
