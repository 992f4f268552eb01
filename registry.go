package livediff

import (
	"context"
	"sort"
)

// refKey addresses one live named component instance.
type refKey struct {
	kind string
	id   string
}

// instance is the registry record for one live component: its socket (cid,
// assigns, private state) and its private shape store, scoped to the
// component's own subtree.
type instance struct {
	key    refKey
	anon   bool
	sock   *Socket
	shapes *ShapeStore
}

// Registry owns the stateful component instances of one connection. At most
// one live instance exists per (kind, id) pair; cids are allocated in
// ascending order on first appearance and never reused while the instance is
// alive. A destroyed pair may reappear later under a fresh cid.
//
// The registry is mutated only by committed render passes and by the external
// update/destroy entry points on Session; it needs no internal locking
// because passes for one connection are strictly sequential.
type Registry struct {
	kinds   *Kinds
	byID    map[refKey]*instance
	byCID   map[int]*instance
	nextCID int
}

// NewRegistry creates an empty per-connection registry backed by the shared
// kind table.
func NewRegistry(kinds *Kinds) *Registry {
	return &Registry{
		kinds:   kinds,
		byID:    make(map[refKey]*instance),
		byCID:   make(map[int]*instance),
		nextCID: 1,
	}
}

// CID returns the live cid for a (kind, id) pair, if any.
func (r *Registry) CID(kind, id string) (int, bool) {
	inst, ok := r.byID[refKey{kind: kind, id: id}]
	if !ok {
		return 0, false
	}
	return inst.sock.cid, true
}

// Live returns the cids of all live instances in ascending order.
func (r *Registry) Live() []int {
	cids := make([]int, 0, len(r.byCID))
	for cid := range r.byCID {
		cids = append(cids, cid)
	}
	sort.Ints(cids)
	return cids
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	return len(r.byCID)
}

// destroy tears one instance down: cancel its context, run the optional
// Teardown hook, drop it from both indexes. Idempotent by construction; the
// caller looks the instance up first.
func (r *Registry) destroy(inst *instance) {
	inst.sock.cancel()
	if comp, ok := r.kinds.Lookup(inst.key.kind); ok {
		if td, ok := comp.(Teardown); ok {
			td.Teardown(inst.sock)
		}
	}
	delete(r.byCID, inst.sock.cid)
	if !inst.anon {
		delete(r.byID, inst.key)
	}
}

// close destroys every live instance, releasing background work. Used when a
// connection ends.
func (r *Registry) close() {
	for _, cid := range r.Live() {
		if inst, ok := r.byCID[cid]; ok {
			r.destroy(inst)
		}
	}
}

// registryTxn stages one pass's registry mutations so a failing pass commits
// nothing: created instances, staged clones of updated instances, the cids to
// destroy, and the advanced cid allocator.
type registryTxn struct {
	reg       *Registry
	ctx       context.Context
	nextCID   int
	added     map[int]*instance
	updated   map[int]*instance
	destroyed []int
}

func (r *Registry) begin(ctx context.Context) *registryTxn {
	return &registryTxn{
		reg:     r,
		ctx:     ctx,
		nextCID: r.nextCID,
		added:   make(map[int]*instance),
		updated: make(map[int]*instance),
	}
}

// lookup resolves a cid against staged state first, then committed state.
func (t *registryTxn) lookup(cid int) (*instance, bool) {
	if inst, ok := t.added[cid]; ok {
		return inst, true
	}
	if inst, ok := t.updated[cid]; ok {
		return inst, true
	}
	inst, ok := t.reg.byCID[cid]
	return inst, ok
}

// lookupKey resolves a (kind, id) pair against staged state first.
func (t *registryTxn) lookupKey(key refKey) (*instance, bool) {
	for _, inst := range t.added {
		if !inst.anon && inst.key == key {
			return inst, true
		}
	}
	for _, inst := range t.updated {
		if inst.key == key {
			return inst, true
		}
	}
	inst, ok := t.reg.byID[key]
	return inst, ok
}

// create stages a new instance under the next cid.
func (t *registryTxn) create(key refKey, anon bool) *instance {
	cid := t.nextCID
	t.nextCID++
	inst := &instance{
		key:  key,
		anon: anon,
		sock: newSocket(t.ctx, cid),
	}
	t.added[cid] = inst
	return inst
}

// stage returns a staged clone of a committed instance, creating it on first
// touch. Mutations to the clone are invisible until commit.
func (t *registryTxn) stage(inst *instance) *instance {
	cid := inst.sock.cid
	if staged, ok := t.updated[cid]; ok {
		return staged
	}
	if _, ok := t.added[cid]; ok {
		return inst
	}
	staged := &instance{
		key:    inst.key,
		anon:   inst.anon,
		sock:   inst.sock.clone(),
		shapes: inst.shapes,
	}
	t.updated[cid] = staged
	return staged
}

// commit applies the staged pass: destroys first (so client and server cid
// sets agree before new state lands), then swapped updates, then additions.
// A staged instance that was also swept stays destroyed: a queued background
// update must not resurrect a component the pass no longer references.
func (t *registryTxn) commit() {
	gone := make(map[int]bool, len(t.destroyed))
	for _, cid := range t.destroyed {
		gone[cid] = true
		if inst, ok := t.reg.byCID[cid]; ok {
			t.reg.destroy(inst)
		}
	}
	for cid, inst := range t.updated {
		if gone[cid] {
			continue
		}
		t.reg.byCID[cid] = inst
		if !inst.anon {
			t.reg.byID[inst.key] = inst
		}
	}
	for cid, inst := range t.added {
		if gone[cid] {
			continue
		}
		t.reg.byCID[cid] = inst
		if !inst.anon {
			t.reg.byID[inst.key] = inst
		}
	}
	t.reg.nextCID = t.nextCID
}
