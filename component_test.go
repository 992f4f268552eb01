package livediff

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// counterComponent is the workhorse test fixture: it renders its "count"
// assign and records every lifecycle call.
type counterComponent struct {
	mounts    int
	updates   int
	renders   int
	preloads  int
	teardowns []int

	mountErr  error
	renderErr error
}

func (c *counterComponent) Mount(ctx context.Context, sock *Socket) error {
	c.mounts++
	if c.mountErr != nil {
		return c.mountErr
	}
	sock.PutPrivate("mounted", true)
	return nil
}

func (c *counterComponent) Update(ctx context.Context, sock *Socket) error {
	c.updates++
	return nil
}

func (c *counterComponent) Render(sock *Socket) (*Rendered, error) {
	c.renders++
	if c.renderErr != nil {
		return nil, c.renderErr
	}
	count := sock.Assigns().GetOr("count", 0)
	return &Rendered{
		Source:   "counter",
		Statics:  []string{"<span>", "</span>"},
		Dynamics: []any{Dep(count, "count")},
	}, nil
}

func (c *counterComponent) Teardown(sock *Socket) {
	c.teardowns = append(c.teardowns, sock.CID())
}

// pageWith renders a root template whose single slot holds the given value,
// bound to the "body" key.
func pageWith(slot any) *Rendered {
	return &Rendered{
		Source:   "root",
		Statics:  []string{"", ""},
		Dynamics: []any{Dep(slot, "body")},
	}
}

func counterRef(id string, count int) *ComponentRef {
	return &ComponentRef{Kind: "counter", ID: id, Assigns: map[string]any{"count": count}}
}

func newCounterSession(t *testing.T) (*Session, *counterComponent) {
	t.Helper()
	c := &counterComponent{}
	kinds := NewKinds()
	kinds.MustRegister("counter", c)
	s := NewSession(kinds)
	t.Cleanup(func() { s.Close() })
	return s, c
}

func TestComponent_MountAndRenderOnFirstAppearance(t *testing.T) {
	s, c := newCounterSession(t)

	d, err := s.Diff(pageWith(counterRef("a", 1)), nil)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if c.mounts != 1 || c.updates != 1 || c.renders != 1 {
		t.Errorf("lifecycle counts = mount %d update %d render %d", c.mounts, c.updates, c.renders)
	}

	cid, ok := d.Slot(0)
	if !ok || cid != 1 {
		t.Fatalf("slot 0 = %v (present=%v), want cid 1", cid, ok)
	}
	comps := d.Components()
	cd, ok := comps["1"]
	if !ok {
		t.Fatalf("component side table missing cid 1: %v", comps)
	}
	if !reflect.DeepEqual(cd.Statics(), []string{"<span>", "</span>"}) {
		t.Errorf("component statics = %v", cd.Statics())
	}
	if v, _ := cd.Slot(0); v != 1 {
		t.Errorf("component slot 0 = %v, want 1", v)
	}
}

func TestComponent_IdentityAndPrivateStateSurvivePasses(t *testing.T) {
	s, c := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("first Diff error: %v", err)
	}
	d, err := s.Diff(pageWith(counterRef("a", 2)), nil)
	if err != nil {
		t.Fatalf("second Diff error: %v", err)
	}
	if c.mounts != 1 {
		t.Errorf("mounts = %d, identity must be reused", c.mounts)
	}
	if v, ok := d.Slot(0); !ok || v != 1 {
		t.Errorf("slot 0 = %v (present=%v), want stable cid 1", v, ok)
	}

	cd := d.Components()["1"]
	if cd.Statics() != nil {
		t.Error("component statics must not be resent on identity reuse")
	}
	if v, _ := cd.Slot(0); v != 2 {
		t.Errorf("component slot 0 = %v, want 2", v)
	}

	inst := s.Registry().byCID[1]
	if _, ok := inst.sock.Private("mounted"); !ok {
		t.Error("private state set at Mount must persist")
	}
}

func TestComponent_UnchangedAssignsSkipLifecycle(t *testing.T) {
	s, c := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("first Diff error: %v", err)
	}
	d, err := s.Diff(pageWith(counterRef("a", 1)), nil)
	if err != nil {
		t.Fatalf("second Diff error: %v", err)
	}
	if c.updates != 1 || c.renders != 1 {
		t.Errorf("unchanged ref must skip Update/Render: updates %d renders %d", c.updates, c.renders)
	}
	if d.Components() != nil {
		t.Errorf("side table = %v, want none", d.Components())
	}
}

func TestComponent_DuplicateIDFailsPass(t *testing.T) {
	s, _ := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("first Diff error: %v", err)
	}

	tree := &Rendered{
		Source:   "root",
		Statics:  []string{"", "", ""},
		Dynamics: []any{counterRef("a", 1), counterRef("a", 2)},
	}
	_, err := s.Diff(tree, nil)
	if !errors.Is(err, ErrDuplicateComponentID) {
		t.Fatalf("expected ErrDuplicateComponentID, got %v", err)
	}
	var dup *DuplicateIDError
	if !errors.As(err, &dup) || dup.Kind != "counter" || dup.ID != "a" {
		t.Errorf("DuplicateIDError = %+v", dup)
	}
	if !IsDuplicateID(err) {
		t.Error("IsDuplicateID must match the wrapped error")
	}

	// The failed pass committed nothing: one live instance, same cid.
	if got := s.Registry().Len(); got != 1 {
		t.Errorf("registry len = %d after failed pass, want 1", got)
	}
	if cid, ok := s.Registry().CID("counter", "a"); !ok || cid != 1 {
		t.Errorf("CID(counter,a) = %d,%v", cid, ok)
	}
}

func TestComponent_DuplicateUnderSkippedSlotFails(t *testing.T) {
	s, _ := newCounterSession(t)

	tree := func(second any) *Rendered {
		return &Rendered{
			Source:   "root",
			Statics:  []string{"", "", ""},
			Dynamics: []any{Dep(counterRef("a", 1), "left"), Dep(second, "right")},
		}
	}

	if _, err := s.Diff(tree("plain"), nil); err != nil {
		t.Fatalf("first Diff error: %v", err)
	}

	// Slot 0 is bound to an unchanged key and gets skipped, but the
	// (counter, a) pair sitting under it is still taken for this pass.
	_, err := s.Diff(tree(counterRef("a", 2)), NewChangeSet("right"))
	if !errors.Is(err, ErrDuplicateComponentID) {
		t.Fatalf("expected ErrDuplicateComponentID, got %v", err)
	}
	if got := s.Registry().Len(); got != 1 {
		t.Errorf("registry len = %d after failed pass, want 1", got)
	}
	if cid, ok := s.Registry().CID("counter", "a"); !ok || cid != 1 {
		t.Errorf("CID(counter,a) = %d,%v", cid, ok)
	}
}

func TestComponent_SocketLookup(t *testing.T) {
	s, _ := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("Diff error: %v", err)
	}

	sock, err := s.Component(1)
	if err != nil {
		t.Fatalf("Component error: %v", err)
	}
	if got := sock.Assigns().Get("count"); got != 1 {
		t.Errorf("count = %v, want 1", got)
	}

	if _, err := s.Component(99); !errors.Is(err, ErrNoSuchComponent) {
		t.Errorf("expected ErrNoSuchComponent, got %v", err)
	}
}

func TestComponent_UnknownKindFailsPass(t *testing.T) {
	s, _ := newCounterSession(t)

	_, err := s.Diff(pageWith(&ComponentRef{Kind: "gauge", ID: "g"}), nil)
	if !errors.Is(err, ErrUnknownComponentKind) {
		t.Fatalf("expected ErrUnknownComponentKind, got %v", err)
	}
	if s.Registry().Len() != 0 {
		t.Error("failed pass must not leave instances behind")
	}
}

func TestComponent_DestroySweepOnDisappearance(t *testing.T) {
	s, c := newCounterSession(t)

	tree := &Rendered{
		Source:   "root",
		Statics:  []string{"", "", ""},
		Dynamics: []any{counterRef("a", 1), counterRef("b", 1)},
	}
	if _, err := s.Diff(tree, nil); err != nil {
		t.Fatalf("first Diff error: %v", err)
	}
	if s.Registry().Len() != 2 {
		t.Fatalf("registry len = %d, want 2", s.Registry().Len())
	}

	d, err := s.Diff(pageWith(counterRef("a", 1)), nil)
	if err != nil {
		t.Fatalf("second Diff error: %v", err)
	}
	if !reflect.DeepEqual(d.Destroyed(), []int{2}) {
		t.Errorf("destroyed = %v, want [2]", d.Destroyed())
	}
	if s.Registry().Len() != 1 {
		t.Errorf("registry len = %d, want 1", s.Registry().Len())
	}
	if !reflect.DeepEqual(c.teardowns, []int{2}) {
		t.Errorf("teardowns = %v, want [2]", c.teardowns)
	}
	if _, ok := s.Registry().byCID[1]; !ok {
		t.Error("surviving instance was swept")
	}
}

func TestComponent_CIDsNeverReused(t *testing.T) {
	s, _ := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("first Diff error: %v", err)
	}
	if _, err := s.Diff(pageWith("plain"), nil); err != nil {
		t.Fatalf("second Diff error: %v", err)
	}
	d, err := s.Diff(pageWith(counterRef("a", 1)), nil)
	if err != nil {
		t.Fatalf("third Diff error: %v", err)
	}
	if v, _ := d.Slot(0); v != 2 {
		t.Errorf("re-created instance cid = %v, want 2 (cids are never reused)", v)
	}
}

func TestComponent_AnonymousRefsGetFreshIdentityEachPass(t *testing.T) {
	s, c := newCounterSession(t)

	d1, err := s.Diff(pageWith(counterRef("", 1)), nil)
	if err != nil {
		t.Fatalf("first Diff error: %v", err)
	}
	d2, err := s.Diff(pageWith(counterRef("", 1)), nil)
	if err != nil {
		t.Fatalf("second Diff error: %v", err)
	}

	v1, _ := d1.Slot(0)
	v2, _ := d2.Slot(0)
	if v1 != 1 || v2 != 2 {
		t.Errorf("anonymous cids = %v, %v, want 1, 2", v1, v2)
	}
	if c.mounts != 2 {
		t.Errorf("mounts = %d, anonymous refs mount every pass", c.mounts)
	}
	if !reflect.DeepEqual(d2.Destroyed(), []int{1}) {
		t.Errorf("destroyed = %v, previous anonymous instance must be swept", d2.Destroyed())
	}
}

func TestComponent_MountFailureIsAllOrNothing(t *testing.T) {
	s, c := newCounterSession(t)
	c.mountErr = errors.New("boom")

	tree := &Rendered{
		Source:   "root",
		Statics:  []string{"", "", ""},
		Dynamics: []any{counterRef("a", 1), counterRef("b", 1)},
	}
	if _, err := s.Diff(tree, nil); err == nil {
		t.Fatal("expected mount failure to fail the pass")
	}
	if s.Registry().Len() != 0 {
		t.Errorf("registry len = %d, creation must be all-or-nothing", s.Registry().Len())
	}

	// The same tree succeeds once the fault clears; no stale claims remain.
	c.mountErr = nil
	if _, err := s.Diff(tree, nil); err != nil {
		t.Fatalf("recovery Diff error: %v", err)
	}
	if s.Registry().Len() != 2 {
		t.Errorf("registry len = %d, want 2", s.Registry().Len())
	}
}

func TestComponent_RenderFailureRollsBack(t *testing.T) {
	s, c := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("first Diff error: %v", err)
	}

	c.renderErr = errors.New("render broke")
	if _, err := s.Diff(pageWith(counterRef("a", 2)), nil); err == nil {
		t.Fatal("expected render failure to fail the pass")
	}
	c.renderErr = nil

	// The staged assign merge was discarded with the transaction, so count=2
	// is still a change against the committed instance.
	d, err := s.Diff(pageWith(counterRef("a", 2)), nil)
	if err != nil {
		t.Fatalf("recovery Diff error: %v", err)
	}
	cd := d.Components()["1"]
	if cd == nil {
		t.Fatal("expected a component diff after recovery")
	}
	if v, _ := cd.Slot(0); v != 2 {
		t.Errorf("component slot 0 = %v, want 2", v)
	}
}

func TestComponent_UpdateComponentOutOfPass(t *testing.T) {
	s, _ := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("Diff error: %v", err)
	}

	d, err := s.UpdateComponent(1, map[string]any{"count": 5})
	if err != nil {
		t.Fatalf("UpdateComponent error: %v", err)
	}
	cd := d.Components()["1"]
	if cd == nil {
		t.Fatalf("payload = %v, want component side table", d)
	}
	if v, _ := cd.Slot(0); v != 5 {
		t.Errorf("component slot 0 = %v, want 5", v)
	}
	if cd.Statics() != nil {
		t.Error("out-of-pass update must not resend statics")
	}

	// The update committed: re-rendering the page with the same count finds
	// nothing changed.
	d2, err := s.Diff(pageWith(counterRef("a", 5)), NewChangeSet("body"))
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if d2.Components() != nil {
		t.Errorf("side table = %v, want none", d2.Components())
	}
}

func TestComponent_UpdateUnknownCIDIgnored(t *testing.T) {
	s, _ := newCounterSession(t)

	d, err := s.UpdateComponent(99, map[string]any{"count": 1})
	if err != nil {
		t.Fatalf("UpdateComponent error: %v", err)
	}
	if !d.Empty() {
		t.Errorf("payload = %v, want empty", d)
	}
}

func TestComponent_DestroyComponentIdempotent(t *testing.T) {
	s, c := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("Diff error: %v", err)
	}

	d := s.DestroyComponent(1)
	if !reflect.DeepEqual(d.Destroyed(), []int{1}) {
		t.Errorf("destroyed = %v, want [1]", d.Destroyed())
	}
	if !reflect.DeepEqual(c.teardowns, []int{1}) {
		t.Errorf("teardowns = %v", c.teardowns)
	}

	if d := s.DestroyComponent(1); !d.Empty() {
		t.Errorf("second destroy payload = %v, want empty", d)
	}
}

func TestComponent_EnqueueFoldsIntoNextPass(t *testing.T) {
	s, c := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("Diff error: %v", err)
	}

	s.Enqueue(1, map[string]any{"count": 7})
	s.Enqueue(1, map[string]any{"count": 8})

	d, err := s.Diff(pageWith(counterRef("a", 1)), NewChangeSet()) // body untouched
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	cd := d.Components()["1"]
	if cd == nil {
		t.Fatal("queued update must surface in the next pass even under a skipped slot")
	}
	if v, _ := cd.Slot(0); v != 8 {
		t.Errorf("component slot 0 = %v, want last queued value 8", v)
	}
	if c.renders != 2 {
		t.Errorf("renders = %d, want exactly one extra render for both queued updates", c.renders)
	}

	// Queue is drained: the next quiet pass renders nothing.
	d, err = s.Diff(pageWith(counterRef("a", 8)), NewChangeSet())
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if d.Components() != nil {
		t.Errorf("side table = %v, want none", d.Components())
	}
}

func TestComponent_EnqueueUnknownCIDIgnored(t *testing.T) {
	s, _ := newCounterSession(t)

	s.Enqueue(42, map[string]any{"count": 1})
	d, err := s.Diff(pageWith("plain"), nil)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if d.Components() != nil {
		t.Errorf("side table = %v, want none", d.Components())
	}
}

func TestComponent_SkippedSlotKeepsComponentAlive(t *testing.T) {
	s, _ := newCounterSession(t)

	if _, err := s.Diff(pageWith(counterRef("a", 1)), nil); err != nil {
		t.Fatalf("Diff error: %v", err)
	}

	// body untouched: the slot is skipped, but the component beneath it must
	// not be swept.
	d, err := s.Diff(pageWith(counterRef("a", 1)), NewChangeSet())
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if d.Destroyed() != nil {
		t.Errorf("destroyed = %v, component under skipped slot must stay alive", d.Destroyed())
	}
	if s.Registry().Len() != 1 {
		t.Errorf("registry len = %d, want 1", s.Registry().Len())
	}
}

// panelComponent nests a counter ref inside its own render.
type panelComponent struct{}

func (panelComponent) Mount(ctx context.Context, sock *Socket) error  { return nil }
func (panelComponent) Update(ctx context.Context, sock *Socket) error { return nil }
func (panelComponent) Render(sock *Socket) (*Rendered, error) {
	n := sock.Assigns().GetOr("n", 0)
	return &Rendered{
		Source:  "panel",
		Statics: []string{"<div>", "</div>"},
		Dynamics: []any{
			Dep(&ComponentRef{Kind: "counter", ID: fmt.Sprintf("inner-%d", sock.CID()), Assigns: map[string]any{"count": n}}, "n"),
		},
	}, nil
}

func TestComponent_NestedComponentsRunInWaves(t *testing.T) {
	c := &counterComponent{}
	kinds := NewKinds()
	kinds.MustRegister("counter", c)
	kinds.MustRegister("panel", panelComponent{})
	s := NewSession(kinds)
	defer s.Close()

	d, err := s.Diff(pageWith(&ComponentRef{Kind: "panel", ID: "p", Assigns: map[string]any{"n": 3}}), nil)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}

	comps := d.Components()
	panel, ok := comps["1"]
	if !ok {
		t.Fatalf("missing panel diff: %v", comps)
	}
	if v, _ := panel.Slot(0); v != 2 {
		t.Errorf("panel slot 0 = %v, want nested cid 2", v)
	}
	inner, ok := comps["2"]
	if !ok {
		t.Fatalf("missing nested counter diff: %v", comps)
	}
	if v, _ := inner.Slot(0); v != 3 {
		t.Errorf("nested counter slot 0 = %v, want 3", v)
	}
}

func TestComponent_DestroyCascadesThroughNested(t *testing.T) {
	c := &counterComponent{}
	kinds := NewKinds()
	kinds.MustRegister("counter", c)
	kinds.MustRegister("panel", panelComponent{})
	s := NewSession(kinds)
	defer s.Close()

	if _, err := s.Diff(pageWith(&ComponentRef{Kind: "panel", ID: "p", Assigns: map[string]any{"n": 3}}), nil); err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if s.Registry().Len() != 2 {
		t.Fatalf("registry len = %d, want 2", s.Registry().Len())
	}

	d := s.DestroyComponent(1)
	if !reflect.DeepEqual(d.Destroyed(), []int{1, 2}) {
		t.Errorf("destroyed = %v, want [1 2]", d.Destroyed())
	}
	if s.Registry().Len() != 0 {
		t.Errorf("registry len = %d, want 0", s.Registry().Len())
	}
}

func TestComponent_SweepCascadesWhenParentDisappears(t *testing.T) {
	c := &counterComponent{}
	kinds := NewKinds()
	kinds.MustRegister("counter", c)
	kinds.MustRegister("panel", panelComponent{})
	s := NewSession(kinds)
	defer s.Close()

	if _, err := s.Diff(pageWith(&ComponentRef{Kind: "panel", ID: "p", Assigns: map[string]any{"n": 3}}), nil); err != nil {
		t.Fatalf("Diff error: %v", err)
	}

	d, err := s.Diff(pageWith("plain"), nil)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if !reflect.DeepEqual(d.Destroyed(), []int{1, 2}) {
		t.Errorf("destroyed = %v, want [1 2]", d.Destroyed())
	}
}

// preloadComponent records the batch it was given.
type preloadComponent struct {
	counterComponent
	batches [][]int
}

func (p *preloadComponent) Preload(ctx context.Context, socks []*Socket) error {
	cids := make([]int, len(socks))
	for i, s := range socks {
		cids[i] = s.CID()
	}
	p.batches = append(p.batches, cids)
	return nil
}

func TestComponent_PreloadBatchesPerKindInOrder(t *testing.T) {
	pc := &preloadComponent{}
	kinds := NewKinds()
	kinds.MustRegister("counter", pc)
	s := NewSession(kinds)
	defer s.Close()

	tree := &Rendered{
		Source:   "root",
		Statics:  []string{"", "", "", ""},
		Dynamics: []any{counterRef("a", 1), counterRef("b", 1), counterRef("c", 1)},
	}
	if _, err := s.Diff(tree, nil); err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if !reflect.DeepEqual(pc.batches, [][]int{{1, 2, 3}}) {
		t.Errorf("preload batches = %v, want one batch [1 2 3] in tree order", pc.batches)
	}
}

func TestComponent_PreloadRunsOncePerWave(t *testing.T) {
	pc := &preloadComponent{}
	kinds := NewKinds()
	kinds.MustRegister("counter", pc)
	kinds.MustRegister("panel", panelComponent{})
	s := NewSession(kinds)
	defer s.Close()

	tree := &Rendered{
		Source:  "root",
		Statics: []string{"", "", ""},
		Dynamics: []any{
			&ComponentRef{Kind: "panel", ID: "p", Assigns: map[string]any{"n": 3}},
			counterRef("x", 1),
		},
	}
	if _, err := s.Diff(tree, nil); err != nil {
		t.Fatalf("Diff error: %v", err)
	}

	// The top-level counter is preloaded with the first wave; the counter
	// discovered by the panel's render joins the next wave and gets its own
	// batch call.
	if !reflect.DeepEqual(pc.batches, [][]int{{2}, {3}}) {
		t.Errorf("preload batches = %v, want [[2] [3]]", pc.batches)
	}
}
