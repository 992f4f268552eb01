package livediff

import (
	"context"
	"fmt"
	"sync"
)

// Component is the lifecycle capability implemented by each stateful
// component kind. One registered Component value serves every instance of its
// kind; per-instance state lives on the Socket.
//
// Lifecycle per instance: Mount (once, on first appearance), then for every
// pass that touches it: Preload (batched per kind, when implemented), Update,
// Render. A failure in any step fails the whole pass and leaves no
// half-initialized instance behind.
type Component interface {
	// Mount initializes a freshly created instance. The socket's assigns
	// already hold the declared assigns from the first ComponentRef.
	Mount(ctx context.Context, sock *Socket) error

	// Update runs after assigns have been merged for this pass, before
	// Render. Only the merged keys carry changed markers.
	Update(ctx context.Context, sock *Socket) error

	// Render produces the instance's tree. Tracked slots consult the
	// socket's own change set, not the parent's.
	Render(sock *Socket) (*Rendered, error)
}

// Preloader is an optional Component capability: a per-kind batch hook that
// runs before the individual Update calls, over every instance of that kind
// touched so far (new and updated alike), in tree order. Typical use is one
// data fetch for N sibling instances.
//
// Components discovered by another component's render are processed in a
// later wave, and each wave batches on its own. A kind appearing both at the
// top level and nested therefore sees more than one Preload call per pass.
type Preloader interface {
	Preload(ctx context.Context, socks []*Socket) error
}

// Teardown is an optional Component capability invoked when an instance is
// destroyed, after its background context has been canceled.
type Teardown interface {
	Teardown(sock *Socket)
}

// Socket carries the private, persistent state of one component instance:
// its cid, its change-tracked assigns, a keyed private store, and a context
// that is canceled when the instance is destroyed (cancel any background
// work from it).
type Socket struct {
	cid     int
	assigns *Assigns
	private map[string]any
	ctx     context.Context
	cancel  context.CancelFunc
}

func newSocket(parent context.Context, cid int) *Socket {
	ctx, cancel := context.WithCancel(parent)
	return &Socket{
		cid:     cid,
		assigns: NewAssigns(),
		private: make(map[string]any),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// CID returns the instance's stable integer handle.
func (s *Socket) CID() int { return s.cid }

// Assigns returns the instance's change-tracked bindings.
func (s *Socket) Assigns() *Assigns { return s.assigns }

// Context returns the instance's lifetime context. It is canceled at destroy.
func (s *Socket) Context() context.Context { return s.ctx }

// PutPrivate stores a private value that survives across passes but is never
// part of the rendered output or the diff.
func (s *Socket) PutPrivate(key string, value any) {
	s.private[key] = value
}

// Private returns a private value stored by PutPrivate.
func (s *Socket) Private(key string) (any, bool) {
	v, ok := s.private[key]
	return v, ok
}

// clone copies the socket for a staged pass. The context is shared: identity
// survives the pass, only the mutable maps are isolated.
func (s *Socket) clone() *Socket {
	c := &Socket{
		cid:     s.cid,
		assigns: s.assigns.clone(),
		private: make(map[string]any, len(s.private)),
		ctx:     s.ctx,
		cancel:  s.cancel,
	}
	for k, v := range s.private {
		c.private[k] = v
	}
	return c
}

// Kinds is the shared table mapping kind names to Component implementations.
// Register kinds once at startup; the table is then read-only and safe to
// share across sessions.
type Kinds struct {
	mu sync.RWMutex
	m  map[string]Component
}

// NewKinds creates an empty kind table.
func NewKinds() *Kinds {
	return &Kinds{m: make(map[string]Component)}
}

// Register adds a component kind under name. Registering the same name twice
// is an error.
func (k *Kinds) Register(name string, c Component) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.m[name]; exists {
		return fmt.Errorf("%w: %q", ErrKindRegistered, name)
	}
	k.m[name] = c
	return nil
}

// MustRegister is Register that panics on error, for wiring at startup.
func (k *Kinds) MustRegister(name string, c Component) {
	if err := k.Register(name, c); err != nil {
		panic(err)
	}
}

// Lookup returns the Component registered under name.
func (k *Kinds) Lookup(name string) (Component, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	c, ok := k.m[name]
	return c, ok
}
