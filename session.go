package livediff

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/livefir/livediff/internal/metrics"
)

// Session is the per-connection context object: it owns exactly one shape
// store and one component registry, which persist for the connection's
// lifetime and are mutated only by committed passes.
//
// Render passes for one session are strictly sequential; Diff must not be
// called concurrently. Background work may Enqueue component updates from
// any goroutine — they are folded in at the start of the next pass.
type Session struct {
	kinds    *Kinds
	registry *Registry
	shapes   *ShapeStore
	logger   *log.Logger
	metrics  *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	queueMu sync.Mutex
	queue   []queuedUpdate

	accessMu     sync.Mutex
	lastAccessed time.Time
}

type queuedUpdate struct {
	cid     int
	assigns map[string]any
}

// SessionOption configures a Session at construction.
type SessionOption func(*Session)

// WithLogger sets the logger used for non-fatal registry events.
func WithLogger(l *log.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithMetrics sets a shared metrics collector; by default each session
// carries its own.
func WithMetrics(c *metrics.Collector) SessionOption {
	return func(s *Session) { s.metrics = c }
}

// NewSession creates a fresh per-connection session backed by the shared
// kind table.
func NewSession(kinds *Kinds, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		kinds:        kinds,
		registry:     NewRegistry(kinds),
		logger:       log.Default(),
		metrics:      metrics.NewCollector(),
		ctx:          ctx,
		cancel:       cancel,
		lastAccessed: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the session's component registry, mainly for inspection
// in drivers and tests.
func (s *Session) Registry() *Registry {
	return s.registry
}

// Diff is the single per-pass entry point: it diffs tree against the shape
// remembered from the previous pass, reconciles every component the tree
// references (destroying the ones that disappeared), and returns the wire
// payload. changed carries the binding keys the driver touched since the
// last pass; nil means everything is suspect.
//
// On error nothing is committed: the previous shape store and registry are
// untouched and queued background updates are requeued.
func (s *Session) Diff(tree *Rendered, changed ChangeSet) (Diff, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: nil root", ErrMalformedTree)
	}
	s.touch()

	txn := s.registry.begin(s.ctx)
	p := newPass(s, txn)

	queued := s.drainQueue()
	for _, q := range queued {
		inst, ok := txn.lookup(q.cid)
		if !ok {
			s.logger.Printf("livediff: queued update for unknown cid %d ignored", q.cid)
			continue
		}
		staged := txn.stage(inst)
		staged.sock.assigns.Merge(q.assigns)
	}

	if err := p.claimRefs(tree); err != nil {
		s.failPass(queued)
		return nil, err
	}

	d, next, err := p.template(tree, s.shapes, changed)
	if err != nil {
		s.failPass(queued)
		return nil, err
	}
	if err := p.processPending(); err != nil {
		s.failPass(queued)
		return nil, err
	}

	// Components that received background updates but sat under skipped
	// slots still need their update-render step this pass.
	for _, q := range queued {
		if p.seen[q.cid] && !p.rendered[q.cid] {
			if inst, ok := txn.lookup(q.cid); ok {
				p.enqueue(inst, false)
			}
		}
	}
	if err := p.processPending(); err != nil {
		s.failPass(queued)
		return nil, err
	}

	p.sweep()
	if len(p.components) > 0 {
		d[componentsKey] = p.components
	}
	if len(txn.destroyed) > 0 {
		d[destroyedKey] = append([]int(nil), txn.destroyed...)
	}

	txn.commit()
	s.shapes = next

	s.metrics.IncrementDiffPass()
	if d.Statics() != nil {
		s.metrics.IncrementCustomCounter("full_renders")
	}
	s.metrics.AddComponentsCreated(int64(len(txn.added)))
	s.metrics.AddComponentsDestroyed(int64(len(txn.destroyed)))
	s.metrics.AddPayloadBytes(int64(d.Size()))
	return d, nil
}

// Enqueue folds a background assign update for a component into the next
// render pass. Safe to call from any goroutine. The update is applied at the
// start of the next Diff call, never in between.
func (s *Session) Enqueue(cid int, assigns map[string]any) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queue = append(s.queue, queuedUpdate{cid: cid, assigns: assigns})
}

// UpdateComponent runs an out-of-pass update for one component: its assigns
// are merged (merged keys marked changed), its lifecycle runs, and the
// payload carries only the component side table. An unknown cid — a delayed
// trigger referencing an already-destroyed component — is logged and
// ignored, returning an empty payload.
func (s *Session) UpdateComponent(cid int, assigns map[string]any) (Diff, error) {
	s.touch()
	inst, ok := s.registry.byCID[cid]
	if !ok {
		s.logger.Printf("livediff: update for unknown cid %d ignored", cid)
		return Diff{}, nil
	}

	txn := s.registry.begin(s.ctx)
	p := newPass(s, txn)

	staged := txn.stage(inst)
	staged.sock.assigns.Merge(assigns)
	p.seen[cid] = true
	if !staged.anon {
		p.claimed[staged.key] = true
	}
	p.enqueue(staged, false)

	if err := p.processPending(); err != nil {
		s.metrics.IncrementGenerationError()
		return nil, err
	}

	txn.commit()
	d := Diff{}
	if len(p.components) > 0 {
		d[componentsKey] = p.components
	}
	s.metrics.AddComponentsCreated(int64(len(txn.added)))
	s.metrics.AddPayloadBytes(int64(d.Size()))
	return d, nil
}

// DestroyComponent removes a component (and every component nested inside
// its last rendered subtree) outside a render pass, returning the destroyed
// cid list payload. Destroying an absent cid is a no-op: network races can
// deliver duplicate destroy requests.
func (s *Session) DestroyComponent(cid int) Diff {
	s.touch()
	inst, ok := s.registry.byCID[cid]
	if !ok {
		s.logger.Printf("livediff: destroy of absent cid %d ignored", cid)
		return Diff{}
	}

	destroyed := make([]int, 0, 1)
	var cascade func(inst *instance)
	cascade = func(inst *instance) {
		// Nested components are referenced nowhere else: an id can appear
		// at only one site per pass.
		for _, nested := range inst.shapes.allCIDs() {
			if child, ok := s.registry.byCID[nested]; ok {
				cascade(child)
			}
		}
		s.registry.destroy(inst)
		destroyed = append(destroyed, inst.sock.cid)
	}
	cascade(inst)

	sort.Ints(destroyed)
	s.metrics.AddComponentsDestroyed(int64(len(destroyed)))
	return Diff{destroyedKey: destroyed}
}

// Component returns the socket of a live component instance, for driver-side
// inspection of its assigns and private state.
func (s *Session) Component(cid int) (*Socket, error) {
	inst, ok := s.registry.byCID[cid]
	if !ok {
		return nil, fmt.Errorf("%w: cid %d", ErrNoSuchComponent, cid)
	}
	return inst.sock, nil
}

// Metrics returns a snapshot of the session's counters.
func (s *Session) Metrics() metrics.Snapshot {
	return s.metrics.Snapshot()
}

// Close destroys every live component (canceling their background work) and
// releases the session. Further calls are no-ops.
func (s *Session) Close() error {
	s.registry.close()
	s.cancel()
	return nil
}

// IsExpired checks if the session has been idle longer than ttl.
func (s *Session) IsExpired(ttl time.Duration) bool {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	return time.Since(s.lastAccessed) > ttl
}

func (s *Session) touch() {
	s.accessMu.Lock()
	s.lastAccessed = time.Now()
	s.accessMu.Unlock()
}

func (s *Session) drainQueue() []queuedUpdate {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// failPass records a failed pass and puts drained background updates back so
// they are not lost with the discarded transaction.
func (s *Session) failPass(queued []queuedUpdate) {
	s.metrics.IncrementGenerationError()
	if len(queued) > 0 {
		s.queueMu.Lock()
		s.queue = append(queued, s.queue...)
		s.queueMu.Unlock()
	}
}
