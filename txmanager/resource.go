package txmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xacoord/xa"
	"xacoord/xid"
)

// ResourceEvent is delivered to listeners when a handle is associated with or
// released from a global transaction.
type ResourceEvent struct {
	Resource *Resource
	XID      xid.ID
}

// ResourceListener is typically a connection pool that takes a handle back once
// it has been released.
type ResourceListener interface {
	ResourceEnlisted(ev ResourceEvent)
	ResourceDelisted(ev ResourceEvent)
}

// ResourceFactory hands out handles for one resource manager. The hint, when
// set, names the global transaction the handle is wanted for. Recovery gives
// back every handle it acquired through Release.
type ResourceFactory interface {
	Name() string
	Resource(ctx context.Context, hint *xid.ID) (*Resource, error)
	Release(res *Resource)
}

type ResourceOption func(*Resource)

// WithJoinSupported allows handles of the same resource manager to share a branch.
func WithJoinSupported() ResourceOption {
	return func(r *Resource) {
		r.joinSupported = true
	}
}

// WithReuseAfterEnd releases the handle as soon as its branch association ends.
func WithReuseAfterEnd() ResourceOption {
	return func(r *Resource) {
		r.reuseAfterEnd = true
	}
}

// WithIdentity labels the handle in logs.
func WithIdentity(identity string) ResourceOption {
	return func(r *Resource) {
		r.identity = identity
	}
}

// Resource wraps an xa.Resource connection. The handle's own mutex guards its
// reference count and current transaction, independent of any transaction lock.
type Resource struct {
	mu            sync.Mutex
	factoryName   string
	xares         xa.Resource
	identity      string
	currentXID    *xid.ID
	listeners     []ResourceListener
	joinSupported bool
	reuseAfterEnd bool
	refCount      int
	useCount      int
	birth         time.Time
}

func NewResource(factoryName string, xares xa.Resource, opts ...ResourceOption) *Resource {
	r := &Resource{
		factoryName: factoryName,
		xares:       xares,
		birth:       time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resource) FactoryName() string {
	return r.factoryName
}

func (r *Resource) XAResource() xa.Resource {
	return r.xares
}

func (r *Resource) JoinSupported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinSupported
}

func (r *Resource) RefCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refCount
}

func (r *Resource) UseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.useCount
}

func (r *Resource) IncrUseCount() {
	r.mu.Lock()
	r.useCount++
	r.mu.Unlock()
}

func (r *Resource) Birth() time.Time {
	return r.birth
}

// CurrentXID returns the global transaction owning the handle, if any.
func (r *Resource) CurrentXID() (xid.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentXID == nil {
		return xid.ID{}, false
	}
	return *r.currentXID, true
}

func (r *Resource) AddListener(l ResourceListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners {
		if existing == l {
			return
		}
	}
	r.listeners = append(r.listeners, l)
}

func (r *Resource) ClearListeners() {
	r.mu.Lock()
	r.listeners = nil
	r.mu.Unlock()
}

func (r *Resource) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := "<nil>"
	if r.currentXID != nil {
		cur = r.currentXID.String()
	}
	return fmt.Sprintf("Resource(factory=%s,identity=%s,xid=%s,refCount=%d)", r.factoryName, r.identity, cur, r.refCount)
}

// notify is returned by the locked mutators and run after unlocking, so
// listeners may call back into the handle.
type notify func()

// setCurrentLocked must be called with r.mu held.
func (r *Resource) setCurrentLocked(id *xid.ID) notify {
	switch {
	case id == nil && r.currentXID != nil:
		prev := *r.currentXID
		r.currentXID = nil
		listeners := append([]ResourceListener(nil), r.listeners...)
		return func() {
			for _, l := range listeners {
				l.ResourceDelisted(ResourceEvent{Resource: r, XID: prev})
			}
		}
	case id != nil && r.currentXID == nil:
		cur := *id
		r.currentXID = &cur
		listeners := append([]ResourceListener(nil), r.listeners...)
		return func() {
			for _, l := range listeners {
				l.ResourceEnlisted(ResourceEvent{Resource: r, XID: cur})
			}
		}
	}
	return func() {}
}

func (r *Resource) start(ctx context.Context, branchID xid.ID, flags xa.Flags) error {
	gid := branchID.Global()
	r.mu.Lock()
	if r.currentXID != nil && !(flags == xa.TMResume && *r.currentXID == gid) {
		cur := *r.currentXID
		r.mu.Unlock()
		return newError(KindInvalidState, nil, "%s already associated with %s", r.identity, cur)
	}
	if err := r.xares.Start(ctx, branchID.XA(), flags); err != nil {
		r.mu.Unlock()
		return err
	}
	n := r.setCurrentLocked(&gid)
	r.mu.Unlock()
	n()
	return nil
}

func (r *Resource) end(ctx context.Context, branchID xid.ID, flags xa.Flags) error {
	gid := branchID.Global()
	r.mu.Lock()
	if r.currentXID == nil || *r.currentXID != gid {
		r.mu.Unlock()
		return newError(KindInvalidState, nil, "%s is not associated with %s", r.identity, gid)
	}
	if err := r.xares.End(ctx, branchID.XA(), flags); err != nil {
		r.mu.Unlock()
		return err
	}
	n := func() {}
	if r.reuseAfterEnd && flags != xa.TMSuspend {
		n = r.setCurrentLocked(nil)
	}
	r.mu.Unlock()
	n()
	return nil
}

func (r *Resource) prepare(ctx context.Context, branchID xid.ID) (xa.Vote, error) {
	return r.xares.Prepare(ctx, branchID.XA())
}

func (r *Resource) commit(ctx context.Context, branchID xid.ID, onePhase bool) error {
	return r.xares.Commit(ctx, branchID.XA(), onePhase)
}

func (r *Resource) rollback(ctx context.Context, branchID xid.ID) error {
	return r.xares.Rollback(ctx, branchID.XA())
}

func (r *Resource) forget(ctx context.Context, branchID xid.ID) error {
	return r.xares.Forget(ctx, branchID.XA())
}

func (r *Resource) recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	return r.xares.Recover(ctx, flags)
}

func (r *Resource) isSameRM(other *Resource) (bool, error) {
	if r == other {
		return true, nil
	}
	return r.xares.IsSameRM(other.xares)
}

func (r *Resource) incrEnlistCount() {
	r.mu.Lock()
	r.refCount++
	r.mu.Unlock()
}

// decrEnlistCount releases the handle when the last enlistment goes away,
// unless it was already released at end.
func (r *Resource) decrEnlistCount() {
	r.mu.Lock()
	r.refCount--
	n := func() {}
	if !r.reuseAfterEnd && r.refCount == 0 {
		n = r.setCurrentLocked(nil)
	}
	r.mu.Unlock()
	n()
}
