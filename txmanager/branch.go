package txmanager

import (
	"context"
	"fmt"
	"time"

	"xacoord/log"
	"xacoord/xa"
	"xacoord/xid"
)

// branch is the part of a global transaction done against one resource
// manager. The primary enlistment drives prepare and completion; members holds
// every enlistment, primary first, for start and end.
type branch struct {
	id       xid.ID
	index    int
	primary  *enlistment
	members  []*enlistment
	status   BranchStatus
	rmUsable bool
	factory  string

	opts    *Options
	metrics *metrics
}

func newBranch(id xid.ID, index int, res *Resource, opts *Options, m *metrics) *branch {
	primary := newEnlistment(res)
	return &branch{
		id:       id,
		index:    index,
		primary:  primary,
		members:  []*enlistment{primary},
		status:   BranchNone,
		rmUsable: true,
		factory:  res.FactoryName(),
		opts:     opts,
		metrics:  m,
	}
}

// recoveredBranch rebuilds a branch from the log, its handle seeded prepared.
func recoveredBranch(id xid.ID, index int, res *Resource, status BranchStatus, opts *Options, m *metrics) *branch {
	primary := recoveredEnlistment(res)
	return &branch{
		id:       id,
		index:    index,
		primary:  primary,
		members:  []*enlistment{primary},
		status:   status,
		rmUsable: true,
		factory:  res.FactoryName(),
		opts:     opts,
		metrics:  m,
	}
}

func (b *branch) String() string {
	return fmt.Sprintf("branch(xid=%s,index=%d,status=%s)", b.id, b.index, b.status)
}

func (b *branch) resource() *Resource {
	return b.primary.res
}

func (b *branch) find(res *Resource) *enlistment {
	for _, e := range b.members {
		if e.res == res {
			return e
		}
	}
	return nil
}

func (b *branch) start(ctx context.Context) error {
	if b.status != BranchNone {
		return newError(KindInvalidState, nil, "%s already started", b)
	}
	if err := b.primary.start(ctx, b.id, xa.TMNoFlags); err != nil {
		return b.startFailed(err, true, "start")
	}
	b.status = BranchActive
	return nil
}

// startFailed handles a start, join or resume error. markUnusable is false
// when only a joining handle failed.
func (b *branch) startFailed(err error, markUnusable bool, op string) error {
	if KindOf(err) != 0 {
		return err
	}
	switch classify(err) {
	case classRetry, classRollback, classInvalidXid:
		b.status = BranchRollbackOnly
		return newError(KindRollback, err, "%s %s", op, b)
	case classRMFailed:
		if markUnusable {
			b.rmUsable = false
		}
	}
	b.status = BranchRollbackOnly
	return newError(KindSystem, err, "%s %s", op, b)
}

// isSameRM reports whether res may join this branch's resource manager.
func (b *branch) isSameRM(res *Resource) (bool, error) {
	if !res.JoinSupported() {
		return false, nil
	}
	same, err := b.primary.res.isSameRM(res)
	if err != nil {
		if classify(err) == classRMFailed {
			b.rmUsable = false
		}
		return false, newError(KindSystem, err, "compare resource with %s", b)
	}
	return same, nil
}

func (b *branch) canJoin(res *Resource) bool {
	if b.status != BranchActive || !res.JoinSupported() || b.find(res) != nil {
		return false
	}
	same, err := b.primary.res.isSameRM(res)
	return err == nil && same
}

func (b *branch) join(ctx context.Context, res *Resource) error {
	if !b.canJoin(res) {
		return newError(KindInvalidState, nil, "%s cannot join %s", res, b)
	}
	e := newEnlistment(res)
	b.members = append(b.members, e)
	if err := e.start(ctx, b.id, xa.TMJoin); err != nil {
		return b.startFailed(err, false, "join")
	}
	return nil
}

func (b *branch) resume(ctx context.Context, res *Resource) error {
	e := b.find(res)
	if b.status != BranchActive || e == nil || !e.suspended() {
		return newError(KindInvalidState, nil, "cannot resume %s in %s", res, b)
	}
	if err := e.start(ctx, b.id, xa.TMResume); err != nil {
		return b.startFailed(err, e == b.primary, "resume")
	}
	return nil
}

func (b *branch) suspend(ctx context.Context, res *Resource) error {
	e := b.find(res)
	if b.status != BranchActive || e == nil || !e.active() {
		return newError(KindInvalidState, nil, "cannot suspend %s in %s", res, b)
	}
	return b.endOne(ctx, e, xa.TMSuspend)
}

func (b *branch) canEnd(e *enlistment) bool {
	return b.status == BranchActive && e != nil && (e.active() || e.suspended())
}

func (b *branch) endResource(ctx context.Context, res *Resource) error {
	e := b.find(res)
	if !b.canEnd(e) {
		return newError(KindInvalidState, nil, "cannot end %s in %s", res, b)
	}
	return b.endOne(ctx, e, xa.TMSuccess)
}

func (b *branch) failResource(ctx context.Context, res *Resource) error {
	e := b.find(res)
	if !b.canEnd(e) {
		return newError(KindInvalidState, nil, "cannot fail %s in %s", res, b)
	}
	defer func() { b.status = BranchRollbackOnly }()
	return b.endOne(ctx, e, xa.TMFail)
}

func (b *branch) endOne(ctx context.Context, e *enlistment, flags xa.Flags) error {
	err := e.end(ctx, b.id, flags)
	if err == nil || KindOf(err) != 0 {
		return err
	}
	switch classify(err) {
	case classRollback, classInvalidXid:
		b.status = BranchRollbackOnly
		return newError(KindRollback, err, "end %s", b)
	case classRMFailed:
		b.rmUsable = false
		b.status = BranchRollbackOnly
	}
	return newError(KindSystem, err, "end %s with flags %#x", b, int(flags))
}

// endAll ends every member still associated. It moves to newStatus only when
// all of them ended cleanly.
func (b *branch) endAll(ctx context.Context, flags xa.Flags, newStatus BranchStatus) error {
	var errs errorSet
	for _, e := range b.members {
		if flags == xa.TMSuspend {
			if e.active() {
				errs.add(b.endOne(ctx, e, flags))
			}
			continue
		}
		if e.active() || e.suspended() {
			errs.add(b.endOne(ctx, e, flags))
		}
	}
	if err := errs.firstOf(KindRollback, KindSystem, KindInvalidState); err != nil {
		return err
	}
	b.status = newStatus
	return nil
}

func (b *branch) endSuccessfully(ctx context.Context) error {
	switch b.status {
	case BranchIdleSuccess:
		return nil
	case BranchRollbackOnly:
		return newError(KindRollback, nil, "%s is rollback only", b)
	case BranchActive, BranchIdleSuspended:
	default:
		return newError(KindInvalidState, nil, "cannot end %s", b)
	}
	if !b.rmUsable {
		return newError(KindSystem, nil, "resource manager of %s unusable", b)
	}
	return b.endAll(ctx, xa.TMSuccess, BranchIdleSuccess)
}

// associated reports whether some member is still active or suspended.
func (b *branch) associated() bool {
	for _, e := range b.members {
		if e.active() || e.suspended() {
			return true
		}
	}
	return false
}

func (b *branch) endFailed(ctx context.Context) error {
	return b.endAll(ctx, xa.TMFail, BranchRollbackOnly)
}

// prepare returns true for a commit vote.
func (b *branch) prepare(ctx context.Context) (bool, error) {
	if !b.rmUsable || b.status != BranchIdleSuccess {
		return false, newError(KindInvalidState, nil, "cannot prepare %s", b)
	}
	vote, err := b.primary.prepare(ctx, b.id)
	if err == nil {
		if vote == xa.ReadOnly {
			b.status = BranchReadOnly
		} else {
			b.status = BranchPrepared
		}
		return true, nil
	}
	if KindOf(err) != 0 {
		return false, err
	}
	switch classify(err) {
	case classRollback:
		b.status = BranchRolledBack
		log.InfoContextf(ctx, "%s voted rollback: %v", b, err)
		return false, nil
	case classReadOnly:
		b.status = BranchReadOnly
		return true, nil
	case classRMFailed:
		b.rmUsable = false
		b.status = BranchRollbackOnly
	}
	return false, newError(KindSystem, err, "prepare %s", b)
}

func (b *branch) sleep(ctx context.Context, kind errClass, d time.Duration, attempt int) error {
	b.metrics.commitRetries.WithLabelValues(kind.String()).Inc()
	log.WarnContextf(ctx, "%s commit returned %s, retrying in %s, attempt %d", b, kind, d, attempt)
	select {
	case <-ctx.Done():
		return newError(KindSystem, ctx.Err(), "commit %s interrupted", b)
	case <-b.opts.Clock.After(d):
		return nil
	}
}

func (b *branch) commitTwoPhase(ctx context.Context) error {
	switch b.status {
	case BranchReadOnly:
		b.status = BranchCommitted
		return nil
	case BranchCommitted:
		return nil
	}
	if !b.rmUsable || b.status != BranchPrepared {
		return newError(KindInvalidState, nil, "cannot commit %s", b)
	}
	retries := 0
	for {
		err := b.primary.commit(ctx, b.id, false)
		if err == nil {
			b.status = BranchCommitted
			return nil
		}
		if KindOf(err) != 0 {
			return err
		}
		class := classify(err)
		switch class {
		case classHeurCommit:
			b.status = BranchCommittedHeuristically
			return nil
		case classHeurMixed:
			b.status = BranchHeuristicallyCompleted
			return newError(KindHeuristicMixed, err, "commit %s", b)
		case classHeurRollback:
			b.status = BranchRolledBackHeuristically
			return newError(KindHeuristicRollback, err, "commit %s", b)
		case classRetry:
			if retries < b.opts.RetryLimit {
				retries++
				if serr := b.sleep(ctx, class, b.opts.RetryDelay, retries); serr != nil {
					return serr
				}
				continue
			}
			return newError(KindSystem, err, "commit %s gave up after %d retries", b, retries)
		case classRMError:
			if retries < b.opts.RMErrorLimit {
				retries++
				if serr := b.sleep(ctx, class, b.opts.RMErrorDelay, retries); serr != nil {
					return serr
				}
				continue
			}
			if rerr := b.primary.rollback(ctx, b.id); rerr != nil {
				log.WarnContextf(ctx, "rollback %s after %d failed commits: %v", b, retries, rerr)
			}
			b.status = BranchRolledBack
			return newError(KindRollback, err, "commit %s gave up after %d retries", b, retries)
		case classRMFailed:
			b.rmUsable = false
		}
		return newError(KindSystem, err, "commit %s", b)
	}
}

func (b *branch) canCommitOnePhase() bool {
	if !b.rmUsable {
		return false
	}
	switch b.status {
	case BranchActive, BranchIdleSuspended, BranchIdleSuccess:
		return true
	}
	return false
}

func (b *branch) commitOnePhase(ctx context.Context) error {
	if !b.canCommitOnePhase() {
		return newError(KindInvalidState, nil, "cannot commit %s in one phase", b)
	}
	if b.primary.active() || b.primary.suspended() {
		if err := b.endOne(ctx, b.primary, xa.TMSuccess); err != nil {
			return err
		}
	}
	err := b.primary.commit(ctx, b.id, true)
	if err == nil {
		b.status = BranchCommitted
		return nil
	}
	if KindOf(err) != 0 {
		return err
	}
	switch classify(err) {
	case classHeurCommit:
		b.status = BranchCommittedHeuristically
		return nil
	case classHeurMixed:
		b.status = BranchHeuristicallyCompleted
		return newError(KindHeuristicMixed, err, "commit %s", b)
	case classHeurRollback:
		b.status = BranchRolledBackHeuristically
		return newError(KindHeuristicRollback, err, "commit %s", b)
	case classRollback, classRMError:
		b.status = BranchRolledBack
		return newError(KindRollback, err, "commit %s", b)
	case classRMFailed:
		b.rmUsable = false
	}
	return newError(KindSystem, err, "commit %s in one phase", b)
}

func (b *branch) canRollback() bool {
	if !b.rmUsable {
		return false
	}
	switch b.status {
	case BranchPrepared, BranchRollbackOnly, BranchActive, BranchIdleSuspended, BranchIdleSuccess:
		return true
	}
	return false
}

// rollback never fails because the branch is in the wrong state; only
// resource manager outcomes are reported.
func (b *branch) rollback(ctx context.Context) error {
	switch b.status {
	case BranchRolledBack, BranchRolledBackHeuristically, BranchCommitted,
		BranchCommittedHeuristically, BranchHeuristicallyCompleted:
		return nil
	case BranchReadOnly:
		b.status = BranchRolledBack
		return nil
	}
	if !b.canRollback() {
		log.WarnContextf(ctx, "unable to roll back %s, rm usable %t", b, b.rmUsable)
		return nil
	}
	if b.primary.state == enlistInactive {
		// never started at the resource manager
		b.status = BranchRolledBack
		return nil
	}
	err := b.primary.rollback(ctx, b.id)
	if err == nil {
		b.status = BranchRolledBack
		return nil
	}
	if KindOf(err) != 0 {
		return err
	}
	switch classify(err) {
	case classHeurCommit:
		b.status = BranchCommittedHeuristically
		return newError(KindHeuristicCommit, err, "rollback %s", b)
	case classHeurMixed:
		b.status = BranchHeuristicallyCompleted
		return newError(KindHeuristicMixed, err, "rollback %s", b)
	case classHeurRollback:
		b.status = BranchRolledBackHeuristically
		return nil
	case classRollback, classInvalidXid:
		b.status = BranchRolledBack
		return nil
	case classRMFailed:
		b.rmUsable = false
	}
	return newError(KindSystem, err, "rollback %s", b)
}

func (b *branch) heuristicallyCompleted() bool {
	return b.status.heuristic()
}

func (b *branch) forget(ctx context.Context) error {
	if !b.rmUsable || !b.heuristicallyCompleted() {
		return newError(KindInvalidState, nil, "cannot forget %s", b)
	}
	err := b.primary.forget(ctx, b.id)
	if err == nil {
		b.status = BranchNone
		return nil
	}
	switch classify(err) {
	case classInvalidXid:
		b.status = BranchNone
		return nil
	case classRMFailed:
		b.rmUsable = false
	}
	return newError(KindSystem, err, "forget %s", b)
}

// dispose releases every enlistment and drops the handles. Safe to call more
// than once.
func (b *branch) dispose() {
	for _, e := range b.members {
		e.dispose()
	}
	b.members = nil
	b.primary = nil
}

func (b *branch) record() *BranchRecord {
	x := b.id.XA()
	return &BranchRecord{
		Index:           b.index,
		FormatID:        x.FormatID,
		GlobalID:        x.GlobalID,
		BranchQualifier: x.BranchQualifier,
		Status:          b.status,
		FactoryName:     b.factory,
	}
}
