package txmanager

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"xacoord/log"
	"xacoord/xa"
	"xacoord/xid"
)

// Transaction is a global transaction. All state changes are serialized by
// its mutex, so resources may be enlisted from several goroutines.
type Transaction struct {
	mu         sync.Mutex
	mgr        *TXManager
	id         xid.ID
	serial     int64
	status     TXStatus
	branches   []*branch
	logged     bool
	recovering bool
	disposed   bool
	syncs      []Synchronization
	done       chan struct{}
}

func newTransaction(mgr *TXManager, id xid.ID) *Transaction {
	return &Transaction{
		mgr:    mgr,
		id:     id,
		status: StatusActive,
		done:   make(chan struct{}),
	}
}

func (t *Transaction) ID() xid.ID {
	return t.id
}

func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction(xid=%s,status=%s,branches=%d)", t.id, t.status, len(t.branches))
}

func (t *Transaction) Status() TXStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// BranchCount returns the number of branches enlisted so far.
func (t *Transaction) BranchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.branches)
}

func (t *Transaction) logContext(ctx context.Context) context.Context {
	return log.NewContext(ctx, "xid", t.id.String())
}

func (t *Transaction) find(res *Resource) *branch {
	for _, b := range t.branches {
		if b.find(res) != nil {
			return b
		}
	}
	return nil
}

func (t *Transaction) findSameRM(res *Resource) (*branch, error) {
	for _, b := range t.branches {
		same, err := b.isSameRM(res)
		if err != nil {
			return nil, err
		}
		if same {
			return b, nil
		}
	}
	return nil, nil
}

// EnlistResource associates res with the transaction, resuming, joining or
// starting a branch as needed.
func (t *Transaction) EnlistResource(ctx context.Context, res *Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx = t.logContext(ctx)

	switch t.status {
	case StatusMarkedRollback:
		return newError(KindRollback, nil, "transaction is marked rollback only")
	case StatusActive:
	default:
		return newError(KindInvalidState, nil, "cannot enlist in %s transaction", t.status)
	}

	if b := t.find(res); b != nil {
		e := b.find(res)
		switch {
		case e.active():
			return nil
		case e.suspended():
			if err := b.resume(ctx, res); err != nil {
				return t.enlistFailed(err, "resume")
			}
			return nil
		}
		return t.enlistFailed(newError(KindInvalidState, nil, "%s already ended in %s", res, b), "re-enlist")
	}

	b, err := t.findSameRM(res)
	if err != nil {
		return t.enlistFailed(err, "compare")
	}
	if b != nil {
		log.DebugContextf(ctx, "joining %s to %s", res, b)
		if err := b.join(ctx, res); err != nil {
			return t.enlistFailed(err, "join")
		}
		return nil
	}

	n := len(t.branches)
	if n >= t.mgr.opts.MaxBranches {
		t.status = StatusMarkedRollback
		return newError(KindTooManyBranches, nil, "transaction already has %d branches", n)
	}
	b = newBranch(t.id.Branch(n), n, res, t.mgr.opts, t.mgr.metrics)
	if err := b.start(ctx); err != nil {
		b.dispose()
		return t.enlistFailed(err, "start")
	}
	t.branches = append(t.branches, b)
	res.IncrUseCount()
	log.DebugContextf(ctx, "started %s for %s", b, res)
	return nil
}

func (t *Transaction) enlistFailed(err error, op string) error {
	t.status = StatusMarkedRollback
	return newError(KindSystem, err, "%s resource", op)
}

// DelistResource ends the association of res: xa.TMSuccess, xa.TMFail or
// xa.TMSuspend. It reports false when res is not enlisted here.
func (t *Transaction) DelistResource(ctx context.Context, res *Resource, flags xa.Flags) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx = t.logContext(ctx)

	if t.status != StatusActive && t.status != StatusMarkedRollback {
		return false, newError(KindInvalidState, nil, "cannot delist from %s transaction", t.status)
	}
	b := t.find(res)
	if b == nil {
		return false, nil
	}
	var err error
	switch flags {
	case xa.TMSuccess:
		err = b.endResource(ctx, res)
	case xa.TMFail:
		err = b.failResource(ctx, res)
		t.status = StatusMarkedRollback
	case xa.TMSuspend:
		err = b.suspend(ctx, res)
	default:
		return false, newError(KindInvalidState, nil, "unsupported delist flags %#x", int(flags))
	}
	if err != nil {
		t.status = StatusMarkedRollback
		return false, newError(KindSystem, err, "end %s with flags %#x", res, int(flags))
	}
	return true, nil
}

func (t *Transaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return newError(KindInvalidState, nil, "cannot register synchronization in %s transaction", t.status)
	}
	t.syncs = append(t.syncs, s)
	return nil
}

func (t *Transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusMarkedRollback:
		return nil
	case StatusActive:
		t.status = StatusMarkedRollback
		return nil
	}
	return newError(KindInvalidState, nil, "cannot mark %s transaction rollback only", t.status)
}

// expire is run when the transaction timeout fires. A transaction marked
// rollback only can never prepare, so it no longer shields its branches from
// recovery and leaves the live set even if the caller abandons it.
func (t *Transaction) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusActive:
		log.WarnContextf(t.logContext(context.Background()), "transaction timed out after %s, marking rollback only", t.mgr.opts.Timeout)
		t.status = StatusMarkedRollback
	case StatusMarkedRollback:
	default:
		return
	}
	t.mgr.live.remove(t.id)
}

// Commit completes the transaction, in one phase when a single branch is
// enlisted.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx = t.logContext(ctx)

	if t.disposed {
		return newError(KindInvalidState, nil, "transaction already completed with %s", t.status)
	}
	if t.status == StatusMarkedRollback {
		err := t.rollbackLocked(ctx)
		return newError(KindRollback, err, "transaction was marked rollback only")
	}
	if !t.recovering && t.status != StatusActive {
		return newError(KindInvalidState, nil, "cannot commit %s transaction", t.status)
	}
	if len(t.branches) == 0 && !t.recovering {
		t.beforeCompletion(ctx)
		t.status = StatusCommitted
		t.complete(ctx, "none")
		return nil
	}
	if len(t.branches) == 1 && !t.mgr.opts.ForceTwoPhase && !t.recovering {
		return t.commitOnePhase(ctx)
	}
	return t.commitTwoPhase(ctx)
}

func (t *Transaction) commitOnePhase(ctx context.Context) error {
	b := t.branches[0]
	if !b.canCommitOnePhase() {
		return newError(KindInvalidState, nil, "cannot commit %s in one phase", b)
	}
	t.status = StatusCommitting
	t.beforeCompletion(ctx)

	if err := b.endSuccessfully(ctx); err != nil {
		// nothing was committed yet
		rerr := t.rollbackLocked(ctx)
		return newError(KindRollback, multierr.Append(err, rerr), "end before one-phase commit")
	}

	err := b.commitOnePhase(ctx)
	switch KindOf(err) {
	case 0:
		t.status = StatusCommitted
	case KindRollback:
		t.status = StatusRolledBack
	default:
		t.status = StatusUnknown
	}
	t.forget(ctx)
	t.complete(ctx, "one_phase")
	if err == nil || KindOf(err) == KindRollback {
		return err
	}
	var errs errorSet
	errs.add(err)
	return errs.raise("one-phase commit", KindHeuristicMixed, KindHeuristicRollback, KindRollback, KindSystem, KindInvalidState)
}

func (t *Transaction) commitTwoPhase(ctx context.Context) error {
	var errs errorSet
	vote := true

	// A recovered transaction is already past phase one.
	if t.status == StatusActive {
		t.status = StatusPreparing
		t.beforeCompletion(ctx)

		for _, b := range t.branches {
			if err := b.endSuccessfully(ctx); err != nil {
				vote = false
				errs.add(err)
			}
		}
		if err := t.failpoint(ctx, FailpointAfterEnd); err != nil {
			return err
		}
		if !t.recovering && vote {
			if err := t.insert(ctx); err != nil {
				vote = false
				errs.add(err)
			}
		}
		for _, b := range t.branches {
			if !vote {
				break
			}
			ok, err := b.prepare(ctx)
			if err != nil {
				errs.add(err)
			}
			if !ok {
				vote = false
			}
		}
	}

	if !vote {
		errs.add(t.rollbackLocked(ctx))
		return newError(KindRollback, errs.all, "transaction rolled back")
	}
	if err := t.failpoint(ctx, FailpointAfterPrepare); err != nil {
		return err
	}

	t.status = StatusCommitting
	// a recovered record already holds the decision
	if t.logged && !t.recovering {
		if err := t.update(ctx, false); err != nil {
			// the decision is not durable; the log still presumes abort
			errs.add(err)
			errs.add(t.rollbackLocked(ctx))
			return newError(KindRollback, errs.all, "log commit decision")
		}
	}
	if err := t.failpoint(ctx, FailpointAfterCommitting); err != nil {
		return err
	}

	committed, failed := 0, 0
	for _, b := range t.branches {
		if b.status == BranchReadOnly {
			continue
		}
		if err := b.commitTwoPhase(ctx); err != nil {
			errs.add(err)
			failed++
		} else {
			committed++
		}
		if err := t.failpoint(ctx, FailpointAfterBranchCommit); err != nil {
			return err
		}
		if committed == 0 && failed > 0 && !t.recovering {
			errs.add(t.rollbackLocked(ctx))
			return newError(KindRollback, errs.all, "first branch failed to commit")
		}
	}

	t.forget(ctx)
	// written while still COMMITTING so recovery finishes the job
	t.settle(ctx)
	if errs.empty() {
		t.status = StatusCommitted
	} else {
		t.status = StatusUnknown
	}
	t.complete(ctx, "two_phase")
	return errs.raise("two-phase commit", KindHeuristicMixed, KindHeuristicRollback, KindRollback, KindSystem, KindInvalidState)
}

// settle removes the log record, or keeps it with the current status and
// branch states while some branch is still in doubt.
func (t *Transaction) settle(ctx context.Context) {
	if !t.logged {
		return
	}
	if !t.unresolved() {
		t.delete(ctx)
		return
	}
	if err := t.update(ctx, true); err != nil {
		log.ErrorContextf(ctx, "update log record of %s: %v", t, err)
	}
}

// persisted reports whether the log still holds a record of t.
func (t *Transaction) persisted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logged
}

// unresolved reports whether some branch is still prepared after the commit
// or rollback sweep.
func (t *Transaction) unresolved() bool {
	for _, b := range t.branches {
		if b.status == BranchPrepared {
			return true
		}
	}
	return false
}

// Rollback rolls the transaction back. Rolling back a completed transaction
// is a no-op.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackLocked(t.logContext(ctx))
}

func (t *Transaction) rollbackLocked(ctx context.Context) error {
	if t.status.terminal() {
		return nil
	}
	var errs errorSet

	t.status = StatusRollingBack
	if t.logged {
		errs.add(t.update(ctx, false))
	}

	needRollback := true
	if t.recovering {
		needRollback = false
		for _, b := range t.branches {
			if b.status == BranchPrepared {
				needRollback = true
				break
			}
		}
	} else {
		for _, b := range t.branches {
			if !b.associated() {
				continue
			}
			if err := b.endFailed(ctx); err != nil && KindOf(err) != KindRollback {
				errs.add(err)
			}
		}
	}

	if needRollback {
		for _, b := range t.branches {
			if t.recovering && b.status != BranchPrepared {
				continue
			}
			errs.add(b.rollback(ctx))
		}
		t.forget(ctx)
	}

	t.settle(ctx)
	if t.unresolved() {
		t.status = StatusUnknown
	} else {
		t.status = StatusRolledBack
	}
	t.complete(ctx, "rollback")
	return errs.raise("rollback", KindHeuristicMixed, KindHeuristicCommit, KindSystem, KindInvalidState)
}

// resolve finishes a recovered transaction according to its logged status.
func (t *Transaction) resolve(ctx context.Context) error {
	if t.Status() == StatusCommitting {
		log.InfoContextf(t.logContext(ctx), "resolving %s by commit", t)
		return t.Commit(ctx)
	}
	log.InfoContextf(t.logContext(ctx), "resolving %s by rollback", t)
	return t.Rollback(ctx)
}

func (t *Transaction) forget(ctx context.Context) {
	for _, b := range t.branches {
		if !b.heuristicallyCompleted() {
			continue
		}
		t.mgr.metrics.heuristic.WithLabelValues(b.status.String()).Inc()
		if err := b.forget(ctx); err != nil {
			log.WarnContextf(ctx, "forget %s: %v", b, err)
		}
	}
}

func (t *Transaction) failpoint(ctx context.Context, fp Failpoint) error {
	hook := t.mgr.opts.CrashHook
	if hook == nil {
		return nil
	}
	if err := hook(fp); err != nil {
		log.ErrorContextf(ctx, "simulated crash at failpoint %d: %v", fp, err)
		return err
	}
	return nil
}

func (t *Transaction) record() *TXRecord {
	x := t.id.XA()
	rec := &TXRecord{
		Serial:          t.serial,
		FormatID:        x.FormatID,
		GlobalID:        x.GlobalID,
		BranchQualifier: x.BranchQualifier,
		Status:          t.status,
		CoordinatorID:   t.id.CoordinatorID,
		Branches:        make([]*BranchRecord, 0, len(t.branches)),
	}
	for _, b := range t.branches {
		rec.Branches = append(rec.Branches, b.record())
	}
	return rec
}

func (t *Transaction) insert(ctx context.Context) error {
	serial, err := t.mgr.txStore.InsertTX(ctx, t.record())
	if err != nil {
		return newError(KindSystem, err, "insert log record")
	}
	t.serial = serial
	t.logged = true
	return nil
}

func (t *Transaction) update(ctx context.Context, includeBranches bool) error {
	if err := t.mgr.txStore.UpdateTX(ctx, t.record(), includeBranches); err != nil {
		return newError(KindSystem, err, "update log record %d", t.serial)
	}
	return nil
}

func (t *Transaction) delete(ctx context.Context) {
	if err := t.mgr.txStore.DeleteTX(ctx, t.serial); err != nil {
		log.ErrorContextf(ctx, "delete log record %d: %v", t.serial, err)
		return
	}
	t.logged = false
}

func (t *Transaction) beforeCompletion(ctx context.Context) {
	for _, s := range t.syncs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WarnContextf(ctx, "before completion panicked: %v", r)
				}
			}()
			if err := s.BeforeCompletion(ctx); err != nil {
				log.WarnContextf(ctx, "before completion: %v", err)
			}
		}()
	}
}

func (t *Transaction) afterCompletion(ctx context.Context) {
	syncs := t.syncs
	t.syncs = nil
	for _, s := range syncs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WarnContextf(ctx, "after completion panicked: %v", r)
				}
			}()
			s.AfterCompletion(ctx, t.status)
		}()
	}
}

// complete runs the after-completion callbacks once the final status is set,
// then releases every branch.
func (t *Transaction) complete(ctx context.Context, protocol string) {
	t.afterCompletion(ctx)
	if !t.recovering {
		t.mgr.metrics.completed.WithLabelValues(t.status.String(), protocol).Inc()
	}
	t.dispose()
}

func (t *Transaction) dispose() {
	if t.disposed {
		return
	}
	t.disposed = true
	for _, b := range t.branches {
		b.dispose()
	}
	t.syncs = nil
	close(t.done)
	t.mgr.live.remove(t.id)
}
