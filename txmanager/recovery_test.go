package txmanager_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xacoord/txmanager"
	"xacoord/xa"
	"xacoord/xa/xatest"
	"xacoord/xid"
)

var errCrash = errors.New("simulated crash")

func crashAt(fp txmanager.Failpoint) txmanager.Option {
	return txmanager.WithCrashHook(func(got txmanager.Failpoint) error {
		if got == fp {
			return errCrash
		}
		return nil
	})
}

// crashedCommit runs a two branch commit that dies at fp and returns the
// store it left behind.
func crashedCommit(t *testing.T, fp txmanager.Failpoint, rms ...*xatest.RM) *recordingStore {
	t.Helper()
	e := newEnv(t, crashAt(fp))
	ctx, tx := e.begin()
	for _, rm := range rms {
		enlist(t, ctx, tx, rm)
	}
	require.ErrorIs(t, e.mgr.Commit(ctx), errCrash)
	return e.store
}

func recoverWith(t *testing.T, store *recordingStore, rms ...*xatest.RM) (*env, []*factory) {
	t.Helper()
	r := newEnvWithStore(t, store)
	fs := make([]*factory, 0, len(rms))
	for _, rm := range rms {
		fs = append(fs, newFactory(rm))
	}
	r.register(fs...)
	return r, fs
}

func TestRecoveryPresumedAbortWithoutLogRecord(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	store := crashedCommit(t, txmanager.FailpointAfterEnd, rmA, rmB)
	assert.Empty(t, store.inserted)

	// the resource managers still hold the ended branches in doubt
	for _, rm := range []*xatest.RM{rmA, rmB} {
		for _, x := range rm.Started() {
			rm.AddPrepared(x)
		}
	}

	r, fs := recoverWith(t, store, rmA, rmB)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Orphans: 2}, res)
	for i, rm := range []*xatest.RM{rmA, rmB} {
		assert.Equal(t, 1, rm.Count(xatest.OpRollback), rm.Name())
		assert.Empty(t, rm.Prepared())
		assert.Equal(t, 1, fs[i].released)
	}
}

func TestRecoveryRollsBackPreparing(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	store := crashedCommit(t, txmanager.FailpointAfterPrepare, rmA, rmB)
	recs, err := store.RecoverTXs(context.Background(), coordID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, txmanager.StatusPreparing, recs[0].Status)

	r, fs := recoverWith(t, store, rmA, rmB)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Resolved: 1}, res)
	for i, rm := range []*xatest.RM{rmA, rmB} {
		assert.Equal(t, 1, rm.Count(xatest.OpRollback), rm.Name())
		assert.Zero(t, rm.Count(xatest.OpCommit), rm.Name())
		assert.Empty(t, rm.Prepared())
		assert.Equal(t, 2, fs[i].released)
	}
	assert.Zero(t, store.Len())
	// the transaction itself logs the rollback and removes its record
	assert.Equal(t, []txmanager.TXStatus{txmanager.StatusRollingBack}, store.updates)
	assert.Equal(t, 1, store.deleted)
}

func TestRecoveryCommitsAfterDecision(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	store := crashedCommit(t, txmanager.FailpointAfterCommitting, rmA, rmB)
	assert.Zero(t, rmA.Count(xatest.OpCommit))

	r, _ := recoverWith(t, store, rmA, rmB)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Resolved: 1}, res)
	for _, rm := range []*xatest.RM{rmA, rmB} {
		commits := rm.Calls(xatest.OpCommit)
		require.Len(t, commits, 1, rm.Name())
		assert.False(t, commits[0].OnePhase)
		assert.Zero(t, rm.Count(xatest.OpRollback))
		assert.Empty(t, rm.Prepared())
	}
	assert.Zero(t, store.Len())

	expected := `
# HELP xacoord_recovery_transactions_total Transactions handled by recovery, by result
# TYPE xacoord_recovery_transactions_total counter
xacoord_recovery_transactions_total{result="failed"} 0
xacoord_recovery_transactions_total{result="orphan"} 0
xacoord_recovery_transactions_total{result="resolved"} 1
xacoord_recovery_transactions_total{result="skipped"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(r.reg, strings.NewReader(expected), "xacoord_recovery_transactions_total"))
}

func TestRecoveryFinishesPartialCommit(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	store := crashedCommit(t, txmanager.FailpointAfterBranchCommit, rmA, rmB)
	assert.Equal(t, 1, rmA.Count(xatest.OpCommit))
	assert.Zero(t, rmB.Count(xatest.OpCommit))
	assert.Len(t, rmB.Prepared(), 1)

	r, _ := recoverWith(t, store, rmA, rmB)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Resolved: 1}, res)
	assert.Equal(t, 1, rmA.Count(xatest.OpCommit))
	assert.Equal(t, 1, rmB.Count(xatest.OpCommit))
	assert.Empty(t, rmB.Prepared())
	assert.Zero(t, store.Len())
}

func TestRecoveryRetriesUnresolvedBranch(t *testing.T) {
	rms := []*xatest.RM{xatest.NewRM("a"), xatest.NewRM("b"), xatest.NewRM("c")}
	rms[1].Fail(xatest.OpCommit, xa.NewError(xa.ErRMFail, ""))
	e := newEnv(t)
	ctx, tx := e.begin()
	for _, rm := range rms {
		enlist(t, ctx, tx, rm)
	}
	require.Error(t, e.mgr.Commit(ctx))
	require.Equal(t, 1, e.store.Len())

	r, _ := recoverWith(t, e.store, rms...)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Resolved: 1}, res)
	assert.Equal(t, 1, rms[0].Count(xatest.OpCommit))
	assert.Equal(t, 2, rms[1].Count(xatest.OpCommit))
	assert.Equal(t, 1, rms[2].Count(xatest.OpCommit))
	assert.Zero(t, e.store.Len())
}

func TestRecoveryNeverRollsBackPartiallyCommittedBranch(t *testing.T) {
	rms := []*xatest.RM{xatest.NewRM("a"), xatest.NewRM("b"), xatest.NewRM("c")}
	rms[1].FailAlways(xatest.OpCommit, xa.NewError(xa.ErRMFail, ""))
	e := newEnv(t)
	ctx, tx := e.begin()
	for _, rm := range rms {
		enlist(t, ctx, tx, rm)
	}
	require.Error(t, e.mgr.Commit(ctx))
	assert.Equal(t, txmanager.StatusUnknown, tx.Status())

	r, _ := recoverWith(t, e.store, rms...)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Failed: 1}, res)
	recs, err := e.store.RecoverTXs(context.Background(), coordID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, txmanager.StatusCommitting, recs[0].Status)

	rms[1].FailAlways(xatest.OpCommit, nil)
	res, err = r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Resolved: 1}, res)

	res, err = r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{}, res)

	assert.Equal(t, 3, rms[1].Count(xatest.OpCommit))
	for _, rm := range rms {
		assert.Zero(t, rm.Count(xatest.OpRollback), rm.Name())
		assert.Empty(t, rm.Prepared(), rm.Name())
	}
	assert.Equal(t, 1, rms[0].Count(xatest.OpCommit))
	assert.Equal(t, 1, rms[2].Count(xatest.OpCommit))
	assert.Zero(t, e.store.Len())
}

func TestRecoveryTreatsLoggedUnknownAsCommit(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	store := crashedCommit(t, txmanager.FailpointAfterCommitting, rmA, rmB)
	recs, err := store.RecoverTXs(context.Background(), coordID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recs[0].Status = txmanager.StatusUnknown
	require.NoError(t, store.Store.UpdateTX(context.Background(), recs[0], false))

	r, _ := recoverWith(t, store, rmA, rmB)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Resolved: 1}, res)
	for _, rm := range []*xatest.RM{rmA, rmB} {
		assert.Equal(t, 1, rm.Count(xatest.OpCommit), rm.Name())
		assert.Zero(t, rm.Count(xatest.OpRollback), rm.Name())
	}
	assert.Zero(t, store.Len())
}

func TestRecoveryKeepsRecordWhenResolveFails(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	store := crashedCommit(t, txmanager.FailpointAfterCommitting, rmA, rmB)
	rmB.FailAlways(xatest.OpCommit, xa.NewError(xa.ErRMFail, ""))

	r, _ := recoverWith(t, store, rmA, rmB)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Failed: 1}, res)
	recs, err := store.RecoverTXs(context.Background(), coordID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, txmanager.StatusCommitting, recs[0].Status)
	assert.Equal(t, txmanager.BranchCommitted, recs[0].Branches[0].Status)
	assert.Equal(t, txmanager.BranchPrepared, recs[0].Branches[1].Status)

	rmB.FailAlways(xatest.OpCommit, nil)
	res, err = r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Resolved: 1}, res)
	assert.Equal(t, 1, rmA.Count(xatest.OpCommit))
	assert.Empty(t, rmB.Prepared())
	assert.Zero(t, store.Len())
}

func TestRecoveryRollsBackOrphans(t *testing.T) {
	rm := xatest.NewRM("a")
	mine, err := xid.NewFactory(coordID)
	require.NoError(t, err)
	foreign, err := xid.NewFactory("someone-else")
	require.NoError(t, err)
	orphan := mine.NewGlobal().Branch(0)
	rm.AddPrepared(orphan.XA())
	rm.AddPrepared(foreign.NewGlobal().Branch(0).XA())
	rm.AddPrepared(xa.Xid{FormatID: 42, GlobalID: []byte("other"), BranchQualifier: []byte("tm")})

	e := newEnv(t)
	e.register(newFactory(rm))
	res, err := e.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Orphans: 1}, res)
	rollbacks := rm.Calls(xatest.OpRollback)
	require.Len(t, rollbacks, 1)
	assert.True(t, rollbacks[0].Xid.Equal(orphan.XA()))
	assert.Len(t, rm.Prepared(), 2)
	assert.Equal(t, xa.TMStartRScan|xa.TMEndRScan, rm.Calls(xatest.OpRecover)[0].Flags)
}

func TestRecoveryForgetsHeuristicOrphan(t *testing.T) {
	rm := xatest.NewRM("a")
	mine, err := xid.NewFactory(coordID)
	require.NoError(t, err)
	rm.AddPrepared(mine.NewGlobal().Branch(0).XA())
	rm.Fail(xatest.OpRollback, xa.NewError(xa.HeurCom, ""))

	e := newEnv(t)
	e.register(newFactory(rm))
	res, err := e.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphans)
	assert.Equal(t, 1, rm.Count(xatest.OpForget))
	assert.Empty(t, rm.Prepared())
}

func TestRecoverySkipsLiveTransactions(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	e := newEnv(t, crashAt(txmanager.FailpointAfterPrepare))
	e.register(newFactory(rmA), newFactory(rmB))
	ctx, tx := e.begin()
	enlist(t, ctx, tx, rmA)
	enlist(t, ctx, tx, rmB)
	require.ErrorIs(t, e.mgr.Commit(ctx), errCrash)

	res, err := e.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Skipped: 1}, res)
	assert.Zero(t, rmA.Count(xatest.OpRollback))
	assert.Zero(t, rmB.Count(xatest.OpRollback))
	assert.Equal(t, 1, e.store.Len())
}

func TestRecoverySkipsUnreachableResourceManager(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	store := crashedCommit(t, txmanager.FailpointAfterCommitting, rmA, rmB)
	rmA.Fail(xatest.OpRecover, xa.NewError(xa.ErRMFail, "down"))

	r, _ := recoverWith(t, store, rmA, rmB)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Skipped: 1}, res)
	assert.Zero(t, rmA.Count(xatest.OpCommit))
	assert.Zero(t, rmB.Count(xatest.OpCommit))
	assert.Zero(t, rmB.Count(xatest.OpRollback))
	assert.Equal(t, 1, store.Len())

	res, err = r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Resolved: 1}, res)
	assert.Equal(t, 1, rmA.Count(xatest.OpCommit))
	assert.Equal(t, 1, rmB.Count(xatest.OpCommit))
}

func TestRecoverySkipsUnknownFactory(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	store := crashedCommit(t, txmanager.FailpointAfterCommitting, rmA, rmB)

	r, _ := recoverWith(t, store, rmA)
	res, err := r.mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &txmanager.RecoveryResult{Skipped: 1}, res)
	assert.Zero(t, rmA.Count(xatest.OpRollback))
	assert.Len(t, rmA.Prepared(), 1)
	assert.Equal(t, 1, store.Len())
}

func TestPeriodicRecovery(t *testing.T) {
	rmA, rmB := xatest.NewRM("a"), xatest.NewRM("b")
	store := crashedCommit(t, txmanager.FailpointAfterCommitting, rmA, rmB)

	clock := txmanager.NewFakeClock()
	clock.Hold(time.Second)
	mgr, err := txmanager.NewTXManager(store,
		txmanager.WithCoordinatorID(coordID),
		txmanager.WithClock(clock),
		txmanager.WithRegisterer(prometheus.NewRegistry()),
		txmanager.WithMonitorTick(time.Second),
	)
	require.NoError(t, err)
	defer mgr.Stop()
	require.NoError(t, mgr.Register(newFactory(rmA)))
	require.NoError(t, mgr.Register(newFactory(rmB)))

	clock.Fire(time.Second)
	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rmA.Count(xatest.OpCommit))
	assert.Equal(t, 1, rmB.Count(xatest.OpCommit))
}
