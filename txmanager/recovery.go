package txmanager

import (
	"context"
	"errors"

	"xacoord/log"
	"xacoord/xa"
	"xacoord/xid"
)

// rmScan is the prepared list reported by one resource manager.
type rmScan struct {
	res     *Resource
	xids    []xid.ID
	claimed []bool
	failed  bool
}

func (s *rmScan) index(id xid.ID) int {
	for i, x := range s.xids {
		if x == id {
			return i
		}
	}
	return -1
}

type acquired struct {
	factory ResourceFactory
	res     *Resource
}

func (t *TXManager) reconcile(ctx context.Context) (*RecoveryResult, error) {
	t.recoverMu.Lock()
	defer t.recoverMu.Unlock()
	ctx = log.NewContext(ctx, "coordinator", t.CoordinatorID())

	recs, err := t.txStore.RecoverTXs(ctx, t.CoordinatorID())
	if err != nil {
		return nil, newError(KindSystem, err, "read transaction log")
	}

	result := &RecoveryResult{}
	var handles []acquired
	defer func() {
		for _, h := range handles {
			h.factory.Release(h.res)
		}
	}()

	// Every logged transaction, resolvable or not, keeps its branches out of
	// the orphan sweep.
	known := make(map[xid.ID]struct{}, len(recs))
	var txs []*Transaction
	for _, rec := range recs {
		id, err := rec.ID()
		if err != nil {
			log.WarnContextf(ctx, "skip log record %d: %v", rec.Serial, err)
			result.Skipped++
			continue
		}
		known[id.Global()] = struct{}{}
		if t.live.contains(id) {
			result.Skipped++
			continue
		}
		tx, err := t.rebuild(ctx, id.Global(), rec, &handles)
		if err != nil {
			log.WarnContextf(ctx, "skip log record %d: %v", rec.Serial, err)
			result.Skipped++
			continue
		}
		txs = append(txs, tx)
	}

	scans := t.scanBranches(ctx, txs)
	scans = t.scanFactories(ctx, scans, &handles)

	resolvable := make([]*Transaction, 0, len(txs))
	for _, tx := range txs {
		if t.reconcileTX(ctx, tx, scans) {
			resolvable = append(resolvable, tx)
			continue
		}
		result.Skipped++
		tx.dispose()
	}

	for _, tx := range resolvable {
		err := tx.resolve(ctx)
		if tx.persisted() {
			log.ErrorContextf(ctx, "%s stays in the log: %v", tx, err)
			result.Failed++
			continue
		}
		if err != nil {
			log.WarnContextf(ctx, "resolved %s with error: %v", tx, err)
		}
		result.Resolved++
	}

	result.Orphans = t.rollbackOrphans(ctx, scans, known)
	t.metrics.observeRecovery(result)
	log.InfoContextf(ctx, "recovery completed: resolved %d, failed %d, skipped %d, orphans %d",
		result.Resolved, result.Failed, result.Skipped, result.Orphans)
	return result, nil
}

// rebuild turns a log record back into a recovering transaction with one
// prepared-seeded branch per branch record.
func (t *TXManager) rebuild(ctx context.Context, gid xid.ID, rec *TXRecord, handles *[]acquired) (*Transaction, error) {
	tx := newTransaction(t, gid)
	tx.serial = rec.Serial
	tx.status = recoveredStatus(rec.Status)
	tx.recovering = true
	tx.logged = true
	for _, br := range rec.Branches {
		bid, err := br.ID()
		if err != nil {
			tx.dispose()
			return nil, err
		}
		f, err := t.registryCenter.getFactory(br.FactoryName)
		if err != nil {
			tx.dispose()
			return nil, err
		}
		res, err := f.Resource(ctx, &gid)
		if err != nil {
			tx.dispose()
			return nil, newError(KindSystem, err, "acquire resource from %s", br.FactoryName)
		}
		*handles = append(*handles, acquired{factory: f, res: res})
		tx.branches = append(tx.branches, recoveredBranch(bid, br.Index, res, br.Status, t.opts, t.metrics))
	}
	return tx, nil
}

// recoveredStatus maps a logged status onto the decision recovery carries
// out. A status written at or after the commit decision commits, anything
// else is presumed aborted.
func recoveredStatus(s TXStatus) TXStatus {
	switch s {
	case StatusCommitting, StatusCommitted, StatusUnknown:
		return StatusCommitting
	}
	return StatusRollingBack
}

func findScan(scans []*rmScan, res *Resource) int {
	for i, s := range scans {
		if same, err := s.res.isSameRM(res); err == nil && same {
			return i
		}
	}
	return -1
}

func (t *TXManager) scanBranches(ctx context.Context, txs []*Transaction) []*rmScan {
	var scans []*rmScan
	for _, tx := range txs {
		for _, b := range tx.branches {
			i := findScan(scans, b.resource())
			switch {
			case i < 0:
				scans = append(scans, t.scan(ctx, b.resource()))
			case scans[i].failed:
				// give an unreachable resource manager one more chance
				scans[i] = t.scan(ctx, b.resource())
			}
		}
	}
	return scans
}

// scanFactories adds the resource managers no logged branch refers to, so
// their orphans are found too.
func (t *TXManager) scanFactories(ctx context.Context, scans []*rmScan, handles *[]acquired) []*rmScan {
	for _, f := range t.registryCenter.getFactories() {
		res, err := f.Resource(ctx, nil)
		if err != nil {
			log.WarnContextf(ctx, "acquire resource from %s for recovery scan: %v", f.Name(), err)
			continue
		}
		*handles = append(*handles, acquired{factory: f, res: res})
		if findScan(scans, res) >= 0 {
			continue
		}
		scans = append(scans, t.scan(ctx, res))
	}
	return scans
}

func (t *TXManager) scan(ctx context.Context, res *Resource) *rmScan {
	s := &rmScan{res: res}
	xids, err := res.recover(ctx, xa.TMStartRScan|xa.TMEndRScan)
	if err != nil {
		log.WarnContextf(ctx, "recovery scan of %s failed: %v", res, err)
		s.failed = true
		return s
	}
	for _, x := range xids {
		if x.FormatID != xid.FormatID {
			continue
		}
		id, err := xid.Parse(x)
		if err != nil {
			log.WarnContextf(ctx, "ignore unparseable xid %s from %s: %v", x, res, err)
			continue
		}
		if !id.BelongsTo(t.CoordinatorID()) {
			continue
		}
		s.xids = append(s.xids, id)
	}
	s.claimed = make([]bool, len(s.xids))
	return s
}

// reconcileTX matches each branch against its resource manager's prepared
// list. It reports false when some resource manager could not be scanned.
func (t *TXManager) reconcileTX(ctx context.Context, tx *Transaction, scans []*rmScan) bool {
	for _, b := range tx.branches {
		i := findScan(scans, b.resource())
		if i < 0 || scans[i].failed {
			log.WarnContextf(ctx, "cannot reconcile %s: resource manager of %s unavailable", tx, b)
			return false
		}
		s := scans[i]
		if x := s.index(b.id); x >= 0 {
			b.status = BranchPrepared
			s.claimed[x] = true
			continue
		}
		if tx.status == StatusCommitting {
			b.status = BranchCommitted
		}
	}
	return true
}

// rollbackOrphans rolls back prepared branches of this coordinator that no
// log record claims. A heuristic outcome is forgotten instead.
func (t *TXManager) rollbackOrphans(ctx context.Context, scans []*rmScan, known map[xid.ID]struct{}) int {
	n := 0
	for _, s := range scans {
		if s.failed {
			continue
		}
		for i, id := range s.xids {
			if s.claimed[i] {
				continue
			}
			if _, ok := known[id.Global()]; ok || t.live.contains(id) {
				continue
			}
			err := s.res.rollback(ctx, id)
			if err == nil {
				log.InfoContextf(ctx, "rolled back orphan %s on %s", id, s.res)
				n++
				continue
			}
			var xe *xa.Error
			if errors.As(err, &xe) && xa.IsHeuristic(xe.Code) {
				if ferr := s.res.forget(ctx, id); ferr != nil {
					log.WarnContextf(ctx, "forget orphan %s on %s: %v", id, s.res, ferr)
				}
				n++
				continue
			}
			log.WarnContextf(ctx, "rollback orphan %s on %s: %v", id, s.res, err)
		}
	}
	return n
}
