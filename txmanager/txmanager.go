package txmanager

import (
	"context"
	"sync"
	"time"

	"xacoord/log"
	"xacoord/xid"
)

// TXManager coordinates global transactions for one coordinator instance.
type TXManager struct {
	ctx            context.Context
	stop           context.CancelFunc
	opts           *Options
	txStore        TXStore
	registryCenter *registryCenter
	live           *liveSet
	xids           *xid.Factory
	metrics        *metrics
	recoverMu      sync.Mutex
	wg             sync.WaitGroup
}

func NewTXManager(store TXStore, opts ...Option) (*TXManager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	txManager := &TXManager{
		opts:           &Options{},
		txStore:        store,
		registryCenter: newRegistryCenter(),
		live:           newLiveSet(),
		ctx:            ctx,
		stop:           cancel,
	}

	for _, opt := range opts {
		opt(txManager.opts)
	}
	// 兜底txManager的默认选项
	repair(txManager.opts)

	xids, err := xid.NewFactory(txManager.opts.CoordinatorID)
	if err != nil {
		cancel()
		return nil, err
	}
	txManager.xids = xids
	txManager.metrics = newMetrics(txManager.opts.Registerer)
	log.InfoContextf(ctx, "transaction manager %s started", xids.CoordinatorID())

	// 启动周期性恢复任务
	if txManager.opts.MonitorTick > 0 {
		txManager.wg.Add(1)
		go txManager.run()
	}
	return txManager, nil
}

// Stop ends background recovery. Transactions in flight are not touched.
func (t *TXManager) Stop() {
	t.stop()
	t.wg.Wait()
}

// Register makes a ResourceFactory available to recovery under its name.
func (t *TXManager) Register(f ResourceFactory) error {
	return t.registryCenter.register(f)
}

// LiveTransactions returns the number of transactions this process is still
// driving.
func (t *TXManager) LiveTransactions() int {
	return t.live.len()
}

func (t *TXManager) CoordinatorID() string {
	return t.xids.CoordinatorID()
}

// NewTransaction starts a global transaction that is not bound to any context.
// The caller must commit or roll it back; without a timeout an abandoned
// transaction keeps its handles and its place in the live set.
func (t *TXManager) NewTransaction(ctx context.Context) *Transaction {
	tx := newTransaction(t, t.xids.NewGlobal())
	t.live.add(tx)
	t.metrics.begun.Inc()
	log.DebugContextf(tx.logContext(ctx), "new global transaction")

	if d := t.opts.Timeout; d > 0 {
		timeout := t.opts.Clock.After(d)
		go func() {
			select {
			case <-tx.done:
			case <-t.ctx.Done():
			case <-timeout:
				tx.expire()
			}
		}()
	}
	return tx
}

// Begin starts a transaction bound to the returned context. Nested
// transactions are not supported.
func (t *TXManager) Begin(ctx context.Context) (context.Context, error) {
	ctx, s := t.session(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return ctx, newError(KindNotSupported, nil, "nested transactions are not supported")
	}
	s.tx = t.NewTransaction(ctx)
	return ctx, nil
}

// GetTransaction returns the transaction bound to ctx, or nil.
func (t *TXManager) GetTransaction(ctx context.Context) *Transaction {
	s := t.sessionFrom(ctx)
	if s == nil {
		return nil
	}
	return s.get()
}

// Commit commits the bound transaction and unbinds it.
func (t *TXManager) Commit(ctx context.Context) error {
	s := t.sessionFrom(ctx)
	tx := s.get()
	if tx == nil {
		return newError(KindInvalidState, nil, "no transaction bound")
	}
	defer s.set(nil)
	return tx.Commit(ctx)
}

// Rollback rolls back the bound transaction and unbinds it.
func (t *TXManager) Rollback(ctx context.Context) error {
	s := t.sessionFrom(ctx)
	tx := s.get()
	if tx == nil {
		return newError(KindInvalidState, nil, "no transaction bound")
	}
	defer s.set(nil)
	return tx.Rollback(ctx)
}

// GetStatus returns StatusNoTransaction when nothing is bound to ctx.
func (t *TXManager) GetStatus(ctx context.Context) TXStatus {
	tx := t.GetTransaction(ctx)
	if tx == nil {
		return StatusNoTransaction
	}
	return tx.Status()
}

// SetRollbackOnly marks the bound transaction; it does nothing when none is bound.
func (t *TXManager) SetRollbackOnly(ctx context.Context) error {
	tx := t.GetTransaction(ctx)
	if tx == nil {
		return nil
	}
	return tx.SetRollbackOnly()
}

// Suspend unbinds and returns the current transaction, or nil.
func (t *TXManager) Suspend(ctx context.Context) *Transaction {
	s := t.sessionFrom(ctx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.tx
	s.tx = nil
	return tx
}

// Resume binds tx to the returned context.
func (t *TXManager) Resume(ctx context.Context, tx *Transaction) (context.Context, error) {
	if tx == nil {
		return ctx, nil
	}
	if tx.mgr != t {
		return ctx, newError(KindSystem, nil, "%s belongs to another transaction manager", tx)
	}
	ctx, s := t.session(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return ctx, newError(KindInvalidState, nil, "context already bound to %s", s.tx)
	}
	s.tx = tx
	return ctx, nil
}

// Recover reconciles the log with the resource managers and resolves every
// transaction this process is not driving itself.
func (t *TXManager) Recover(ctx context.Context) (*RecoveryResult, error) {
	return t.reconcile(ctx)
}

func (t *TXManager) run() {
	defer t.wg.Done()
	var tick time.Duration
	var err error
	for {
		if err == nil {
			tick = t.opts.MonitorTick
		} else {
			// 出现失败，tick需要退避
			tick = t.backOffTick(tick)
		}
		select {
		case <-t.ctx.Done():
			return
		case <-t.opts.Clock.After(tick):
			if _, err = t.reconcile(t.ctx); err != nil {
				log.ErrorContextf(t.ctx, "periodic recovery failed, next attempt in %s: %v", t.backOffTick(tick), err)
			}
		}
	}
}

func (t *TXManager) backOffTick(tick time.Duration) time.Duration {
	if tick > t.opts.MonitorTick<<3 {
		return tick
	}
	tick = tick << 1
	return tick
}
