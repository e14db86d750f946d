package txmanager_test

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"xacoord/log"
	"xacoord/txmanager"
	"xacoord/txstore/memstore"
	"xacoord/xa/xatest"
	"xacoord/xid"
)

const coordID = "test-coord"

// factory hands out fresh connections to one fake resource manager.
type factory struct {
	rm   *xatest.RM
	opts []txmanager.ResourceOption

	mu       sync.Mutex
	released int
}

func newFactory(rm *xatest.RM, opts ...txmanager.ResourceOption) *factory {
	return &factory{rm: rm, opts: opts}
}

func (f *factory) Name() string {
	return f.rm.Name()
}

func (f *factory) Resource(context.Context, *xid.ID) (*txmanager.Resource, error) {
	return txmanager.NewResource(f.rm.Name(), f.rm.Conn(), f.opts...), nil
}

func (f *factory) Release(*txmanager.Resource) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

// recordingStore remembers what the coordinator logged.
type recordingStore struct {
	*memstore.Store

	mu       sync.Mutex
	inserted []*txmanager.TXRecord
	updates  []txmanager.TXStatus
	deleted  int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: memstore.New()}
}

func (s *recordingStore) InsertTX(ctx context.Context, rec *txmanager.TXRecord) (int64, error) {
	s.mu.Lock()
	s.inserted = append(s.inserted, rec)
	s.mu.Unlock()
	return s.Store.InsertTX(ctx, rec)
}

func (s *recordingStore) UpdateTX(ctx context.Context, rec *txmanager.TXRecord, includeBranches bool) error {
	s.mu.Lock()
	s.updates = append(s.updates, rec.Status)
	s.mu.Unlock()
	return s.Store.UpdateTX(ctx, rec, includeBranches)
}

func (s *recordingStore) DeleteTX(ctx context.Context, serial int64) error {
	s.mu.Lock()
	s.deleted++
	s.mu.Unlock()
	return s.Store.DeleteTX(ctx, serial)
}

type env struct {
	t     *testing.T
	mgr   *txmanager.TXManager
	store *recordingStore
	clock *txmanager.FakeClock
	reg   *prometheus.Registry
}

func newEnv(t *testing.T, opts ...txmanager.Option) *env {
	return newEnvWithStore(t, newRecordingStore(), opts...)
}

func newEnvWithStore(t *testing.T, store *recordingStore, opts ...txmanager.Option) *env {
	t.Helper()
	log.SetLogger(zaptest.NewLogger(t))
	e := &env{t: t, store: store, clock: txmanager.NewFakeClock(), reg: prometheus.NewRegistry()}
	base := []txmanager.Option{
		txmanager.WithCoordinatorID(coordID),
		txmanager.WithClock(e.clock),
		txmanager.WithRegisterer(e.reg),
	}
	mgr, err := txmanager.NewTXManager(store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)
	e.mgr = mgr
	return e
}

func (e *env) register(fs ...*factory) {
	for _, f := range fs {
		require.NoError(e.t, e.mgr.Register(f))
	}
}

func (e *env) begin() (context.Context, *txmanager.Transaction) {
	ctx, err := e.mgr.Begin(context.Background())
	require.NoError(e.t, err)
	tx := e.mgr.GetTransaction(ctx)
	require.NotNil(e.t, tx)
	return ctx, tx
}

func enlist(t *testing.T, ctx context.Context, tx *txmanager.Transaction, rm *xatest.RM, opts ...txmanager.ResourceOption) *txmanager.Resource {
	t.Helper()
	res := txmanager.NewResource(rm.Name(), rm.Conn(), opts...)
	require.NoError(t, tx.EnlistResource(ctx, res))
	return res
}

func ops(rm *xatest.RM) []xatest.Op {
	var out []xatest.Op
	for _, c := range rm.Calls() {
		if c.Op == xatest.OpSameRM {
			continue
		}
		out = append(out, c.Op)
	}
	return out
}
