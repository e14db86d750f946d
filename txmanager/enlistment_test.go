package txmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xacoord/xa"
	"xacoord/xa/xatest"
	"xacoord/xid"
)

type recordingListener struct {
	enlisted []xid.ID
	delisted []xid.ID
}

func (l *recordingListener) ResourceEnlisted(ev ResourceEvent) {
	l.enlisted = append(l.enlisted, ev.XID)
}

func (l *recordingListener) ResourceDelisted(ev ResourceEvent) {
	l.delisted = append(l.delisted, ev.XID)
}

func testBranchID(t *testing.T) xid.ID {
	t.Helper()
	f, err := xid.NewFactory("unit")
	require.NoError(t, err)
	return f.NewGlobal().Branch(0)
}

func TestEnlistmentProtocol(t *testing.T) {
	ctx := context.Background()
	rm := xatest.NewRM("rm")
	res := NewResource("rm", rm.Conn())
	l := &recordingListener{}
	res.AddListener(l)
	res.AddListener(l)
	id := testBranchID(t)

	e := newEnlistment(res)
	assert.Equal(t, 1, res.RefCount())
	assert.Equal(t, enlistInactive, e.state)

	require.NoError(t, e.start(ctx, id, xa.TMNoFlags))
	assert.True(t, e.active())
	require.NoError(t, e.end(ctx, id, xa.TMSuspend))
	assert.True(t, e.suspended())
	require.NoError(t, e.start(ctx, id, xa.TMResume))
	require.NoError(t, e.end(ctx, id, xa.TMSuccess))
	assert.Equal(t, enlistEnded, e.state)

	_, err := e.prepare(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, enlistPrepared, e.state)
	require.NoError(t, e.commit(ctx, id, false))
	assert.Equal(t, enlistInactive, e.state)

	cur, ok := res.CurrentXID()
	require.True(t, ok)
	assert.Equal(t, id.Global(), cur)

	e.dispose()
	e.dispose()
	assert.Equal(t, 0, res.RefCount())
	_, ok = res.CurrentXID()
	assert.False(t, ok)
	assert.Equal(t, []xid.ID{id.Global()}, l.enlisted)
	assert.Equal(t, []xid.ID{id.Global()}, l.delisted)

	var flags []xa.Flags
	for _, c := range rm.Calls(xatest.OpStart, xatest.OpEnd) {
		flags = append(flags, c.Flags)
	}
	assert.Equal(t, []xa.Flags{xa.TMNoFlags, xa.TMSuspend, xa.TMResume, xa.TMSuccess}, flags)
}

func TestEnlistmentRejectsInvalidAction(t *testing.T) {
	ctx := context.Background()
	rm := xatest.NewRM("rm")
	e := newEnlistment(NewResource("rm", rm.Conn()))
	id := testBranchID(t)

	_, err := e.prepare(ctx, id)
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Equal(t, KindInvalidState, KindOf(e.commit(ctx, id, true)))
	assert.Equal(t, KindInvalidState, KindOf(e.rollback(ctx, id)))
	assert.Equal(t, KindInvalidState, KindOf(e.end(ctx, id, xa.TMSuccess)))
	assert.Empty(t, rm.Calls())
}

func TestEnlistmentStateUnchangedOnRMError(t *testing.T) {
	ctx := context.Background()
	rm := xatest.NewRM("rm")
	e := newEnlistment(NewResource("rm", rm.Conn()))
	id := testBranchID(t)

	rm.Fail(xatest.OpStart, xa.NewError(xa.ErRMFail, ""))
	assert.Error(t, e.start(ctx, id, xa.TMNoFlags))
	assert.Equal(t, enlistInactive, e.state)

	require.NoError(t, e.start(ctx, id, xa.TMNoFlags))
	require.NoError(t, e.end(ctx, id, xa.TMFail))
	assert.Equal(t, enlistFailed, e.state)

	rm.Fail(xatest.OpRollback, xa.NewError(xa.ErRMErr, ""))
	assert.Error(t, e.rollback(ctx, id))
	assert.Equal(t, enlistInactive, e.state)
}

func TestResourceBusyWithOtherTransaction(t *testing.T) {
	ctx := context.Background()
	rm := xatest.NewRM("rm")
	res := NewResource("rm", rm.Conn())
	f, err := xid.NewFactory("unit")
	require.NoError(t, err)
	a, b := f.NewGlobal().Branch(0), f.NewGlobal().Branch(0)

	require.NoError(t, res.start(ctx, a, xa.TMNoFlags))
	assert.Equal(t, KindInvalidState, KindOf(res.start(ctx, b, xa.TMNoFlags)))
	assert.Equal(t, KindInvalidState, KindOf(res.end(ctx, b, xa.TMSuccess)))
	assert.Equal(t, 1, rm.Count(xatest.OpStart))
}

func TestResourceReuseAfterEnd(t *testing.T) {
	ctx := context.Background()
	rm := xatest.NewRM("rm")
	res := NewResource("rm", rm.Conn(), WithReuseAfterEnd())
	l := &recordingListener{}
	res.AddListener(l)
	id := testBranchID(t)

	e := newEnlistment(res)
	require.NoError(t, e.start(ctx, id, xa.TMNoFlags))
	require.NoError(t, e.end(ctx, id, xa.TMSuspend))
	assert.Empty(t, l.delisted)
	require.NoError(t, e.start(ctx, id, xa.TMResume))
	require.NoError(t, e.end(ctx, id, xa.TMSuccess))
	assert.Len(t, l.delisted, 1)

	e.dispose()
	assert.Len(t, l.delisted, 1)
	assert.Equal(t, 0, res.RefCount())
}
