// Package storetest checks a txmanager.TXStore implementation against the log
// contract.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xacoord/txmanager"
	"xacoord/txstore"
	"xacoord/xid"
)

// Run exercises store. It must start empty.
func Run(t *testing.T, store txmanager.TXStore) {
	ctx := context.Background()
	f, err := xid.NewFactory("coord-a")
	require.NoError(t, err)
	other, err := xid.NewFactory("coord-b")
	require.NoError(t, err)

	first := record(f.NewGlobal(), 2)
	serial, err := store.InsertTX(ctx, first)
	require.NoError(t, err)
	require.NotZero(t, serial)

	second := record(f.NewGlobal(), 1)
	serial2, err := store.InsertTX(ctx, second)
	require.NoError(t, err)
	assert.NotEqual(t, serial, serial2)

	_, err = store.InsertTX(ctx, record(other.NewGlobal(), 1))
	require.NoError(t, err)

	recs, err := store.RecoverTXs(ctx, "coord-a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	got := recs[0]
	assert.Equal(t, serial, got.Serial)
	assert.Equal(t, txmanager.StatusPreparing, got.Status)
	assert.Equal(t, first.GlobalID, got.GlobalID)
	assert.Equal(t, "coord-a", got.CoordinatorID)
	require.Len(t, got.Branches, 2)
	assert.Equal(t, 0, got.Branches[0].Index)
	assert.Equal(t, 1, got.Branches[1].Index)
	assert.Equal(t, "rm-1", got.Branches[1].FactoryName)
	id, err := got.ID()
	require.NoError(t, err)
	assert.True(t, id.IsGlobal())
	bid, err := got.Branches[1].ID()
	require.NoError(t, err)
	assert.True(t, bid.SameGlobal(id))

	// global status only
	first.Serial = serial
	first.Status = txmanager.StatusCommitting
	first.Branches[0].Status = txmanager.BranchCommitted
	require.NoError(t, store.UpdateTX(ctx, first, false))
	recs, err = store.RecoverTXs(ctx, "coord-a")
	require.NoError(t, err)
	assert.Equal(t, txmanager.StatusCommitting, recs[0].Status)
	assert.Equal(t, txmanager.BranchIdleSuccess, recs[0].Branches[0].Status)

	require.NoError(t, store.UpdateTX(ctx, first, true))
	require.NoError(t, store.UpdateBranch(ctx, serial, &txmanager.BranchRecord{Index: 1, Status: txmanager.BranchPrepared}))
	recs, err = store.RecoverTXs(ctx, "coord-a")
	require.NoError(t, err)
	assert.Equal(t, txmanager.BranchCommitted, recs[0].Branches[0].Status)
	assert.Equal(t, txmanager.BranchPrepared, recs[0].Branches[1].Status)

	assert.ErrorIs(t, store.UpdateTX(ctx, &txmanager.TXRecord{Serial: 9999, Status: txmanager.StatusCommitting}, false), txstore.ErrNotFound)
	assert.Error(t, store.UpdateBranch(ctx, serial, &txmanager.BranchRecord{Index: 7, Status: txmanager.BranchPrepared}))

	require.NoError(t, store.DeleteTX(ctx, serial))
	require.NoError(t, store.DeleteTX(ctx, serial))
	recs, err = store.RecoverTXs(ctx, "coord-a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, serial2, recs[0].Serial)

	recs, err = store.RecoverTXs(ctx, "coord-c")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func record(gid xid.ID, branches int) *txmanager.TXRecord {
	x := gid.XA()
	rec := &txmanager.TXRecord{
		FormatID:        x.FormatID,
		GlobalID:        x.GlobalID,
		BranchQualifier: x.BranchQualifier,
		Status:          txmanager.StatusPreparing,
		CoordinatorID:   gid.CoordinatorID,
	}
	for i := 0; i < branches; i++ {
		bx := gid.Branch(i).XA()
		rec.Branches = append(rec.Branches, &txmanager.BranchRecord{
			Index:           i,
			FormatID:        bx.FormatID,
			GlobalID:        bx.GlobalID,
			BranchQualifier: bx.BranchQualifier,
			Status:          txmanager.BranchIdleSuccess,
			FactoryName:     "rm-" + string(rune('0'+i)),
		})
	}
	return rec
}
