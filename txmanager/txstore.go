package txmanager

import "context"

// TXStore is the durable transaction log. Implementations must make each call
// atomic: a failed InsertTX leaves nothing behind.
type TXStore interface {
	// InsertTX persists the transaction and all of its branches and returns
	// the serial assigned to it.
	InsertTX(ctx context.Context, rec *TXRecord) (serial int64, err error)
	// UpdateTX updates the global status, and every branch status when
	// includeBranches is set.
	UpdateTX(ctx context.Context, rec *TXRecord, includeBranches bool) error
	// UpdateBranch updates the status of one branch.
	UpdateBranch(ctx context.Context, serial int64, br *BranchRecord) error
	// DeleteTX removes the transaction and its branches.
	DeleteTX(ctx context.Context, serial int64) error
	// RecoverTXs returns every transaction logged by coordinatorID, branches
	// ordered by index.
	RecoverTXs(ctx context.Context, coordinatorID string) ([]*TXRecord, error)
}
