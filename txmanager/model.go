package txmanager

import (
	"context"

	"xacoord/xid"
)

// 事务状态
type TXStatus string

const (
	StatusActive         TXStatus = "ACTIVE"
	StatusMarkedRollback TXStatus = "MARKED_ROLLBACK"
	StatusPreparing      TXStatus = "PREPARING"
	StatusCommitting     TXStatus = "COMMITTING"
	StatusCommitted      TXStatus = "COMMITTED"
	StatusRollingBack    TXStatus = "ROLLING_BACK"
	StatusRolledBack     TXStatus = "ROLLED_BACK"
	// StatusUnknown means the outcome of at least one branch could not be
	// determined.
	StatusUnknown       TXStatus = "UNKNOWN"
	StatusNoTransaction TXStatus = "NO_TRANSACTION"
)

func (t TXStatus) String() string {
	return string(t)
}

func (t TXStatus) terminal() bool {
	switch t {
	case StatusCommitted, StatusRolledBack, StatusUnknown, StatusNoTransaction:
		return true
	}
	return false
}

// 分支状态
type BranchStatus string

const (
	BranchNone          BranchStatus = "NONE"
	BranchActive        BranchStatus = "ACTIVE"
	BranchIdleSuccess   BranchStatus = "IDLE_SUCCESS"
	BranchIdleSuspended BranchStatus = "IDLE_SUSPENDED"
	BranchRollbackOnly  BranchStatus = "ROLLBACK_ONLY"
	BranchPrepared      BranchStatus = "PREPARED"
	BranchReadOnly      BranchStatus = "READONLY"
	BranchCommitted     BranchStatus = "COMMITTED"
	BranchRolledBack    BranchStatus = "ROLLED_BACK"

	BranchCommittedHeuristically  BranchStatus = "COMMITTED_HEURISTICALLY"
	BranchRolledBackHeuristically BranchStatus = "ROLLED_BACK_HEURISTICALLY"
	BranchHeuristicallyCompleted  BranchStatus = "HEURISTICALLY_COMPLETED"
)

func (s BranchStatus) String() string {
	return string(s)
}

func (s BranchStatus) heuristic() bool {
	switch s {
	case BranchCommittedHeuristically, BranchRolledBackHeuristically, BranchHeuristicallyCompleted:
		return true
	}
	return false
}

// TXRecord is the persisted form of a global transaction.
type TXRecord struct {
	// Serial is assigned by the store on insert.
	Serial          int64
	FormatID        int32
	GlobalID        []byte
	BranchQualifier []byte
	Status          TXStatus
	CoordinatorID   string
	Branches        []*BranchRecord
}

// BranchRecord is the persisted form of one branch.
type BranchRecord struct {
	Index           int
	FormatID        int32
	GlobalID        []byte
	BranchQualifier []byte
	Status          BranchStatus
	// FactoryName names the ResourceFactory able to re-acquire a handle.
	FactoryName string
}

// ID decodes the global identifier of the record.
func (r *TXRecord) ID() (xid.ID, error) {
	return xid.FromBytes(r.GlobalID, r.BranchQualifier)
}

// ID decodes the branch identifier of the record.
func (r *BranchRecord) ID() (xid.ID, error) {
	return xid.FromBytes(r.GlobalID, r.BranchQualifier)
}

// Synchronization receives completion callbacks. Errors and panics are logged
// and never change the outcome.
type Synchronization interface {
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(ctx context.Context, status TXStatus)
}

// RecoveryResult summarizes one recovery pass.
type RecoveryResult struct {
	// Resolved transactions were committed or rolled back and removed from the log.
	Resolved int
	// Failed transactions still have a branch in doubt, or their record could
	// not be removed, and stay in the log.
	Failed int
	// Skipped transactions could not be reconciled this pass, or are still
	// owned by a live transaction of this process.
	Skipped int
	// Orphans are prepared branches with no log record that were rolled back.
	Orphans int
}
