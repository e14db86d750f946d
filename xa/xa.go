package xa

import (
	"bytes"
	"context"
	"fmt"
)

// Flags passed to start/end/recover.
type Flags int

const (
	TMNoFlags    Flags = 0x00000000
	TMJoin       Flags = 0x00200000
	TMEndRScan   Flags = 0x00800000
	TMStartRScan Flags = 0x01000000
	TMSuspend    Flags = 0x02000000
	TMSuccess    Flags = 0x04000000
	TMResume     Flags = 0x08000000
	TMFail       Flags = 0x20000000
	TMOnePhase   Flags = 0x40000000
)

// Vote is the result of a successful prepare.
type Vote int

const (
	// OK means the branch is prepared and awaits a decision.
	OK Vote = 0
	// ReadOnly means the branch did no updates and is already complete.
	ReadOnly Vote = 3
)

// Xid is the wire form of a transaction branch identifier.
type Xid struct {
	FormatID        int32  `json:"formatID"`
	GlobalID        []byte `json:"globalID"`
	BranchQualifier []byte `json:"branchQualifier"`
}

func (x Xid) Equal(o Xid) bool {
	return x.FormatID == o.FormatID &&
		bytes.Equal(x.GlobalID, o.GlobalID) &&
		bytes.Equal(x.BranchQualifier, o.BranchQualifier)
}

func (x Xid) String() string {
	return fmt.Sprintf("Xid{fmt=%x,gtrid=%x,bqual=%x}", x.FormatID, x.GlobalID, x.BranchQualifier)
}

// Resource is a transactional resource manager connection able to take part in
// two-phase commit. Implementations return *Error to report XA outcomes.
type Resource interface {
	// Start associates the connection with a branch.
	Start(ctx context.Context, xid Xid, flags Flags) error
	// End dissociates the connection from a branch (success, fail or suspend).
	End(ctx context.Context, xid Xid, flags Flags) error
	// Prepare asks the resource manager to vote.
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	// Commit completes a branch, in one or two phases.
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	// Rollback aborts a branch.
	Rollback(ctx context.Context, xid Xid) error
	// Forget discards a heuristically completed branch.
	Forget(ctx context.Context, xid Xid) error
	// Recover lists the branches the resource manager holds prepared.
	Recover(ctx context.Context, flags Flags) ([]Xid, error)
	// IsSameRM reports whether other talks to the same resource manager.
	IsSameRM(other Resource) (bool, error)
}
