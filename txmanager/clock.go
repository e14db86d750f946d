package txmanager

import "time"

// Clock abstracts the time source so retry delays and timeouts can be driven
// by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Failpoint names a point of the commit protocol where a crash can be simulated.
type Failpoint int

const (
	// FailpointAfterEnd fires once every branch has been ended.
	FailpointAfterEnd Failpoint = iota + 1
	// FailpointAfterPrepare fires once every branch voted commit.
	FailpointAfterPrepare
	// FailpointAfterCommitting fires once COMMITTING has been logged.
	FailpointAfterCommitting
	// FailpointAfterBranchCommit fires after each branch commit attempt.
	FailpointAfterBranchCommit
)
