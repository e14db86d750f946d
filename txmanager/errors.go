package txmanager

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"xacoord/xa"
)

// Kind is the outcome category surfaced to callers.
type Kind int

const (
	KindInvalidState Kind = iota + 1
	KindRollback
	KindHeuristicCommit
	KindHeuristicRollback
	KindHeuristicMixed
	KindSystem
	KindTooManyBranches
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid state"
	case KindRollback:
		return "rolled back"
	case KindHeuristicCommit:
		return "heuristic commit"
	case KindHeuristicRollback:
		return "heuristic rollback"
	case KindHeuristicMixed:
		return "heuristic mixed"
	case KindSystem:
		return "system failure"
	case KindTooManyBranches:
		return "too many branches"
	case KindNotSupported:
		return "not supported"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by every coordinator operation. errors.Is matches two
// *Error values of the same Kind, so callers test against the sentinels below.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

var (
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrRollback          = &Error{Kind: KindRollback}
	ErrHeuristicCommit   = &Error{Kind: KindHeuristicCommit}
	ErrHeuristicRollback = &Error{Kind: KindHeuristicRollback}
	ErrHeuristicMixed    = &Error{Kind: KindHeuristicMixed}
	ErrSystem            = &Error{Kind: KindSystem}
	ErrTooManyBranches   = &Error{Kind: KindTooManyBranches}
	ErrNotSupported      = &Error{Kind: KindNotSupported}
)

func newError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// errClass collapses XA return codes into the categories that drive branch
// state transitions.
type errClass int

const (
	classUnexpected errClass = iota
	classRetry
	classRMFailed
	classRMError
	classInvalidXid
	classHeurMixed
	classHeurCommit
	classHeurRollback
	classRollback
	classReadOnly
)

func (c errClass) String() string {
	switch c {
	case classRetry:
		return "retry"
	case classRMFailed:
		return "rm_failed"
	case classRMError:
		return "rm_error"
	case classInvalidXid:
		return "invalid_xid"
	case classHeurMixed:
		return "heur_mixed"
	case classHeurCommit:
		return "heur_commit"
	case classHeurRollback:
		return "heur_rollback"
	case classRollback:
		return "rollback"
	case classReadOnly:
		return "read_only"
	}
	return "unexpected"
}

func classifyCode(code int) errClass {
	switch code {
	case xa.Retry:
		return classRetry
	case xa.ErRMFail:
		return classRMFailed
	case xa.ErRMErr:
		return classRMError
	case xa.ErNoTA:
		return classInvalidXid
	case xa.HeurHaz, xa.HeurMix:
		return classHeurMixed
	case xa.HeurCom:
		return classHeurCommit
	case xa.HeurRB:
		return classHeurRollback
	case xa.RBRollback, xa.RBCommFail, xa.RBDeadlock, xa.RBIntegrity,
		xa.RBOther, xa.RBProto, xa.RBTimeout, xa.RBTransient:
		return classRollback
	case xa.RdOnly:
		return classReadOnly
	}
	// XAER_DUPID, XAER_ASYNC, XAER_INVAL, XAER_PROTO, XAER_OUTSIDE and
	// anything vendor specific.
	return classUnexpected
}

// classify maps an error returned by an xa.Resource. Errors that carry no XA
// code are unexpected.
func classify(err error) errClass {
	var xe *xa.Error
	if errors.As(err, &xe) {
		return classifyCode(xe.Code)
	}
	return classUnexpected
}

// errorSet keeps the first error of each kind and chains every cause.
type errorSet struct {
	first map[Kind]error
	all   error
}

func (s *errorSet) add(err error) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	if kind == 0 {
		kind = KindSystem
		err = newError(KindSystem, err, "unexpected error")
	}
	if s.first == nil {
		s.first = make(map[Kind]error)
	}
	if _, ok := s.first[kind]; !ok {
		s.first[kind] = err
	}
	s.all = multierr.Append(s.all, err)
}

func (s *errorSet) has(kinds ...Kind) bool {
	for _, k := range kinds {
		if _, ok := s.first[k]; ok {
			return true
		}
	}
	return false
}

func (s *errorSet) empty() bool {
	return len(s.first) == 0
}

// raise returns an error of the first kind in precedence that was seen,
// chaining every accumulated cause.
func (s *errorSet) raise(msg string, precedence ...Kind) error {
	for _, k := range precedence {
		if s.has(k) {
			return newError(k, s.all, "%s", msg)
		}
	}
	return nil
}

// firstOf returns the first error recorded for the first kind in precedence
// that was seen.
func (s *errorSet) firstOf(precedence ...Kind) error {
	for _, k := range precedence {
		if err, ok := s.first[k]; ok {
			return err
		}
	}
	return nil
}
