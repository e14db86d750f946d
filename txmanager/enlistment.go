package txmanager

import (
	"context"
	"fmt"

	"xacoord/xa"
	"xacoord/xid"
)

type enlistState int

const (
	enlistInactive enlistState = iota
	enlistActive
	enlistSuspended
	enlistEnded
	enlistFailed
	enlistPrepared
)

func (s enlistState) String() string {
	switch s {
	case enlistInactive:
		return "inactive"
	case enlistActive:
		return "active"
	case enlistSuspended:
		return "suspended"
	case enlistEnded:
		return "ended"
	case enlistFailed:
		return "failed"
	case enlistPrepared:
		return "prepared"
	}
	return "unknown"
}

type action int

const (
	actStart action = iota
	actJoin
	actSuspend
	actResume
	actEnd
	actFail
	actCommitOnePhase
	actPrepare
	actCommitTwoPhase
	actRollback
)

var actionNames = [...]string{"start", "join", "suspend", "resume", "end", "fail", "one-phase commit", "prepare", "two-phase commit", "rollback"}

func (a action) String() string {
	return actionNames[a]
}

// enlistment tracks the protocol state of one handle inside a branch.
type enlistment struct {
	res     *Resource
	state   enlistState
	joined  bool
	counted bool
}

func newEnlistment(res *Resource) *enlistment {
	e := &enlistment{res: res}
	e.enlist()
	return e
}

// recoveredEnlistment starts in the prepared state: the resource manager
// already reported the branch prepared.
func recoveredEnlistment(res *Resource) *enlistment {
	e := newEnlistment(res)
	e.state = enlistPrepared
	return e
}

func (e *enlistment) String() string {
	return fmt.Sprintf("enlistment(%s,state=%s,joined=%t)", e.res, e.state, e.joined)
}

// next validates a. It does not change state.
func (e *enlistment) next(a action) (enlistState, bool, error) {
	var (
		valid  bool
		state  enlistState
		joined = e.joined
	)
	switch a {
	case actStart, actJoin:
		valid = e.state == enlistInactive
		state, joined = enlistActive, a == actJoin
	case actSuspend:
		valid = e.state == enlistActive
		state = enlistSuspended
	case actResume:
		valid = e.state == enlistSuspended
		state = enlistActive
	case actEnd:
		valid = e.state == enlistActive || e.state == enlistSuspended
		state, joined = enlistEnded, false
	case actFail:
		valid = e.state == enlistActive || e.state == enlistSuspended
		state, joined = enlistFailed, false
	case actCommitOnePhase:
		valid = e.state == enlistEnded
		state, joined = enlistInactive, false
	case actPrepare:
		valid = e.state == enlistEnded
		state, joined = enlistPrepared, false
	case actCommitTwoPhase:
		valid = e.state == enlistPrepared
		state, joined = enlistInactive, false
	case actRollback:
		valid = e.state != enlistInactive
		state, joined = enlistInactive, false
	}
	if !valid {
		return e.state, e.joined, newError(KindInvalidState, nil, "%s is invalid for %s", a, e)
	}
	return state, joined, nil
}

func (e *enlistment) start(ctx context.Context, id xid.ID, flags xa.Flags) error {
	a := actStart
	switch flags {
	case xa.TMJoin:
		a = actJoin
	case xa.TMResume:
		a = actResume
	}
	state, joined, err := e.next(a)
	if err != nil {
		return err
	}
	if err := e.res.start(ctx, id, flags); err != nil {
		return err
	}
	e.state, e.joined = state, joined
	return nil
}

func (e *enlistment) end(ctx context.Context, id xid.ID, flags xa.Flags) error {
	a := actEnd
	switch flags {
	case xa.TMSuspend:
		a = actSuspend
	case xa.TMFail:
		a = actFail
	}
	state, joined, err := e.next(a)
	if err != nil {
		return err
	}
	if err := e.res.end(ctx, id, flags); err != nil {
		return err
	}
	e.state, e.joined = state, joined
	return nil
}

func (e *enlistment) prepare(ctx context.Context, id xid.ID) (xa.Vote, error) {
	state, joined, err := e.next(actPrepare)
	if err != nil {
		return xa.OK, err
	}
	vote, err := e.res.prepare(ctx, id)
	if err != nil {
		return vote, err
	}
	e.state, e.joined = state, joined
	return vote, nil
}

func (e *enlistment) commit(ctx context.Context, id xid.ID, onePhase bool) error {
	a := actCommitTwoPhase
	if onePhase {
		a = actCommitOnePhase
	}
	state, joined, err := e.next(a)
	if err != nil {
		return err
	}
	if err := e.res.commit(ctx, id, onePhase); err != nil {
		return err
	}
	e.state, e.joined = state, joined
	return nil
}

// rollback resets the state even when the resource manager fails: nothing
// useful can be done with the enlistment afterwards.
func (e *enlistment) rollback(ctx context.Context, id xid.ID) error {
	state, joined, err := e.next(actRollback)
	if err != nil {
		return err
	}
	defer func() { e.state, e.joined = state, joined }()
	return e.res.rollback(ctx, id)
}

func (e *enlistment) forget(ctx context.Context, id xid.ID) error {
	defer func() { e.state, e.joined = enlistInactive, false }()
	return e.res.forget(ctx, id)
}

func (e *enlistment) recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	return e.res.recover(ctx, flags)
}

func (e *enlistment) active() bool    { return e.state == enlistActive }
func (e *enlistment) suspended() bool { return e.state == enlistSuspended }

func (e *enlistment) enlist() {
	if !e.counted {
		e.counted = true
		e.res.incrEnlistCount()
	}
}

func (e *enlistment) dispose() {
	if e.counted {
		e.counted = false
		e.res.decrEnlistCount()
	}
}
