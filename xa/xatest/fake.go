// Package xatest provides a scripted in-memory resource manager for tests.
package xatest

import (
	"context"
	"sync"

	"xacoord/xa"
)

// Op names an xa.Resource method.
type Op string

const (
	OpStart    Op = "start"
	OpEnd      Op = "end"
	OpPrepare  Op = "prepare"
	OpCommit   Op = "commit"
	OpRollback Op = "rollback"
	OpForget   Op = "forget"
	OpRecover  Op = "recover"
	OpSameRM   Op = "is_same_rm"
)

// Call is one recorded invocation.
type Call struct {
	Op       Op
	Xid      xa.Xid
	Flags    xa.Flags
	OnePhase bool
}

// RM is a fake resource manager. Every Conn created from the same RM reports
// IsSameRM true; prepared branches are kept until committed, rolled back or
// forgotten and are listed by Recover.
type RM struct {
	mu       sync.Mutex
	name     string
	calls    []Call
	vote     xa.Vote
	prepared []xa.Xid
	queued   map[Op][]error
	always   map[Op]error
}

func NewRM(name string) *RM {
	return &RM{
		name:   name,
		queued: make(map[Op][]error),
		always: make(map[Op]error),
	}
}

func (rm *RM) Name() string {
	return rm.name
}

// Conn returns a new connection to rm.
func (rm *RM) Conn() *Conn {
	return &Conn{rm: rm}
}

// Fail queues errs for op; each call consumes one, nil entries succeed.
func (rm *RM) Fail(op Op, errs ...error) {
	rm.mu.Lock()
	rm.queued[op] = append(rm.queued[op], errs...)
	rm.mu.Unlock()
}

// FailAlways makes every call of op return err once the queue is drained. A
// nil err clears it.
func (rm *RM) FailAlways(op Op, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err == nil {
		delete(rm.always, op)
		return
	}
	rm.always[op] = err
}

// SetVote sets the vote returned by a successful prepare.
func (rm *RM) SetVote(v xa.Vote) {
	rm.mu.Lock()
	rm.vote = v
	rm.mu.Unlock()
}

// AddPrepared makes x appear in the prepared list, as if left over by a crash.
func (rm *RM) AddPrepared(x xa.Xid) {
	rm.mu.Lock()
	rm.addPreparedLocked(x)
	rm.mu.Unlock()
}

func (rm *RM) Prepared() []xa.Xid {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]xa.Xid(nil), rm.prepared...)
}

// Calls returns the recorded calls, filtered by ops when given.
func (rm *RM) Calls(ops ...Op) []Call {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	var out []Call
	for _, c := range rm.calls {
		if len(ops) == 0 || contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

func (rm *RM) Count(op Op) int {
	return len(rm.Calls(op))
}

// Started returns the distinct branch ids passed to Start without TMJoin or
// TMResume, in order.
func (rm *RM) Started() []xa.Xid {
	var out []xa.Xid
	for _, c := range rm.Calls(OpStart) {
		if c.Flags == xa.TMNoFlags {
			out = append(out, c.Xid)
		}
	}
	return out
}

func contains(ops []Op, op Op) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func (rm *RM) record(c Call) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.calls = append(rm.calls, c)
	if q := rm.queued[c.Op]; len(q) > 0 {
		rm.queued[c.Op] = q[1:]
		if q[0] != nil {
			return q[0]
		}
		return nil
	}
	return rm.always[c.Op]
}

func (rm *RM) addPreparedLocked(x xa.Xid) {
	for _, p := range rm.prepared {
		if p.Equal(x) {
			return
		}
	}
	rm.prepared = append(rm.prepared, x)
}

func (rm *RM) drop(x xa.Xid) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for i, p := range rm.prepared {
		if p.Equal(x) {
			rm.prepared = append(rm.prepared[:i], rm.prepared[i+1:]...)
			return
		}
	}
}

// Conn is one connection to an RM. It implements xa.Resource.
type Conn struct {
	rm *RM
}

var _ xa.Resource = (*Conn)(nil)

func (c *Conn) RM() *RM {
	return c.rm
}

func (c *Conn) Start(_ context.Context, x xa.Xid, flags xa.Flags) error {
	return c.rm.record(Call{Op: OpStart, Xid: x, Flags: flags})
}

func (c *Conn) End(_ context.Context, x xa.Xid, flags xa.Flags) error {
	return c.rm.record(Call{Op: OpEnd, Xid: x, Flags: flags})
}

func (c *Conn) Prepare(_ context.Context, x xa.Xid) (xa.Vote, error) {
	if err := c.rm.record(Call{Op: OpPrepare, Xid: x}); err != nil {
		return xa.OK, err
	}
	c.rm.mu.Lock()
	defer c.rm.mu.Unlock()
	if c.rm.vote == xa.ReadOnly {
		return xa.ReadOnly, nil
	}
	c.rm.addPreparedLocked(x)
	return xa.OK, nil
}

func (c *Conn) Commit(_ context.Context, x xa.Xid, onePhase bool) error {
	if err := c.rm.record(Call{Op: OpCommit, Xid: x, OnePhase: onePhase}); err != nil {
		return err
	}
	c.rm.drop(x)
	return nil
}

func (c *Conn) Rollback(_ context.Context, x xa.Xid) error {
	if err := c.rm.record(Call{Op: OpRollback, Xid: x}); err != nil {
		return err
	}
	c.rm.drop(x)
	return nil
}

func (c *Conn) Forget(_ context.Context, x xa.Xid) error {
	if err := c.rm.record(Call{Op: OpForget, Xid: x}); err != nil {
		return err
	}
	c.rm.drop(x)
	return nil
}

func (c *Conn) Recover(_ context.Context, flags xa.Flags) ([]xa.Xid, error) {
	if err := c.rm.record(Call{Op: OpRecover, Flags: flags}); err != nil {
		return nil, err
	}
	return c.rm.Prepared(), nil
}

func (c *Conn) IsSameRM(other xa.Resource) (bool, error) {
	if err := c.rm.record(Call{Op: OpSameRM}); err != nil {
		return false, err
	}
	o, ok := other.(*Conn)
	return ok && o.rm == c.rm, nil
}
