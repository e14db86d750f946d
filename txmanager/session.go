package txmanager

import (
	"context"
	"sync"
)

// session is the per-caller slot holding the bound transaction. It travels in
// a context.Context and is shared by every context derived from it.
type session struct {
	mu sync.Mutex
	tx *Transaction
}

type sessionKey struct {
	mgr *TXManager
}

func (s *session) get() *Transaction {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

func (s *session) set(tx *Transaction) {
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
}

func (t *TXManager) sessionFrom(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey{mgr: t}).(*session)
	return s
}

// session returns the slot of ctx, creating one when missing.
func (t *TXManager) session(ctx context.Context) (context.Context, *session) {
	if s := t.sessionFrom(ctx); s != nil {
		return ctx, s
	}
	s := &session{}
	return context.WithValue(ctx, sessionKey{mgr: t}, s), s
}
