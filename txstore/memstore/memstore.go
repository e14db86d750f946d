// Package memstore is a non-durable transaction log kept in process memory.
package memstore

import (
	"context"
	"sort"
	"sync"

	"xacoord/txmanager"
	"xacoord/txstore"
)

type Store struct {
	mu     sync.Mutex
	serial int64
	txs    map[int64]*txmanager.TXRecord
}

var _ txmanager.TXStore = (*Store)(nil)

func New() *Store {
	return &Store{txs: make(map[int64]*txmanager.TXRecord)}
}

func (s *Store) InsertTX(_ context.Context, rec *txmanager.TXRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial++
	c := txstore.Clone(rec)
	c.Serial = s.serial
	s.txs[c.Serial] = c
	return c.Serial, nil
}

func (s *Store) UpdateTX(_ context.Context, rec *txmanager.TXRecord, includeBranches bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.txs[rec.Serial]
	if !ok {
		return txstore.ErrNotFound
	}
	cur.Status = rec.Status
	if !includeBranches {
		return nil
	}
	for _, br := range rec.Branches {
		if err := txstore.ApplyBranch(cur, br); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpdateBranch(_ context.Context, serial int64, br *txmanager.BranchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.txs[serial]
	if !ok {
		return txstore.ErrNotFound
	}
	return txstore.ApplyBranch(cur, br)
}

func (s *Store) DeleteTX(_ context.Context, serial int64) error {
	s.mu.Lock()
	delete(s.txs, serial)
	s.mu.Unlock()
	return nil
}

func (s *Store) RecoverTXs(_ context.Context, coordinatorID string) ([]*txmanager.TXRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*txmanager.TXRecord
	for _, rec := range s.txs {
		if rec.CoordinatorID == coordinatorID {
			out = append(out, txstore.Clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

// Len returns the number of logged transactions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

func (s *Store) Close() error {
	return nil
}
