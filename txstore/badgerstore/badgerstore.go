// Package badgerstore keeps the transaction log in an embedded badger
// database, one JSON document per global transaction.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"xacoord/log"
	"xacoord/txmanager"
	"xacoord/txstore"
)

var (
	txPrefix  = []byte("tx/")
	serialKey = []byte("seq/serial")
)

// Store is a txmanager.TXStore backed by badger.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

var _ txmanager.TXStore = (*Store)(nil)

// Open opens the database at path. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %q: %w", path, err)
	}
	seq, err := db.GetSequence(serialKey, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badgerstore: serial sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

func txKey(serial int64) []byte {
	k := make([]byte, len(txPrefix)+8)
	copy(k, txPrefix)
	binary.BigEndian.PutUint64(k[len(txPrefix):], uint64(serial))
	return k
}

func (s *Store) InsertTX(_ context.Context, rec *txmanager.TXRecord) (int64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("badgerstore: next serial: %w", err)
	}
	c := txstore.Clone(rec)
	// sequences start at zero
	c.Serial = int64(n) + 1
	val, err := json.Marshal(c)
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(txKey(c.Serial), val)
	})
	if err != nil {
		return 0, fmt.Errorf("badgerstore: insert: %w", err)
	}
	return c.Serial, nil
}

// modify applies fn to the stored record of serial inside one badger
// transaction.
func (s *Store) modify(serial int64, fn func(rec *txmanager.TXRecord) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(txKey(serial))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txstore.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec txmanager.TXRecord
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		}); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		val, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return txn.Set(txKey(serial), val)
	})
}

func (s *Store) UpdateTX(_ context.Context, rec *txmanager.TXRecord, includeBranches bool) error {
	return s.modify(rec.Serial, func(cur *txmanager.TXRecord) error {
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
	})
}

func (s *Store) UpdateBranch(_ context.Context, serial int64, br *txmanager.BranchRecord) error {
	return s.modify(serial, func(cur *txmanager.TXRecord) error {
		return txstore.ApplyBranch(cur, br)
	})
}

func (s *Store) DeleteTX(_ context.Context, serial int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(txKey(serial))
	})
}

func (s *Store) RecoverTXs(ctx context.Context, coordinatorID string) ([]*txmanager.TXRecord, error) {
	var recs []*txmanager.TXRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(txPrefix); it.ValidForPrefix(txPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec txmanager.TXRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			if rec.CoordinatorID == coordinatorID {
				recs = append(recs, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: recover: %w", err)
	}
	return recs, nil
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		log.WarnContextf(context.Background(), "release badger sequence: %v", err)
	}
	return s.db.Close()
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.ErrorContextf(context.Background(), "badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.WarnContextf(context.Background(), "badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.DebugContextf(context.Background(), "badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.DebugContextf(context.Background(), "badger: "+format, args...)
}
