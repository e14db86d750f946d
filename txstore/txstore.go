// Package txstore holds what the transaction log backends share.
package txstore

import (
	"errors"

	"xacoord/txmanager"
)

// ErrNotFound is returned when an update addresses a serial or branch that is
// not in the log.
var ErrNotFound = errors.New("txstore: record not found")

// Clone deep copies rec so a store never shares memory with its caller.
func Clone(rec *txmanager.TXRecord) *txmanager.TXRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.GlobalID = cloneBytes(rec.GlobalID)
	out.BranchQualifier = cloneBytes(rec.BranchQualifier)
	out.Branches = make([]*txmanager.BranchRecord, 0, len(rec.Branches))
	for _, br := range rec.Branches {
		b := *br
		b.GlobalID = cloneBytes(br.GlobalID)
		b.BranchQualifier = cloneBytes(br.BranchQualifier)
		out.Branches = append(out.Branches, &b)
	}
	return &out
}

// ApplyBranch copies the status of br onto the branch of rec with the same
// index.
func ApplyBranch(rec *txmanager.TXRecord, br *txmanager.BranchRecord) error {
	for _, b := range rec.Branches {
		if b.Index == br.Index {
			b.Status = br.Status
			return nil
		}
	}
	return ErrNotFound
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
