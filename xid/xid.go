// Package xid generates and parses the transaction identifiers handed to
// resource managers.
//
// A global transaction id has the layout
//
//	gtrid = coordinator id (32 bytes, space padded)
//	        | coordinator birth (int64) | identifier birth (int64) | sequence (int64)
//	bqual = branch id (int32)
//
// all integers big endian. The global variant carries GlobalBranchID as its
// branch id so it never collides with a real branch.
package xid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"xacoord/xa"
)

const (
	// FormatID tags identifiers produced by this package.
	FormatID int32 = 0x1c131d0a
	// MaxCoordinatorIDLen bounds the coordinator id so it fits the gtrid.
	MaxCoordinatorIDLen = 32
	// GlobalBranchID is the branch id reserved for the global identifier.
	GlobalBranchID int32 = math.MaxInt32

	gtridLen = MaxCoordinatorIDLen + 8 + 8 + 8
	bqualLen = 4
)

var (
	ErrFormat        = errors.New("xid: unknown format id")
	ErrLength        = errors.New("xid: invalid identifier length")
	ErrCoordinatorID = errors.New("xid: coordinator id too long")
)

// ID is a parsed transaction identifier. It is comparable and can be used as
// a map key.
type ID struct {
	CoordinatorID    string
	CoordinatorBirth int64
	Birth            int64
	Seq              int64
	BranchID         int32
}

// IsGlobal reports whether id is the global variant.
func (id ID) IsGlobal() bool {
	return id.BranchID == GlobalBranchID
}

// Global returns the global identifier of the transaction id belongs to.
func (id ID) Global() ID {
	id.BranchID = GlobalBranchID
	return id
}

// Branch derives the identifier of branch n (zero based) of the transaction.
func (id ID) Branch(n int) ID {
	id.BranchID = int32(n + 1)
	return id
}

// SameGlobal reports whether id and o belong to the same global transaction.
func (id ID) SameGlobal(o ID) bool {
	return id.Global() == o.Global()
}

// BelongsTo reports whether the identifier was issued by coordinatorID.
func (id ID) BelongsTo(coordinatorID string) bool {
	return id.CoordinatorID == coordinatorID
}

// GlobalBytes encodes the gtrid part.
func (id ID) GlobalBytes() []byte {
	b := make([]byte, gtridLen)
	copy(b, id.CoordinatorID)
	for i := len(id.CoordinatorID); i < MaxCoordinatorIDLen; i++ {
		b[i] = ' '
	}
	off := MaxCoordinatorIDLen
	binary.BigEndian.PutUint64(b[off:], uint64(id.CoordinatorBirth))
	binary.BigEndian.PutUint64(b[off+8:], uint64(id.Birth))
	binary.BigEndian.PutUint64(b[off+16:], uint64(id.Seq))
	return b
}

// BranchBytes encodes the bqual part.
func (id ID) BranchBytes() []byte {
	b := make([]byte, bqualLen)
	binary.BigEndian.PutUint32(b, uint32(id.BranchID))
	return b
}

// XA returns the wire form understood by resource managers.
func (id ID) XA() xa.Xid {
	return xa.Xid{
		FormatID:        FormatID,
		GlobalID:        id.GlobalBytes(),
		BranchQualifier: id.BranchBytes(),
	}
}

func (id ID) String() string {
	if id.IsGlobal() {
		return fmt.Sprintf("%s:%d:%d:%d", id.CoordinatorID, id.CoordinatorBirth, id.Birth, id.Seq)
	}
	return fmt.Sprintf("%s:%d:%d:%d/%d", id.CoordinatorID, id.CoordinatorBirth, id.Birth, id.Seq, id.BranchID)
}

// Parse decodes an identifier produced by this package.
func Parse(x xa.Xid) (ID, error) {
	if x.FormatID != FormatID {
		return ID{}, ErrFormat
	}
	return FromBytes(x.GlobalID, x.BranchQualifier)
}

// FromBytes decodes gtrid and bqual bytes, as persisted by a transaction log.
func FromBytes(gtrid, bqual []byte) (ID, error) {
	if len(gtrid) != gtridLen || len(bqual) != bqualLen {
		return ID{}, ErrLength
	}
	off := MaxCoordinatorIDLen
	return ID{
		CoordinatorID:    strings.TrimRight(string(gtrid[:off]), " "),
		CoordinatorBirth: int64(binary.BigEndian.Uint64(gtrid[off:])),
		Birth:            int64(binary.BigEndian.Uint64(gtrid[off+8:])),
		Seq:              int64(binary.BigEndian.Uint64(gtrid[off+16:])),
		BranchID:         int32(binary.BigEndian.Uint32(bqual)),
	}, nil
}

// Factory issues global identifiers for one coordinator instance.
type Factory struct {
	coordinatorID string
	birth         int64
	seq           atomic.Int64
	now           func() time.Time
}

// NewFactory returns a Factory for coordinatorID, born now.
func NewFactory(coordinatorID string) (*Factory, error) {
	return newFactory(coordinatorID, time.Now)
}

func newFactory(coordinatorID string, now func() time.Time) (*Factory, error) {
	if len(coordinatorID) > MaxCoordinatorIDLen {
		return nil, fmt.Errorf("%w: %q has %d bytes, max %d", ErrCoordinatorID, coordinatorID, len(coordinatorID), MaxCoordinatorIDLen)
	}
	// the gtrid pads with spaces, a trailing one would not survive FromBytes
	if strings.HasSuffix(coordinatorID, " ") {
		return nil, fmt.Errorf("%w: %q ends with a space", ErrCoordinatorID, coordinatorID)
	}
	return &Factory{
		coordinatorID: coordinatorID,
		birth:         now().UnixMilli(),
		now:           now,
	}, nil
}

// CoordinatorID returns the id embedded in every identifier.
func (f *Factory) CoordinatorID() string {
	return f.coordinatorID
}

// NewGlobal returns a fresh global identifier. Safe for concurrent use.
func (f *Factory) NewGlobal() ID {
	return ID{
		CoordinatorID:    f.coordinatorID,
		CoordinatorBirth: f.birth,
		Birth:            f.now().UnixMilli(),
		Seq:              f.seq.Add(1),
		BranchID:         GlobalBranchID,
	}
}
