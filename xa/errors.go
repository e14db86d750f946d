package xa

import "fmt"

// Standard XA return codes.
const (
	RBRollback  = 100
	RBCommFail  = 101
	RBDeadlock  = 102
	RBIntegrity = 103
	RBOther     = 104
	RBProto     = 105
	RBTimeout   = 106
	RBTransient = 107

	NoMigrate = 9
	HeurHaz   = 8
	HeurCom   = 7
	HeurRB    = 6
	HeurMix   = 5
	Retry     = 4
	RdOnly    = 3

	ErAsync   = -2
	ErRMErr   = -3
	ErNoTA    = -4
	ErInval   = -5
	ErProto   = -6
	ErRMFail  = -7
	ErDupID   = -8
	ErOutside = -9
)

var codeNames = map[int]string{
	RBRollback:  "XA_RBROLLBACK",
	RBCommFail:  "XA_RBCOMMFAIL",
	RBDeadlock:  "XA_RBDEADLOCK",
	RBIntegrity: "XA_RBINTEGRITY",
	RBOther:     "XA_RBOTHER",
	RBProto:     "XA_RBPROTO",
	RBTimeout:   "XA_RBTIMEOUT",
	RBTransient: "XA_RBTRANSIENT",
	NoMigrate:   "XA_NOMIGRATE",
	HeurHaz:     "XA_HEURHAZ",
	HeurCom:     "XA_HEURCOM",
	HeurRB:      "XA_HEURRB",
	HeurMix:     "XA_HEURMIX",
	Retry:       "XA_RETRY",
	RdOnly:      "XA_RDONLY",
	ErAsync:     "XAER_ASYNC",
	ErRMErr:     "XAER_RMERR",
	ErNoTA:      "XAER_NOTA",
	ErInval:     "XAER_INVAL",
	ErProto:     "XAER_PROTO",
	ErRMFail:    "XAER_RMFAIL",
	ErDupID:     "XAER_DUPID",
	ErOutside:   "XAER_OUTSIDE",
}

// CodeName returns the symbolic name of an XA return code.
func CodeName(code int) string {
	if n, ok := codeNames[code]; ok {
		return n
	}
	return fmt.Sprintf("XA(%d)", code)
}

// Error is returned by a Resource to report an XA outcome.
type Error struct {
	Code int
	Msg  string
}

// NewError builds an *Error for code.
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return CodeName(e.Code)
	}
	return CodeName(e.Code) + ": " + e.Msg
}

// IsHeuristic reports whether code describes a heuristic completion.
func IsHeuristic(code int) bool {
	switch code {
	case HeurHaz, HeurMix, HeurCom, HeurRB:
		return true
	}
	return false
}
