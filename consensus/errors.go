package consensus

import "fmt"

// ErrorCode mirrors the teacher's ErrorCode/TxError idiom
// (clients/go/consensus/errors.go) for consensus-level rejections and
// fatal conditions.
type ErrorCode string

const (
	ErrWrongPrevHash      ErrorCode = "WRONG_PREV_HASH"
	ErrWrongLeader        ErrorCode = "WRONG_LEADER"
	ErrHeightOutOfRange   ErrorCode = "HEIGHT_OUT_OF_RANGE"
	ErrUnknownValidator   ErrorCode = "UNKNOWN_VALIDATOR"
	ErrInsufficientVotes  ErrorCode = "INSUFFICIENT_VOTES"
	ErrNotDistinctVoters  ErrorCode = "NOT_DISTINCT_VOTERS"
	ErrBadPrecommitSet    ErrorCode = "BAD_PRECOMMIT_SET"

	// ErrDivergence marks the fatal assertion failures of
	// §4.7.3/§4.7.5/§4.7.7: a locally computed block hash disagreeing
	// with a precommitted or previously-broadcast one. The process MUST
	// terminate rather than continue with inconsistent state (§6).
	ErrDivergence ErrorCode = "DIVERGENCE"
)

// ConsensusError is returned by message validation; it never mutates
// NodeState (messages that fail validation are simply dropped).
type ConsensusError struct {
	Code ErrorCode
	Msg  string
}

func (e *ConsensusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func consensusErr(code ErrorCode, msg string) error {
	return &ConsensusError{Code: code, Msg: msg}
}

// DivergenceError is a fatal, process-terminating condition (§6 exit
// codes: divergence asserts MUST terminate the process). It is a
// distinct type from ConsensusError so callers cannot mistake it for an
// ordinary drop-and-continue validation failure.
type DivergenceError struct {
	Msg string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDivergence, e.Msg)
}
