package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies every guard violation the protocol can report. Callers
// match on kinds; messages are for humans.
type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindNotParticipant        Kind = "NOT_PARTICIPANT"
	KindNotInvited            Kind = "NOT_INVITED"
	KindWrongStatus           Kind = "WRONG_STATUS"
	KindInvalidConsensusCount Kind = "INVALID_CONSENSUS_COUNT"
	KindInvalidSignature      Kind = "INVALID_SIGNATURE"
	KindNoPublicKey           Kind = "NO_PUBLIC_KEY"
	KindCannotWithdrawBinding Kind = "CANNOT_WITHDRAW_BINDING"
	KindStaleVersion          Kind = "STALE_VERSION"
	KindConsistencyFault      Kind = "CONSISTENCY_FAULT"
)

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Msg }

func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the protocol error kind, or "" for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
