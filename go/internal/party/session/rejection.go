package session

import (
	"errors"
	"fmt"

	"github.com/mcdev12/hotseat/go/internal/party/attack"
	"github.com/mcdev12/hotseat/go/internal/party/retry"
	"github.com/mcdev12/hotseat/go/internal/party/round"
	"github.com/mcdev12/hotseat/go/internal/store"
)

// RejectionCode identifies an expected rule violation.
type RejectionCode string

const (
	CodeAlreadyVoted      RejectionCode = "already-voted"
	CodeStaleRound        RejectionCode = "stale-round"
	CodeWrongPhase        RejectionCode = "wrong-phase"
	CodeNotLeader         RejectionCode = "not-leader"
	CodeNotFound          RejectionCode = "not-found"
	CodeAlreadyJoined     RejectionCode = "already-joined"
	CodeNotJoined         RejectionCode = "not-joined"
	CodeNotEligible       RejectionCode = "not-eligible"
	CodeInvalidTarget     RejectionCode = "invalid-target"
	CodeInvalidChoice     RejectionCode = "invalid-choice"
	CodeInvalidCard       RejectionCode = "invalid-card"
	CodeAlreadyDecided    RejectionCode = "already-decided"
	CodeWaitingForHotseat RejectionCode = "waiting-for-hotseat"
	CodeNotReady          RejectionCode = "not-ready"
	CodeNotEnoughPlayers  RejectionCode = "not-enough-players"
	CodeVotingOpen        RejectionCode = "voting-open"
	CodeRoomGone          RejectionCode = "room-gone"
	CodeInvalidPlayer     RejectionCode = "invalid-player"
	CodeNoRoom            RejectionCode = "no-room"
)

// Rejection is returned by commands that break a game rule. It is never
// retried.
type Rejection struct {
	Code    RejectionCode
	Message string
	Cause   error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected (%s): %s", r.Code, r.Message)
}

func (r *Rejection) Unwrap() error {
	return r.Cause
}

// Is matches another *Rejection by code.
func (r *Rejection) Is(target error) bool {
	if t, ok := target.(*Rejection); ok {
		return r.Code == t.Code
	}
	return false
}

func reject(code RejectionCode, cause error) *Rejection {
	msg := string(code)
	if cause != nil {
		msg = cause.Error()
	}
	return &Rejection{Code: code, Message: msg, Cause: cause}
}

var (
	errNoRoom      = errors.New("not in a room")
	errRoomMissing = errors.New("room does not exist")
	errRoomDeleted = errors.New("room was deleted")
)

var rejectionCodes = []struct {
	err  error
	code RejectionCode
}{
	{round.ErrAlreadyVoted, CodeAlreadyVoted},
	{round.ErrStaleRound, CodeStaleRound},
	{round.ErrWrongPhase, CodeWrongPhase},
	{round.ErrAlreadyJoined, CodeAlreadyJoined},
	{round.ErrNotJoined, CodeNotJoined},
	{round.ErrNotEligible, CodeNotEligible},
	{round.ErrInvalidTarget, CodeInvalidTarget},
	{round.ErrInvalidChoice, CodeInvalidChoice},
	{round.ErrInvalidCard, CodeInvalidCard},
	{round.ErrAlreadyDecided, CodeAlreadyDecided},
	{round.ErrWaitingForHotseat, CodeWaitingForHotseat},
	{round.ErrNotReady, CodeNotReady},
	{round.ErrNotEnoughPlayers, CodeNotEnoughPlayers},
	{round.ErrVotingOpen, CodeVotingOpen},
	{attack.ErrNotLeader, CodeNotLeader},
	{retry.ErrRoomGone, CodeRoomGone},
	{errRoomDeleted, CodeRoomGone},
	{errRoomMissing, CodeNotFound},
	{errNoRoom, CodeNoRoom},
}

// asRejection converts rule violations into a *Rejection and returns every
// other error unchanged.
func asRejection(err error) error {
	if err == nil {
		return nil
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	for _, rc := range rejectionCodes {
		if errors.Is(err, rc.err) {
			return reject(rc.code, rc.err)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return reject(CodeNotFound, err)
	}
	return err
}
