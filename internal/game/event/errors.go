package event

import "errors"

// Sentinel errors. Callers wrap them with context and test with errors.Is.
var (
	// ErrInvalidPayload is returned when a command payload is malformed or
	// violates a per-kind constraint.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnsupportedCommand is returned for an unknown command kind.
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrRoomNotFound is returned when a non-JOIN command targets a room that
	// has never been created.
	ErrRoomNotFound = errors.New("room not found")
	// ErrUnknownTarget is returned when SET_HP targets a client that is not a
	// member of the room.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrInternalSequencingFault signals a broken sequencing invariant. The
	// affected room refuses further writes until rebuilt from its log.
	ErrInternalSequencingFault = errors.New("internal sequencing fault")
	// ErrSubscriberOverflow is returned to a subscriber whose queue filled up.
	ErrSubscriberOverflow = errors.New("subscriber overflow")
	// ErrQueueTimeout is returned when a command waited too long for its room.
	ErrQueueTimeout = errors.New("room queue timeout")
	// ErrRoomClosed is returned when a room was torn down while in use.
	ErrRoomClosed = errors.New("room closed")
	// ErrResumeAhead is returned when a subscriber claims to have seen a seq
	// the room has not reached, e.g. after the log was reset. The client must
	// forget its last seq and resubscribe from the start.
	ErrResumeAhead = errors.New("resume point ahead of room")
)

// Code is the machine-readable error code sent alongside the human-readable
// message in error envelopes.
type Code string

const (
	CodeInvalidMessage          Code = "INVALID_MESSAGE"
	CodeInvalidPayload          Code = "INVALID_PAYLOAD"
	CodeUnsupportedCommand      Code = "UNSUPPORTED_COMMAND"
	CodeRoomNotFound            Code = "ROOM_NOT_FOUND"
	CodeUnknownTarget           Code = "UNKNOWN_TARGET"
	CodeInternalSequencingFault Code = "INTERNAL_SEQUENCING_FAULT"
	CodeSubscriberOverflow      Code = "SUBSCRIBER_OVERFLOW"
	CodeQueueTimeout            Code = "QUEUE_TIMEOUT"
	CodeRoomClosed              Code = "ROOM_CLOSED"
	CodeResumeAhead             Code = "RESUME_AHEAD"
	CodeInternal                Code = "INTERNAL"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrUnsupportedCommand, CodeUnsupportedCommand},
	{ErrRoomNotFound, CodeRoomNotFound},
	{ErrUnknownTarget, CodeUnknownTarget},
	{ErrInternalSequencingFault, CodeInternalSequencingFault},
	{ErrSubscriberOverflow, CodeSubscriberOverflow},
	{ErrQueueTimeout, CodeQueueTimeout},
	{ErrRoomClosed, CodeRoomClosed},
	{ErrResumeAhead, CodeResumeAhead},
}

// CodeOf maps err to its wire code. Errors outside the taxonomy map to
// CodeInternal.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
