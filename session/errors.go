package session

import "errors"

var (
	// ErrStaleBaseVersion means the operation's declared baseline is outside
	// the retained history (or ahead of the server) and cannot be
	// transformed. The client must re-fetch session state and resubmit.
	ErrStaleBaseVersion = errors.New("stale base version")

	// ErrSessionOverloaded means the controller could not accept the request
	// within its bounded queueing time. Retryable with backoff.
	ErrSessionOverloaded = errors.New("session overloaded")

	// ErrSessionEnded means the controller has been torn down.
	ErrSessionEnded = errors.New("session ended")

	// ErrSessionFull means the participant limit is reached.
	ErrSessionFull = errors.New("session full")

	// ErrPermissionDenied means the participant may view but not mutate.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnknownParticipant means the caller never joined or already left.
	ErrUnknownParticipant = errors.New("unknown participant")
)

// ErrorCode maps a session error to its wire reject code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrStaleBaseVersion):
		return "stale_base_version"
	case errors.Is(err, ErrSessionOverloaded):
		return "session_overloaded"
	case errors.Is(err, ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, ErrSessionFull):
		return "session_full"
	case errors.Is(err, ErrPermissionDenied):
		return "authorization_denied"
	case errors.Is(err, ErrUnknownParticipant):
		return "unknown_participant"
	default:
		return "internal_error"
	}
}
