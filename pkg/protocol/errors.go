package protocol

import "errors"

// Domain errors surfaced across component boundaries. Callers match with
// errors.Is; components wrap these with context via fmt.Errorf and %w.
var (
	// ErrDuplicateTicket is returned when a ticket id already exists.
	ErrDuplicateTicket = errors.New("duplicate ticket")

	// ErrNotFound is returned when no instance exists for a ticket id.
	ErrNotFound = errors.New("ticket not found")

	// ErrInvalidState is returned when an operation is not legal for the
	// instance's current status, e.g. resuming a ticket that is not
	// awaiting a human answer.
	ErrInvalidState = errors.New("invalid ticket state")

	// ErrAlreadyAnswered is returned to the loser of a resume race: the
	// answer was already recorded by a concurrent call.
	ErrAlreadyAnswered = errors.New("ticket already answered")

	// ErrConflict is returned by the store when a conditional update
	// observes a status other than the expected one.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrToolTimeout indicates a tool call exceeded its deadline. Transient.
	ErrToolTimeout = errors.New("tool timeout")

	// ErrToolUnavailable indicates the tool service could not be reached
	// or answered with a server error. Transient.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrToolRejected indicates the tool service rejected the request as
	// malformed. Fatal; retrying cannot help.
	ErrToolRejected = errors.New("tool rejected request")
)

// TransientToolError reports whether err is worth retrying.
func TransientToolError(err error) bool {
	return errors.Is(err, ErrToolTimeout) || errors.Is(err, ErrToolUnavailable)
}
