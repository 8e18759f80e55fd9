package meetings

import "errors"

// Error kinds surfaced to command issuers. Handlers map these to HTTP
// statuses; clients use them to tell "already handled by someone else"
// (ErrConflict) apart from "meeting gone" (ErrNotFound) and "call over"
// (ErrMeetingEnded).
var (
	ErrValidation   = errors.New("invalid request")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("invalid state transition")
	ErrMeetingEnded = errors.New("meeting already ended")
	ErrNotCreator   = errors.New("only the meeting creator may do this")
)
