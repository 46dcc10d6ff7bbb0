package domain

import "errors"

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAccountNotFound     = errors.New("account not found")
	ErrBanned              = errors.New("account is banned")
	ErrSessionConflict     = errors.New("session conflict")
	ErrVersionConflict     = errors.New("account was modified concurrently")
	ErrReferrerUnavailable = errors.New("referrer is banned or gone")
	ErrUnknownTask         = errors.New("unknown task")
	ErrInvalidRequest      = errors.New("invalid request")
)

// SignedInElsewhere is shown to a client whose session was superseded
const SignedInElsewhere = "Your account is active on another device. Reload to continue here."

// ConflictError is returned when a session token no longer matches
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return "session conflict: " + e.Message
}

// Is lets errors.Is(err, ErrSessionConflict) match
func (e *ConflictError) Is(target error) bool {
	return target == ErrSessionConflict
}
