package errs

import "errors"

// Authentication failures. All of them are reported to the client as auth_error
// and the transport is closed afterwards.
var (
	ErrAuthRequired       = errors.New("authentication required")
	ErrInvalidShareHandle = errors.New("invalid share token")
	ErrEventNotFound      = errors.New("event not found")
	ErrCredentialInvalid  = errors.New("invalid credentials")
	ErrAuthTimeout        = errors.New("authentication timeout")
)

// Access failures. Reported as subscription_error; the connection stays open.
var (
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrNotEntitled      = errors.New("not entitled to this event")
)

// Registry and infrastructure errors (operator-visible only).
var (
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrAlreadyRegistered    = errors.New("connection is already registered")
	ErrAlreadyAuthenticated = errors.New("connection is already authenticated")
	ErrQueueUnavailable     = errors.New("job queue inspector not configured")
	ErrShuttingDown         = errors.New("server is shutting down")
)

var clientMessages = map[error]string{
	ErrAuthRequired:         "Authentication required",
	ErrInvalidShareHandle:   "Invalid or expired share link",
	ErrEventNotFound:        "Event not found",
	ErrCredentialInvalid:    "Invalid or expired credentials",
	ErrAuthTimeout:          "Authentication timeout",
	ErrNotAuthenticated:     "Not authenticated",
	ErrNotEntitled:          "Access denied to this event",
	ErrAlreadyAuthenticated: "Already authenticated",
}

// ClientMessage returns the text shown to a client for err. Errors outside the
// user-visible taxonomy collapse to a generic message so infrastructure detail
// never reaches clients.
func ClientMessage(err error) string {
	for target, msg := range clientMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return "Internal server error"
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, ErrInvalidShareHandle):
		return "invalid_share_handle"
	case errors.Is(err, ErrEventNotFound):
		return "event_not_found"
	case errors.Is(err, ErrCredentialInvalid):
		return "credential_invalid"
	case errors.Is(err, ErrAuthTimeout):
		return "auth_timeout"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrNotEntitled):
		return "access_denied"
	case errors.Is(err, ErrAlreadyAuthenticated):
		return "already_authenticated"
	default:
		return "internal_error"
	}
}
