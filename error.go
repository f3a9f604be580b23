package main

const (
	ErrMessageBackendUnavailable = "The announcement store is temporarily unavailable. Please try again later."
	ErrMessageConflict           = "Announcement was modified while being deleted. Please try again."
	ErrMessageDeniedKey          = "This key is reserved and can't be set."
	ErrMessageForbidden          = "Secret required or incorrect"
	ErrMessageInternalError      = "An internal error has occurred. Please report this to the server operator."
	ErrMessageInvalidBody        = "Request body should be a JSON object."
	ErrMessageInvalidExpiry      = "Expiry is too large."
	ErrMessageInvalidSecret      = "Invalid secret"
	ErrMessageKeyMissing         = "Request is missing the `key` field."
	ErrMessageNotFound           = "Announcement not found"
	ErrMessageRequestTooLarge    = "Request body is larger than the maximum allowed size."
	ErrMessageRouteNotFound      = "No such route."
	ErrMessageUnauthorized       = "Invalid master password"
)

// ServerError is an error that's safe to show to a client, along with the
// status code to send it with.
type ServerError struct {
	Message    string
	StatusCode int
}

func NewServerError(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

func (e *ServerError) Error() string {
	return e.Message
}
