package chatsync

import "errors"

// Error codes in the engine's taxonomy.
const (
	CodeValidation          = "VALIDATION"
	CodeNetwork             = "NETWORK"
	CodeChannelDisconnected = "CHANNEL_DISCONNECTED"
	CodeConflict            = "CONFLICT"
	CodeAuth                = "AUTH"
)

// SyncError is the typed error surfaced by coordinator- and
// controller-level operations. Store-level functions never return errors
// for unknown ids or keys; those are no-ops.
type SyncError struct {
	Code    string
	Message string
	cause   error
}

func (e *SyncError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *SyncError) Unwrap() error {
	return e.cause
}

func newError(code, message string, cause error) *SyncError {
	return &SyncError{Code: code, Message: message, cause: cause}
}

func errValidation(message string) *SyncError {
	return newError(CodeValidation, message, nil)
}

func errNetwork(message string, cause error) *SyncError {
	return newError(CodeNetwork, message, cause)
}

func errConflict(message string) *SyncError {
	return newError(CodeConflict, message, nil)
}

func errAuth(message string, cause error) *SyncError {
	return newError(CodeAuth, message, cause)
}

func errDisconnected(message string) *SyncError {
	return newError(CodeChannelDisconnected, message, nil)
}

func hasCode(err error, code string) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Code == code
}

// IsValidation reports whether err is a rejected-input error. These are
// reported inline by the presentation layer; nothing was sent.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsNetwork reports whether err is a failed request. The provisional
// message has been rolled back; the send is retryable by resubmission.
func IsNetwork(err error) bool { return hasCode(err, CodeNetwork) }

// IsConflict reports whether the server rejected the send as conflicting
// (reused temp id or conversation mismatch). Local state is rolled back.
func IsConflict(err error) bool { return hasCode(err, CodeConflict) }

// IsAuth reports whether the credential was rejected.
func IsAuth(err error) bool { return hasCode(err, CodeAuth) }

// IsChannelDisconnected reports whether an operation required a live
// channel and none was available.
func IsChannelDisconnected(err error) bool { return hasCode(err, CodeChannelDisconnected) }
