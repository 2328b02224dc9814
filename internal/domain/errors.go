package domain

import "errors"

// ErrorCode identifies the kind of a surfaced session error.
type ErrorCode string

const (
	ErrorCodeStartup     ErrorCode = "startup"
	ErrorCodePermission  ErrorCode = "permission"
	ErrorCodeRecognition ErrorCode = "recognition"
	ErrorCodeChannel     ErrorCode = "channel"
	ErrorCodePayload     ErrorCode = "payload"
	ErrorCodeAudioStream ErrorCode = "audio_stream"
	ErrorCodeBackend     ErrorCode = "backend"
)

// Error tags an underlying failure with the code the presentation layer shows.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with code. A nil err yields nil.
func NewError(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code, true
	}
	return "", false
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
