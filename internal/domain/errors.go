package domain

// Error codes for the failure taxonomy. Setup-path failures (connect, not
// found, bind) surface as "not ready" to the host's retry supervision; browse
// and resolve failures go straight back to the caller.
const (
	CodeConnect        = "CONNECT_ERROR"
	CodeDeviceNotFound = "DEVICE_NOT_FOUND"
	CodeBind           = "BIND_ERROR"
	CodeUnresolvable   = "UNRESOLVABLE"
	CodeBrowse         = "BROWSE_ERROR"
)

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func ConnectError(message string, err error) *Error {
	return &Error{Code: CodeConnect, Message: message, Err: err}
}

func DeviceNotFoundError(message string) *Error {
	return &Error{Code: CodeDeviceNotFound, Message: message}
}

func BindError(message string, err error) *Error {
	return &Error{Code: CodeBind, Message: message, Err: err}
}

func UnresolvableError(message string, err error) *Error {
	return &Error{Code: CodeUnresolvable, Message: message, Err: err}
}

func BrowseError(message string, err error) *Error {
	return &Error{Code: CodeBrowse, Message: message, Err: err}
}

// HasCode reports whether err is a *Error carrying the given code anywhere in
// its chain.
func HasCode(err error, code string) bool {
	for err != nil {
		if de, ok := err.(*Error); ok && de.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
