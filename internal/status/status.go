// Package status implements the flat status taxonomy as a Go error, following the pattern of the Go CLI tooling's device.ConnectionError:
// a small value type comparable with errors.Is, carrying an optional
// message for context without losing the underlying code.
package status

import "fmt"

// Code is one member of the status taxonomy every synchronous API call and
// every asynchronous completion callback in this framework reports.
type Code int

const (
	Success Code = iota
	Fail
	NotReady // also used for NotEnabled
	NoMem
	Busy
	Done
	NotSupported
	ParmInvalid
	Unhandled
	AuthFailure
	RmtDevDown
	AuthRejected
	UnknownError
	NotFound
	DeviceNotFound
	ServiceNotFound
	NoResources
	IpcError
	PageTimeout
	RmtDevTerminate
	LocalTerminated
	StartTimeout // advertiser watchdog specific
	StackErr     // fatal SAL failure during an async start
)

var names = map[Code]string{
	Success:         "Success",
	Fail:            "Fail",
	NotReady:        "NotReady",
	NoMem:           "NoMem",
	Busy:            "Busy",
	Done:            "Done",
	NotSupported:    "NotSupported",
	ParmInvalid:     "ParmInvalid",
	Unhandled:       "Unhandled",
	AuthFailure:     "AuthFailure",
	RmtDevDown:      "RmtDevDown",
	AuthRejected:    "AuthRejected",
	UnknownError:    "UnknownError",
	NotFound:        "NotFound",
	DeviceNotFound:  "DeviceNotFound",
	ServiceNotFound: "ServiceNotFound",
	NoResources:     "NoResources",
	IpcError:        "IpcError",
	PageTimeout:     "PageTimeout",
	RmtDevTerminate: "RmtDevTerminate",
	LocalTerminated: "LocalTerminated",
	StartTimeout:    "Start_Timeout",
	StackErr:        "Stack_Err",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "Unknown"
}

// Error wraps a Code with optional context, implementing the error
// interface so call sites can return it verbatim: the framework does not
// map SAL statuses.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is allows errors.Is(err, status.New(Fail)) to compare by Code, ignoring Msg.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds a status error from a bare code.
func New(c Code) *Error { return &Error{Code: c} }

// Newf builds a status error with a formatted message.
func Newf(c Code, format string, args ...any) *Error {
	return &Error{Code: c, Msg: fmt.Sprintf(format, args...)}
}

// FromError extracts the Code from err, defaulting to UnknownError for any
// non-status error (e.g. one that escaped from a SAL mock in tests).
func FromError(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if ok := asStatus(err, &se); ok {
		return se.Code
	}
	return UnknownError
}

func asStatus(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
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
