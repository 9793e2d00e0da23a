package constants

import "fmt"

// ErrorCode 回复报文中的错误码
type ErrorCode uint16

const (
	ErrNone              ErrorCode = 0
	ErrInvalidObject     ErrorCode = 20
	ErrInvalidFieldID    ErrorCode = 25
	ErrInvalidFrameID    ErrorCode = 30
	ErrNotImplemented    ErrorCode = 100
	ErrNotSuspended      ErrorCode = 101
	ErrInvalidArgument   ErrorCode = 102
	ErrUnloaded          ErrorCode = 103
	ErrNoInvocation      ErrorCode = 104
	ErrAbsentInformation ErrorCode = 105
)

var errorCodeNames = map[ErrorCode]string{
	ErrNone:              "NONE",
	ErrInvalidObject:     "INVALID_OBJECT",
	ErrInvalidFieldID:    "INVALID_FIELDID",
	ErrInvalidFrameID:    "INVALID_FRAMEID",
	ErrNotImplemented:    "NOT_IMPLEMENTED",
	ErrNotSuspended:      "NOT_SUSPENDED",
	ErrInvalidArgument:   "INVALID_ARGUMENT",
	ErrUnloaded:          "UNLOADED",
	ErrNoInvocation:      "NO_INVOCATION",
	ErrAbsentInformation: "ABSENT_INFORMATION",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERR_%d", uint16(c))
}
