package error

import (
	"errors"
	"fmt"

	"github.com/fansqz/mono-debugger-agent/constants"
)

var (
	ErrHandshakeFailed      = errors.New("transport handshake failed")
	ErrTransportClosed      = errors.New("transport is closed")
	ErrAcceptTimeout        = errors.New("timed out waiting for the debugger client")
	ErrInvalidOptions       = errors.New("invalid agent options")
	ErrUnsupportedTransport = errors.New("unsupported transport")
	// ErrProtocolFault 客户端发送了违反协议的数据，连接将被关闭
	ErrProtocolFault = errors.New("protocol fault")
	// ErrShortPacket 报文长度小于报文头
	ErrShortPacket = errors.New("packet shorter than header")
	// ErrPacketTooLarge 报文长度超过 MaxPacketLength
	ErrPacketTooLarge = errors.New("packet exceeds maximum length")
)

// CommandError 命令执行失败，错误码会写入回复报文，连接保持打开
type CommandError struct {
	Code constants.ErrorCode
}

func (c *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s", c.Code)
}

var (
	ErrInvalidObject     = &CommandError{Code: constants.ErrInvalidObject}
	ErrInvalidFieldID    = &CommandError{Code: constants.ErrInvalidFieldID}
	ErrInvalidFrameID    = &CommandError{Code: constants.ErrInvalidFrameID}
	ErrNotImplemented    = &CommandError{Code: constants.ErrNotImplemented}
	ErrNotSuspended      = &CommandError{Code: constants.ErrNotSuspended}
	ErrInvalidArgument   = &CommandError{Code: constants.ErrInvalidArgument}
	ErrUnloaded          = &CommandError{Code: constants.ErrUnloaded}
	ErrNoInvocation      = &CommandError{Code: constants.ErrNoInvocation}
	ErrAbsentInformation = &CommandError{Code: constants.ErrAbsentInformation}
)

// Code 取出错误对应的回复错误码；ok 为 false 表示该错误不是命令错误
func Code(err error) (constants.ErrorCode, bool) {
	if err == nil {
		return constants.ErrNone, true
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code, true
	}
	return 0, false
}

// Fault 构造一个协议错误
func Fault(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolFault, fmt.Sprintf(format, args...))
}
