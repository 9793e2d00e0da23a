package protocol

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fansqz/mono-debugger-agent/constants"
	e "github.com/fansqz/mono-debugger-agent/error"
)

// Handshake 双方各发送一次握手字符串并校验对端的握手
// 成功后关闭 Nagle 算法，timeout 为 0 表示不设读超时
func Handshake(conn net.Conn, timeout time.Duration) error {
	if _, err := conn.Write([]byte(constants.Handshake)); err != nil {
		return fmt.Errorf("%w: %v", e.ErrHandshakeFailed, err)
	}
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	reply := make([]byte, len(constants.Handshake))
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("%w: %v", e.ErrHandshakeFailed, err)
	}
	if string(reply) != constants.Handshake {
		return fmt.Errorf("%w: unexpected reply %q", e.ErrHandshakeFailed, reply)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return nil
}
