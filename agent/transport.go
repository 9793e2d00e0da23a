package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fansqz/mono-debugger-agent/constants"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"github.com/fansqz/mono-debugger-agent/utils"
	"github.com/sirupsen/logrus"
)

// transport dt_socket 传输层：一条 TCP 连接，服务端模式下持有监听套接字
type transport struct {
	cfg *Config

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn

	// sendMu 保证一个报文只由一次写入完成
	sendMu sync.Mutex
}

func newTransport(cfg *Config) *transport {
	return &transport{cfg: cfg}
}

// listen 服务端模式下打开监听套接字，没有指定地址时使用随机端口并打印出来
func (t *transport) listen() error {
	address := t.cfg.Address
	if address == "" {
		address = "127.0.0.1:0"
	}
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	if t.cfg.Address == "" {
		// 客户端通过标准输出得知监听的端口
		fmt.Printf("%s\n", l.Addr())
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
	logrus.Infof("[Agent] Listening on %s...", l.Addr())
	return nil
}

// accept 等待客户端连接，timeout 为 0 时一直等待
func (t *transport) accept(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l == nil {
		return nil, e.ErrTransportClosed
	}

	var tm *utils.TimeoutManager
	if tcp, ok := l.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(time.Time{})
		if t.cfg.Timeout > 0 {
			tm = utils.NewTimeoutManager()
			tm.Start(ctx, time.Duration(t.cfg.Timeout)*time.Millisecond, func() {
				// 把截止时间设到过去，阻塞中的 Accept 立即返回
				_ = tcp.SetDeadline(time.Unix(1, 0))
			})
		}
	}
	conn, err := l.Accept()
	if tm != nil {
		tm.Chancel()
		if tm.Expired() {
			if conn != nil {
				_ = conn.Close()
			}
			return nil, e.ErrAcceptTimeout
		}
	}
	if err != nil {
		return nil, err
	}
	logrus.Infof("[Agent] Accepted connection from %s.", conn.RemoteAddr())
	return conn, nil
}

// dial 客户端模式下主动连接调试客户端
func (t *transport) dial() (net.Conn, error) {
	timeout := time.Duration(t.cfg.Timeout) * time.Millisecond
	conn, err := net.DialTimeout("tcp", t.cfg.Address, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", t.cfg.Address, err)
	}
	logrus.Infof("[Agent] Connected to %s.", t.cfg.Address)
	return conn, nil
}

// handshake 握手成功后连接才对外可见
func (t *transport) handshake(conn net.Conn) error {
	if err := protocol.Handshake(conn, 0); err != nil {
		_ = conn.Close()
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *transport) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *transport) readPacket() (*protocol.Packet, error) {
	conn := t.current()
	if conn == nil {
		return nil, e.ErrTransportClosed
	}
	return protocol.ReadPacket(conn)
}

func (t *transport) sendCommand(id int32, set constants.CommandSet, cmd byte, data []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	conn := t.current()
	if conn == nil {
		return e.ErrTransportClosed
	}
	return protocol.WriteCommand(conn, id, set, cmd, data)
}

func (t *transport) sendReply(id int32, code constants.ErrorCode, data []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	conn := t.current()
	if conn == nil {
		return e.ErrTransportClosed
	}
	return protocol.WriteReply(conn, id, code, data)
}

// shutdownRead 让阻塞在读取上的控制协程返回，写方向保持可用
func (t *transport) shutdownRead() {
	t.mu.Lock()
	conn, l := t.conn, t.listener
	t.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
	if conn == nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseRead()
		return
	}
	_ = conn.SetReadDeadline(time.Unix(1, 0))
}

// closeConn 关闭当前连接，监听套接字保留用于下一次连接
func (t *transport) closeConn() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *transport) close() {
	t.closeConn()
	t.mu.Lock()
	l := t.listener
	t.listener = nil
	t.mu.Unlock()
	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logrus.Debugf("[Agent] close listener fail, err = %v", err)
		}
	}
}

func (t *transport) addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// transportConnect 建立到客户端的连接
// 延迟连接模式只打开监听，由控制协程接受连接
func (a *Agent) transportConnect() error {
	a.status.Set(utils.Waiting)
	if a.cfg.Server {
		if err := a.transport.listen(); err != nil {
			return err
		}
		if a.cfg.Defer {
			return nil
		}
		return a.waitForAttach()
	}

	conn, err := a.transport.dial()
	if err != nil {
		a.disconnected.Store(true)
		return err
	}
	return a.attach(conn)
}

// waitForAttach 服务端模式下接受一个客户端并握手
func (a *Agent) waitForAttach() error {
	a.status.Set(utils.Waiting)
	conn, err := a.transport.accept(a.ctx)
	if err != nil {
		a.disconnected.Store(true)
		logrus.Errorf("[Agent] accept fail, err = %v", err)
		return err
	}
	return a.attach(conn)
}

// attach 握手成功后客户端视为已连接，协议版本回到默认值
func (a *Agent) attach(conn net.Conn) error {
	if err := a.transport.handshake(conn); err != nil {
		a.disconnected.Store(true)
		logrus.Errorf("[Agent] handshake fail, err = %v", err)
		return err
	}
	a.protocolMajor.Store(constants.MajorVersion)
	a.protocolMinor.Store(constants.MinorVersion)
	a.protocolVersionSet.Store(false)
	a.disconnected.Store(false)
	a.status.Set(utils.Attached)
	logrus.Infof("[Agent] Debugger client attached to session %s.", a.sessionID)
	return nil
}

// sendPacket 向客户端发送命令报文（事件）
func (a *Agent) sendPacket(set constants.CommandSet, cmd byte, buf *protocol.Buffer) error {
	return a.transport.sendCommand(a.packetID.Inc(), set, cmd, buf.Bytes())
}

func (a *Agent) sendReply(id int32, code constants.ErrorCode, buf *protocol.Buffer) error {
	var data []byte
	if buf != nil {
		data = buf.Bytes()
	}
	return a.transport.sendReply(id, code, data)
}
