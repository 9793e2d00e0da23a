package agent

import (
	"context"
	"errors"

	"github.com/fansqz/mono-debugger-agent/constants"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"github.com/fansqz/mono-debugger-agent/utils"
	"github.com/fansqz/mono-debugger-agent/utils/gosync"
	"github.com/sirupsen/logrus"
)

// request 一条正在处理的命令
type request struct {
	id  int32
	set constants.CommandSet
	cmd byte
	d   *protocol.Decoder
	buf *protocol.Buffer
	// noReply 回复已经发出或者将由其它线程发出
	noReply bool
}

// startDebuggerThread 启动控制协程，已经在运行时什么也不做
func (a *Agent) startDebuggerThread() {
	a.threadMu.Lock()
	defer a.threadMu.Unlock()
	if a.threadRunning || a.stopping.Load() {
		return
	}
	a.threadRunning = true
	exited := make(chan struct{})
	a.threadExited = exited
	gosync.Go(a.ctx, func(ctx context.Context) {
		a.debuggerThread(ctx, exited)
	})
}

// debuggerThread 控制协程：读取命令、处理、回复
// 服务端模式下客户端 DISPOSE 或断开后重新启动，等待下一个客户端
func (a *Agent) debuggerThread(ctx context.Context, exited chan struct{}) {
	logrus.Infof("[Agent] Debugger thread started for session %s.", a.sessionID)
	attachFailed := false
	disposed := false
	defer func() {
		a.threadMu.Lock()
		a.threadRunning = false
		a.threadMu.Unlock()
		close(exited)

		if disposed && a.cfg.Server && !attachFailed && !a.vmDeathSent.Load() &&
			!a.rt.IsShuttingDown() && !a.stopping.Load() {
			logrus.Infof("[Agent] Client disconnected, waiting for a new connection.")
			a.reattach.Store(true)
			a.startDebuggerThread()
			return
		}
		logrus.Infof("[Agent] Debugger thread exited.")
	}()

	if a.cfg.Defer || a.reattach.Swap(false) {
		if err := a.waitForAttach(); err != nil {
			attachFailed = true
			return
		}
		a.processProfilerEvent(nil, constants.EventKindVMStart, a.rt.MainThread())
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		packet, err := a.transport.readPacket()
		if err != nil {
			if !a.stopping.Load() {
				logrus.Infof("[Agent] Connection closed, err = %v", err)
			}
			a.dispose()
			disposed = true
			return
		}
		if packet.Flags != 0 {
			logrus.Errorf("[Agent] Unexpected packet flags 0x%x from client.", packet.Flags)
			a.transport.closeConn()
			a.dispose()
			disposed = true
			return
		}
		logrus.Debugf("[Agent] Received command %s(%d), id=%d.",
			constants.CommandName(packet.CommandSet, packet.Command), packet.Command, packet.ID)

		if err = a.dispatch(packet); err != nil {
			logrus.Errorf("[Agent] Protocol fault in %s, closing connection, err = %v",
				constants.CommandName(packet.CommandSet, packet.Command), err)
			a.transport.closeConn()
			a.dispose()
			disposed = true
			return
		}
		if packet.CommandSet == constants.CommandSetVM && packet.Command == constants.CmdVMDispose {
			disposed = true
			return
		}
	}
}

// dispatch 处理一条命令并回复
// 命令错误写入回复报文；返回的错误表示协议错误，连接需要关闭
func (a *Agent) dispatch(packet *protocol.Packet) error {
	req := &request{
		id:  packet.ID,
		set: packet.CommandSet,
		cmd: packet.Command,
		d:   protocol.NewDecoder(packet.Data),
		buf: protocol.NewBuffer(128),
	}
	err := a.handleCommand(req)
	if derr := req.d.Err(); derr != nil {
		// 负载读越界优先于命令本身的结果
		err = derr
	}

	code, isCommandErr := e.Code(err)
	if !isCommandErr {
		return err
	}
	if req.noReply {
		return nil
	}
	if code != constants.ErrNone {
		logrus.Debugf("[Agent] Command %s failed with %s.", constants.CommandName(req.set, req.cmd), code)
		req.buf.Reset()
	}
	if err = a.sendReply(req.id, code, req.buf); err != nil && !errors.Is(err, e.ErrTransportClosed) {
		logrus.Debugf("[Agent] send reply fail, err = %v", err)
	}
	return nil
}

func (a *Agent) handleCommand(req *request) error {
	switch req.set {
	case constants.CommandSetVM:
		return a.vmCommands(req)
	case constants.CommandSetEventRequest:
		return a.eventCommands(req)
	case constants.CommandSetAppDomain:
		return a.domainCommands(req)
	case constants.CommandSetAssembly:
		return a.assemblyCommands(req)
	case constants.CommandSetModule:
		return a.moduleCommands(req)
	case constants.CommandSetMethod:
		return a.methodCommands(req)
	case constants.CommandSetType:
		return a.typeCommands(req)
	case constants.CommandSetThread:
		return a.threadCommands(req)
	case constants.CommandSetStackFrame:
		return a.frameCommands(req)
	case constants.CommandSetArrayRef:
		return a.arrayCommands(req)
	case constants.CommandSetStringRef:
		return a.stringCommands(req)
	case constants.CommandSetObjectRef:
		return a.objectCommands(req)
	}
	logrus.Warnf("[Agent] Unknown command set %s.", req.set)
	return e.ErrNotImplemented
}

// dispose 客户端断开：撤销全部请求并让运行时继续运行
func (a *Agent) dispose() {
	if !a.rt.IsShuttingDown() {
		// 先停下所有线程，撤销请求时不会有线程停在断点上
		a.suspendVM(nil)
		a.waitForSuspend()
	}
	a.clearAllRequests()
	a.drainSuspend()
	a.disconnected.Store(true)
	a.vmStartSent.Store(false)
	a.sendPendingTypeLoads.Store(false)
	a.status.Transfer(utils.Disconnected, utils.Attached)
	logrus.Infof("[Agent] Client disposed session %s.", a.sessionID)
}
