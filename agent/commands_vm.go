package agent

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"github.com/sirupsen/logrus"
)

// agentVersion 本端支持的协议版本
var agentVersion = semver.MustParse(fmt.Sprintf("%d.%d.0", constants.MajorVersion, constants.MinorVersion))

func (a *Agent) vmCommands(req *request) error {
	d, buf := req.d, req.buf
	switch req.cmd {
	case constants.CmdVMVersion:
		buf.AddString("mono " + a.rt.Version())
		buf.AddInt(constants.MajorVersion)
		buf.AddInt(constants.MinorVersion)
	case constants.CmdVMSetProtocolVersion:
		major, minor := d.Int(), d.Int()
		if err := d.Err(); err != nil {
			return err
		}
		a.protocolMajor.Store(major)
		a.protocolMinor.Store(minor)
		a.protocolVersionSet.Store(true)
		logrus.Infof("[Agent] Protocol version %s, client protocol version %d.%d.", agentVersion, major, minor)
		if major >= 0 && minor >= 0 {
			client := semver.New(uint64(major), uint64(minor), 0, "", "")
			if client.GreaterThan(agentVersion) {
				logrus.Warnf("[Agent] Client protocol %s is newer than %s, newer features are unavailable.", client, agentVersion)
			}
		}
	case constants.CmdVMAllThreads:
		threads := a.threads.list()
		buf.AddInt(int32(len(threads)))
		for _, rec := range threads {
			buf.AddID(a.objs.idFor(rec.thread))
		}
	case constants.CmdVMSuspend:
		a.suspendVM(nil)
		a.waitForSuspend()
	case constants.CmdVMResume:
		return a.resumeVM()
	case constants.CmdVMDispose:
		a.dispose()
	case constants.CmdVMExit:
		code := d.Int()
		if err := d.Err(); err != nil {
			return err
		}
		return a.vmExit(req, code)
	case constants.CmdVMInvokeMethod:
		return a.vmInvokeMethod(req)
	case constants.CmdVMAbortInvoke:
		rec, err := a.decodeThread(d)
		if err != nil {
			return err
		}
		invokeID := d.Int()
		if err = d.Err(); err != nil {
			return err
		}
		a.lock.Lock()
		defer a.lock.Unlock()
		if rec.abortRequested {
			return nil
		}
		// 只能取消线程上正在执行的那一次调用
		if rec.invoke == nil || rec.invoke.id != invokeID {
			return e.ErrNoInvocation
		}
		rec.abortRequested = true
		logrus.Infof("[Agent] Aborting invoke %d on thread %d.", invokeID, rec.thread.TID())
		a.rt.AbortThread(rec.thread)
	default:
		return e.ErrNotImplemented
	}
	return nil
}

// vmExit 先回复，再由一个挂起的线程调用 Environment.Exit 有序退出
// 没有可用的线程时直接结束运行时
func (a *Agent) vmExit(req *request, code int32) error {
	req.noReply = true
	if err := a.sendReply(req.id, constants.ErrNone, req.buf); err != nil && !errors.Is(err, e.ErrTransportClosed) {
		logrus.Debugf("[Agent] send reply fail, err = %v", err)
	}
	a.clearAllRequests()

	a.suspendVM(nil)
	a.waitForSuspend()

	var target *threadRecord
	a.suspendMu.Lock()
	for _, rec := range a.threads.list() {
		if rec.reallySuspended {
			target = rec
			break
		}
	}
	a.suspendMu.Unlock()

	exit := a.rt.ExitMethod()
	if target != nil && exit != nil {
		logrus.Infof("[Agent] Exiting with code %d on thread %d.", code, target.thread.TID())
		a.lock.Lock()
		target.pendingInvoke = &invokeRequest{
			method: exit,
			args:   []debugger.Value{debugger.IntValue(int64(code))},
		}
		a.lock.Unlock()
		a.drainSuspend()
		return nil
	}

	logrus.Infof("[Agent] No suspended thread, shutting down the runtime with code %d.", code)
	a.drainSuspend()
	a.rt.Shutdown(int(code))
	a.transport.closeConn()
	return nil
}

// vmInvokeMethod 把调用保存到线程上，线程恢复运行后执行并回复
func (a *Agent) vmInvokeMethod(req *request) error {
	d := req.d
	rec, err := a.decodeThread(d)
	if err != nil {
		return err
	}
	flags := constants.InvokeFlags(d.Int())
	if err = d.Err(); err != nil {
		return err
	}

	// 挂起已经开始时等它完成
	if a.getSuspendCount() > 0 {
		a.waitForSuspend()
	}
	if !a.isSuspended() {
		return e.ErrNotSuspended
	}
	a.suspendMu.Lock()
	really := rec.reallySuspended
	count := a.suspendCount
	a.suspendMu.Unlock()
	if !really {
		// 线程停在原生代码中，不能执行调用
		return e.ErrNotSuspended
	}

	a.lock.Lock()
	if rec.pendingInvoke != nil {
		a.lock.Unlock()
		return e.ErrNotSuspended
	}
	inv := &invokeRequest{
		id:           req.id,
		flags:        flags,
		payload:      append([]byte(nil), d.Remaining()...),
		suspendCount: count,
	}
	rec.pendingInvoke = inv
	a.lock.Unlock()
	logrus.Debugf("[Agent] Scheduled invoke %d on thread %d, flags=%d.", req.id, rec.thread.TID(), flags)

	if err = a.startInvoke(rec, inv); err != nil {
		return err
	}
	// 回复由执行调用的线程发送
	req.noReply = true
	return nil
}

// startInvoke 恢复线程去执行 inv，单线程调用只恢复 rec
// 恢复失败时撤销 inv：调用已经回复了错误，线程醒来后不能再执行它
func (a *Agent) startInvoke(rec *threadRecord, inv *invokeRequest) error {
	var err error
	if inv.flags&constants.InvokeFlagSingleThreaded != 0 {
		err = a.resumeThread(rec)
	} else {
		err = a.resumeVM()
	}
	if err != nil {
		a.lock.Lock()
		if rec.pendingInvoke == inv {
			rec.pendingInvoke = nil
		}
		a.lock.Unlock()
	}
	return err
}

// decodeThread 读出线程对象 id 并找到对应的线程记录
func (a *Agent) decodeThread(d *protocol.Decoder) (*threadRecord, error) {
	obj, err := a.objs.decodeObject(d)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(debugger.Thread)
	if !ok {
		return nil, e.ErrInvalidObject
	}
	rec := a.threads.lookup(t)
	if rec == nil {
		return nil, e.ErrInvalidObject
	}
	return rec, nil
}
