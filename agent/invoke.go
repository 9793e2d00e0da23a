package agent

import (
	"errors"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"github.com/sirupsen/logrus"
)

// invokeRequest 客户端请求在挂起线程上执行的一次方法调用
// 由控制协程创建，线程恢复运行后在 suspendCurrent 中执行
type invokeRequest struct {
	id      int32
	flags   constants.InvokeFlags
	payload []byte
	// suspendCount 请求时的挂起计数，单线程调用结束后从 resumeCount 中扣除
	suspendCount int32
	ctx          debugger.Context
	hasCtx       bool
	// prev 嵌套调用时外层的调用
	prev *invokeRequest

	// method 不为空时直接调用，不解析负载，也不回复（VM_EXIT）
	method *debugger.Method
	args   []debugger.Value
}

// invokeMethod 在当前线程上执行 rec.pendingInvoke 并回复客户端
func (a *Agent) invokeMethod(rec *threadRecord) {
	a.lock.Lock()
	inv := rec.pendingInvoke
	rec.pendingInvoke = nil
	if inv == nil {
		a.lock.Unlock()
		return
	}
	inv.prev = rec.invoke
	rec.invoke = inv
	a.lock.Unlock()

	rec.invalidateFrames()

	if inv.method != nil {
		logrus.Infof("[Agent] Thread %d invoking %s.%s.", rec.thread.TID(), inv.method.DeclaringType.FullName, inv.method.Name)
		if _, _, err := a.rt.Invoke(rec.thread, inv.method, debugger.Value{}, inv.args, nil); err != nil {
			logrus.Errorf("[Agent] invoke %s fail, err = %v", inv.method.Name, err)
		}
		a.finishInvoke(rec)
		return
	}

	buf := protocol.NewBuffer(128)
	err := a.doInvokeMethod(rec, inv, buf)
	code, isCommandErr := e.Code(err)
	if !isCommandErr {
		logrus.Errorf("[Agent] Protocol fault in invoke payload, closing connection, err = %v", err)
		a.transport.closeConn()
	}

	// 先开始挂起再回复，客户端收到回复时运行时已经在挂起
	if inv.flags&constants.InvokeFlagSingleThreaded == 0 {
		a.suspendVM(rec)
	}
	if isCommandErr {
		if code != constants.ErrNone {
			buf.Reset()
		}
		if err = a.sendReply(inv.id, code, buf); err != nil && !errors.Is(err, e.ErrTransportClosed) {
			logrus.Debugf("[Agent] send invoke reply fail, err = %v", err)
		}
	}

	if inv.hasCtx {
		rec.saveContext(&inv.ctx)
	}
	if inv.flags&constants.InvokeFlagSingleThreaded != 0 {
		a.suspendMu.Lock()
		rec.resumeCount -= inv.suspendCount
		logrus.Debugf("[Agent] Thread %d invoke finished, resume_count = %d.", rec.thread.TID(), rec.resumeCount)
		a.suspendMu.Unlock()
	}
	a.finishInvoke(rec)
}

// finishInvoke 恢复外层调用，取消尚未生效的 abort
func (a *Agent) finishInvoke(rec *threadRecord) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if rec.abortRequested {
		a.rt.ResetAbort(rec.thread)
	}
	if rec.invoke != nil {
		rec.invoke = rec.invoke.prev
	}
	rec.abortRequested = false
}

// doInvokeMethod 解析负载并执行调用
// 负载：methodid, this, nargs, args...；结果：0 + 异常对象，或者 1 + 返回值
func (a *Agent) doInvokeMethod(rec *threadRecord, inv *invokeRequest, buf *protocol.Buffer) error {
	d := protocol.NewDecoder(inv.payload)
	m, domain, err := decodeIDIn[*debugger.Method](a.ids, constants.IDKindMethod, d)
	if err != nil {
		return err
	}
	if m == nil {
		return e.ErrInvalidArgument
	}
	if m.IsGenericDefinition {
		return e.ErrNotImplemented
	}
	if m.ReturnType != nil && m.ReturnType.ElementType == constants.ElementTypeVar {
		return e.ErrNotImplemented
	}
	if domain == nil {
		domain = a.rt.RootDomain()
	}
	class := m.DeclaringType

	var this debugger.Value
	if class.IsValueType && m.IsStatic() {
		if tag := d.Byte(); d.Err() == nil && tag != constants.ValueTypeIDNull {
			return e.ErrInvalidArgument
		}
	} else {
		if this, err = a.decodeValue(class, domain, d); err != nil {
			return err
		}
	}
	if err = d.Err(); err != nil {
		return err
	}

	if !class.IsValueType {
		if this.Ref != nil && this.Ref.Domain() != domain {
			return e.ErrNotImplemented
		}
		if !m.IsStatic() && this.Ref == nil {
			if !m.IsConstructor() || class.IsAbstract() {
				return e.ErrInvalidArgument
			}
			this = debugger.RefValue(a.rt.NewObject(domain, class))
		}
		if this.Ref != nil && !a.rt.IsAssignableFrom(class, this.Ref.Class()) {
			return e.ErrInvalidArgument
		}
	}

	nargs := d.Int()
	if err = d.Err(); err != nil {
		return err
	}
	if int(nargs) != len(m.Params) {
		return e.ErrInvalidArgument
	}
	args := make([]debugger.Value, nargs)
	for i, p := range m.Params {
		if args[i], err = a.decodeValue(p.Type, domain, d); err != nil {
			return err
		}
	}

	rec.disableBreakpoints.Store(inv.flags&constants.InvokeFlagDisableBreakpoints != 0)
	defer rec.disableBreakpoints.Store(false)

	logrus.Debugf("[Agent] Thread %d invoking %s.%s.", rec.thread.TID(), class.FullName, m.Name)
	var ctx *debugger.Context
	if inv.hasCtx {
		ctx = &inv.ctx
	}
	ret, exc, err := a.rt.Invoke(rec.thread, m, this, args, ctx)
	if err != nil {
		logrus.Warnf("[Agent] invoke %s fail, err = %v", m.Name, err)
		return e.ErrInvalidArgument
	}

	if exc != nil {
		buf.AddByte(0)
		a.addValue(buf, a.rt.ObjectType(), debugger.RefValue(exc), domain)
		return nil
	}
	buf.AddByte(1)
	switch {
	case m.ReturnType == nil || m.ReturnType.ElementType == constants.ElementTypeVoid:
		if m.IsConstructor() && !class.IsValueType {
			a.addValue(buf, a.rt.ObjectType(), this, domain)
		} else {
			a.addValue(buf, a.rt.VoidType(), debugger.Value{}, domain)
		}
	default:
		a.addValue(buf, m.ReturnType, ret, domain)
	}
	return nil
}
