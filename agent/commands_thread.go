package agent

import (
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
)

// decodeThreadObject 读出线程对象，已经退出的线程也可以查询名字和状态
func (a *Agent) decodeThreadObject(d *protocol.Decoder) (debugger.Thread, error) {
	obj, err := a.objs.decodeObject(d)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(debugger.Thread)
	if !ok {
		return nil, e.ErrInvalidObject
	}
	return t, nil
}

func (a *Agent) threadCommands(req *request) error {
	d, buf := req.d, req.buf
	t, err := a.decodeThreadObject(d)
	if err != nil {
		return err
	}

	switch req.cmd {
	case constants.CmdThreadGetName:
		buf.AddString(t.ThreadName())
	case constants.CmdThreadGetFrameInfo:
		if a.getSuspendCount() > 0 {
			a.waitForSuspend()
		}
		if !a.isSuspended() {
			return e.ErrNotSuspended
		}
		start, length := d.Int(), d.Int()
		if err = d.Err(); err != nil {
			return err
		}
		// 只支持一次取全部栈帧
		if start != 0 || length != -1 {
			return e.ErrNotImplemented
		}
		rec := a.threads.lookup(t)
		if rec == nil {
			return e.ErrInvalidArgument
		}
		frames := a.computeFrameInfo(rec)
		buf.AddInt(int32(len(frames)))
		for _, f := range frames {
			buf.AddInt(f.id)
			buf.AddID(a.methodID(f.domain, f.method))
			buf.AddInt(int32(f.il))
			buf.AddByte(f.flags)
		}
	case constants.CmdThreadGetState:
		buf.AddInt(t.ThreadState())
	case constants.CmdThreadGetInfo:
		buf.AddBool(t.IsThreadPool())
	case constants.CmdThreadGetID:
		buf.AddLong(t.TID())
	default:
		return e.ErrNotImplemented
	}
	return nil
}

// frameVar 负数位置表示参数（-1 为第 0 个参数），非负数表示局部变量
func frameVar(m *debugger.Method, pos int32) (isArg bool, index int, t *debugger.Type, err error) {
	if pos < 0 {
		index = int(-pos - 1)
		if index >= len(m.Params) {
			return false, 0, nil, e.Fault("parameter %d out of range for %s", index, m.Name)
		}
		return true, index, m.Params[index].Type, nil
	}
	index = int(pos)
	if index >= len(m.Locals) {
		return false, 0, nil, e.Fault("local %d out of range for %s", index, m.Name)
	}
	return false, index, m.Locals[index].Type, nil
}

func (a *Agent) frameCommands(req *request) error {
	d, buf := req.d, req.buf
	t, err := a.decodeThreadObject(d)
	if err != nil {
		return err
	}
	id := d.ID()
	if err = d.Err(); err != nil {
		return err
	}
	rec := a.threads.lookup(t)
	if rec == nil {
		return e.ErrInvalidObject
	}
	frame := a.findFrame(rec, id)
	if frame == nil {
		return e.ErrInvalidFrameID
	}
	vars, err := a.rt.FrameVariables(rec.thread, &frame.ctx)
	if err != nil {
		return err
	}
	m := frame.method

	switch req.cmd {
	case constants.CmdStackFrameGetValues:
		n := int(d.Int())
		for i := 0; i < n; i++ {
			pos := d.Int()
			if err = d.Err(); err != nil {
				return err
			}
			isArg, index, vt, err := frameVar(m, pos)
			if err != nil {
				return err
			}
			var v debugger.Value
			if isArg {
				v, err = vars.Arg(index)
			} else {
				v, err = vars.Local(index)
			}
			if err != nil {
				return err
			}
			a.addValue(buf, vt, v, frame.domain)
		}
	case constants.CmdStackFrameGetThis:
		if m.IsStatic() {
			buf.AddByte(constants.ValueTypeIDNull)
			break
		}
		v, err := vars.This()
		if err != nil {
			return err
		}
		a.addValue(buf, m.DeclaringType, v, frame.domain)
	case constants.CmdStackFrameSetValues:
		n := int(d.Int())
		for i := 0; i < n; i++ {
			pos := d.Int()
			if err = d.Err(); err != nil {
				return err
			}
			isArg, index, vt, err := frameVar(m, pos)
			if err != nil {
				return err
			}
			v, err := a.decodeValue(vt, frame.domain, d)
			if err != nil {
				return err
			}
			if isArg {
				err = vars.SetArg(index, v)
			} else {
				err = vars.SetLocal(index, v)
			}
			if err != nil {
				return err
			}
		}
	default:
		return e.ErrNotImplemented
	}
	return nil
}
