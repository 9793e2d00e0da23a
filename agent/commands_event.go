package agent

import (
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/utils"
	"github.com/sirupsen/logrus"
)

func (a *Agent) eventCommands(req *request) error {
	d, buf := req.d, req.buf
	switch req.cmd {
	case constants.CmdEventRequestSet:
		id, err := a.setEventRequest(req)
		if err != nil {
			return err
		}
		buf.AddInt(id)
	case constants.CmdEventRequestClear:
		kind := constants.EventKind(d.Byte())
		id := d.Int()
		if err := d.Err(); err != nil {
			return err
		}
		a.clearEventRequest(id, kind)
	case constants.CmdEventRequestClearAllBreakpoints:
		a.clearAllBreakpoints()
	default:
		return e.ErrNotImplemented
	}
	return nil
}

// setEventRequest 解析并注册一个事件请求
// 负载：kind, policy, nmodifiers, (modkind, 参数)...
func (a *Agent) setEventRequest(req *request) (int32, error) {
	d := req.d
	kind := constants.EventKind(d.Byte())
	policy := constants.SuspendPolicy(d.Byte())
	n := int(d.Byte())
	if err := d.Err(); err != nil {
		return 0, err
	}

	r := &eventRequest{kind: kind, policy: policy}
	var (
		method   *debugger.Method
		location int64
		step     *stepModifier
		err      error
	)
	for i := 0; i < n; i++ {
		modKind := constants.ModifierKind(d.Byte())
		switch modKind {
		case constants.ModKindCount:
			r.modifiers = append(r.modifiers, &countModifier{count: d.Int()})
		case constants.ModKindLocationOnly:
			if method, err = decodeID[*debugger.Method](a.ids, constants.IDKindMethod, d); err != nil {
				return 0, err
			}
			location = d.Long()
			r.modifiers = append(r.modifiers, &locationOnlyModifier{method: method, il: location})
		case constants.ModKindStep:
			obj, err := a.objs.decodeObject(d)
			if err != nil {
				return 0, err
			}
			t, _ := obj.(debugger.Thread)
			step = &stepModifier{
				thread: t,
				size:   constants.StepSize(d.Int()),
				depth:  constants.StepDepth(d.Int()),
			}
			r.modifiers = append(r.modifiers, step)
		case constants.ModKindThreadOnly:
			obj, err := a.objs.decodeObject(d)
			if err != nil {
				return 0, err
			}
			t, ok := obj.(debugger.Thread)
			if !ok {
				return 0, e.ErrInvalidObject
			}
			r.modifiers = append(r.modifiers, &threadOnlyModifier{thread: t})
		case constants.ModKindExceptionOnly:
			class, err := decodeID[*debugger.Type](a.ids, constants.IDKindType, d)
			if err != nil {
				return 0, err
			}
			mod := &exceptionOnlyModifier{class: class, caught: d.Bool(), uncaught: d.Bool()}
			if class != nil && !a.rt.IsAssignableFrom(a.rt.ExceptionType(), class) {
				return 0, e.ErrInvalidArgument
			}
			r.modifiers = append(r.modifiers, mod)
		case constants.ModKindAssemblyOnly:
			count := int(d.Int())
			if err = d.Err(); err != nil {
				return 0, err
			}
			list := make([]*debugger.Assembly, 0, count)
			for j := 0; j < count; j++ {
				asm, err := decodeID[*debugger.Assembly](a.ids, constants.IDKindAssembly, d)
				if err != nil {
					return 0, err
				}
				list = append(list, asm)
			}
			r.modifiers = append(r.modifiers, &assemblyOnlyModifier{assemblies: utils.List2set(list)})
		default:
			return 0, e.ErrNotImplemented
		}
		if err = d.Err(); err != nil {
			return 0, err
		}
	}

	r.id = a.requestID.Inc()
	logrus.Debugf("[Agent] Event request %d: kind=%s policy=%d modifiers=%d.", r.id, kind, policy, n)
	switch kind {
	case constants.EventKindBreakpoint:
		if method == nil {
			return 0, e.ErrInvalidArgument
		}
		r.bp = a.setBreakpoint(method, int(location), r)
	case constants.EventKindStep:
		if step == nil || step.thread == nil {
			return 0, e.ErrInvalidArgument
		}
		rec := a.threads.lookup(step.thread)
		if rec == nil {
			return 0, e.ErrInvalidObject
		}
		if err = a.ssCreate(rec, step.size, step.depth, r); err != nil {
			// 不能单步时让运行时继续运行
			_ = a.resumeVM()
			return 0, err
		}
	case constants.EventKindMethodEntry:
		r.bp = a.setBreakpoint(nil, constants.MethodEntryILOffset, r)
	case constants.EventKindMethodExit:
		r.bp = a.setBreakpoint(nil, constants.MethodExitILOffset, r)
	case constants.EventKindException, constants.EventKindTypeLoad:
	default:
		if len(r.modifiers) > 0 {
			return 0, e.ErrNotImplemented
		}
	}

	a.addRequest(r)
	// 必须在请求加入之后设置
	if a.cfg.Defer && kind == constants.EventKindTypeLoad {
		a.sendPendingTypeLoads.Store(true)
	}
	return r.id, nil
}
