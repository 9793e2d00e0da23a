package agent

import (
	"github.com/emirpasic/gods/sets"
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"github.com/sirupsen/logrus"
)

// modifier 事件请求的过滤条件
type modifier interface {
	modKind() constants.ModifierKind
}

// countModifier 第 count 次命中时才触发
type countModifier struct {
	count int32
}

type threadOnlyModifier struct {
	thread debugger.Thread
}

type locationOnlyModifier struct {
	method *debugger.Method
	il     int64
}

// exceptionOnlyModifier class 为 nil 时匹配任意异常
type exceptionOnlyModifier struct {
	class    *debugger.Type
	caught   bool
	uncaught bool
}

type stepModifier struct {
	thread debugger.Thread
	size   constants.StepSize
	depth  constants.StepDepth
}

// assemblyOnlyModifier 元素为 *debugger.Assembly
type assemblyOnlyModifier struct {
	assemblies sets.Set
}

func (*countModifier) modKind() constants.ModifierKind         { return constants.ModKindCount }
func (*threadOnlyModifier) modKind() constants.ModifierKind    { return constants.ModKindThreadOnly }
func (*locationOnlyModifier) modKind() constants.ModifierKind  { return constants.ModKindLocationOnly }
func (*exceptionOnlyModifier) modKind() constants.ModifierKind { return constants.ModKindExceptionOnly }
func (*stepModifier) modKind() constants.ModifierKind          { return constants.ModKindStep }
func (*assemblyOnlyModifier) modKind() constants.ModifierKind  { return constants.ModKindAssemblyOnly }

// eventRequest 客户端注册的事件请求
type eventRequest struct {
	id        int32
	kind      constants.EventKind
	policy    constants.SuspendPolicy
	modifiers []modifier
	// bp 断点请求与 METHOD_ENTRY/EXIT 请求对应的断点
	bp *breakpoint
	// step 单步请求
	step *singleStepReq
}

// exceptionInfo 异常事件附带的信息
type exceptionInfo struct {
	exc    debugger.Object
	caught bool
}

// createEventList 计算一次事件匹配到的请求 id 与合并后的挂起策略
// reqs 为 nil 时在全部请求中匹配；调用方持有 a.lock
func (a *Agent) createEventList(kind constants.EventKind, reqs []*eventRequest, ji *debugger.JitInfo, ei *exceptionInfo, arg any, self *threadRecord) ([]int32, constants.SuspendPolicy) {
	policy := constants.SuspendPolicyNone
	if reqs == nil {
		reqs = a.requests
	}

	var class *debugger.Type
	if ji != nil {
		class = ji.Method.DeclaringType
	} else if kind == constants.EventKindTypeLoad {
		class, _ = arg.(*debugger.Type)
	}
	var current debugger.Thread
	if self != nil {
		current = self.thread
	}

	var events []int32
	for _, req := range reqs {
		if req.kind != kind {
			continue
		}
		filtered := false
		for _, mod := range req.modifiers {
			switch m := mod.(type) {
			case *countModifier:
				filtered = true
				if m.count > 0 {
					m.count--
					if m.count == 0 {
						filtered = false
					}
				}
			case *threadOnlyModifier:
				if m.thread != current {
					filtered = true
				}
			case *exceptionOnlyModifier:
				if ei == nil {
					continue
				}
				if m.class != nil && !a.rt.IsAssignableFrom(m.class, ei.exc.Class()) {
					filtered = true
				}
				if ei.caught && !m.caught {
					filtered = true
				}
				if !ei.caught && !m.uncaught {
					filtered = true
				}
			case *assemblyOnlyModifier:
				if class == nil {
					continue
				}
				if !m.assemblies.Contains(class.Assembly) {
					filtered = true
				}
			}
		}
		if !filtered {
			if req.policy > policy {
				policy = req.policy
			}
			events = append(events, req.id)
		}
	}

	// VM_START/VM_DEATH 即使没有请求也会发送
	if kind == constants.EventKindVMStart || kind == constants.EventKindVMDeath {
		events = append(events, constants.EventRequestIDAny)
	}
	return events, policy
}

// processEvent 把事件发送给客户端，按挂起策略挂起运行时
// 可能会挂起调用线程，调用方不能持有任何锁；self 为 nil 表示由控制协程发出
func (a *Agent) processEvent(self *threadRecord, kind constants.EventKind, arg any, il int, ctx *debugger.Context, events []int32, policy constants.SuspendPolicy) {
	switch {
	case !a.inited.Load():
		logrus.Debugf("[Agent] Debugger agent not initialized yet: dropping %s", kind)
		return
	case !a.vmStartSent.Load() && kind != constants.EventKindVMStart:
		logrus.Debugf("[Agent] VM start event not sent yet: dropping %s", kind)
		return
	case a.vmDeathSent.Load():
		logrus.Debugf("[Agent] VM death event has been sent: dropping %s", kind)
		return
	case a.rt.IsShuttingDown() && kind != constants.EventKindVMDeath:
		logrus.Debugf("[Agent] Runtime is shutting down: dropping %s", kind)
		return
	case a.disconnected.Load():
		logrus.Debugf("[Agent] Debugger client is not connected: dropping %s", kind)
		return
	case len(events) == 0:
		logrus.Tracef("[Agent] Empty events list: dropping %s", kind)
		return
	}

	thread := a.rt.MainThread()
	domain := a.rt.RootDomain()
	if self != nil {
		thread = self.thread
		domain = self.thread.Domain()
	}

	buf := protocol.NewBuffer(128)
	buf.AddByte(byte(policy))
	buf.AddInt(int32(len(events)))
	for _, id := range events {
		buf.AddByte(byte(kind))
		buf.AddInt(id)
		if t, ok := arg.(debugger.Thread); ok && kind == constants.EventKindVMStart {
			thread = t
		}
		buf.AddID(a.objs.idFor(thread))

		switch kind {
		case constants.EventKindThreadStart, constants.EventKindThreadDeath, constants.EventKindVMDeath:
		case constants.EventKindAppDomainCreate, constants.EventKindAppDomainUnload:
			buf.AddID(a.domainID(arg.(*debugger.Domain)))
		case constants.EventKindMethodEntry, constants.EventKindMethodExit:
			buf.AddID(a.methodID(domain, arg.(*debugger.Method)))
		case constants.EventKindAssemblyLoad, constants.EventKindAssemblyUnload:
			buf.AddID(a.assemblyID(domain, arg.(*debugger.Assembly)))
		case constants.EventKindTypeLoad:
			buf.AddID(a.typeID(domain, arg.(*debugger.Type)))
		case constants.EventKindBreakpoint, constants.EventKindStep:
			// 断点和单步总是挂起
			policy = constants.SuspendPolicyAll
			buf.AddID(a.methodID(domain, arg.(*debugger.Method)))
			buf.AddLong(int64(il))
		case constants.EventKindVMStart:
			buf.AddID(a.domainID(a.rt.RootDomain()))
		case constants.EventKindException:
			buf.AddID(a.objs.idFor(arg.(*exceptionInfo).exc))
		default:
			logrus.Errorf("[Agent] unknown event kind %s", kind)
			return
		}
	}

	switch kind {
	case constants.EventKindVMStart:
		if a.cfg.Defer {
			// 延迟连接时不挂起
			policy = constants.SuspendPolicyNone
		} else {
			policy = constants.SuspendPolicyNone
			if a.cfg.Suspend {
				policy = constants.SuspendPolicyAll
			}
			a.startDebuggerThread()
		}
	case constants.EventKindThreadDeath:
		policy = constants.SuspendPolicyNone
	case constants.EventKindVMDeath:
		a.vmDeathSent.Store(true)
		policy = constants.SuspendPolicyNone
	}
	if a.rt.IsShuttingDown() || self == nil {
		policy = constants.SuspendPolicyNone
	}

	if policy != constants.SuspendPolicyNone {
		// 先开始挂起再发送，客户端可能在发送返回之前就发来 RESUME
		self.saveContext(ctx)
		a.suspendVM(self)
	}

	buf.SetByte(0, byte(policy))
	if err := a.sendPacket(constants.CommandSetEvent, constants.CmdComposite, buf); err != nil {
		logrus.Debugf("[Agent] Sending event %s failed, err = %v", kind, err)
		return
	}
	if kind == constants.EventKindVMStart {
		a.vmStartSent.Store(true)
	}
	logrus.Debugf("[Agent] Sent event %s, suspend=%d.", kind, policy)

	if policy != constants.SuspendPolicyNone {
		// EVENT_THREAD 与 ALL 一样挂起整个运行时
		a.suspendCurrent(self)
	}
}

// processProfilerEvent 运行时事件，按全部请求匹配
func (a *Agent) processProfilerEvent(self *threadRecord, kind constants.EventKind, arg any) {
	a.lock.Lock()
	events, policy := a.createEventList(kind, nil, nil, nil, arg, self)
	a.lock.Unlock()
	a.processEvent(self, kind, arg, 0, nil, events, policy)
}

// addRequest 注册事件请求
func (a *Agent) addRequest(req *eventRequest) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.requests = append(a.requests, req)
}

// clearEventRequest 删除请求以及它对应的断点或单步状态
func (a *Agent) clearEventRequest(id int32, kind constants.EventKind) {
	a.lock.Lock()
	var req *eventRequest
	for i, r := range a.requests {
		if r.id == id && r.kind == kind {
			req = r
			a.requests = append(a.requests[:i], a.requests[i+1:]...)
			break
		}
	}
	if req != nil && req.bp != nil {
		a.clearBreakpoint(req.bp)
	}
	a.lock.Unlock()
	if req != nil && req.bp != nil {
		logrus.Debugf("[Agent] Breakpoint request %d cleared, %d locations still patched.", id, a.patchedLocations())
	}
	if req != nil && req.step != nil {
		a.ssDestroy(req.step)
	}
}

// requestMatchesAssembly 请求是否引用了程序集
func requestMatchesAssembly(req *eventRequest, asm *debugger.Assembly) bool {
	if req.kind == constants.EventKindBreakpoint {
		return req.bp != nil && req.bp.matchesAssembly(asm)
	}
	for _, mod := range req.modifiers {
		switch m := mod.(type) {
		case *exceptionOnlyModifier:
			if m.class != nil && m.class.Assembly == asm {
				return true
			}
		case *assemblyOnlyModifier:
			if m.assemblies.Contains(asm) {
				return true
			}
		}
	}
	return false
}

// clearEventRequestsForAssembly 程序集卸载后删除引用它的请求
func (a *Agent) clearEventRequestsForAssembly(asm *debugger.Assembly) {
	a.lock.Lock()
	var matched []*eventRequest
	for _, req := range a.requests {
		if requestMatchesAssembly(req, asm) {
			matched = append(matched, req)
		}
	}
	a.lock.Unlock()
	for _, req := range matched {
		a.clearEventRequest(req.id, req.kind)
	}
}

// clearAllBreakpoints 删除全部断点请求
func (a *Agent) clearAllBreakpoints() {
	a.lock.Lock()
	kept := a.requests[:0]
	for _, req := range a.requests {
		if req.kind == constants.EventKindBreakpoint {
			a.clearBreakpoint(req.bp)
			continue
		}
		kept = append(kept, req)
	}
	a.requests = kept
	a.lock.Unlock()
}

// clearAllRequests 删除全部请求，客户端断开或者 VM_EXIT 时调用
func (a *Agent) clearAllRequests() {
	a.lock.Lock()
	reqs := a.requests
	a.requests = nil
	for _, req := range reqs {
		if req.bp != nil {
			a.clearBreakpoint(req.bp)
		}
	}
	a.lock.Unlock()
	for _, req := range reqs {
		if req.step != nil {
			a.ssDestroy(req.step)
		}
	}
}
