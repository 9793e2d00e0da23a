package agent

import (
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	"github.com/sirupsen/logrus"
)

var _ debugger.Hooks = (*Agent)(nil)

// RuntimeInitialized 运行时初始化完成，发送 VM_START
func (a *Agent) RuntimeInitialized(t debugger.Thread) {
	a.processProfilerEvent(a.threads.lookup(t), constants.EventKindVMStart, t)
	if a.cfg.Defer {
		a.startDebuggerThread()
	}
}

// RuntimeShutdown 运行时退出，发送 VM_DEATH 并关闭连接
func (a *Agent) RuntimeShutdown(t debugger.Thread) {
	rec := a.threads.lookup(t)
	if rec != nil {
		// 退出中的线程不会再停下，不能让控制协程等它
		rec.attached.Store(false)
		a.threadChanged()
	}
	a.processProfilerEvent(rec, constants.EventKindVMDeath, nil)
	a.Stop()
}

func (a *Agent) ThreadStarted(t debugger.Thread) {
	if old := a.threads.get(t.TID()); old != nil {
		if old.thread == t {
			return
		}
		// 线程 id 被复用，旧线程没有收到 ThreadEnded
		logrus.Warnf("[Agent] Thread id %d reused, dropping stale record.", t.TID())
		a.threads.remove(old)
	}
	rec := newThreadRecord(t)
	a.threads.put(rec)
	logrus.Debugf("[Agent] Thread %d (%s) started.", t.TID(), t.ThreadName())
	a.processProfilerEvent(rec, constants.EventKindThreadStart, t)

	// 运行时处于挂起状态时新线程立即停下
	if a.getSuspendCount() > 0 {
		a.processSuspend(rec, nil)
	}
}

func (a *Agent) ThreadEnded(t debugger.Thread) {
	rec := a.threads.lookup(t)
	if rec == nil {
		return
	}
	rec.terminated.Store(true)
	a.threads.remove(rec)
	a.threadChanged()
	logrus.Debugf("[Agent] Thread %d ended.", t.TID())
	a.processProfilerEvent(rec, constants.EventKindThreadDeath, t)
}

func (a *Agent) ThreadAttached(t debugger.Thread, attached bool) {
	rec := a.threads.lookup(t)
	if rec == nil {
		return
	}
	rec.attached.Store(attached)
	a.threadChanged()
}

func (a *Agent) DomainLoaded(t debugger.Thread, d *debugger.Domain) {
	a.lock.Lock()
	a.domains.Add(d)
	a.lock.Unlock()
	a.processProfilerEvent(a.threads.lookup(t), constants.EventKindAppDomainCreate, d)
}

// DomainUnloaded 清理这个域中的断点、栈帧和 id
func (a *Agent) DomainUnloaded(t debugger.Thread, d *debugger.Domain) {
	a.processProfilerEvent(a.threads.lookup(t), constants.EventKindAppDomainUnload, d)
	a.clearBreakpointsForDomain(d)
	for _, rec := range a.threads.list() {
		rec.invalidateFrames()
	}

	a.lock.Lock()
	a.pendingTypeLoads = nil
	a.loadedClasses.Clear()
	a.domains.Remove(d)
	a.lock.Unlock()
	a.ids.freeDomain(d)
}

// AssemblyLoaded 加载器回调时可能持有加载器锁，事件推迟到下一次编译完成时发送
func (a *Agent) AssemblyLoaded(t debugger.Thread, asm *debugger.Assembly) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.pendingAssemblyLoads.Enqueue(asm)
}

func (a *Agent) AssemblyUnloaded(t debugger.Thread, asm *debugger.Assembly) {
	a.processProfilerEvent(a.threads.lookup(t), constants.EventKindAssemblyUnload, asm)
	a.clearEventRequestsForAssembly(asm)
}

// JitDone 发送积压的加载事件，并给新编译的方法补上断点
func (a *Agent) JitDone(t debugger.Thread, m *debugger.Method, ji *debugger.JitInfo) {
	rec := a.threads.lookup(t)
	for {
		a.lock.Lock()
		v, ok := a.pendingAssemblyLoads.Dequeue()
		a.lock.Unlock()
		if !ok {
			break
		}
		a.processProfilerEvent(rec, constants.EventKindAssemblyLoad, v.(*debugger.Assembly))
	}

	a.lock.Lock()
	a.pendingTypeLoads = append(a.pendingTypeLoads, m.DeclaringType)
	a.lock.Unlock()
	if t == a.rt.MainThread() {
		a.sendPendingTypes(rec)
	}

	a.addPendingBreakpoints(m, ji)
}

// sendPendingTypes 只在主线程上发送 TYPE_LOAD
func (a *Agent) sendPendingTypes(rec *threadRecord) {
	a.lock.Lock()
	pending := a.pendingTypeLoads
	a.pendingTypeLoads = nil
	a.lock.Unlock()
	for _, class := range pending {
		a.sendTypeLoad(rec, class)
	}
}

// sendTypeLoad 每个类型只发送一次
func (a *Agent) sendTypeLoad(rec *threadRecord, class *debugger.Type) {
	a.lock.Lock()
	first := !a.loadedClasses.Contains(class)
	if first {
		a.loadedClasses.Add(class)
	}
	a.lock.Unlock()
	if first {
		a.processProfilerEvent(rec, constants.EventKindTypeLoad, class)
	}
}

// RuntimeInvokeStarted 记录进入托管代码时的栈指针
// 延迟连接的客户端注册 TYPE_LOAD 之后，主线程第一次进入托管代码时补发加载事件
func (a *Agent) RuntimeInvokeStarted(t debugger.Thread, sp uintptr) {
	if t == a.rt.MainThread() && a.sendPendingTypeLoads.CompareAndSwap(true, false) {
		a.onAttach()
	}
	rec := a.threads.lookup(t)
	if rec == nil {
		return
	}
	rec.invokeAddrs = append(rec.invokeAddrs, rec.invokeAddr)
	rec.invokeAddr = sp
}

func (a *Agent) RuntimeInvokeEnded(t debugger.Thread) {
	rec := a.threads.lookup(t)
	if rec == nil || len(rec.invokeAddrs) == 0 {
		return
	}
	rec.invokeAddr = rec.invokeAddrs[len(rec.invokeAddrs)-1]
	rec.invokeAddrs = rec.invokeAddrs[:len(rec.invokeAddrs)-1]
}

// onAttach 向延迟连接的客户端补发已经发生的加载事件
func (a *Agent) onAttach() {
	logrus.Infof("[Agent] Replaying load events for the attached client.")
	a.lock.Lock()
	domains := a.domainList()
	classes := make([]*debugger.Type, 0, a.loadedClasses.Size())
	for _, v := range a.loadedClasses.Values() {
		classes = append(classes, v.(*debugger.Type))
	}
	a.lock.Unlock()

	for _, d := range domains {
		a.processProfilerEvent(nil, constants.EventKindAppDomainCreate, d)
	}
	for _, rec := range a.threads.list() {
		a.processProfilerEvent(rec, constants.EventKindThreadStart, rec.thread)
	}
	for _, d := range domains {
		for _, asm := range a.rt.DomainAssemblies(d) {
			a.processProfilerEvent(nil, constants.EventKindAssemblyLoad, asm)
		}
	}
	for _, class := range classes {
		a.processProfilerEvent(nil, constants.EventKindTypeLoad, class)
	}
}

func (a *Agent) BreakpointHit(t debugger.Thread, ctx *debugger.Context) {
	rec := a.threads.lookup(t)
	if rec == nil {
		return
	}
	a.processBreakpoint(rec, ctx)
}

func (a *Agent) SingleStepHit(t debugger.Thread, ctx *debugger.Context) {
	rec := a.threads.lookup(t)
	if rec == nil {
		return
	}
	a.processSingleStep(rec, ctx)
}

func (a *Agent) Interrupted(t debugger.Thread, ctx *debugger.Context, ji *debugger.JitInfo) bool {
	rec := a.threads.lookup(t)
	if rec == nil {
		return false
	}
	return a.onInterrupt(rec, ctx, ji)
}

func (a *Agent) ExceptionThrown(t debugger.Thread, exc debugger.Object, throwCtx *debugger.Context, catchCtx *debugger.Context) {
	a.handleException(a.threads.lookup(t), exc, throwCtx, catchCtx)
}

// processBreakpoint 断点补丁回调
// 同一个位置可能同时是断点、单步临时断点和方法入口/出口
func (a *Agent) processBreakpoint(rec *threadRecord, ctx *debugger.Context) {
	ji := a.rt.FindJitInfo(ctx.IP)
	if ji == nil || ji.Method.IsWrapper || rec.disableBreakpoints.Load() {
		return
	}
	native := nativeOffset(ji, ctx.IP)
	sp, ok := findSeqPointAtNative(ji, native)
	if !ok {
		logrus.Warnf("[Agent] No sequence point at %s+0x%x.", ji.Method.Name, native)
		return
	}
	logrus.Debugf("[Agent] Breakpoint hit at %s il 0x%x, native 0x%x.", ji.Method.Name, sp.ILOffset, native)

	var bpReqs, ssReqs []*eventRequest
	a.lock.Lock()
	for _, bp := range a.breakpoints {
		for _, inst := range bp.instances {
			if inst.ji != ji || inst.native != native {
				continue
			}
			switch bp.req.kind {
			case constants.EventKindBreakpoint:
				bpReqs = append(bpReqs, bp.req)
			case constants.EventKindStep:
				ssReqs = append(ssReqs, bp.req)
			}
		}
	}
	a.lock.Unlock()

	var hitReqs []*eventRequest
	for _, req := range ssReqs {
		ss := req.step
		if ss == nil {
			continue
		}
		hit := true
		if ss.depth == constants.StepDepthOver && a.inRecursion(ss, rec, ji.Method, ctx) {
			hit = false
		}
		if hit && ss.size == constants.StepSizeLine {
			hit = ss.lineStepHit(ji.Method, sp.ILOffset)
		}
		if hit {
			hitReqs = append(hitReqs, req)
		}
		// 从当前序列点重新开始单步
		p := sp
		a.ssStart(ss, ji.Method, ji, &p, nil, nil)
	}

	var (
		ssEvents, bpEvents, enterLeaveEvents []int32
		ssPolicy, bpPolicy, enterLeavePolicy constants.SuspendPolicy
		enterLeaveKind                       constants.EventKind
	)
	a.lock.Lock()
	if len(hitReqs) > 0 {
		ssEvents, ssPolicy = a.createEventList(constants.EventKindStep, hitReqs, ji, nil, nil, rec)
	}
	if len(bpReqs) > 0 {
		bpEvents, bpPolicy = a.createEventList(constants.EventKindBreakpoint, bpReqs, ji, nil, nil, rec)
	}
	// 断点或单步命中时不再报告方法入口/出口
	if len(bpReqs) == 0 && len(hitReqs) == 0 {
		switch sp.ILOffset {
		case constants.MethodEntryILOffset:
			enterLeaveKind = constants.EventKindMethodEntry
			enterLeaveEvents, enterLeavePolicy = a.createEventList(enterLeaveKind, nil, ji, nil, nil, rec)
		case constants.MethodExitILOffset:
			enterLeaveKind = constants.EventKindMethodExit
			enterLeaveEvents, enterLeavePolicy = a.createEventList(enterLeaveKind, nil, ji, nil, nil, rec)
		}
	}
	a.lock.Unlock()

	if len(ssEvents) > 0 {
		a.processEvent(rec, constants.EventKindStep, ji.Method, sp.ILOffset, ctx, ssEvents, ssPolicy)
	}
	if len(bpEvents) > 0 {
		a.processEvent(rec, constants.EventKindBreakpoint, ji.Method, sp.ILOffset, ctx, bpEvents, bpPolicy)
	}
	if len(enterLeaveEvents) > 0 {
		a.processEvent(rec, enterLeaveKind, ji.Method, 0, ctx, enterLeaveEvents, enterLeavePolicy)
	}
}

// handleException 异常抛出回调
// 即时调试模式下第一个匹配的异常触发连接，并发送一个不对应任何请求的 EXCEPTION 事件
func (a *Agent) handleException(rec *threadRecord, exc debugger.Object, throwCtx, catchCtx *debugger.Context) {
	if rec != nil {
		a.lock.Lock()
		aborting := rec.abortRequested
		a.lock.Unlock()
		if aborting {
			return
		}
	}
	class := exc.Class()
	if class == a.rt.ThreadAbortType() {
		return
	}
	ei := &exceptionInfo{exc: exc, caught: catchCtx != nil}

	if !a.inited.Load() {
		if !a.jitDebugTriggered(class, ei.caught) {
			return
		}
		logrus.Infof("[Agent] Exception %s triggered debugger attach.", class.FullName)
		if err := a.finishInit(false); err != nil {
			return
		}
		a.processEvent(rec, constants.EventKindException, ei, 0, throwCtx,
			[]int32{constants.UnsolicitedRequestID}, constants.SuspendPolicyAll)
		return
	}

	var ji *debugger.JitInfo
	if throwCtx != nil {
		ji = a.rt.FindJitInfo(throwCtx.IP)
	}
	a.lock.Lock()
	events, policy := a.createEventList(constants.EventKindException, nil, ji, ei, nil, rec)
	a.lock.Unlock()
	a.processEvent(rec, constants.EventKindException, ei, 0, throwCtx, events, policy)
}

// jitDebugTriggered onthrow 按类型全名匹配，空名匹配任意异常；onuncaught 匹配未捕获的异常
func (a *Agent) jitDebugTriggered(class *debugger.Type, caught bool) bool {
	for _, name := range a.cfg.OnThrow {
		if name == "" || name == class.FullName {
			return true
		}
	}
	return a.cfg.OnUncaught && !caught
}
