package agent

import (
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/sirupsen/logrus"
)

// singleStepReq 当前的单步请求，同一时刻最多一个
type singleStepReq struct {
	req    *eventRequest
	thread debugger.Thread
	size   constants.StepSize
	depth  constants.StepDepth

	startSP uintptr
	lastSP  uintptr
	// lastMethod/lastLine 按行单步时上一次停下的位置
	lastMethod *debugger.Method
	lastLine   int

	// bps step over 时在后继序列点上设置的临时断点
	bps []*breakpoint
	// global 使用全局单步陷阱
	global bool

	// stepoverFrameMethod/stepoverFrameCount 单步开始时的方法与栈深度，用于忽略递归调用中的临时断点
	stepoverFrameMethod *debugger.Method
	stepoverFrameCount  int
}

// startSingleStepping 可以被挂起和单步请求同时打开，计数从 0 变为 1 时才真正打开
func (a *Agent) startSingleStepping() {
	if a.ssCount.Inc() == 1 {
		a.rt.StartSingleStepping()
	}
}

func (a *Agent) stopSingleStepping() {
	if a.ssCount.Dec() == 0 {
		a.rt.StopSingleStepping()
	}
}

// isParentFrameManaged 调用者是托管代码时才可以 step out
// invokeAddr 是最近一次从原生代码进入托管代码的栈指针，父帧在它之上说明父帧是原生代码
func isParentFrameManaged(rec *threadRecord, frames []*stackFrame) bool {
	if len(frames) < 2 {
		return false
	}
	return rec.invokeAddr > frames[1].ctx.SP
}

// ssCreate 为线程创建单步请求，运行时必须处于挂起状态
func (a *Agent) ssCreate(rec *threadRecord, size constants.StepSize, depth constants.StepDepth, req *eventRequest) error {
	if a.getSuspendCount() == 0 {
		return e.ErrNotSuspended
	}
	a.waitForSuspend()

	a.lock.Lock()
	if a.ss != nil {
		a.lock.Unlock()
		logrus.Warnf("[Agent] Received a single step request while the previous one was still active.")
		return e.ErrNotImplemented
	}
	ss := &singleStepReq{
		req:    req,
		thread: rec.thread,
		size:   size,
		depth:  depth,
	}
	a.ss = ss
	req.step = ss
	a.lock.Unlock()

	ctx, ok := rec.context()
	if !ok {
		a.ssDestroy(ss)
		return e.ErrNotSuspended
	}
	ss.startSP = ctx.SP
	ss.lastSP = ctx.SP

	var frames []*stackFrame
	if size == constants.StepSizeLine {
		frames = a.computeFrameInfo(rec)
		if len(frames) == 0 {
			a.ssDestroy(ss)
			return e.ErrNoInvocation
		}
		if depth == constants.StepDepthOut && !isParentFrameManaged(rec, frames) {
			a.ssDestroy(ss)
			return e.ErrNoInvocation
		}
		frame := frames[0]
		ss.lastMethod = frame.method
		ss.lastLine = -1
		if frame.il != -1 {
			if line, ok := frame.method.DebugInfo.LineFor(frame.il); ok {
				ss.lastLine = line
			}
		}
	}

	var (
		method *debugger.Method
		ji     *debugger.JitInfo
		sp     *debugger.SeqPoint
	)
	if depth == constants.StepDepthOver {
		frames = a.computeFrameInfo(rec)
		if len(frames) == 0 {
			a.ssDestroy(ss)
			return e.ErrNoInvocation
		}
		frame := frames[0]
		if frame.il != -1 {
			ji = a.rt.FindJitInfo(frame.ctx.IP)
			p, ok := findSeqPoint(ji, frame.il)
			if !ok {
				// 单步经过异常处理时会出现
				a.ssDestroy(ss)
				return e.ErrNotImplemented
			}
			sp = &p
			method = frame.method
		}
	}

	a.ssStart(ss, method, ji, sp, rec, frames)
	return nil
}

// ssStart 从序列点 sp 开始单步
// step over 优先使用后继序列点上的临时断点；当前方法已经走到最后一个序列点时向外层帧查找
// 找不到可用的序列点时打开全局单步陷阱
func (a *Agent) ssStart(ss *singleStepReq, method *debugger.Method, ji *debugger.JitInfo, sp *debugger.SeqPoint, rec *threadRecord, frames []*stackFrame) {
	a.ssStop(ss)

	if ss.depth == constants.StepDepthOver {
		index := 1
		for sp != nil && len(sp.Next) == 0 {
			sp = nil
			if rec != nil && index < len(frames) {
				frame := frames[index]
				method = frame.method
				if frame.il != -1 {
					ji = a.rt.FindJitInfo(frame.ctx.IP)
					if p, ok := findSeqPoint(ji, frame.il); ok {
						sp = &p
					}
				}
				index++
			}
		}

		if sp != nil && len(sp.Next) > 0 {
			for _, n := range sp.Next {
				next := ji.SeqPoints.Points[n]
				bp := a.setBreakpoint(method, next.ILOffset, ss.req)
				ss.bps = append(ss.bps, bp)
			}
		}

		if rec != nil && ss.stepoverFrameCount == 0 {
			ctx, _ := rec.context()
			ss.stepoverFrameMethod = method
			ss.stepoverFrameCount = a.computeFrameCount(rec.thread, ctx)
		}
	}

	if len(ss.bps) == 0 {
		ss.global = true
		a.startSingleStepping()
	} else {
		ss.global = false
	}
}

// lineStepHit 按行单步只在新的一行上停下
// 没有行号的位置客户端无法显示，继续单步
func (ss *singleStepReq) lineStepHit(m *debugger.Method, il int) bool {
	line, ok := m.DebugInfo.LineFor(il)
	if !ok {
		ss.lastMethod = m
		ss.lastLine = -1
		return false
	}
	if m == ss.lastMethod && line == ss.lastLine {
		return false
	}
	ss.lastMethod = m
	ss.lastLine = line
	return true
}

// ssStop 撤销临时断点并关闭全局单步
func (a *Agent) ssStop(ss *singleStepReq) {
	if len(ss.bps) > 0 {
		a.lock.Lock()
		for _, bp := range ss.bps {
			a.clearBreakpoint(bp)
		}
		a.lock.Unlock()
		ss.bps = nil
	}
	if ss.global {
		a.stopSingleStepping()
		ss.global = false
	}
}

func (a *Agent) ssDestroy(ss *singleStepReq) {
	a.ssStop(ss)
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.ss == ss {
		a.ss = nil
	}
}

// inRecursion 临时断点或单步陷阱落在单步起始方法更深的递归调用中
func (a *Agent) inRecursion(ss *singleStepReq, rec *threadRecord, m *debugger.Method, ctx *debugger.Context) bool {
	return ss.stepoverFrameMethod != nil && m == ss.stepoverFrameMethod &&
		ss.stepoverFrameCount < a.computeFrameCount(rec.thread, *ctx)
}

// processSingleStep 单步陷阱回调
// 运行时正在挂起时用于让线程停下，否则检查当前单步请求是否到达了新的位置
func (a *Agent) processSingleStep(rec *threadRecord, ctx *debugger.Context) {
	if a.getSuspendCount() > 0 {
		a.processSuspend(rec, ctx)
		return
	}

	a.lock.Lock()
	ss := a.ss
	a.lock.Unlock()
	if ss == nil || ss.thread != rec.thread {
		return
	}

	if ss.depth != constants.StepDepthInto {
		if ss.depth == constants.StepDepthOver && ctx.SP < ss.lastSP {
			return
		}
		if ss.depth == constants.StepDepthOut && ctx.SP <= ss.lastSP {
			return
		}
		ss.lastSP = ctx.SP
	}

	ji := a.rt.FindJitInfo(ctx.IP)
	if ji == nil || ji.Method.IsWrapper {
		return
	}
	il := computeILOffset(ji, nativeOffset(ji, ctx.IP))
	if il == -1 {
		return
	}
	logrus.Debugf("[Agent] Single step event (depth=%d) at %s il 0x%x, sp 0x%x, last sp 0x%x", ss.depth, ji.Method.Name, il, ctx.SP, ss.lastSP)

	if a.inRecursion(ss, rec, ji.Method, ctx) {
		return
	}

	if ss.size == constants.StepSizeLine && !ss.lineStepHit(ji.Method, il) {
		return
	}

	a.lock.Lock()
	events, policy := a.createEventList(constants.EventKindStep, []*eventRequest{ss.req}, ji, nil, nil, rec)
	a.lock.Unlock()
	a.processEvent(rec, constants.EventKindStep, ji.Method, il, ctx, events, policy)
}
