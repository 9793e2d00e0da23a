package agent

import (
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
)

// computeFrameInfo 计算挂起线程的托管栈帧
// 与上一次计算结果栈指针相同的帧沿用原来的 id，调试器发起的调用不会让已有的帧失效
func (a *Agent) computeFrameInfo(rec *threadRecord) []*stackFrame {
	a.suspendMu.Lock()
	really := rec.reallySuspended
	a.suspendMu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.frames != nil && rec.upToDate {
		return rec.frames
	}
	if rec.terminated.Load() {
		rec.frames = nil
		return nil
	}
	var start debugger.Context
	switch {
	case !really && rec.hasAsyncCtx:
		// 线程停在原生代码中，只能使用中断时保存的状态
		start = rec.asyncCtx
	case rec.hasContext:
		start = rec.ctx
	default:
		rec.frames = nil
		return nil
	}

	var frames []*stackFrame
	a.rt.WalkStack(rec.thread, &start, func(f *debugger.FrameInfo) bool {
		if f.Kind != debugger.FrameManaged {
			if f.Kind == debugger.FrameDebuggerInvoke && len(frames) > 0 {
				frames[len(frames)-1].flags |= constants.FrameFlagDebuggerInvoke
			}
			return false
		}
		if f.Method == nil || f.Method.IsWrapper {
			return false
		}
		il := f.ILOffset
		if il == -1 && f.JitInfo != nil {
			il = computeILOffset(f.JitInfo, f.NativeOffset)
		}
		frames = append(frames, &stackFrame{
			method: f.Method,
			domain: f.Domain,
			il:     il,
			ctx:    f.Ctx,
		})
		return false
	})

	for _, f := range frames {
		for _, old := range rec.frames {
			if old.ctx.SP == f.ctx.SP {
				f.id = old.id
				break
			}
		}
		if f.id == 0 {
			f.id = a.frameID.Inc()
		}
	}
	rec.frames = frames
	rec.upToDate = true
	return frames
}

// findFrame 按 id 查找线程的栈帧
func (a *Agent) findFrame(rec *threadRecord, id int32) *stackFrame {
	for _, f := range a.computeFrameInfo(rec) {
		if f.id == id {
			return f
		}
	}
	return nil
}

// computeFrameCount 从 ctx 开始向外的托管帧数
func (a *Agent) computeFrameCount(t debugger.Thread, ctx debugger.Context) int {
	count := 0
	a.rt.WalkStack(t, &ctx, func(f *debugger.FrameInfo) bool {
		if f.Kind == debugger.FrameManaged && f.Method != nil && !f.Method.IsWrapper {
			count++
		}
		return false
	})
	return count
}

// findSeqPoint IL 偏移恰好为 il 的序列点
func findSeqPoint(ji *debugger.JitInfo, il int) (debugger.SeqPoint, bool) {
	if ji == nil || ji.SeqPoints == nil {
		return debugger.SeqPoint{}, false
	}
	for _, sp := range ji.SeqPoints.Points {
		if sp.ILOffset == il {
			return sp, true
		}
	}
	return debugger.SeqPoint{}, false
}

// findSeqPointAtOrAfter 按原生地址顺序第一个 IL 偏移不小于 il 的序列点
func findSeqPointAtOrAfter(ji *debugger.JitInfo, il int) (debugger.SeqPoint, bool) {
	if ji == nil || ji.SeqPoints == nil {
		return debugger.SeqPoint{}, false
	}
	for _, sp := range ji.SeqPoints.Points {
		if sp.ILOffset >= il {
			return sp, true
		}
	}
	return debugger.SeqPoint{}, false
}

// findPrevSeqPoint 原生偏移不大于 native 的最后一个序列点
func findPrevSeqPoint(ji *debugger.JitInfo, native int) (debugger.SeqPoint, bool) {
	if ji == nil || ji.SeqPoints == nil {
		return debugger.SeqPoint{}, false
	}
	found := false
	var last debugger.SeqPoint
	for _, sp := range ji.SeqPoints.Points {
		if sp.NativeOffset > native {
			break
		}
		last = sp
		found = true
	}
	return last, found
}

// findSeqPointAtNative 原生偏移恰好为 native 的序列点
func findSeqPointAtNative(ji *debugger.JitInfo, native int) (debugger.SeqPoint, bool) {
	if ji == nil || ji.SeqPoints == nil {
		return debugger.SeqPoint{}, false
	}
	for _, sp := range ji.SeqPoints.Points {
		if sp.NativeOffset == native {
			return sp, true
		}
	}
	return debugger.SeqPoint{}, false
}

// computeILOffset 原生偏移所在序列点的 IL 偏移，找不到时为 -1
func computeILOffset(ji *debugger.JitInfo, native int) int {
	sp, ok := findPrevSeqPoint(ji, native)
	if !ok {
		return -1
	}
	return sp.ILOffset
}

// nativeOffset ip 相对方法代码起始位置的偏移
func nativeOffset(ji *debugger.JitInfo, ip uintptr) int {
	return int(ip - ji.CodeStart)
}
