package agent

import (
	"testing"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	"github.com/fansqz/mono-debugger-agent/debugger/simvm"
	"github.com/maxatome/go-testdeep/td"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLineStep 按行 step into / step out / step over
// Main: il 4/6/8 是第 23 行的三次 Add 调用，il 10 是第 25 行的 return
func TestLineStep(t *testing.T) {
	h := newTestHelper(t, 3)
	defer h.cleanup()
	h.setup()
	h.waitForEvent(constants.EventKindVMStart)

	mainID := h.methodID(h.demo.Main)
	addID := h.methodID(h.demo.Add)
	h.setEventRequest(constants.EventKindBreakpoint, constants.SuspendPolicyAll, locationMod(mainID, 4))
	h.resume()
	bp := h.waitForEvent(constants.EventKindBreakpoint)
	thread := bp.thread

	// step into 进入被调用的 Add
	into := h.setEventRequest(constants.EventKindStep, constants.SuspendPolicyAll,
		stepMod(thread, constants.StepSizeLine, constants.StepDepthInto))
	h.resume()
	ev := h.waitForEvent(constants.EventKindStep)
	assert.Equal(t, into, ev.reqID)
	assert.Equal(t, thread, ev.thread)
	assert.Equal(t, addID, ev.d.ID())
	assert.Equal(t, int64(0), ev.d.Long())
	td.Cmp(t, h.frames(thread), []testFrame{
		{method: addID, il: 0},
		{method: mainID, il: 4},
	})
	h.clearEventRequest(constants.EventKindStep, into)

	// step out 回到调用者的下一条语句，Add 的出口与第 8 行同一行不会停下
	out := h.setEventRequest(constants.EventKindStep, constants.SuspendPolicyAll,
		stepMod(thread, constants.StepSizeLine, constants.StepDepthOut))
	h.resume()
	ev = h.waitForEvent(constants.EventKindStep)
	assert.Equal(t, out, ev.reqID)
	assert.Equal(t, mainID, ev.d.ID())
	assert.Equal(t, int64(6), ev.d.Long())
	h.clearEventRequest(constants.EventKindStep, out)

	// step over 跳过同一行上剩下的调用，停在第 25 行
	over := h.setEventRequest(constants.EventKindStep, constants.SuspendPolicyAll,
		stepMod(thread, constants.StepSizeLine, constants.StepDepthOver))
	h.resume()
	ev = h.waitForEvent(constants.EventKindStep)
	assert.Equal(t, over, ev.reqID)
	assert.Equal(t, mainID, ev.d.ID())
	assert.Equal(t, int64(10), ev.d.Long())
	h.clearEventRequest(constants.EventKindStep, over)

	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestStepOverRecursion step over 不会停在同一方法更深的递归调用中
func TestStepOverRecursion(t *testing.T) {
	h := newTestHelperFor(t, simvm.NewCountdown(2))
	defer h.cleanup()
	h.setup()
	h.waitForEvent(constants.EventKindVMStart)

	countdownID := h.methodID(h.demo.Countdown)
	mainID := h.methodID(h.demo.Main)
	// 只在最外层的 Countdown(2) 上停下
	h.setEventRequest(constants.EventKindBreakpoint, constants.SuspendPolicyAll,
		locationMod(countdownID, 0), countMod(1))
	h.resume()
	bp := h.waitForEvent(constants.EventKindBreakpoint)
	require.Len(t, h.frames(bp.thread), 2)

	over := h.setEventRequest(constants.EventKindStep, constants.SuspendPolicyAll,
		stepMod(bp.thread, constants.StepSizeLine, constants.StepDepthOver))
	h.resume()
	ev := h.waitForEvent(constants.EventKindStep)
	assert.Equal(t, over, ev.reqID)
	assert.Equal(t, countdownID, ev.d.ID())
	assert.Equal(t, int64(2), ev.d.Long())
	// 递归调用中的临时断点被忽略，停下时仍在最外层
	td.Cmp(t, h.frames(bp.thread), []testFrame{
		{method: countdownID, il: 2},
		{method: mainID, il: 0},
	})
	h.clearEventRequest(constants.EventKindStep, over)

	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestDuplicateStepRequest 已有单步请求时再请求单步返回 NOT_IMPLEMENTED，并且运行时被恢复
func TestDuplicateStepRequest(t *testing.T) {
	h := newTestHelper(t, 1)
	defer h.cleanup()
	h.setup()
	h.waitForEvent(constants.EventKindVMStart)

	h.setEventRequest(constants.EventKindBreakpoint, constants.SuspendPolicyAll, locationMod(h.methodID(h.demo.Add), 0))
	h.resume()
	bp := h.waitForEvent(constants.EventKindBreakpoint)

	out := h.setEventRequest(constants.EventKindStep, constants.SuspendPolicyAll,
		stepMod(bp.thread, constants.StepSizeLine, constants.StepDepthOut))
	p := h.send(constants.CommandSetEventRequest, constants.CmdEventRequestSet,
		eventRequestBuffer(constants.EventKindStep, constants.SuspendPolicyAll,
			stepMod(bp.thread, constants.StepSizeLine, constants.StepDepthOver)))
	assert.Equal(t, constants.ErrNotImplemented, p.ErrorCode)

	// 没有发送 RESUME，第一个单步请求照样完成
	ev := h.waitForEvent(constants.EventKindStep)
	assert.Equal(t, out, ev.reqID)
	assert.Equal(t, h.methodID(h.demo.Main), ev.d.ID())
	assert.Equal(t, int64(6), ev.d.Long())
	h.clearEventRequest(constants.EventKindStep, out)

	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestLineStepHit 没有行号的位置不算命中，同一行只停一次
func TestLineStepHit(t *testing.T) {
	m := &debugger.Method{
		Name: "Foo",
		DebugInfo: &debugger.MethodDebugInfo{Lines: []debugger.LineEntry{
			{ILOffset: 4, Line: 10},
			{ILOffset: 8, Line: 11},
		}},
	}
	other := &debugger.Method{Name: "Bar", DebugInfo: m.DebugInfo}
	noInfo := &debugger.Method{Name: "Baz"}

	ss := &singleStepReq{size: constants.StepSizeLine, lastMethod: m, lastLine: 10}
	// il 2 在第一个行号之前
	assert.False(t, ss.lineStepHit(m, 2))
	assert.Equal(t, -1, ss.lastLine)
	assert.True(t, ss.lineStepHit(m, 4))
	assert.False(t, ss.lineStepHit(m, 6))
	assert.True(t, ss.lineStepHit(m, 8))
	// 同一行号属于另一个方法时也算新的一行
	assert.True(t, ss.lineStepHit(other, 8))
	assert.False(t, ss.lineStepHit(noInfo, 0))
	assert.Equal(t, noInfo, ss.lastMethod)
	assert.Equal(t, -1, ss.lastLine)
}
