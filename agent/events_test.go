package agent

import (
	"testing"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger/simvm"
	"github.com/maxatome/go-testdeep/td"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCountModifier 计数修饰符只让第 n 次命中触发一次
func TestCountModifier(t *testing.T) {
	h := newTestHelper(t, 3)
	defer h.cleanup()
	h.setup()
	h.waitForEvent(constants.EventKindVMStart)

	addID := h.methodID(h.demo.Add)
	reqID := h.setEventRequest(constants.EventKindBreakpoint, constants.SuspendPolicyAll, locationMod(addID, 0), countMod(2))
	h.resume()
	bp := h.waitForEvent(constants.EventKindBreakpoint)
	assert.Equal(t, reqID, bp.reqID)
	// 第二次调用来自 Main 的 il 6
	td.Cmp(t, h.frames(bp.thread), []testFrame{
		{method: addID, il: 0},
		{method: h.methodID(h.demo.Main), il: 6},
	})

	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestExceptionEvents 按异常类型以及是否被捕获过滤
func TestExceptionEvents(t *testing.T) {
	h := newTestHelperFor(t, simvm.NewCountdown(1))
	defer h.cleanup()
	h.setup()
	h.waitForEvent(constants.EventKindVMStart)

	root := h.demo.VM.RootDomain()
	failureID := h.agent.typeID(root, h.demo.Failure)
	caught := h.setEventRequest(constants.EventKindException, constants.SuspendPolicyAll, exceptionMod(failureID, true, false))
	h.setEventRequest(constants.EventKindException, constants.SuspendPolicyAll, exceptionMod(0, false, true))

	// 过滤类型必须是异常
	stringID := h.agent.typeID(root, h.demo.VM.Builder().String)
	p := h.send(constants.CommandSetEventRequest, constants.CmdEventRequestSet,
		eventRequestBuffer(constants.EventKindException, constants.SuspendPolicyAll, exceptionMod(stringID, true, true)))
	assert.Equal(t, constants.ErrInvalidArgument, p.ErrorCode)

	h.resume()
	ev := h.waitForEvent(constants.EventKindException)
	assert.Equal(t, caught, ev.reqID)
	assert.Equal(t, constants.SuspendPolicyAll, ev.policy)
	exc := ev.d.ID()
	require.NoError(t, ev.d.Err())
	assert.Equal(t, failureID, h.call(constants.CommandSetObjectRef, constants.CmdObjectRefGetType, idBuffer(exc)).ID())

	// 在 Countdown(0) 的 throw 处停下
	countdownID := h.methodID(h.demo.Countdown)
	td.Cmp(t, h.frames(ev.thread), []testFrame{
		{method: countdownID, il: 2},
		{method: countdownID, il: 0},
		{method: h.methodID(h.demo.Main), il: 0},
	})

	// 只接受未捕获异常的请求没有触发
	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestMethodEntryExitEvents 每次进入和离开方法各一个事件
func TestMethodEntryExitEvents(t *testing.T) {
	h := newTestHelperFor(t, simvm.NewCountdown(1))
	defer h.cleanup()
	h.setup()
	h.waitForEvent(constants.EventKindVMStart)

	entry := h.setEventRequest(constants.EventKindMethodEntry, constants.SuspendPolicyNone)
	exit := h.setEventRequest(constants.EventKindMethodExit, constants.SuspendPolicyNone)
	h.resume()

	mainID := h.methodID(h.demo.Main)
	countdownID := h.methodID(h.demo.Countdown)
	expected := []struct {
		kind   constants.EventKind
		reqID  int32
		method int32
	}{
		{constants.EventKindMethodEntry, entry, mainID},
		{constants.EventKindMethodEntry, entry, countdownID},
		{constants.EventKindMethodEntry, entry, countdownID},
		{constants.EventKindMethodExit, exit, countdownID},
		{constants.EventKindMethodExit, exit, countdownID},
		{constants.EventKindMethodExit, exit, mainID},
	}
	for _, want := range expected {
		ev := h.waitForEvent(want.kind)
		assert.Equal(t, constants.SuspendPolicyNone, ev.policy)
		assert.Equal(t, want.reqID, ev.reqID)
		assert.Equal(t, want.method, ev.d.ID())
	}

	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestBreakpointHidesMethodEntry 断点命中的入口不再报告 METHOD_ENTRY
func TestBreakpointHidesMethodEntry(t *testing.T) {
	h := newTestHelperFor(t, simvm.NewCountdown(1))
	defer h.cleanup()
	h.setup()
	h.waitForEvent(constants.EventKindVMStart)

	countdownID := h.methodID(h.demo.Countdown)
	entry := h.setEventRequest(constants.EventKindMethodEntry, constants.SuspendPolicyNone)
	bpID := h.setEventRequest(constants.EventKindBreakpoint, constants.SuspendPolicyAll,
		locationMod(countdownID, constants.MethodEntryILOffset))
	h.resume()

	ev := h.waitForEvent(constants.EventKindMethodEntry)
	assert.Equal(t, entry, ev.reqID)
	assert.Equal(t, h.methodID(h.demo.Main), ev.d.ID())

	// Countdown(1) 与 Countdown(0) 的入口只有断点事件
	for i := 0; i < 2; i++ {
		bp := h.waitForEvent(constants.EventKindBreakpoint)
		assert.Equal(t, bpID, bp.reqID)
		assert.Equal(t, countdownID, bp.d.ID())
		assert.Equal(t, int64(constants.MethodEntryILOffset), bp.d.Long())
		h.resume()
	}

	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestIsCollected 对象被回收后 IS_COLLECTED 返回 1，id 不能再使用
func TestIsCollected(t *testing.T) {
	h := newTestHelper(t, 1)
	defer h.cleanup()
	h.setup()
	h.waitForEvent(constants.EventKindVMStart)

	domainID := h.call(constants.CommandSetAppDomain, constants.CmdAppDomainGetRootDomain, nil).ID()
	buf := idBuffer(domainID)
	buf.AddString("transient")
	strID := h.call(constants.CommandSetAppDomain, constants.CmdAppDomainCreateString, buf).ID()
	require.NotZero(t, strID)

	d := h.call(constants.CommandSetObjectRef, constants.CmdObjectRefIsCollected, idBuffer(strID))
	assert.Equal(t, int32(0), d.Int())
	assert.Equal(t, "transient", h.call(constants.CommandSetStringRef, constants.CmdStringRefGetValue, idBuffer(strID)).Str())

	obj, err := h.agent.objs.get(strID)
	require.NoError(t, err)
	h.demo.VM.Collect(obj)

	d = h.call(constants.CommandSetObjectRef, constants.CmdObjectRefIsCollected, idBuffer(strID))
	assert.Equal(t, int32(1), d.Int())
	p := h.send(constants.CommandSetStringRef, constants.CmdStringRefGetValue, idBuffer(strID))
	assert.Equal(t, constants.ErrInvalidObject, p.ErrorCode)

	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestOversizedPacket 长度字段超过上限的报文让代理断开，程序继续运行到结束
func TestOversizedPacket(t *testing.T) {
	h := newTestHelper(t, 1)
	defer h.cleanup()
	h.setup()
	h.waitForEvent(constants.EventKindVMStart)

	_, err := h.conn.Write([]byte{0xff, 0xff, 0xff, 0xf0, 0, 0, 0, 1, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0, h.waitForExit())
	assert.True(t, h.agent.disconnected.Load())
	assert.Equal(t, int32(0), h.agent.getSuspendCount())
}
