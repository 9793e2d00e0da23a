package agent

import (
	"testing"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger/simvm"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"github.com/maxatome/go-testdeep/td"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// invokeBuffer 调用静态方法，参数都是 int
func invokeBuffer(thread int32, flags constants.InvokeFlags, method int32, args ...int32) *protocol.Buffer {
	buf := idBuffer(thread)
	buf.AddInt(int32(flags))
	buf.AddID(method)
	buf.AddByte(constants.ValueTypeIDNull)
	buf.AddInt(int32(len(args)))
	for _, arg := range args {
		buf.AddByte(byte(constants.ElementTypeI4))
		buf.AddInt(arg)
	}
	return buf
}

// intResult 读取调用结果，要求调用正常返回一个 int
func intResult(t *testing.T, d *protocol.Decoder) int32 {
	require.Equal(t, byte(1), d.Byte(), "invoke threw an exception")
	require.Equal(t, byte(constants.ElementTypeI4), d.Byte())
	v := d.Int()
	require.NoError(t, d.Err())
	return v
}

// stopInAdd 在 Add 的入口停下，返回停下的线程
func stopInAdd(h *testHelper) int32 {
	h.waitForEvent(constants.EventKindVMStart)
	h.setEventRequest(constants.EventKindBreakpoint, constants.SuspendPolicyAll, locationMod(h.methodID(h.demo.Add), 0))
	h.resume()
	return h.waitForEvent(constants.EventKindBreakpoint).thread
}

// TestInvokeMethod 多线程与单线程两种方式调用，调用结束后线程回到断点处
func TestInvokeMethod(t *testing.T) {
	h := newTestHelper(t, 1)
	defer h.cleanup()
	h.setup()
	thread := stopInAdd(h)
	addID := h.methodID(h.demo.Add)
	mainID := h.methodID(h.demo.Main)

	// 线程上没有正在执行的调用
	buf := idBuffer(thread)
	buf.AddInt(12345)
	p := h.send(constants.CommandSetVM, constants.CmdVMAbortInvoke, buf)
	assert.Equal(t, constants.ErrNoInvocation, p.ErrorCode)

	d := h.call(constants.CommandSetVM, constants.CmdVMInvokeMethod,
		invokeBuffer(thread, constants.InvokeFlagDisableBreakpoints, addID, 2, 3))
	assert.Equal(t, int32(5), intResult(t, d))
	assert.Equal(t, int32(1), h.agent.getSuspendCount())

	d = h.call(constants.CommandSetVM, constants.CmdVMInvokeMethod,
		invokeBuffer(thread, constants.InvokeFlagDisableBreakpoints|constants.InvokeFlagSingleThreaded, addID, 20, 22))
	assert.Equal(t, int32(42), intResult(t, d))
	assert.Equal(t, int32(1), h.agent.getSuspendCount())

	// 参数个数不对，错误由执行调用的线程回复
	p = h.send(constants.CommandSetVM, constants.CmdVMInvokeMethod,
		invokeBuffer(thread, constants.InvokeFlagDisableBreakpoints, addID, 1))
	assert.Equal(t, constants.ErrInvalidArgument, p.ErrorCode)
	assert.Empty(t, p.Data)

	td.Cmp(t, h.frames(thread), []testFrame{
		{method: addID, il: 0},
		{method: mainID, il: 4},
	})

	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestNestedInvoke 调用中的方法命中断点，在断点处再发起一次调用
func TestNestedInvoke(t *testing.T) {
	h := newTestHelper(t, 1)
	defer h.cleanup()
	h.setup()
	thread := stopInAdd(h)
	addID := h.methodID(h.demo.Add)
	mainID := h.methodID(h.demo.Main)

	_, outer := h.sendAsync(constants.CommandSetVM, constants.CmdVMInvokeMethod, invokeBuffer(thread, 0, addID, 2, 3))
	nested := h.waitForEvent(constants.EventKindBreakpoint)
	assert.Equal(t, thread, nested.thread)
	assert.Equal(t, addID, nested.d.ID())

	// 被调用的 Add 之上标记了调试器调用
	td.Cmp(t, h.frames(thread), []testFrame{
		{method: addID, il: 0, flags: constants.FrameFlagDebuggerInvoke},
		{method: addID, il: 0},
		{method: mainID, il: 4},
	})

	d := h.call(constants.CommandSetVM, constants.CmdVMInvokeMethod,
		invokeBuffer(thread, constants.InvokeFlagDisableBreakpoints, addID, 1, 1))
	assert.Equal(t, int32(2), intResult(t, d))

	h.resume()
	p := h.waitForReply(outer, "INVOKE_METHOD")
	require.Equal(t, constants.ErrNone, p.ErrorCode)
	assert.Equal(t, int32(5), intResult(t, protocol.NewDecoder(p.Data)))

	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestAbortInvoke 取消正在执行的调用，调用以 ThreadAbortException 结束
func TestAbortInvoke(t *testing.T) {
	h := newTestHelper(t, 1)
	defer h.cleanup()
	h.setup()
	thread := stopInAdd(h)
	addID := h.methodID(h.demo.Add)

	invokeID, outer := h.sendAsync(constants.CommandSetVM, constants.CmdVMInvokeMethod, invokeBuffer(thread, 0, addID, 2, 3))
	h.waitForEvent(constants.EventKindBreakpoint)

	buf := idBuffer(thread)
	buf.AddInt(invokeID + 1)
	p := h.send(constants.CommandSetVM, constants.CmdVMAbortInvoke, buf)
	assert.Equal(t, constants.ErrNoInvocation, p.ErrorCode)

	buf = idBuffer(thread)
	buf.AddInt(invokeID)
	h.call(constants.CommandSetVM, constants.CmdVMAbortInvoke, buf)
	// 重复取消不报错
	h.call(constants.CommandSetVM, constants.CmdVMAbortInvoke, buf)

	h.resume()
	p = h.waitForReply(outer, "INVOKE_METHOD")
	require.Equal(t, constants.ErrNone, p.ErrorCode)
	d := protocol.NewDecoder(p.Data)
	assert.Equal(t, byte(0), d.Byte())
	assert.Equal(t, byte(constants.ElementTypeClass), d.Byte())
	exc := d.ID()
	require.NoError(t, d.Err())

	abortType := h.agent.typeID(h.demo.VM.RootDomain(), h.demo.VM.Builder().ThreadAbortException)
	assert.Equal(t, abortType, h.call(constants.CommandSetObjectRef, constants.CmdObjectRefGetType, idBuffer(exc)).ID())

	// 取消只影响那一次调用，原来的线程正常结束
	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestStartInvokeNotSuspended 恢复失败时撤销调用
func TestStartInvokeNotSuspended(t *testing.T) {
	a := New(DefaultConfig(), simvm.NewDemo(1).VM)
	rec := newThreadRecord(&parkedThread{tid: 1})
	a.threads.put(rec)

	for _, flags := range []constants.InvokeFlags{0, constants.InvokeFlagSingleThreaded} {
		inv := &invokeRequest{id: 1, flags: flags}
		rec.pendingInvoke = inv
		assert.Equal(t, e.ErrNotSuspended, a.startInvoke(rec, inv))
		assert.Nil(t, rec.pendingInvoke)
	}

	// 线程上已经换成了另一次调用时不动它
	other := &invokeRequest{id: 2}
	rec.pendingInvoke = other
	assert.Equal(t, e.ErrNotSuspended, a.startInvoke(rec, &invokeRequest{id: 3}))
	assert.Equal(t, other, rec.pendingInvoke)
}
