package agent

import (
	"testing"
	"time"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	"github.com/fansqz/mono-debugger-agent/debugger/simvm"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parkedThread 不执行托管代码的线程，只用来驱动挂起计数
type parkedThread struct {
	debugger.Thread
	tid int64
}

func (p *parkedThread) TID() int64 {
	return p.tid
}

func (p *parkedThread) Domain() *debugger.Domain {
	return nil
}

// newSuspendAgent 没有连接的调试代理，注册 n 个线程
func newSuspendAgent(n int) (*Agent, []*threadRecord) {
	a := New(DefaultConfig(), simvm.NewDemo(1).VM)
	recs := make([]*threadRecord, 0, n)
	for i := 0; i < n; i++ {
		rec := newThreadRecord(&parkedThread{tid: int64(100 + i)})
		a.threads.put(rec)
		recs = append(recs, rec)
	}
	return a, recs
}

// park 线程在 suspendCurrent 中停下，恢复运行后关闭返回的 channel
func park(a *Agent, rec *threadRecord) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.suspendCurrent(rec)
	}()
	return done
}

func requireResumed(t *testing.T, done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("thread was not resumed")
	}
}

func assertParked(t *testing.T, done <-chan struct{}) {
	assert.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
}

// TestResumeThread 只恢复一个线程，其它线程保持挂起
func TestResumeThread(t *testing.T) {
	a, recs := newSuspendAgent(2)
	a.suspendVM(nil)
	first, second := park(a, recs[0]), park(a, recs[1])
	a.waitForSuspend()
	require.True(t, a.isSuspended())

	require.NoError(t, a.resumeThread(recs[0]))
	requireResumed(t, first)
	assertParked(t, second)
	assert.Equal(t, int32(1), a.getSuspendCount())

	require.NoError(t, a.resumeVM())
	requireResumed(t, second)
	assert.Equal(t, int32(0), a.getSuspendCount())
}

// TestNestedSuspend 挂起可以嵌套，计数归零时线程才恢复；计数为 0 时恢复返回 NOT_SUSPENDED
func TestNestedSuspend(t *testing.T) {
	a, recs := newSuspendAgent(1)
	a.suspendVM(nil)
	a.suspendVM(nil)
	done := park(a, recs[0])
	a.waitForSuspend()
	assert.Equal(t, int32(2), a.getSuspendCount())

	require.NoError(t, a.resumeVM())
	assertParked(t, done)
	require.NoError(t, a.resumeVM())
	requireResumed(t, done)

	err := a.resumeVM()
	assert.Equal(t, e.ErrNotSuspended, err)
	code, ok := e.Code(err)
	assert.True(t, ok)
	assert.Equal(t, constants.ErrNotSuspended, code)
	assert.Equal(t, e.ErrNotSuspended, a.resumeThread(recs[0]))
	assert.Equal(t, int32(0), a.getSuspendCount())
}

// TestDisposeDrainsSuspend 客户端断开时挂起计数清零，所有线程继续运行
func TestDisposeDrainsSuspend(t *testing.T) {
	a, recs := newSuspendAgent(2)
	a.status.Set(utils.Attached)
	for i := 0; i < 3; i++ {
		a.suspendVM(nil)
	}
	first, second := park(a, recs[0]), park(a, recs[1])
	a.waitForSuspend()

	a.dispose()
	requireResumed(t, first)
	requireResumed(t, second)
	assert.Equal(t, int32(0), a.getSuspendCount())
	assert.Equal(t, utils.Disconnected, a.Status())
	assert.True(t, a.disconnected.Load())
}

// TestSuspendCommands 客户端嵌套 SUSPEND，需要同样多次 RESUME
func TestSuspendCommands(t *testing.T) {
	h := newTestHelper(t, 1)
	defer h.cleanup()
	h.setup()
	thread := stopInAdd(h)

	h.call(constants.CommandSetVM, constants.CmdVMSuspend, nil)
	assert.Equal(t, int32(2), h.agent.getSuspendCount())
	h.resume()
	// 仍然处于挂起状态，可以查看栈帧
	assert.Len(t, h.frames(thread), 2)
	assert.Equal(t, int32(1), h.agent.getSuspendCount())

	h.resume()
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}

// TestDisposeCommand VM_DISPOSE 之后即使还有挂起计数，程序也会运行结束
func TestDisposeCommand(t *testing.T) {
	h := newTestHelper(t, 1)
	defer h.cleanup()
	h.setup()
	stopInAdd(h)

	h.call(constants.CommandSetVM, constants.CmdVMSuspend, nil)
	h.call(constants.CommandSetVM, constants.CmdVMSuspend, nil)
	h.call(constants.CommandSetVM, constants.CmdVMDispose, nil)
	assert.Equal(t, 0, h.waitForExit())
	assert.Equal(t, int32(0), h.agent.getSuspendCount())
}
