package agent

import (
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/sirupsen/logrus"
)

// suspendVM 增加全局挂起计数
// 计数从 0 变为 1 时打开单步陷阱并通知所有线程，托管代码中的线程会在下一个序列点停下
// self 为发起挂起的线程，控制协程调用时为 nil
func (a *Agent) suspendVM(self *threadRecord) {
	a.suspendMu.Lock()
	defer a.suspendMu.Unlock()

	a.suspendCount++
	logrus.Debugf("[Agent] (%d) Suspending vm...", a.suspendCount)
	if a.suspendCount == 1 {
		a.startSingleStepping()
		for _, rec := range a.threads.list() {
			a.notifyThread(self, rec)
		}
	}
}

// resumeVM 减少全局挂起计数，计数归零时所有线程恢复运行
func (a *Agent) resumeVM() error {
	a.suspendMu.Lock()
	defer a.suspendMu.Unlock()

	if a.suspendCount == 0 {
		return e.ErrNotSuspended
	}
	a.suspendCount--
	logrus.Debugf("[Agent] (%d) Resuming vm...", a.suspendCount)
	if a.suspendCount == 0 {
		a.stopSingleStepping()
		// 停在原生代码中的线程没有真正挂起，它们保存的上下文已经失效
		for _, rec := range a.threads.list() {
			if !rec.reallySuspended && rec.suspended {
				rec.suspended = false
				rec.clearContext()
			}
		}
	}
	// 计数没有归零时也要唤醒，resumeCount 大于 0 的线程可以继续运行
	a.suspendCond.Broadcast()
	return nil
}

// resumeThread 只恢复一个线程，其它线程保持挂起
func (a *Agent) resumeThread(rec *threadRecord) error {
	a.suspendMu.Lock()
	defer a.suspendMu.Unlock()

	if a.suspendCount == 0 {
		return e.ErrNotSuspended
	}
	logrus.Debugf("[Agent] Resuming thread %d...", rec.thread.TID())
	rec.resumeCount += a.suspendCount
	a.suspendCond.Broadcast()
	return nil
}

// notifyThread 请求线程尽快停下，调用方持有 suspendMu
func (a *Agent) notifyThread(self *threadRecord, rec *threadRecord) {
	if rec == self || rec.terminated.Load() {
		return
	}
	if !rec.interruptPending.CompareAndSwap(false, true) {
		return
	}
	logrus.Debugf("[Agent] Interrupting thread %d...", rec.thread.TID())
	a.rt.Interrupt(rec.thread)
}

// processSuspend 线程在序列点上收到挂起请求
func (a *Agent) processSuspend(rec *threadRecord, ctx *debugger.Context) {
	a.suspendMu.Lock()
	pending := a.suspendCount - rec.resumeCount
	if pending > 0 {
		rec.suspending = true
	}
	a.suspendMu.Unlock()
	if pending <= 0 {
		// 单线程调用期间单步陷阱仍然打开
		return
	}
	rec.saveContext(ctx)
	a.suspendCurrent(rec)
}

// suspendCurrent 挂起当前线程直到运行时恢复
// 挂起期间如果收到调用请求，先执行调用再继续等待
func (a *Agent) suspendCurrent(rec *threadRecord) {
	if a.rt.OwnsLoaderLock(rec.thread) {
		// 持有加载器锁时挂起会让整个运行时死锁
		return
	}
	for {
		a.suspendMu.Lock()
		rec.suspending = false
		rec.reallySuspended = true
		if !rec.suspended {
			rec.suspended = true
			a.suspendedCond.Broadcast()
		}
		logrus.Debugf("[Agent] Thread %d suspended.", rec.thread.TID())
		for a.suspendCount-rec.resumeCount > 0 {
			a.suspendCond.Wait()
		}
		rec.suspended = false
		rec.reallySuspended = false
		a.suspendMu.Unlock()
		logrus.Debugf("[Agent] Thread %d resumed.", rec.thread.TID())

		a.lock.Lock()
		inv := rec.pendingInvoke
		a.lock.Unlock()
		if inv == nil {
			break
		}
		inv.ctx, inv.hasCtx = rec.context()
		a.invokeMethod(rec)
	}
	rec.clearContext()
}

// countThreadsToWaitFor 还没有停下的线程数，调用方持有 suspendMu
func (a *Agent) countThreadsToWaitFor() int {
	count := 0
	for _, rec := range a.threads.list() {
		if !rec.suspended && !rec.terminated.Load() && rec.attached.Load() {
			count++
		}
	}
	return count
}

// waitForSuspend 等待所有线程停下
func (a *Agent) waitForSuspend() {
	a.suspendMu.Lock()
	defer a.suspendMu.Unlock()
	waited := false
	for {
		n := a.countThreadsToWaitFor()
		if n == 0 || a.suspendCount == 0 {
			break
		}
		logrus.Debugf("[Agent] Waiting for %d(%d) threads to suspend...", n, a.threads.size())
		waited = true
		a.suspendedCond.Wait()
	}
	if waited {
		logrus.Debugf("[Agent] %d threads suspended.", a.threads.size())
	}
}

// isSuspended 运行时处于挂起状态并且所有线程都已停下
func (a *Agent) isSuspended() bool {
	a.suspendMu.Lock()
	defer a.suspendMu.Unlock()
	return a.suspendCount > 0 && a.countThreadsToWaitFor() == 0
}

func (a *Agent) getSuspendCount() int32 {
	a.suspendMu.Lock()
	defer a.suspendMu.Unlock()
	return a.suspendCount
}

// threadChanged 线程退出或者脱离运行时后唤醒 waitForSuspend
func (a *Agent) threadChanged() {
	a.suspendMu.Lock()
	defer a.suspendMu.Unlock()
	a.suspendedCond.Broadcast()
}

// drainSuspend 把挂起计数清零，客户端断开时让所有线程继续运行
func (a *Agent) drainSuspend() {
	for a.getSuspendCount() > 0 {
		if err := a.resumeVM(); err != nil {
			return
		}
	}
}

// onInterrupt 线程收到 Interrupt 请求
// 托管代码中的线程由单步陷阱负责挂起；原生代码中的线程直接视为已经挂起
func (a *Agent) onInterrupt(rec *threadRecord, ctx *debugger.Context, ji *debugger.JitInfo) bool {
	if !rec.interruptPending.CompareAndSwap(true, false) {
		return false
	}
	if ji != nil {
		logrus.Debugf("[Agent] Thread %d received interrupt while at %s, continuing.", rec.thread.TID(), ji.Method.Name)
		return true
	}

	a.suspendMu.Lock()
	defer a.suspendMu.Unlock()
	if a.suspendCount == 0 || rec.suspended || rec.suspending {
		return true
	}
	logrus.Debugf("[Agent] Thread %d received interrupt in native code, treating as suspended.", rec.thread.TID())
	rec.mu.Lock()
	// 持有加载器锁时不能回溯栈
	rec.hasAsyncCtx = ctx != nil && !a.rt.OwnsLoaderLock(rec.thread)
	if rec.hasAsyncCtx {
		rec.asyncCtx = *ctx
	}
	rec.upToDate = false
	rec.mu.Unlock()
	rec.suspended = true
	a.suspendedCond.Broadcast()
	return true
}
