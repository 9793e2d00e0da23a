package simvm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const (
	frameSize    = 0x100
	boundarySize = 0x40
)

const (
	threadRunning int32 = iota
	threadNative
	threadStopped
)

var errShutdown = errors.New("runtime is shutting down")

// thrown 沿调用链向外传播的托管异常
type thrown struct {
	exc debugger.Object
}

func (t *thrown) Error() string {
	return fmt.Sprintf("unhandled exception %s", t.exc.Class().FullName)
}

// frame 线程栈上的一帧
type frame struct {
	ji       *debugger.JitInfo
	native   int
	sp       uintptr
	vars     *Frame
	boundary bool
}

// Thread 模拟线程
type Thread struct {
	vm         *VM
	name       string
	tid        int64
	addr       int64
	domain     *debugger.Domain
	threadPool bool
	stackBase  uintptr

	mu     sync.Mutex
	frames []*frame

	state      atomic.Int32
	interrupt  chan struct{}
	abort      atomic.Bool
	loaderLock atomic.Bool
	done       chan struct{}
}

func (t *Thread) Class() *debugger.Type {
	return t.vm.b.Thread
}

func (t *Thread) Domain() *debugger.Domain {
	return t.domain
}

func (t *Thread) ThreadName() string {
	return t.name
}

func (t *Thread) ThreadState() int32 {
	switch t.state.Load() {
	case threadNative:
		return constants.ThreadStateWaitSleep
	case threadStopped:
		return constants.ThreadStateStopped
	}
	return constants.ThreadStateRunning
}

func (t *Thread) IsThreadPool() bool {
	return t.threadPool
}

func (t *Thread) TID() int64 {
	return t.tid
}

// Done 线程结束后关闭
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d (%s)", t.tid, t.name)
}

func (t *Thread) push(f *frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
}

func (t *Thread) pop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = t.frames[:len(t.frames)-1]
}

// lowestSP 栈顶帧的栈指针
func (t *Thread) lowestSP() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) == 0 {
		return t.stackBase
	}
	return t.frames[len(t.frames)-1].sp
}

func (t *Thread) runEntry(m *debugger.Method, args []debugger.Value) {
	t.vm.hooks.RuntimeInvokeStarted(t, t.stackBase)
	_, err := t.call(m, debugger.Value{}, args, t.stackBase-frameSize)
	t.vm.hooks.RuntimeInvokeEnded(t)
	var exc *thrown
	if errors.As(err, &exc) {
		logrus.Warnf("[simvm] %v terminated by %v", t, err)
	}
}

// invoke 在调用边界之上执行方法
func (t *Thread) invoke(m *debugger.Method, this debugger.Value, args []debugger.Value) (debugger.Value, debugger.Object, error) {
	marker := &frame{boundary: true, sp: t.lowestSP() - boundarySize}
	t.push(marker)
	defer t.pop()
	t.vm.hooks.RuntimeInvokeStarted(t, marker.sp)
	ret, err := t.call(m, this, args, marker.sp-frameSize)
	t.vm.hooks.RuntimeInvokeEnded(t)
	var exc *thrown
	if errors.As(err, &exc) {
		return debugger.Value{}, exc.exc, nil
	}
	return ret, nil, err
}

func (t *Thread) ctxOf(f *frame) debugger.Context {
	return debugger.Context{IP: f.ji.CodeStart + uintptr(f.native), SP: f.sp}
}

// seqPoint 执行到第 idx 个序列点：依次处理中断、单步陷阱、断点补丁
func (t *Thread) seqPoint(f *frame, idx int) error {
	sp := f.ji.SeqPoints.Points[idx]
	t.mu.Lock()
	f.native = sp.NativeOffset
	t.mu.Unlock()
	ctx := t.ctxOf(f)

	select {
	case <-t.interrupt:
		t.vm.hooks.Interrupted(t, &ctx, f.ji)
	default:
	}
	if t.vm.singleStep.Load() {
		t.vm.hooks.SingleStepHit(t, &ctx)
	}
	if t.vm.IsPatched(ctx.IP) {
		t.vm.hooks.BreakpointHit(t, &ctx)
	}
	if t.vm.shuttingDown.Load() {
		return errShutdown
	}
	if t.abort.Load() {
		return t.throw(f, t.vm.b.ThreadAbortException, false)
	}
	return nil
}

func (t *Thread) throw(f *frame, class *debugger.Type, caught bool) error {
	exc := t.vm.NewObject(t.domain, class)
	ctx := t.ctxOf(f)
	var catchCtx *debugger.Context
	if caught {
		c := ctx
		catchCtx = &c
	}
	t.vm.hooks.ExceptionThrown(t, exc, &ctx, catchCtx)
	if caught {
		return nil
	}
	return &thrown{exc: exc}
}

func (t *Thread) eval(in Instr, f *frame) debugger.Value {
	if in.Eval == nil {
		return in.Value
	}
	t.mu.Lock()
	vars := *f.vars
	t.mu.Unlock()
	return in.Eval(&vars)
}

func (t *Thread) when(in Instr, f *frame) bool {
	t.mu.Lock()
	vars := *f.vars
	t.mu.Unlock()
	return in.When(&vars)
}

// call 解释执行方法 m，sp 为新帧的栈指针
func (t *Thread) call(m *debugger.Method, this debugger.Value, args []debugger.Value, sp uintptr) (debugger.Value, error) {
	if t.vm.shuttingDown.Load() {
		return debugger.Value{}, errShutdown
	}
	ji := t.vm.jit(t, m, t.domain)
	f := &frame{
		ji: ji,
		sp: sp,
		vars: &Frame{
			This:   this,
			Args:   append([]debugger.Value(nil), args...),
			Locals: make([]debugger.Value, len(m.Locals)),
		},
	}
	t.push(f)
	defer t.pop()

	if err := t.seqPoint(f, 0); err != nil {
		return debugger.Value{}, err
	}
	var code []Instr
	if body := t.vm.b.bodies[m]; body != nil {
		code = body.code
	}
	var ret debugger.Value
	for i := 0; i < len(code); i++ {
		if err := t.seqPoint(f, seqIndex(i)); err != nil {
			return debugger.Value{}, err
		}
		in := code[i]
		if in.When != nil && !t.when(in, f) {
			continue
		}
		switch in.Op {
		case OpSetLocal:
			v := t.eval(in, f)
			t.mu.Lock()
			f.vars.Locals[in.Index] = v
			t.mu.Unlock()
		case OpSetStatic:
			t.vm.SetStaticFieldValue(t.domain, in.Field, t.eval(in, f))
		case OpCall:
			args := in.Args
			if in.Eval != nil {
				args = t.eval(in, f).Fields
			}
			v, err := t.call(in.Method, debugger.Value{}, args, f.sp-frameSize)
			if err != nil {
				return debugger.Value{}, err
			}
			if in.Index >= 0 && in.Index < len(f.vars.Locals) {
				t.mu.Lock()
				f.vars.Locals[in.Index] = v
				t.mu.Unlock()
			}
		case OpReturn:
			ret = t.eval(in, f)
			i = len(code)
		case OpThrow:
			if err := t.throw(f, in.Class, in.Caught); err != nil {
				return debugger.Value{}, err
			}
		case OpNative:
			t.native(f, in)
		case OpStartThread:
			t.vm.StartThread(in.Name, in.Method, in.Args...)
		case OpLoadAssembly:
			t.vm.LoadAssembly(t, in.Assembly)
		}
	}
	if err := t.seqPoint(f, len(ji.SeqPoints.Points)-1); err != nil {
		return debugger.Value{}, err
	}
	return ret, nil
}

// native 阻塞在原生代码中，期间收到的中断以 ji == nil 的方式回调
func (t *Thread) native(f *frame, in Instr) {
	if in.Gate == nil {
		return
	}
	t.state.Store(threadNative)
	defer t.state.Store(threadRunning)
	if in.LoaderLock {
		t.loaderLock.Store(true)
		defer t.loaderLock.Store(false)
	}
	ctx := t.ctxOf(f)
	for {
		select {
		case <-in.Gate:
			return
		case <-t.vm.shutdownCh:
			return
		case <-t.interrupt:
			t.vm.hooks.Interrupted(t, &ctx, nil)
			if t.abort.Load() {
				return
			}
		}
	}
}

// WalkStack 从 ctx.SP 所在帧开始由内向外回溯
func (vm *VM) WalkStack(t debugger.Thread, ctx *debugger.Context, fn func(f *debugger.FrameInfo) bool) {
	th, ok := t.(*Thread)
	if !ok {
		return
	}
	th.mu.Lock()
	frames := make([]frame, len(th.frames))
	for i, f := range th.frames {
		frames[i] = *f
	}
	th.mu.Unlock()

	started := false
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if !started {
			if ctx != nil && f.sp < ctx.SP {
				continue
			}
			started = true
		}
		info := &debugger.FrameInfo{Kind: debugger.FrameDebuggerInvoke, ILOffset: -1, Ctx: debugger.Context{SP: f.sp}}
		if !f.boundary {
			info = &debugger.FrameInfo{
				Kind:         debugger.FrameManaged,
				Method:       f.ji.Method,
				Domain:       f.ji.Domain,
				JitInfo:      f.ji,
				ILOffset:     -1,
				NativeOffset: f.native,
				Ctx:          th.ctxOf(&f),
			}
		}
		if fn(info) {
			return
		}
	}
}

// frameVars 一个模拟帧的变量访问器
type frameVars struct {
	t *Thread
	f *frame
}

func (vm *VM) FrameVariables(t debugger.Thread, ctx *debugger.Context) (debugger.FrameVariables, error) {
	th, ok := t.(*Thread)
	if !ok {
		return nil, e.ErrInvalidArgument
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	for _, f := range th.frames {
		if f.boundary || f.sp != ctx.SP {
			continue
		}
		if f.ji.Method.DebugInfo == nil {
			return nil, e.ErrAbsentInformation
		}
		return &frameVars{t: th, f: f}, nil
	}
	return nil, e.ErrInvalidFrameID
}

func (v *frameVars) Arg(i int) (debugger.Value, error) {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if i < 0 || i >= len(v.f.vars.Args) {
		return debugger.Value{}, e.ErrInvalidArgument
	}
	return v.f.vars.Args[i], nil
}

func (v *frameVars) Local(i int) (debugger.Value, error) {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if i < 0 || i >= len(v.f.vars.Locals) {
		return debugger.Value{}, e.ErrInvalidArgument
	}
	return v.f.vars.Locals[i], nil
}

func (v *frameVars) This() (debugger.Value, error) {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	return v.f.vars.This, nil
}

func (v *frameVars) SetArg(i int, val debugger.Value) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if i < 0 || i >= len(v.f.vars.Args) {
		return e.ErrInvalidArgument
	}
	v.f.vars.Args[i] = val
	return nil
}

func (v *frameVars) SetLocal(i int, val debugger.Value) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if i < 0 || i >= len(v.f.vars.Locals) {
		return e.ErrInvalidArgument
	}
	v.f.vars.Locals[i] = val
	return nil
}
