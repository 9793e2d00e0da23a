package simvm

import (
	"sync"
	"testing"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHooks 记录运行时回调
type recordingHooks struct {
	NopHooks
	mu      sync.Mutex
	jitted  []*debugger.Method
	onBreak func(t debugger.Thread, ctx *debugger.Context)
	excs    []debugger.Object
	caught  []bool
	started []string
}

func (h *recordingHooks) JitDone(t debugger.Thread, m *debugger.Method, ji *debugger.JitInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jitted = append(h.jitted, m)
}

func (h *recordingHooks) ThreadStarted(t debugger.Thread) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, t.ThreadName())
}

func (h *recordingHooks) BreakpointHit(t debugger.Thread, ctx *debugger.Context) {
	if h.onBreak != nil {
		h.onBreak(t, ctx)
	}
}

func (h *recordingHooks) ExceptionThrown(t debugger.Thread, exc debugger.Object, throwCtx, catchCtx *debugger.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.excs = append(h.excs, exc)
	h.caught = append(h.caught, catchCtx != nil)
}

// TestDemoRun 演示程序可以独立运行
func TestDemoRun(t *testing.T) {
	demo := NewDemo(4)
	hooks := &recordingHooks{}
	demo.VM.SetHooks(hooks)
	code := demo.Run()
	assert.Equal(t, 0, code)
	assert.Contains(t, hooks.jitted, demo.Main)
	assert.Contains(t, hooks.jitted, demo.Add)
	assert.Contains(t, hooks.jitted, demo.Worker)
	assert.ElementsMatch(t, []string{"Main Thread", "Worker"}, hooks.started)
	assert.Equal(t, int64(100), demo.VM.StaticFieldValue(demo.VM.RootDomain(), demo.Counter).Int())
}

// TestSeqPoints 入口、每条指令、出口各一个序列点
func TestSeqPoints(t *testing.T) {
	demo := NewDemo(1)
	ji := demo.VM.compile(demo.Worker, demo.VM.RootDomain())
	points := ji.SeqPoints.Points
	require.Len(t, points, 5)
	assert.Equal(t, constants.MethodEntryILOffset, points[0].ILOffset)
	assert.Equal(t, 0, points[1].ILOffset)
	assert.Equal(t, 2, points[2].ILOffset)
	assert.Equal(t, 4, points[3].ILOffset)
	assert.Equal(t, constants.MethodExitILOffset, points[4].ILOffset)
	// return 的后继是出口
	assert.Equal(t, []int{4}, points[3].Next)
	assert.Empty(t, points[4].Next)
	for i := 1; i < len(points); i++ {
		assert.Greater(t, points[i].NativeOffset, points[i-1].NativeOffset)
	}
}

// TestBreakpointAndInvoke 断点回调中回溯栈、读取变量并在当前线程上调用方法
func TestBreakpointAndInvoke(t *testing.T) {
	demo := NewDemo(3)
	vm := demo.VM
	hooks := &recordingHooks{}
	vm.SetHooks(hooks)

	ji := vm.jit(vm.Main(), demo.Add, vm.RootDomain())
	// Add 的第一条指令
	ip := ji.CodeStart + uintptr(ji.SeqPoints.Points[1].NativeOffset)
	vm.InsertBreakpoint(ji, ip)
	assert.Equal(t, ji, vm.FindJitInfo(ip))
	assert.Nil(t, vm.FindJitInfo(ji.CodeStart+uintptr(ji.CodeSize)))

	var hits int
	var methods []string
	var argB int64
	var sum debugger.Value
	var exc debugger.Object
	hooks.onBreak = func(th debugger.Thread, ctx *debugger.Context) {
		hits++
		if hits != 2 {
			return
		}
		assert.Equal(t, ip, ctx.IP)
		vm.WalkStack(th, ctx, func(f *debugger.FrameInfo) bool {
			methods = append(methods, f.Method.Name)
			return false
		})
		vars, err := vm.FrameVariables(th, ctx)
		require.Nil(t, err)
		b, err := vars.Arg(1)
		require.Nil(t, err)
		argB = b.Int()
		vm.RemoveBreakpoint(ji, ip)
		sum, exc, err = vm.Invoke(th, demo.Add, debugger.Value{}, []debugger.Value{debugger.IntValue(20), debugger.IntValue(22)}, ctx)
		assert.Nil(t, err)
	}
	vm.Run(demo.Main)
	vm.WaitThreads()

	assert.Equal(t, 2, hits)
	assert.Equal(t, []string{"Add", "Main"}, methods)
	assert.Equal(t, int64(1), argB)
	assert.Nil(t, exc)
	assert.Equal(t, int64(42), sum.Int())
}

// TestThrow 捕获与未捕获的异常
func TestThrow(t *testing.T) {
	b := NewBuilder()
	app := b.App()
	c := b.Class(app, "Demo", "Thrower", b.Object)
	m := b.Method(c, "Run", true, b.Void)
	b.Body(m,
		Instr{Op: OpThrow, Line: 1, Class: b.Exception, Caught: true},
		Instr{Op: OpThrow, Line: 2, Class: b.Exception},
		Instr{Op: OpReturn, Line: 3},
	)
	vm := New(b)
	hooks := &recordingHooks{}
	vm.SetHooks(hooks)
	vm.Run(m)
	assert.Equal(t, []bool{true, false}, hooks.caught)
	require.Len(t, hooks.excs, 2)
	assert.Equal(t, b.Exception, hooks.excs[0].Class())
}

// TestCountdown 条件指令：只有最深一层递归抛出异常
func TestCountdown(t *testing.T) {
	demo := NewCountdown(3)
	hooks := &recordingHooks{}
	demo.VM.SetHooks(hooks)
	assert.Equal(t, 0, demo.Run())
	require.Len(t, hooks.excs, 1)
	assert.Equal(t, demo.Failure, hooks.excs[0].Class())
	assert.Equal(t, []bool{true}, hooks.caught)
	assert.ElementsMatch(t, []*debugger.Method{demo.Main, demo.Countdown}, hooks.jitted)
}

// TestWeakHandle 对象被回收后弱引用返回 nil，复用地址的新对象是另一个对象
func TestWeakHandle(t *testing.T) {
	vm := New(NewBuilder())
	d := vm.RootDomain()
	s := vm.NewString(d, "hello")
	h := vm.NewWeakHandle(s)
	assert.Equal(t, s, h.Target())
	str, ok := vm.StringValue(s)
	assert.True(t, ok)
	assert.Equal(t, "hello", str)

	addr := vm.ObjectAddress(s)
	vm.Collect(s)
	assert.Nil(t, h.Target())

	reused := vm.AllocAt(d, vm.Builder().String, addr)
	assert.Equal(t, addr, vm.ObjectAddress(reused))
	assert.Nil(t, h.Target())
}

// TestArraysAndBoxing 数组与装箱
func TestArraysAndBoxing(t *testing.T) {
	vm := New(NewBuilder())
	b := vm.Builder()
	d := vm.RootDomain()
	arr := vm.NewArray(d, b.ArrayOf(b.Int32, 1), []debugger.Value{debugger.IntValue(1), debugger.IntValue(2), debugger.IntValue(3)})
	assert.Equal(t, []debugger.ArrayBound{{Length: 3}}, vm.ArrayBounds(arr))
	vm.SetArrayElements(arr, 1, []debugger.Value{debugger.IntValue(9)})
	assert.Equal(t, []debugger.Value{debugger.IntValue(9), debugger.IntValue(3)}, vm.ArrayElements(arr, 1, 2))

	boxed := vm.Box(d, b.Int32, debugger.IntValue(7))
	assert.Equal(t, int64(7), vm.Unbox(boxed).Int())
	assert.True(t, vm.IsAssignableFrom(b.Object, b.String))
	assert.False(t, vm.IsAssignableFrom(b.String, b.Object))
	assert.True(t, vm.IsAssignableFrom(b.Exception, b.ThreadAbortException))

	found, err := vm.FindType(b.Corlib(), "system.string", true)
	assert.Nil(t, err)
	assert.Equal(t, b.String, found)
	_, err = vm.FindType(b.Corlib(), "System.String, mscorlib", false)
	assert.NotNil(t, err)
}
