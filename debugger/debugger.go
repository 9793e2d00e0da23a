package debugger

// Object 运行时堆上的对象
// 实现必须可以作为 map 的 key 使用（一般为指针）
type Object interface {
	Class() *Type
	Domain() *Domain
}

// Thread 运行时线程，线程本身也是一个对象
type Thread interface {
	Object
	ThreadName() string
	ThreadState() int32
	IsThreadPool() bool
	TID() int64
}

// WeakHandle 不阻止对象被回收的句柄
type WeakHandle interface {
	// Target 对象已被回收时返回 nil
	Target() Object
	Free()
}

// Metadata 类型系统查询
type Metadata interface {
	RootDomain() *Domain
	Domains() []*Domain
	DomainAssemblies(d *Domain) []*Assembly
	IsAssignableFrom(target, from *Type) bool
	// FindType 在程序集中按全名查找类型，找不到时返回 nil
	FindType(a *Assembly, name string, ignoreCase bool) (*Type, error)
	ResolveToken(d *Domain, m *Method, token int32) TokenResult
	ObjectType() *Type
	VoidType() *Type
	ExceptionType() *Type
	ThreadAbortType() *Type
	// Version 运行时版本描述，VM_VERSION 返回给客户端
	Version() string
}

// CodeManager 已编译代码的查询与补丁
type CodeManager interface {
	// FindJitInfo 查找 ip 所在的已编译方法，找不到返回 nil
	FindJitInfo(ip uintptr) *JitInfo
	// CompiledMethods 某个域中已经编译的全部方法
	CompiledMethods(d *Domain) []*JitInfo
	// InsertBreakpoint 在 ip 处打补丁，执行到这里时调用 Hooks.BreakpointHit
	InsertBreakpoint(ji *JitInfo, ip uintptr)
	RemoveBreakpoint(ji *JitInfo, ip uintptr)
	// StartSingleStepping 打开全局单步陷阱，每个序列点都会调用 Hooks.SingleStepHit
	StartSingleStepping()
	StopSingleStepping()
}

// FrameVariables 一个栈帧的参数与局部变量
type FrameVariables interface {
	Arg(i int) (Value, error)
	Local(i int) (Value, error)
	This() (Value, error)
	SetArg(i int, v Value) error
	SetLocal(i int, v Value) error
}

// StackWalker 栈回溯
type StackWalker interface {
	// WalkStack 从 ctx 所在的帧开始向外回溯，fn 返回 true 时停止
	// 只能对处于挂起状态的线程调用
	WalkStack(t Thread, ctx *Context, fn func(f *FrameInfo) bool)
	// FrameVariables ctx 所在帧的变量访问器，缺少调试信息时返回 ErrAbsentInformation
	FrameVariables(t Thread, ctx *Context) (FrameVariables, error)
}

// Heap 对象模型
type Heap interface {
	NewWeakHandle(o Object) WeakHandle
	ObjectAddress(o Object) int64
	FieldValue(o Object, f *Field) Value
	SetFieldValue(o Object, f *Field, v Value)
	StaticFieldValue(d *Domain, f *Field) Value
	SetStaticFieldValue(d *Domain, f *Field, v Value)
	// StringValue o 不是字符串时 ok 为 false
	StringValue(o Object) (s string, ok bool)
	NewString(d *Domain, s string) Object
	NewObject(d *Domain, t *Type) Object
	Box(d *Domain, t *Type, v Value) Object
	Unbox(o Object) Value
	// ArrayBounds 每一维的长度与下界，一维零基数组返回一项
	ArrayBounds(o Object) []ArrayBound
	ArrayElements(o Object, index, n int) []Value
	SetArrayElements(o Object, index int, values []Value)
	TypeObject(d *Domain, t *Type) Object
	AssemblyObject(d *Domain, a *Assembly) Object
}

// Executor 线程控制与方法调用
type Executor interface {
	MainThread() Thread
	// Interrupt 请求线程尽快调用 Hooks.Interrupted，不阻塞
	Interrupt(t Thread)
	OwnsLoaderLock(t Thread) bool
	// Invoke 在当前线程上同步执行方法，必须由 t 自身调用
	// 方法抛出异常时 exc 非空；ctx 为调用边界之外的上下文
	Invoke(t Thread, m *Method, this Value, args []Value, ctx *Context) (ret Value, exc Object, err error)
	AbortThread(t Thread)
	ResetAbort(t Thread)
	IsShuttingDown() bool
	// ExitMethod System.Environment.Exit(int)
	ExitMethod() *Method
	// Shutdown 直接结束运行时
	Shutdown(code int)
}

// Runtime 调试代理依赖的全部运行时能力
type Runtime interface {
	Metadata
	CodeManager
	StackWalker
	Heap
	Executor
}

// Hooks 运行时在自己的线程上回调调试代理
type Hooks interface {
	RuntimeInitialized(t Thread)
	RuntimeShutdown(t Thread)
	ThreadStarted(t Thread)
	ThreadEnded(t Thread)
	// ThreadAttached attached 为 false 表示线程暂时脱离运行时（fast detach）
	ThreadAttached(t Thread, attached bool)
	DomainLoaded(t Thread, d *Domain)
	DomainUnloaded(t Thread, d *Domain)
	AssemblyLoaded(t Thread, a *Assembly)
	AssemblyUnloaded(t Thread, a *Assembly)
	JitDone(t Thread, m *Method, ji *JitInfo)
	// RuntimeInvokeStarted 运行时从原生代码进入托管代码，sp 为进入点的栈指针
	RuntimeInvokeStarted(t Thread, sp uintptr)
	RuntimeInvokeEnded(t Thread)
	BreakpointHit(t Thread, ctx *Context)
	SingleStepHit(t Thread, ctx *Context)
	// Interrupted 线程收到 Interrupt 请求；ji 为 nil 表示线程正在执行原生代码
	Interrupted(t Thread, ctx *Context, ji *JitInfo) bool
	// ExceptionThrown catchCtx 为 nil 表示异常未被捕获
	ExceptionThrown(t Thread, exc Object, throwCtx *Context, catchCtx *Context)
}
