package simvm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Version 模拟运行时的版本描述
const Version = "simvm 1.0 (go)"

type jitKey struct {
	domain *debugger.Domain
	method *debugger.Method
}

type staticKey struct {
	domain *debugger.Domain
	field  *debugger.Field
}

// VM 一个在内存中解释执行模拟指令的运行时
// 每个线程一个 goroutine，每条指令前是一个序列点
type VM struct {
	b     *Builder
	hooks debugger.Hooks

	mu          sync.Mutex
	root        *debugger.Domain
	domains     []*debugger.Domain
	domainAsm   map[*debugger.Domain][]*debugger.Assembly
	statics     map[staticKey]debugger.Value
	threads     []*Thread
	main        *Thread
	nextTID     atomic.Int64
	userStrings map[int32]string

	jitMu      sync.RWMutex
	compiled   map[jitKey]*debugger.JitInfo
	code       []*debugger.JitInfo
	nextCode   uintptr
	patches    map[uintptr]bool
	singleStep atomic.Bool

	heap *heap

	shuttingDown atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	exitCode     atomic.Int32
	wg           sync.WaitGroup
}

var _ debugger.Runtime = (*VM)(nil)

// New 用构造好的类型目录创建运行时，hooks 可以稍后通过 SetHooks 设置
func New(b *Builder) *VM {
	vm := &VM{
		b:           b,
		hooks:       NopHooks{},
		domainAsm:   map[*debugger.Domain][]*debugger.Assembly{},
		statics:     map[staticKey]debugger.Value{},
		userStrings: map[int32]string{},
		compiled:    map[jitKey]*debugger.JitInfo{},
		nextCode:    0x40000000,
		patches:     map[uintptr]bool{},
		heap:        newHeap(),
		shutdownCh:  make(chan struct{}),
	}
	app := b.App()
	vm.root = &debugger.Domain{
		Name:          app.Module.Name,
		EntryAssembly: app,
		Corlib:        b.Corlib(),
	}
	vm.domains = []*debugger.Domain{vm.root}
	vm.domainAsm[vm.root] = []*debugger.Assembly{b.Corlib(), app}
	vm.main = vm.newThread("Main Thread", vm.root)
	return vm
}

// SetHooks 设置调试回调，必须在 Run 之前调用
func (vm *VM) SetHooks(hooks debugger.Hooks) {
	vm.hooks = hooks
}

// Builder 类型目录
func (vm *VM) Builder() *Builder {
	return vm.b
}

// Run 在主线程上执行 entry，返回退出码
func (vm *VM) Run(entry *debugger.Method, args ...debugger.Value) int {
	t := vm.main
	vm.hooks.DomainLoaded(t, vm.root)
	for _, a := range vm.DomainAssemblies(vm.root) {
		vm.hooks.AssemblyLoaded(t, a)
	}
	vm.hooks.ThreadStarted(t)
	vm.hooks.RuntimeInitialized(t)
	t.runEntry(entry, args)
	if !vm.shuttingDown.Load() {
		// 前台线程全部结束后进程才退出，等待期间主线程不执行托管代码
		vm.hooks.ThreadAttached(t, false)
		vm.wg.Wait()
		vm.hooks.ThreadAttached(t, true)
	}
	vm.Shutdown(int(vm.exitCode.Load()))
	vm.hooks.RuntimeShutdown(t)
	return int(vm.exitCode.Load())
}

// StartThread 启动一个新线程执行 m
func (vm *VM) StartThread(name string, m *debugger.Method, args ...debugger.Value) *Thread {
	t := vm.newThread(name, vm.root)
	vm.wg.Add(1)
	go func() {
		defer vm.wg.Done()
		defer close(t.done)
		vm.hooks.ThreadStarted(t)
		t.runEntry(m, args)
		t.state.Store(threadStopped)
		vm.removeThread(t)
		vm.hooks.ThreadEnded(t)
	}()
	return t
}

// WaitThreads 等待主线程之外的线程全部结束
func (vm *VM) WaitThreads() {
	vm.wg.Wait()
}

// Threads 当前存活的线程
func (vm *VM) Threads() []*Thread {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]*Thread(nil), vm.threads...)
}

func (vm *VM) newThread(name string, d *debugger.Domain) *Thread {
	tid := vm.nextTID.Add(1)
	t := &Thread{
		vm:        vm,
		name:      name,
		tid:       tid,
		addr:      vm.heap.nextAddr.Add(0x20),
		domain:    d,
		interrupt: make(chan struct{}, 1),
		done:      make(chan struct{}),
		stackBase: uintptr(0x7fff0000 - tid*0x100000),
	}
	vm.mu.Lock()
	vm.threads = append(vm.threads, t)
	vm.mu.Unlock()
	return t
}

func (vm *VM) removeThread(t *Thread) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for i, th := range vm.threads {
		if th == t {
			vm.threads = append(vm.threads[:i], vm.threads[i+1:]...)
			return
		}
	}
}

// LoadAssembly 在根域中加载一个程序集
func (vm *VM) LoadAssembly(t *Thread, a *debugger.Assembly) {
	vm.mu.Lock()
	vm.domainAsm[vm.root] = append(vm.domainAsm[vm.root], a)
	vm.mu.Unlock()
	vm.hooks.AssemblyLoaded(t, a)
}

// UnloadAssembly 从根域卸载程序集
func (vm *VM) UnloadAssembly(t *Thread, a *debugger.Assembly) {
	vm.hooks.AssemblyUnloaded(t, a)
	vm.mu.Lock()
	defer vm.mu.Unlock()
	list := vm.domainAsm[vm.root]
	for i, asm := range list {
		if asm == a {
			vm.domainAsm[vm.root] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// CreateDomain 新建一个应用程序域
func (vm *VM) CreateDomain(t *Thread, name string) *debugger.Domain {
	d := &debugger.Domain{Name: name, EntryAssembly: vm.b.App(), Corlib: vm.b.Corlib()}
	vm.mu.Lock()
	vm.domains = append(vm.domains, d)
	vm.domainAsm[d] = []*debugger.Assembly{vm.b.Corlib()}
	vm.mu.Unlock()
	vm.hooks.DomainLoaded(t, d)
	return d
}

// UnloadDomain 卸载域并丢弃它的编译结果
func (vm *VM) UnloadDomain(t *Thread, d *debugger.Domain) {
	vm.hooks.DomainUnloaded(t, d)
	vm.jitMu.Lock()
	kept := vm.code[:0]
	for _, ji := range vm.code {
		if ji.Domain == d {
			delete(vm.compiled, jitKey{d, ji.Method})
			continue
		}
		kept = append(kept, ji)
	}
	vm.code = kept
	vm.jitMu.Unlock()
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for i, dom := range vm.domains {
		if dom == d {
			vm.domains = append(vm.domains[:i], vm.domains[i+1:]...)
			break
		}
	}
	delete(vm.domainAsm, d)
}

// UserString 注册一个用户字符串 token
func (vm *VM) UserString(s string) int32 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	token := int32(0x70000001 + len(vm.userStrings))
	vm.userStrings[token] = s
	return token
}

func (vm *VM) RootDomain() *debugger.Domain {
	return vm.root
}

func (vm *VM) Domains() []*debugger.Domain {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]*debugger.Domain(nil), vm.domains...)
}

func (vm *VM) DomainAssemblies(d *debugger.Domain) []*debugger.Assembly {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]*debugger.Assembly(nil), vm.domainAsm[d]...)
}

func (vm *VM) IsAssignableFrom(target, from *debugger.Type) bool {
	if target == nil || from == nil {
		return false
	}
	if target == vm.b.Object && !from.IsValueType {
		return true
	}
	return from.HasParent(target)
}

func (vm *VM) FindType(a *debugger.Assembly, name string, ignoreCase bool) (*debugger.Type, error) {
	if strings.Contains(name, ",") {
		// 带程序集限定的类型名
		return nil, e.ErrNotImplemented
	}
	for _, t := range a.Types {
		if t.FullName == name || (ignoreCase && strings.EqualFold(t.FullName, name)) {
			return t, nil
		}
	}
	return nil, nil
}

func (vm *VM) ResolveToken(d *debugger.Domain, m *debugger.Method, token int32) debugger.TokenResult {
	if uint32(token)>>24 == 0x70 {
		vm.mu.Lock()
		s, ok := vm.userStrings[token]
		vm.mu.Unlock()
		if ok {
			return debugger.TokenResult{Kind: constants.TokenTypeString, Str: s}
		}
	}
	asm := m.DeclaringType.Assembly
	for _, t := range asm.Types {
		if t.Token == token {
			return debugger.TokenResult{Kind: constants.TokenTypeType, Type: t}
		}
		for _, f := range t.Fields {
			if fieldToken(t, f) == token {
				return debugger.TokenResult{Kind: constants.TokenTypeField, Field: f}
			}
		}
		for _, method := range t.Methods {
			if method.Token == token {
				return debugger.TokenResult{Kind: constants.TokenTypeMethod, Method: method}
			}
		}
	}
	return debugger.TokenResult{Kind: constants.TokenTypeUnknown}
}

// fieldToken 字段 token 由类型 token 和字段下标组成
func fieldToken(t *debugger.Type, f *debugger.Field) int32 {
	for i, field := range t.Fields {
		if field == f {
			return 0x04000000 | (t.Token&0xffff)<<8 | int32(i+1)
		}
	}
	return 0
}

// FieldToken 对外暴露字段 token 的计算方式
func FieldToken(f *debugger.Field) int32 {
	return fieldToken(f.Parent, f)
}

func (vm *VM) ObjectType() *debugger.Type {
	return vm.b.Object
}

func (vm *VM) VoidType() *debugger.Type {
	return vm.b.Void
}

func (vm *VM) ExceptionType() *debugger.Type {
	return vm.b.Exception
}

func (vm *VM) ThreadAbortType() *debugger.Type {
	return vm.b.ThreadAbortException
}

func (vm *VM) Version() string {
	return Version
}

func (vm *VM) MainThread() debugger.Thread {
	return vm.main
}

// Main 主线程
func (vm *VM) Main() *Thread {
	return vm.main
}

func (vm *VM) Interrupt(t debugger.Thread) {
	th, ok := t.(*Thread)
	if !ok {
		return
	}
	select {
	case th.interrupt <- struct{}{}:
	default:
	}
}

func (vm *VM) OwnsLoaderLock(t debugger.Thread) bool {
	th, ok := t.(*Thread)
	return ok && th.loaderLock.Load()
}

func (vm *VM) Invoke(t debugger.Thread, m *debugger.Method, this debugger.Value, args []debugger.Value, ctx *debugger.Context) (debugger.Value, debugger.Object, error) {
	th, ok := t.(*Thread)
	if !ok {
		return debugger.Value{}, nil, fmt.Errorf("invoke on foreign thread %v", t)
	}
	if m == vm.b.ExitMethod {
		code := 0
		if len(args) > 0 {
			code = int(args[0].Int())
		}
		logrus.Infof("[simvm] Environment.Exit(%d) on thread %d", code, th.tid)
		vm.Shutdown(code)
		return debugger.Value{}, nil, nil
	}
	if _, ok := vm.b.bodies[m]; !ok {
		return debugger.Value{}, nil, fmt.Errorf("method %s has no body", m.Name)
	}
	return th.invoke(m, this, args)
}

func (vm *VM) AbortThread(t debugger.Thread) {
	th, ok := t.(*Thread)
	if !ok {
		return
	}
	th.abort.Store(true)
	vm.Interrupt(th)
}

func (vm *VM) ResetAbort(t debugger.Thread) {
	if th, ok := t.(*Thread); ok {
		th.abort.Store(false)
	}
}

func (vm *VM) IsShuttingDown() bool {
	return vm.shuttingDown.Load()
}

func (vm *VM) ExitMethod() *debugger.Method {
	return vm.b.ExitMethod
}

func (vm *VM) Shutdown(code int) {
	vm.shutdownOnce.Do(func() {
		vm.exitCode.Store(int32(code))
		vm.shuttingDown.Store(true)
		close(vm.shutdownCh)
	})
}

// ExitCode 退出码
func (vm *VM) ExitCode() int {
	return int(vm.exitCode.Load())
}

// NopHooks 没有调试器时使用的空回调
type NopHooks struct{}

func (NopHooks) RuntimeInitialized(debugger.Thread)                           {}
func (NopHooks) RuntimeShutdown(debugger.Thread)                              {}
func (NopHooks) ThreadStarted(debugger.Thread)                                {}
func (NopHooks) ThreadEnded(debugger.Thread)                                  {}
func (NopHooks) ThreadAttached(debugger.Thread, bool)                         {}
func (NopHooks) DomainLoaded(debugger.Thread, *debugger.Domain)               {}
func (NopHooks) DomainUnloaded(debugger.Thread, *debugger.Domain)             {}
func (NopHooks) AssemblyLoaded(debugger.Thread, *debugger.Assembly)           {}
func (NopHooks) AssemblyUnloaded(debugger.Thread, *debugger.Assembly)         {}
func (NopHooks) JitDone(debugger.Thread, *debugger.Method, *debugger.JitInfo) {}
func (NopHooks) RuntimeInvokeStarted(debugger.Thread, uintptr)                {}
func (NopHooks) RuntimeInvokeEnded(debugger.Thread)                           {}
func (NopHooks) BreakpointHit(debugger.Thread, *debugger.Context)             {}
func (NopHooks) SingleStepHit(debugger.Thread, *debugger.Context)             {}
func (NopHooks) Interrupted(debugger.Thread, *debugger.Context, *debugger.JitInfo) bool {
	return false
}
func (NopHooks) ExceptionThrown(debugger.Thread, debugger.Object, *debugger.Context, *debugger.Context) {
}
