package agent

import (
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/fansqz/mono-debugger-agent/debugger"
	"go.uber.org/atomic"
)

// stackFrame 一个托管栈帧，同一次挂起期间 id 保持不变
type stackFrame struct {
	id     int32
	method *debugger.Method
	domain *debugger.Domain
	il     int
	flags  byte
	ctx    debugger.Context
}

// threadRecord 调试代理为每个运行时线程维护的状态
type threadRecord struct {
	thread debugger.Thread

	terminated atomic.Bool
	// attached 线程通过 fast detach 暂时离开运行时时为 false
	attached atomic.Bool
	// interruptPending 已请求但还未处理的中断，多次请求合并为一次
	interruptPending atomic.Bool
	// disableBreakpoints 调试器发起的调用期间不触发断点
	disableBreakpoints atomic.Bool

	// 以下字段由 Agent.suspendMu 保护
	suspended       bool
	reallySuspended bool
	suspending      bool
	resumeCount     int32

	// 以下字段由 threadRecord.mu 保护
	mu          sync.Mutex
	ctx         debugger.Context
	hasContext  bool
	asyncCtx    debugger.Context
	hasAsyncCtx bool
	domain      *debugger.Domain
	frames      []*stackFrame
	upToDate    bool

	// 以下字段由 Agent.lock 保护
	pendingInvoke  *invokeRequest
	invoke         *invokeRequest
	abortRequested bool

	// invokeAddr 最近一次从原生代码进入托管代码时的栈指针，只由线程自己读写
	invokeAddr  uintptr
	invokeAddrs []uintptr
}

func newThreadRecord(t debugger.Thread) *threadRecord {
	rec := &threadRecord{thread: t, domain: t.Domain()}
	rec.attached.Store(true)
	return rec
}

// saveContext 记录线程停下时的上下文，栈回溯从这里开始
func (rec *threadRecord) saveContext(ctx *debugger.Context) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if ctx != nil {
		rec.ctx = *ctx
	} else {
		rec.ctx = debugger.Context{}
	}
	rec.hasContext = true
	rec.upToDate = false
}

// clearContext 线程恢复运行后保存的上下文与栈帧都失效
func (rec *threadRecord) clearContext() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.hasContext = false
	rec.hasAsyncCtx = false
	rec.frames = nil
	rec.upToDate = false
}

// invalidateFrames 栈帧需要重新计算，已有帧的 id 会被复用
func (rec *threadRecord) invalidateFrames() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.upToDate = false
}

func (rec *threadRecord) context() (debugger.Context, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.ctx, rec.hasContext
}

// threadTable 以线程 id 为 key，保持线程启动的先后顺序
type threadTable struct {
	mu sync.RWMutex
	m  *linkedhashmap.Map
}

func newThreadTable() *threadTable {
	return &threadTable{m: linkedhashmap.New()}
}

func (t *threadTable) get(tid int64) *threadRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.m.Get(tid)
	if !ok {
		return nil
	}
	return v.(*threadRecord)
}

func (t *threadTable) put(rec *threadRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.Put(rec.thread.TID(), rec)
}

// remove 只有表中记录仍是 rec 时才删除，避免误删复用了线程 id 的新线程
func (t *threadTable) remove(rec *threadRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.m.Get(rec.thread.TID()); ok && v == rec {
		t.m.Remove(rec.thread.TID())
	}
}

func (t *threadTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m.Size()
}

// list 按启动顺序返回全部线程记录
func (t *threadTable) list() []*threadRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := make([]*threadRecord, 0, t.m.Size())
	it := t.m.Iterator()
	for it.Next() {
		list = append(list, it.Value().(*threadRecord))
	}
	return list
}

// lookup 按线程对象查找记录
func (t *threadTable) lookup(th debugger.Thread) *threadRecord {
	if th == nil {
		return nil
	}
	rec := t.get(th.TID())
	if rec == nil || rec.thread != th {
		return nil
	}
	return rec
}
