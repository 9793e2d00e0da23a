package agent

import (
	"context"
	"net"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	"github.com/fansqz/mono-debugger-agent/utils"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Agent 嵌入在运行时中的调试代理
// 一个运行时对应一个 Agent，运行时通过 debugger.Hooks 回调它，调试客户端通过一条连接向它发送命令
type Agent struct {
	cfg       *Config
	rt        debugger.Runtime
	sessionID string
	status    *utils.StatusManager
	ctx       context.Context
	cancel    context.CancelFunc

	// lock 全局调试锁：事件请求、断点、单步请求、加载事件队列以及线程记录中的调用状态
	// 持有 lock 时不能挂起，也不能发送报文
	lock        sync.Mutex
	requests    []*eventRequest
	breakpoints []*breakpoint
	// bpLocs 打了补丁的地址 -> 引用计数
	bpLocs *treemap.Map
	ss     *singleStepReq
	// domains 已加载的应用程序域，保持加载顺序
	domains *linkedhashset.Set
	// pendingAssemblyLoads 程序集加载事件推迟到下一次编译时发送
	pendingAssemblyLoads *linkedlistqueue.Queue
	pendingTypeLoads     []*debugger.Type
	// loadedClasses 已经发送过 TYPE_LOAD 的类型
	loadedClasses *hashset.Set

	threads *threadTable
	ids     *idRegistry
	objs    *objectRegistry

	// suspendMu 保护挂起计数以及线程记录中的挂起状态
	suspendMu     sync.Mutex
	suspendCond   *sync.Cond
	suspendedCond *sync.Cond
	suspendCount  int32

	ssCount   atomic.Int32
	frameID   atomic.Int32
	requestID atomic.Int32
	packetID  atomic.Int32

	inited               atomic.Bool
	vmStartSent          atomic.Bool
	vmDeathSent          atomic.Bool
	disconnected         atomic.Bool
	sendPendingTypeLoads atomic.Bool
	stopping             atomic.Bool
	// reattach 控制协程重新启动后需要重新等待客户端连接
	reattach atomic.Bool

	protocolMajor      atomic.Int32
	protocolMinor      atomic.Int32
	protocolVersionSet atomic.Bool

	transport *transport

	threadMu      sync.Mutex
	threadRunning bool
	threadExited  chan struct{}
}

// New 创建调试代理，需要再调用 Start，并把返回值设置为运行时的回调
func New(cfg *Config, rt debugger.Runtime) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:                  cfg,
		rt:                   rt,
		sessionID:            utils.GetUUID(),
		status:               utils.NewStatusManager(),
		ctx:                  ctx,
		cancel:               cancel,
		bpLocs:               treemap.NewWith(utils.UintptrComparator),
		domains:              linkedhashset.New(),
		pendingAssemblyLoads: linkedlistqueue.New(),
		loadedClasses:        hashset.New(),
		threads:              newThreadTable(),
		ids:                  newIDRegistry(),
		objs:                 newObjectRegistry(rt),
		transport:            newTransport(cfg),
	}
	a.suspendCond = sync.NewCond(&a.suspendMu)
	a.suspendedCond = sync.NewCond(&a.suspendMu)
	a.protocolMajor.Store(constants.MajorVersion)
	a.protocolMinor.Store(constants.MinorVersion)
	logrus.Infof("[Agent] New session %s, transport=%s address=%s server=%v suspend=%v defer=%v",
		a.sessionID, cfg.Transport, cfg.Address, cfg.Server, cfg.Suspend, cfg.Defer)
	return a
}

// Start 运行时启动时调用
// 即时调试模式下推迟到第一个匹配的异常才建立连接，否则立即建立连接（服务端模式会阻塞到客户端连接）
func (a *Agent) Start() error {
	a.disconnected.Store(true)
	if a.cfg.JitDebugging() {
		logrus.Infof("[Agent] Waiting for an exception before connecting (onuncaught=%v onthrow=%v).", a.cfg.OnUncaught, a.cfg.OnThrow)
		return nil
	}
	return a.finishInit(true)
}

// finishInit 建立连接，只执行一次
// onStartup 为 false 表示由异常触发，此时不会再发送 VM_START
func (a *Agent) finishInit(onStartup bool) error {
	if !a.inited.CompareAndSwap(false, true) {
		return nil
	}
	if a.cfg.Launch != "" {
		if err := a.launchClient(); err != nil {
			return err
		}
	}
	if err := a.transportConnect(); err != nil {
		logrus.Errorf("[Agent] transport connect fail, err = %v", err)
		return err
	}
	if !onStartup {
		a.vmStartSent.Store(true)
		a.startDebuggerThread()
	}
	return nil
}

// Stop 关闭连接并等待控制协程退出，运行时退出时调用
func (a *Agent) Stop() {
	if !a.stopping.CompareAndSwap(false, true) {
		return
	}
	logrus.Infof("[Agent] Stopping session %s.", a.sessionID)
	a.threadMu.Lock()
	running, exited := a.threadRunning, a.threadExited
	a.threadMu.Unlock()

	// 先关闭读方向，让控制协程从读取中返回
	a.transport.shutdownRead()
	if running {
		<-exited
	}
	a.transport.close()
	a.cancel()
	a.status.Set(utils.Finish)
}

// Addr 服务端模式下监听的地址，尚未监听时返回 nil
func (a *Agent) Addr() net.Addr {
	return a.transport.addr()
}

// SessionID 会话 id，用于区分日志
func (a *Agent) SessionID() string {
	return a.sessionID
}

// Status 当前连接状态
func (a *Agent) Status() string {
	return a.status.Get()
}

// domainList 调用方持有 a.lock
func (a *Agent) domainList() []*debugger.Domain {
	list := make([]*debugger.Domain, 0, a.domains.Size())
	for _, v := range a.domains.Values() {
		list = append(list, v.(*debugger.Domain))
	}
	return list
}

func (a *Agent) domainID(d *debugger.Domain) int32 {
	return a.ids.get(d, constants.IDKindDomain, d)
}

func (a *Agent) assemblyID(d *debugger.Domain, asm *debugger.Assembly) int32 {
	return a.ids.get(d, constants.IDKindAssembly, asm)
}

func (a *Agent) moduleID(d *debugger.Domain, m *debugger.Module) int32 {
	return a.ids.get(d, constants.IDKindModule, m)
}

func (a *Agent) typeID(d *debugger.Domain, t *debugger.Type) int32 {
	return a.ids.get(d, constants.IDKindType, t)
}

func (a *Agent) methodID(d *debugger.Domain, m *debugger.Method) int32 {
	return a.ids.get(d, constants.IDKindMethod, m)
}

func (a *Agent) fieldID(d *debugger.Domain, f *debugger.Field) int32 {
	return a.ids.get(d, constants.IDKindField, f)
}

func (a *Agent) propertyID(d *debugger.Domain, p *debugger.Property) int32 {
	return a.ids.get(d, constants.IDKindProperty, p)
}
