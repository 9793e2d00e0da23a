package agent

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	"github.com/fansqz/mono-debugger-agent/debugger/simvm"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"github.com/fansqz/mono-debugger-agent/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

// testEvent composite 事件中的第一个事件
type testEvent struct {
	policy constants.SuspendPolicy
	kind   constants.EventKind
	reqID  int32
	thread int32
	d      *protocol.Decoder
}

// testHelper 扮演调试客户端：监听端口，代理以客户端模式连接过来
type testHelper struct {
	t     *testing.T
	demo  *simvm.Demo
	agent *Agent
	conn  net.Conn

	mu      sync.Mutex
	nextID  int32
	replies map[int32]chan *protocol.Packet
	eventCh chan *protocol.Packet
	exitCh  chan int
}

func newTestHelper(t *testing.T, iterations int) *testHelper {
	return newTestHelperFor(t, simvm.NewDemo(iterations))
}

func newTestHelperFor(t *testing.T, demo *simvm.Demo) *testHelper {
	return &testHelper{
		t:       t,
		demo:    demo,
		replies: map[int32]chan *protocol.Packet{},
		eventCh: make(chan *protocol.Packet, 16),
		exitCh:  make(chan int, 1),
	}
}

// setup 建立连接并在后台运行演示程序
func (h *testHelper) setup() {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(h.t, err)
	defer l.Close()

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(connCh)
			return
		}
		if err = protocol.Handshake(conn, testTimeout); err != nil {
			_ = conn.Close()
			close(connCh)
			return
		}
		connCh <- conn
	}()

	cfg := DefaultConfig()
	cfg.Address = l.Addr().String()
	cfg.Timeout = int(testTimeout / time.Millisecond)
	h.agent = New(cfg, h.demo.VM)
	h.demo.VM.SetHooks(h.agent)
	require.NoError(h.t, h.agent.Start())

	conn, ok := <-connCh
	require.True(h.t, ok, "handshake failed")
	h.conn = conn
	go h.readLoop()
	go func() {
		h.exitCh <- h.demo.Run()
	}()
}

func (h *testHelper) cleanup() {
	if h.conn != nil {
		_ = h.conn.Close()
	}
}

func (h *testHelper) readLoop() {
	for {
		p, err := protocol.ReadPacket(h.conn)
		if err != nil {
			close(h.eventCh)
			return
		}
		if !p.IsReply() {
			h.eventCh <- p
			continue
		}
		h.mu.Lock()
		ch := h.replies[p.ID]
		delete(h.replies, p.ID)
		h.mu.Unlock()
		if ch != nil {
			ch <- p
		}
	}
}

// sendAsync 发送命令，返回报文 id，回复稍后从返回的 channel 中取
func (h *testHelper) sendAsync(set constants.CommandSet, cmd byte, buf *protocol.Buffer) (int32, <-chan *protocol.Packet) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	ch := make(chan *protocol.Packet, 1)
	h.replies[id] = ch
	h.mu.Unlock()

	var data []byte
	if buf != nil {
		data = buf.Bytes()
	}
	require.NoError(h.t, protocol.WriteCommand(h.conn, id, set, cmd, data))
	return id, ch
}

// send 发送命令并等待回复
func (h *testHelper) send(set constants.CommandSet, cmd byte, buf *protocol.Buffer) *protocol.Packet {
	_, ch := h.sendAsync(set, cmd, buf)
	return h.waitForReply(ch, constants.CommandName(set, cmd))
}

func (h *testHelper) waitForReply(ch <-chan *protocol.Packet, name string) *protocol.Packet {
	select {
	case p := <-ch:
		return p
	case <-time.After(testTimeout):
		h.t.Fatalf("no reply for %s", name)
	}
	return nil
}

// call 发送命令，要求回复成功，返回回复负载的解码器
func (h *testHelper) call(set constants.CommandSet, cmd byte, buf *protocol.Buffer) *protocol.Decoder {
	p := h.send(set, cmd, buf)
	require.Equal(h.t, constants.ErrNone, p.ErrorCode, constants.CommandName(set, cmd))
	return protocol.NewDecoder(p.Data)
}

// waitForEvent 等待并验证事件
func (h *testHelper) waitForEvent(expected constants.EventKind) *testEvent {
	select {
	case p, ok := <-h.eventCh:
		require.True(h.t, ok, "connection closed while waiting for %s", expected)
		require.Equal(h.t, constants.CommandSetEvent, p.CommandSet)
		require.Equal(h.t, constants.CmdComposite, p.Command)
		d := protocol.NewDecoder(p.Data)
		ev := &testEvent{policy: constants.SuspendPolicy(d.Byte())}
		require.GreaterOrEqual(h.t, d.Int(), int32(1))
		ev.kind = constants.EventKind(d.Byte())
		ev.reqID = d.Int()
		ev.thread = d.ID()
		ev.d = d
		require.NoError(h.t, d.Err())
		assert.Equal(h.t, expected, ev.kind)
		return ev
	case <-time.After(testTimeout):
		h.t.Fatalf("timed out waiting for %s", expected)
	}
	return nil
}

func (h *testHelper) waitForExit() int {
	select {
	case code := <-h.exitCh:
		return code
	case <-time.After(testTimeout):
		h.t.Fatal("program did not exit")
	}
	return -1
}

func (h *testHelper) resume() {
	h.call(constants.CommandSetVM, constants.CmdVMResume, nil)
}

// setEventRequest 注册事件请求，返回请求 id
func (h *testHelper) setEventRequest(kind constants.EventKind, policy constants.SuspendPolicy, mods ...*protocol.Buffer) int32 {
	return h.call(constants.CommandSetEventRequest, constants.CmdEventRequestSet, eventRequestBuffer(kind, policy, mods...)).Int()
}

func (h *testHelper) clearEventRequest(kind constants.EventKind, id int32) {
	buf := protocol.NewBuffer(8)
	buf.AddByte(byte(kind))
	buf.AddInt(id)
	h.call(constants.CommandSetEventRequest, constants.CmdEventRequestClear, buf)
}

// methodID 演示程序都在根域中运行
func (h *testHelper) methodID(m *debugger.Method) int32 {
	return h.agent.methodID(h.demo.VM.RootDomain(), m)
}

// testFrame GET_FRAME_INFO 返回的一个栈帧
type testFrame struct {
	method int32
	il     int32
	flags  byte
}

func (h *testHelper) frames(thread int32) []testFrame {
	buf := idBuffer(thread)
	buf.AddInt(0)
	buf.AddInt(-1)
	d := h.call(constants.CommandSetThread, constants.CmdThreadGetFrameInfo, buf)
	n := d.Int()
	frames := make([]testFrame, 0, n)
	for i := int32(0); i < n; i++ {
		_ = d.Int()
		f := testFrame{method: d.ID(), il: d.Int(), flags: d.Byte()}
		frames = append(frames, f)
	}
	require.NoError(h.t, d.Err())
	return frames
}

func eventRequestBuffer(kind constants.EventKind, policy constants.SuspendPolicy, mods ...*protocol.Buffer) *protocol.Buffer {
	buf := protocol.NewBuffer(32)
	buf.AddByte(byte(kind))
	buf.AddByte(byte(policy))
	buf.AddByte(byte(len(mods)))
	for _, mod := range mods {
		buf.AddData(mod.Bytes())
	}
	return buf
}

func locationMod(method int32, il int64) *protocol.Buffer {
	buf := protocol.NewBuffer(16)
	buf.AddByte(byte(constants.ModKindLocationOnly))
	buf.AddID(method)
	buf.AddLong(il)
	return buf
}

func stepMod(thread int32, size constants.StepSize, depth constants.StepDepth) *protocol.Buffer {
	buf := protocol.NewBuffer(16)
	buf.AddByte(byte(constants.ModKindStep))
	buf.AddID(thread)
	buf.AddInt(int32(size))
	buf.AddInt(int32(depth))
	return buf
}

func countMod(count int32) *protocol.Buffer {
	buf := protocol.NewBuffer(8)
	buf.AddByte(byte(constants.ModKindCount))
	buf.AddInt(count)
	return buf
}

func exceptionMod(class int32, caught, uncaught bool) *protocol.Buffer {
	buf := protocol.NewBuffer(8)
	buf.AddByte(byte(constants.ModKindExceptionOnly))
	buf.AddID(class)
	buf.AddBool(caught)
	buf.AddBool(uncaught)
	return buf
}

func idBuffer(ids ...int32) *protocol.Buffer {
	buf := protocol.NewBuffer(16)
	for _, id := range ids {
		buf.AddID(id)
	}
	return buf
}

// TestDebugSession 启动挂起、设置断点、查看栈帧、继续运行到退出
func TestDebugSession(t *testing.T) {
	h := newTestHelper(t, 1)
	defer h.cleanup()
	h.setup()

	start := h.waitForEvent(constants.EventKindVMStart)
	assert.Equal(t, constants.SuspendPolicyAll, start.policy)
	assert.Equal(t, constants.EventRequestIDAny, start.reqID)
	assert.NotZero(t, start.thread)
	assert.NotZero(t, start.d.ID())

	assert.Equal(t, utils.Attached, h.agent.Status())

	// 版本
	d := h.call(constants.CommandSetVM, constants.CmdVMVersion, nil)
	assert.Contains(t, d.Str(), "mono ")
	assert.Equal(t, int32(constants.MajorVersion), d.Int())
	assert.Equal(t, int32(constants.MinorVersion), d.Int())

	d = h.call(constants.CommandSetVM, constants.CmdVMAllThreads, nil)
	n := d.Int()
	threads := make([]int32, 0, n)
	for i := int32(0); i < n; i++ {
		threads = append(threads, d.ID())
	}
	assert.Contains(t, threads, start.thread)

	d = h.call(constants.CommandSetThread, constants.CmdThreadGetName, idBuffer(start.thread))
	assert.Equal(t, "Main Thread", d.Str())

	// 在 Add 的入口设置断点
	root := h.demo.VM.RootDomain()
	addID := h.agent.methodID(root, h.demo.Add)
	mainID := h.agent.methodID(root, h.demo.Main)
	buf := protocol.NewBuffer(32)
	buf.AddByte(byte(constants.EventKindBreakpoint))
	buf.AddByte(byte(constants.SuspendPolicyAll))
	buf.AddByte(1)
	buf.AddByte(byte(constants.ModKindLocationOnly))
	buf.AddID(addID)
	buf.AddLong(0)
	reqID := h.call(constants.CommandSetEventRequest, constants.CmdEventRequestSet, buf).Int()
	assert.NotZero(t, reqID)

	h.call(constants.CommandSetVM, constants.CmdVMResume, nil)

	bp := h.waitForEvent(constants.EventKindBreakpoint)
	assert.Equal(t, constants.SuspendPolicyAll, bp.policy)
	assert.Equal(t, reqID, bp.reqID)
	assert.Equal(t, start.thread, bp.thread)
	assert.Equal(t, addID, bp.d.ID())
	assert.Equal(t, int64(0), bp.d.Long())

	// 栈帧：Add <- Main
	buf = idBuffer(bp.thread)
	buf.AddInt(0)
	buf.AddInt(-1)
	d = h.call(constants.CommandSetThread, constants.CmdThreadGetFrameInfo, buf)
	nframes := d.Int()
	require.GreaterOrEqual(t, nframes, int32(2))
	methods := make([]int32, 0, nframes)
	for i := int32(0); i < nframes; i++ {
		_ = d.Int()
		methods = append(methods, d.ID())
		_ = d.Int()
		_ = d.Byte()
	}
	require.NoError(t, d.Err())
	assert.Equal(t, []int32{addID, mainID}, methods[:2])

	d = h.call(constants.CommandSetMethod, constants.CmdMethodGetName, idBuffer(addID))
	assert.Equal(t, "Add", d.Str())

	// 线程对象存活，未知 id 视为已回收
	d = h.call(constants.CommandSetObjectRef, constants.CmdObjectRefIsCollected, idBuffer(bp.thread))
	assert.Equal(t, int32(0), d.Int())
	d = h.call(constants.CommandSetObjectRef, constants.CmdObjectRefIsCollected, idBuffer(9999))
	assert.Equal(t, int32(1), d.Int())

	// 错误的 id 返回错误码，连接保持可用
	p := h.send(constants.CommandSetMethod, constants.CmdMethodGetName, idBuffer(0))
	assert.Equal(t, constants.ErrInvalidArgument, p.ErrorCode)
	assert.Empty(t, p.Data)

	buf = protocol.NewBuffer(8)
	buf.AddByte(byte(constants.EventKindBreakpoint))
	buf.AddInt(reqID)
	h.call(constants.CommandSetEventRequest, constants.CmdEventRequestClear, buf)
	assert.Equal(t, 0, h.agent.patchedLocations())

	h.call(constants.CommandSetVM, constants.CmdVMResume, nil)
	h.waitForEvent(constants.EventKindVMDeath)
	assert.Equal(t, 0, h.waitForExit())
}
