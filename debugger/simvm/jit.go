package simvm

import (
	"sort"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
)

const (
	// prologueSize 入口序列点之后第一条指令的原生偏移
	prologueSize = 16
	// instrSize 每条模拟指令占用的原生字节数
	instrSize = 8
	// codeAlign 相邻两段代码之间的间隔
	codeAlign = 0x100
)

// nativeOffset 第 i 条指令的原生偏移
func nativeOffset(i int) int {
	return prologueSize + i*instrSize
}

// seqIndex 第 i 条指令对应的序列点下标（0 是方法入口）
func seqIndex(i int) int {
	return i + 1
}

// compile 为方法生成一份编译结果
// 序列点依次为：入口、每条指令、出口
func (vm *VM) compile(m *debugger.Method, d *debugger.Domain) *debugger.JitInfo {
	body := vm.b.bodies[m]
	n := 0
	if body != nil {
		n = len(body.code)
	}
	exit := n + 1
	points := make([]debugger.SeqPoint, 0, n+2)
	points = append(points, debugger.SeqPoint{ILOffset: constants.MethodEntryILOffset, NativeOffset: 0, Next: []int{1}})
	for i := 0; i < n; i++ {
		next := []int{seqIndex(i + 1)}
		if body.code[i].Op == OpReturn {
			next = []int{exit}
		}
		points = append(points, debugger.SeqPoint{ILOffset: 2 * i, NativeOffset: nativeOffset(i), Next: next})
	}
	points = append(points, debugger.SeqPoint{ILOffset: constants.MethodExitILOffset, NativeOffset: nativeOffset(n)})

	vm.jitMu.Lock()
	defer vm.jitMu.Unlock()
	ji := &debugger.JitInfo{
		Method:    m,
		Domain:    d,
		CodeStart: vm.nextCode,
		CodeSize:  nativeOffset(n) + instrSize,
		SeqPoints: &debugger.SeqPointInfo{Points: points},
	}
	vm.nextCode += uintptr((ji.CodeSize/codeAlign + 1) * codeAlign)
	return ji
}

// jit 返回方法在域中的编译结果，第一次编译时回调 JitDone
func (vm *VM) jit(t *Thread, m *debugger.Method, d *debugger.Domain) *debugger.JitInfo {
	vm.jitMu.RLock()
	ji, ok := vm.compiled[jitKey{d, m}]
	vm.jitMu.RUnlock()
	if ok {
		return ji
	}
	ji = vm.compile(m, d)
	vm.jitMu.Lock()
	if existing, ok := vm.compiled[jitKey{d, m}]; ok {
		vm.jitMu.Unlock()
		return existing
	}
	vm.compiled[jitKey{d, m}] = ji
	vm.code = append(vm.code, ji)
	vm.jitMu.Unlock()

	vm.hooks.JitDone(t, m, ji)
	return ji
}

// FindJitInfo 按地址查找编译结果，vm.code 按 CodeStart 递增
func (vm *VM) FindJitInfo(ip uintptr) *debugger.JitInfo {
	vm.jitMu.RLock()
	defer vm.jitMu.RUnlock()
	i := sort.Search(len(vm.code), func(i int) bool {
		return vm.code[i].CodeStart+uintptr(vm.code[i].CodeSize) > ip
	})
	if i < len(vm.code) && vm.code[i].Contains(ip) {
		return vm.code[i]
	}
	return nil
}

func (vm *VM) CompiledMethods(d *debugger.Domain) []*debugger.JitInfo {
	vm.jitMu.RLock()
	defer vm.jitMu.RUnlock()
	var list []*debugger.JitInfo
	for _, ji := range vm.code {
		if ji.Domain == d {
			list = append(list, ji)
		}
	}
	return list
}

func (vm *VM) InsertBreakpoint(ji *debugger.JitInfo, ip uintptr) {
	vm.jitMu.Lock()
	defer vm.jitMu.Unlock()
	vm.patches[ip] = true
}

func (vm *VM) RemoveBreakpoint(ji *debugger.JitInfo, ip uintptr) {
	vm.jitMu.Lock()
	defer vm.jitMu.Unlock()
	delete(vm.patches, ip)
}

// IsPatched ip 处是否有断点补丁
func (vm *VM) IsPatched(ip uintptr) bool {
	vm.jitMu.RLock()
	defer vm.jitMu.RUnlock()
	return vm.patches[ip]
}

func (vm *VM) StartSingleStepping() {
	vm.singleStep.Store(true)
}

func (vm *VM) StopSingleStepping() {
	vm.singleStep.Store(false)
}

// SingleStepping 全局单步陷阱是否打开
func (vm *VM) SingleStepping() bool {
	return vm.singleStep.Load()
}
