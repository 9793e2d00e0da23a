package agent

import (
	"github.com/fansqz/mono-debugger-agent/debugger"
	"github.com/sirupsen/logrus"
)

// breakpointInstance 断点在一份编译结果中的位置
type breakpointInstance struct {
	il     int
	native int
	ip     uintptr
	ji     *debugger.JitInfo
	domain *debugger.Domain
}

// breakpoint 一个逻辑断点，method 为 nil 时匹配所有方法
// 每个匹配方法的每份编译结果对应一个实例
type breakpoint struct {
	method    *debugger.Method
	il        int
	req       *eventRequest
	instances []*breakpointInstance
}

// matchesMethod 泛型方法的所有实例共享泛型定义上的断点
func (bp *breakpoint) matchesMethod(m *debugger.Method) bool {
	return bp.method == nil || bp.method.Declaring() == m.Declaring()
}

// matchesAssembly method 为 nil 的断点不属于任何程序集
func (bp *breakpoint) matchesAssembly(asm *debugger.Assembly) bool {
	return bp.method != nil && bp.method.DeclaringType.Assembly == asm
}

// setBreakpoint 在方法的 il 处设置断点，已经编译的方法立即打补丁，之后编译的方法在 JitDone 中补上
func (a *Agent) setBreakpoint(method *debugger.Method, il int, req *eventRequest) *breakpoint {
	bp := &breakpoint{method: method, il: il, req: req}
	name := "<all>"
	if method != nil {
		name = method.DeclaringType.FullName + ":" + method.Name
	}
	logrus.Debugf("[Agent] Setting breakpoint at %s:0x%x.", name, il)

	a.lock.Lock()
	defer a.lock.Unlock()
	for _, d := range a.domainList() {
		for _, ji := range a.rt.CompiledMethods(d) {
			if bp.matchesMethod(ji.Method) {
				a.insertBreakpoint(d, ji, bp)
			}
		}
	}
	a.breakpoints = append(a.breakpoints, bp)
	return bp
}

// insertBreakpoint 调用方持有 a.lock
// 断点落在第一个 IL 偏移不小于 bp.il 的序列点上，同一地址第一次使用时才打补丁
func (a *Agent) insertBreakpoint(d *debugger.Domain, ji *debugger.JitInfo, bp *breakpoint) {
	sp, ok := findSeqPointAtOrAfter(ji, bp.il)
	if !ok {
		logrus.Warnf("[Agent] Unable to insert breakpoint at %s:%d, seq_points=%d", ji.Method.Name, bp.il, len(ji.SeqPoints.Points))
		return
	}
	inst := &breakpointInstance{
		il:     sp.ILOffset,
		native: sp.NativeOffset,
		ip:     ji.CodeStart + uintptr(sp.NativeOffset),
		ji:     ji,
		domain: d,
	}
	bp.instances = append(bp.instances, inst)

	count := 0
	if v, found := a.bpLocs.Get(inst.ip); found {
		count = v.(int)
	}
	a.bpLocs.Put(inst.ip, count+1)
	if count == 0 {
		a.rt.InsertBreakpoint(ji, inst.ip)
	}
	logrus.Debugf("[Agent] Inserted breakpoint at %s:0x%x.", ji.Method.Name, sp.ILOffset)
}

// removeBreakpoint 调用方持有 a.lock，地址的引用计数归零时撤销补丁
func (a *Agent) removeBreakpoint(inst *breakpointInstance) {
	v, found := a.bpLocs.Get(inst.ip)
	if !found {
		logrus.Errorf("[Agent] breakpoint location 0x%x is not patched", inst.ip)
		return
	}
	count := v.(int)
	if count == 1 {
		a.bpLocs.Remove(inst.ip)
		a.rt.RemoveBreakpoint(inst.ji, inst.ip)
		return
	}
	a.bpLocs.Put(inst.ip, count-1)
}

// clearBreakpoint 调用方持有 a.lock
func (a *Agent) clearBreakpoint(bp *breakpoint) {
	for _, inst := range bp.instances {
		a.removeBreakpoint(inst)
	}
	bp.instances = nil
	for i, b := range a.breakpoints {
		if b == bp {
			a.breakpoints = append(a.breakpoints[:i], a.breakpoints[i+1:]...)
			break
		}
	}
}

// clearBreakpointsForDomain 域卸载时移除这个域中的断点实例
func (a *Agent) clearBreakpointsForDomain(d *debugger.Domain) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, bp := range a.breakpoints {
		kept := bp.instances[:0]
		for _, inst := range bp.instances {
			if inst.domain == d {
				a.removeBreakpoint(inst)
				continue
			}
			kept = append(kept, inst)
		}
		bp.instances = kept
	}
}

// addPendingBreakpoints 新编译的方法补上已经设置的断点
func (a *Agent) addPendingBreakpoints(m *debugger.Method, ji *debugger.JitInfo) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, bp := range a.breakpoints {
		if !bp.matchesMethod(m) {
			continue
		}
		found := false
		for _, inst := range bp.instances {
			if inst.ji == ji {
				found = true
				break
			}
		}
		if !found && ji.SeqPoints != nil {
			a.insertBreakpoint(ji.Domain, ji, bp)
		}
	}
}

// patchedLocations 当前打了补丁的地址数
func (a *Agent) patchedLocations() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.bpLocs.Size()
}
