package simvm

import (
	"sync"

	"github.com/fansqz/mono-debugger-agent/debugger"
	"go.uber.org/atomic"
)

// object 模拟堆上的对象
type object struct {
	class  *debugger.Type
	domain *debugger.Domain
	addr   int64

	mu     sync.Mutex
	fields map[*debugger.Field]debugger.Value
	// str 字符串内容
	str string
	// elems 数组元素，bounds 为每一维的长度与下界
	elems  []debugger.Value
	bounds []debugger.ArrayBound
	// boxed 装箱的值
	boxed debugger.Value
	// ref 类型对象或程序集对象指向的元数据
	typeRef     *debugger.Type
	assemblyRef *debugger.Assembly
}

func (o *object) Class() *debugger.Type {
	return o.class
}

func (o *object) Domain() *debugger.Domain {
	return o.domain
}

// heap 对象地址分配与存活表
type heap struct {
	mu       sync.Mutex
	nextAddr atomic.Int64
	live     map[int64]debugger.Object
	types    map[*debugger.Domain]map[*debugger.Type]*object
	asms     map[*debugger.Domain]map[*debugger.Assembly]*object
}

func newHeap() *heap {
	h := &heap{
		live:  map[int64]debugger.Object{},
		types: map[*debugger.Domain]map[*debugger.Type]*object{},
		asms:  map[*debugger.Domain]map[*debugger.Assembly]*object{},
	}
	h.nextAddr.Store(0x10000)
	return h
}

func (h *heap) alloc(d *debugger.Domain, class *debugger.Type) *object {
	o := &object{
		class:  class,
		domain: d,
		addr:   h.nextAddr.Add(0x20),
		fields: map[*debugger.Field]debugger.Value{},
	}
	h.mu.Lock()
	h.live[o.addr] = o
	h.mu.Unlock()
	return o
}

// allocAt 在指定地址分配对象，用于模拟地址复用
func (h *heap) allocAt(d *debugger.Domain, class *debugger.Type, addr int64) *object {
	o := &object{class: class, domain: d, addr: addr, fields: map[*debugger.Field]debugger.Value{}}
	h.mu.Lock()
	h.live[addr] = o
	h.mu.Unlock()
	return o
}

func (h *heap) isLive(o debugger.Object) bool {
	obj, ok := o.(*object)
	if !ok {
		// 线程对象永远存活
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live[obj.addr] == o
}

func (h *heap) collect(o debugger.Object) {
	obj, ok := o.(*object)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live[obj.addr] == o {
		delete(h.live, obj.addr)
	}
}

// weakHandle 对象被回收后 Target 返回 nil
type weakHandle struct {
	h      *heap
	target debugger.Object
	freed  atomic.Bool
}

func (w *weakHandle) Target() debugger.Object {
	if w.freed.Load() || !w.h.isLive(w.target) {
		return nil
	}
	return w.target
}

func (w *weakHandle) Free() {
	w.freed.Store(true)
}

// NewWeakHandle 创建弱引用
func (vm *VM) NewWeakHandle(o debugger.Object) debugger.WeakHandle {
	return &weakHandle{h: vm.heap, target: o}
}

// Collect 模拟回收一个对象
func (vm *VM) Collect(o debugger.Object) {
	vm.heap.collect(o)
}

// AllocAt 在一个已经被回收的地址上分配新对象
func (vm *VM) AllocAt(d *debugger.Domain, class *debugger.Type, addr int64) debugger.Object {
	return vm.heap.allocAt(d, class, addr)
}

func (vm *VM) ObjectAddress(o debugger.Object) int64 {
	switch obj := o.(type) {
	case *object:
		return obj.addr
	case *Thread:
		return obj.addr
	}
	return 0
}

func (vm *VM) FieldValue(o debugger.Object, f *debugger.Field) debugger.Value {
	obj, ok := o.(*object)
	if !ok {
		return debugger.Value{}
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.class.IsValueType {
		return fieldOf(obj.class, obj.boxed, f)
	}
	return obj.fields[f]
}

func (vm *VM) SetFieldValue(o debugger.Object, f *debugger.Field, v debugger.Value) {
	obj, ok := o.(*object)
	if !ok {
		return
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.class.IsValueType {
		for i, field := range obj.class.InstanceFields() {
			if field == f && i < len(obj.boxed.Fields) {
				obj.boxed.Fields[i] = v
			}
		}
		return
	}
	obj.fields[f] = v
}

// fieldOf 从值类型的值中取出字段
func fieldOf(t *debugger.Type, v debugger.Value, f *debugger.Field) debugger.Value {
	for i, field := range t.InstanceFields() {
		if field == f && i < len(v.Fields) {
			return v.Fields[i]
		}
	}
	return debugger.Value{}
}

func (vm *VM) StaticFieldValue(d *debugger.Domain, f *debugger.Field) debugger.Value {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.statics[staticKey{d, f}]
}

func (vm *VM) SetStaticFieldValue(d *debugger.Domain, f *debugger.Field, v debugger.Value) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.statics[staticKey{d, f}] = v
}

func (vm *VM) StringValue(o debugger.Object) (string, bool) {
	obj, ok := o.(*object)
	if !ok || obj.class != vm.b.String {
		return "", false
	}
	return obj.str, true
}

func (vm *VM) NewString(d *debugger.Domain, s string) debugger.Object {
	o := vm.heap.alloc(d, vm.b.String)
	o.str = s
	return o
}

func (vm *VM) NewObject(d *debugger.Domain, t *debugger.Type) debugger.Object {
	o := vm.heap.alloc(d, t)
	for _, f := range t.Fields {
		if !f.IsStatic() {
			o.fields[f] = debugger.Value{}
		}
	}
	return o
}

// NewArray 新建数组，bounds 为空时按一维零基数组处理
func (vm *VM) NewArray(d *debugger.Domain, t *debugger.Type, elems []debugger.Value, bounds ...debugger.ArrayBound) debugger.Object {
	o := vm.heap.alloc(d, t)
	o.elems = append([]debugger.Value(nil), elems...)
	if len(bounds) == 0 {
		bounds = []debugger.ArrayBound{{Length: len(elems)}}
	}
	o.bounds = bounds
	return o
}

func (vm *VM) Box(d *debugger.Domain, t *debugger.Type, v debugger.Value) debugger.Object {
	o := vm.heap.alloc(d, t)
	o.boxed = v
	return o
}

func (vm *VM) Unbox(o debugger.Object) debugger.Value {
	obj, ok := o.(*object)
	if !ok {
		return debugger.Value{}
	}
	return obj.boxed
}

func (vm *VM) ArrayBounds(o debugger.Object) []debugger.ArrayBound {
	obj, ok := o.(*object)
	if !ok {
		return nil
	}
	return obj.bounds
}

func (vm *VM) ArrayElements(o debugger.Object, index, n int) []debugger.Value {
	obj, ok := o.(*object)
	if !ok {
		return nil
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return append([]debugger.Value(nil), obj.elems[index:index+n]...)
}

func (vm *VM) SetArrayElements(o debugger.Object, index int, values []debugger.Value) {
	obj, ok := o.(*object)
	if !ok {
		return
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	copy(obj.elems[index:], values)
}

// TypeObject 每个域每个类型一个 System.Type 实例
func (vm *VM) TypeObject(d *debugger.Domain, t *debugger.Type) debugger.Object {
	vm.heap.mu.Lock()
	objs, ok := vm.heap.types[d]
	if !ok {
		objs = map[*debugger.Type]*object{}
		vm.heap.types[d] = objs
	}
	o, ok := objs[t]
	vm.heap.mu.Unlock()
	if ok {
		return o
	}
	o = vm.heap.alloc(d, vm.b.SystemType)
	o.typeRef = t
	vm.heap.mu.Lock()
	objs[t] = o
	vm.heap.mu.Unlock()
	return o
}

func (vm *VM) AssemblyObject(d *debugger.Domain, a *debugger.Assembly) debugger.Object {
	vm.heap.mu.Lock()
	objs, ok := vm.heap.asms[d]
	if !ok {
		objs = map[*debugger.Assembly]*object{}
		vm.heap.asms[d] = objs
	}
	o, ok := objs[a]
	vm.heap.mu.Unlock()
	if ok {
		return o
	}
	o = vm.heap.alloc(d, vm.b.Object)
	o.assemblyRef = a
	vm.heap.mu.Lock()
	objs[a] = o
	vm.heap.mu.Unlock()
	return o
}
