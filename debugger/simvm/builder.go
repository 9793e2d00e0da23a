package simvm

import (
	"fmt"
	"strings"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
)

// OpCode 模拟指令
type OpCode int

const (
	// OpNop 普通语句
	OpNop OpCode = iota
	// OpSetLocal locals[Index] = Eval() 或 Value
	OpSetLocal
	// OpSetStatic 静态字段 Field = Eval() 或 Value
	OpSetStatic
	// OpCall 调用 Method，参数为 Args，返回值存入 locals[Index]（Index < 0 时丢弃）
	OpCall
	// OpReturn 返回 Eval() 或 Value
	OpReturn
	// OpThrow 抛出 Class 类型的异常，Caught 表示本方法内有处理器
	OpThrow
	// OpNative 进入原生代码，等待 Gate 关闭
	OpNative
	// OpStartThread 以 Method 为入口启动名为 Name 的新线程
	OpStartThread
	// OpLoadAssembly 加载程序集 Assembly
	OpLoadAssembly
)

// Frame 求值函数看到的帧数据
type Frame struct {
	This   debugger.Value
	Args   []debugger.Value
	Locals []debugger.Value
}

// Instr 一条模拟指令，每条指令对应一个序列点
type Instr struct {
	Op       OpCode
	Line     int
	Index    int
	Value    debugger.Value
	Eval     func(f *Frame) debugger.Value
	Method   *debugger.Method
	Args     []debugger.Value
	Field    *debugger.Field
	Class    *debugger.Type
	Caught   bool
	Gate     <-chan struct{}
	Name     string
	Assembly *debugger.Assembly
	// LoaderLock OpNative 期间持有加载器锁
	LoaderLock bool
	// When 不为 nil 且返回 false 时跳过这条指令，序列点照常经过
	When func(f *Frame) bool
}

type methodBody struct {
	code []Instr
}

// Builder 构造模拟运行时的类型目录
type Builder struct {
	corlib   *debugger.Assembly
	app      *debugger.Assembly
	assembly []*debugger.Assembly
	bodies   map[*debugger.Method]*methodBody
	nextTok  int32

	types map[string]*debugger.Type

	Object, ValueType, Void, Boolean, Char, SByte, Byte, Int16, UInt16 *debugger.Type
	Int32, UInt32, Int64, UInt64, Single, Double, IntPtr, UIntPtr      *debugger.Type
	String, Array, Enum, Exception, ThreadAbortException, Thread       *debugger.Type
	SystemType, Environment, Attribute                                 *debugger.Type
	ExitMethod                                                         *debugger.Method
}

// NewBuilder 创建包含 corlib 基础类型的构造器
func NewBuilder() *Builder {
	b := &Builder{
		bodies:  map[*debugger.Method]*methodBody{},
		types:   map[string]*debugger.Type{},
		nextTok: 0x02000001,
	}
	b.corlib = b.NewAssembly("mscorlib", "/usr/lib/mono/4.5/mscorlib.dll")
	b.corlib.PublicKeyToken = "b77a5c561934e089"
	b.corlib.Major = 4

	c := b.corlib
	b.Object = b.Class(c, "System", "Object", nil)
	b.Object.ElementType = constants.ElementTypeObject
	b.ValueType = b.Class(c, "System", "ValueType", b.Object)
	b.ValueType.Flags |= constants.TypeAttributeAbstract
	b.Enum = b.Class(c, "System", "Enum", b.ValueType)
	b.Void = b.primitive("Void", constants.ElementTypeVoid, nil)
	b.Boolean = b.primitive("Boolean", constants.ElementTypeBoolean, nil)
	b.Char = b.primitive("Char", constants.ElementTypeChar, nil)
	b.SByte = b.primitive("SByte", constants.ElementTypeI1, nil)
	b.Byte = b.primitive("Byte", constants.ElementTypeU1, nil)
	b.Int16 = b.primitive("Int16", constants.ElementTypeI2, nil)
	b.UInt16 = b.primitive("UInt16", constants.ElementTypeU2, nil)
	b.Int32 = b.primitive("Int32", constants.ElementTypeI4, nil)
	b.UInt32 = b.primitive("UInt32", constants.ElementTypeU4, nil)
	b.Int64 = b.primitive("Int64", constants.ElementTypeI8, nil)
	b.UInt64 = b.primitive("UInt64", constants.ElementTypeU8, nil)
	b.Single = b.primitive("Single", constants.ElementTypeR4, nil)
	b.Double = b.primitive("Double", constants.ElementTypeR8, nil)
	ptr := &debugger.Type{Namespace: "System", Name: "Void*", FullName: "System.Void*",
		Assembly: c, Module: c.Module, ElementType: constants.ElementTypePtr, ElementClass: b.Void}
	b.IntPtr = b.primitive("IntPtr", constants.ElementTypeI, ptr)
	b.UIntPtr = b.primitive("UIntPtr", constants.ElementTypeU, ptr)
	b.String = b.Class(c, "System", "String", b.Object)
	b.String.ElementType = constants.ElementTypeString
	b.Array = b.Class(c, "System", "Array", b.Object)
	b.Array.Flags |= constants.TypeAttributeAbstract
	b.SystemType = b.Class(c, "System", "Type", b.Object)
	b.Attribute = b.Class(c, "System", "Attribute", b.Object)
	b.Exception = b.Class(c, "System", "Exception", b.Object)
	b.Field(b.Exception, "message", b.String, false)
	b.ThreadAbortException = b.Class(c, "System.Threading", "ThreadAbortException", b.Exception)
	b.Thread = b.Class(c, "System.Threading", "Thread", b.Object)
	b.Environment = b.Class(c, "System", "Environment", b.Object)
	b.ExitMethod = b.Method(b.Environment, "Exit", true, b.Void, b.Param("exitCode", b.Int32))
	b.Body(b.ExitMethod, Instr{Op: OpReturn})
	return b
}

// primitive 基础值类型都带一个 m_value 字段，按值类型编码时使用
func (b *Builder) primitive(name string, et constants.ElementType, valueType *debugger.Type) *debugger.Type {
	t := b.Class(b.corlib, "System", name, b.ValueType)
	t.ElementType = et
	t.IsValueType = true
	if et == constants.ElementTypeVoid {
		return t
	}
	if valueType == nil {
		valueType = t
	}
	b.Field(t, "m_value", valueType, false)
	return t
}

// Corlib 核心程序集
func (b *Builder) Corlib() *debugger.Assembly {
	return b.corlib
}

// NewAssembly 新建程序集以及它的清单模块
func (b *Builder) NewAssembly(name, location string) *debugger.Assembly {
	a := &debugger.Assembly{
		Name:     name,
		Location: location,
		Culture:  "",
	}
	base := location[strings.LastIndex(location, "/")+1:]
	a.Module = &debugger.Module{
		Name:               base,
		ScopeName:          base,
		FullyQualifiedName: location,
		GUID:               fmt.Sprintf("%08x-0000-0000-0000-000000000000", len(b.assembly)+1),
		Assembly:           a,
	}
	b.assembly = append(b.assembly, a)
	return a
}

// Class 新建引用类型
func (b *Builder) Class(a *debugger.Assembly, ns, name string, parent *debugger.Type) *debugger.Type {
	full := name
	if ns != "" {
		full = ns + "." + name
	}
	t := &debugger.Type{
		Namespace:   ns,
		Name:        name,
		FullName:    full,
		Assembly:    a,
		Module:      a.Module,
		Parent:      parent,
		Token:       b.token(),
		ElementType: constants.ElementTypeClass,
	}
	a.Types = append(a.Types, t)
	b.types[full] = t
	return t
}

// Struct 新建值类型
func (b *Builder) Struct(a *debugger.Assembly, ns, name string) *debugger.Type {
	t := b.Class(a, ns, name, b.ValueType)
	t.ElementType = constants.ElementTypeValueType
	t.IsValueType = true
	return t
}

// EnumType 新建枚举，底层类型为 underlying
func (b *Builder) EnumType(a *debugger.Assembly, ns, name string, underlying *debugger.Type) *debugger.Type {
	t := b.Class(a, ns, name, b.Enum)
	t.ElementType = constants.ElementTypeValueType
	t.IsValueType = true
	t.IsEnum = true
	b.Field(t, "value__", underlying, false)
	return t
}

// Nullable 构造 Nullable<T>
func (b *Builder) Nullable(arg *debugger.Type) *debugger.Type {
	name := "Nullable`1[" + arg.FullName + "]"
	if t, ok := b.types["System."+name]; ok {
		return t
	}
	t := b.Class(b.corlib, "System", name, b.ValueType)
	t.ElementType = constants.ElementTypeGenericInst
	t.IsValueType = true
	t.IsNullable = true
	t.TypeArgs = []*debugger.Type{arg}
	b.Field(t, "value", arg, false)
	b.Field(t, "has_value", b.Boolean, false)
	return t
}

// ArrayOf 构造数组类型，rank 为 1 时是零基一维数组
func (b *Builder) ArrayOf(elem *debugger.Type, rank int) *debugger.Type {
	suffix := "[]"
	et := constants.ElementTypeSzArray
	if rank > 1 {
		suffix = "[" + strings.Repeat(",", rank-1) + "]"
		et = constants.ElementTypeArray
	}
	if t, ok := b.types[elem.FullName+suffix]; ok {
		return t
	}
	t := &debugger.Type{
		Namespace:    elem.Namespace,
		Name:         elem.Name + suffix,
		FullName:     elem.FullName + suffix,
		Assembly:     elem.Assembly,
		Module:       elem.Module,
		Parent:       b.Array,
		ElementClass: elem,
		Rank:         rank,
		ElementType:  et,
	}
	b.types[t.FullName] = t
	return t
}

// Nest 把 inner 标记为 outer 的嵌套类型
func (b *Builder) Nest(outer, inner *debugger.Type) {
	outer.Nested = append(outer.Nested, inner)
}

// Param 构造参数
func (b *Builder) Param(name string, t *debugger.Type) *debugger.Param {
	return &debugger.Param{Name: name, Type: t}
}

// Method 新建方法
func (b *Builder) Method(t *debugger.Type, name string, static bool, ret *debugger.Type, params ...*debugger.Param) *debugger.Method {
	m := &debugger.Method{
		Name:          name,
		DeclaringType: t,
		Token:         b.token() | 0x06000000,
		ReturnType:    ret,
		Params:        params,
	}
	if static {
		m.Flags |= constants.MethodAttributeStatic
	} else {
		m.CallConv = 0x20
	}
	t.Methods = append(t.Methods, m)
	return m
}

// Local 声明局部变量
func (b *Builder) Local(m *debugger.Method, name string, t *debugger.Type) int {
	m.Locals = append(m.Locals, &debugger.LocalVar{Name: name, Type: t})
	return len(m.Locals) - 1
}

// Body 设置方法体并生成 IL 与行号表
// 每条指令占 2 个字节的 IL，第 i 条指令的 IL 偏移为 2*i
func (b *Builder) Body(m *debugger.Method, code ...Instr) {
	b.bodies[m] = &methodBody{code: code}
	m.Body = make([]byte, 2*len(code))
	for i, in := range code {
		m.Body[2*i] = byte(in.Op)
		m.Body[2*i+1] = byte(in.Line)
	}
	if m.DebugInfo == nil {
		return
	}
	m.DebugInfo.Lines = nil
	for i, in := range code {
		if in.Line > 0 {
			m.DebugInfo.Lines = append(m.DebugInfo.Lines, debugger.LineEntry{ILOffset: 2 * i, Line: in.Line})
		}
	}
}

// Source 为方法设置源文件，需在 Body 之前调用
func (b *Builder) Source(m *debugger.Method, file string) {
	m.DebugInfo = &debugger.MethodDebugInfo{SourceFile: file}
}

// Field 新建字段
func (b *Builder) Field(t *debugger.Type, name string, ft *debugger.Type, static bool) *debugger.Field {
	f := &debugger.Field{Name: name, Type: ft, Parent: t}
	if static {
		f.Attrs |= constants.FieldAttributeStatic
	}
	t.Fields = append(t.Fields, f)
	return f
}

// Property 新建属性
func (b *Builder) Property(t *debugger.Type, name string, get, set *debugger.Method) *debugger.Property {
	p := &debugger.Property{Name: name, Parent: t, Get: get, Set: set}
	t.Properties = append(t.Properties, p)
	return p
}

// App 用户程序集，第一次调用时创建
func (b *Builder) App() *debugger.Assembly {
	if b.app == nil {
		b.app = b.NewAssembly("App", "/app/App.exe")
	}
	return b.app
}

// Lookup 按全名查找已经定义的类型
func (b *Builder) Lookup(fullName string) *debugger.Type {
	return b.types[fullName]
}

func (b *Builder) token() int32 {
	b.nextTok++
	return b.nextTok
}
