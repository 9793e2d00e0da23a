package debugger

import (
	"math"

	"github.com/fansqz/mono-debugger-agent/constants"
)

// Domain 应用程序域
type Domain struct {
	Name          string
	EntryAssembly *Assembly
	Corlib        *Assembly
}

// Assembly 程序集
type Assembly struct {
	Name           string
	Major          int
	Minor          int
	Build          int
	Revision       int
	Culture        string
	PublicKeyToken string
	Retargetable   bool
	// Location 程序集文件路径
	Location string
	Dynamic  bool
	// EntryPoint 入口方法，没有时为 nil
	EntryPoint *Method
	// Module 清单模块
	Module *Module
	Types  []*Type
}

// Module 模块
type Module struct {
	Name               string
	ScopeName          string
	FullyQualifiedName string
	GUID               string
	Assembly           *Assembly
}

// Type 类型元数据
type Type struct {
	Namespace string
	Name      string
	FullName  string
	Assembly  *Assembly
	Module    *Module
	Parent    *Type
	// ElementClass 数组和指针的元素类型
	ElementClass *Type
	Token        int32
	Rank         int
	Flags        int32
	// ElementType 值的线上标签
	ElementType constants.ElementType
	IsValueType bool
	IsEnum      bool
	// IsNullable Nullable<T>，字段布局固定为 [value, has_value]
	IsNullable bool
	TypeArgs   []*Type
	Nested     []*Type
	Methods    []*Method
	Fields     []*Field
	Properties []*Property
	Attributes []*CustomAttribute
}

// IsReference 值以对象引用的形式传递
func (t *Type) IsReference() bool {
	switch t.ElementType {
	case constants.ElementTypeString, constants.ElementTypeSzArray, constants.ElementTypeClass,
		constants.ElementTypeArray, constants.ElementTypeObject:
		return true
	case constants.ElementTypeGenericInst:
		return !t.IsValueType
	}
	return false
}

// IsAbstract 抽象类型不能直接实例化
func (t *Type) IsAbstract() bool {
	return t.Flags&constants.TypeAttributeAbstract != 0
}

// InstanceFields 参与值类型编码的字段：非静态、未删除
func (t *Type) InstanceFields() []*Field {
	fields := make([]*Field, 0, len(t.Fields))
	for _, f := range t.Fields {
		if f.IsStatic() || f.Deleted {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// HasParent t 就是 parent 或者 parent 的子类
func (t *Type) HasParent(parent *Type) bool {
	for k := t; k != nil; k = k.Parent {
		if k == parent {
			return true
		}
	}
	return false
}

// Param 方法参数
type Param struct {
	Name string
	Type *Type
}

// LocalVar 局部变量
type LocalVar struct {
	Name string
	Type *Type
	// ScopeStart/ScopeEnd IL 作用域，HasScope 为 false 时覆盖整个方法体
	ScopeStart int
	ScopeEnd   int
	HasScope   bool
}

// LineEntry IL 偏移与源码行的对应
type LineEntry struct {
	ILOffset int
	Line     int
}

// MethodDebugInfo 方法的符号信息
type MethodDebugInfo struct {
	SourceFile string
	Lines      []LineEntry
}

// LineFor 返回 IL 偏移所在的源码行，找不到时 ok 为 false
func (d *MethodDebugInfo) LineFor(il int) (line int, ok bool) {
	if d == nil {
		return 0, false
	}
	best := -1
	for i, entry := range d.Lines {
		if entry.ILOffset <= il && (best == -1 || entry.ILOffset >= d.Lines[best].ILOffset) {
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}
	return d.Lines[best].Line, true
}

// Method 方法元数据
type Method struct {
	Name          string
	DeclaringType *Type
	Flags         int32
	ImplFlags     int32
	Token         int32
	CallConv      int32
	ReturnType    *Type
	Params        []*Param
	Locals        []*LocalVar
	// Body IL 字节，nil 表示方法没有方法体
	Body      []byte
	DebugInfo *MethodDebugInfo
	// GenericParamCount 泛型参数个数
	GenericParamCount int
	// IsGenericDefinition 未实例化的泛型方法
	IsGenericDefinition bool
	// GenericDefinition 实例化方法对应的泛型定义
	GenericDefinition *Method
	// IsWrapper 运行时生成的包装方法，断点和单步会跳过
	IsWrapper bool
}

// IsStatic 静态方法没有 this
func (m *Method) IsStatic() bool {
	return m.Flags&constants.MethodAttributeStatic != 0
}

// IsConstructor 实例构造函数
func (m *Method) IsConstructor() bool {
	return m.Name == ".ctor"
}

// Declaring 泛型实例化方法返回其定义，其它情况返回自身
func (m *Method) Declaring() *Method {
	if m.GenericDefinition != nil {
		return m.GenericDefinition
	}
	return m
}

// Field 字段元数据
type Field struct {
	Name   string
	Type   *Type
	Parent *Type
	Attrs  int32
	// SpecialStatic 线程/上下文相关的静态字段，调试器不支持读写
	SpecialStatic bool
	Deleted       bool
	Attributes    []*CustomAttribute
}

func (f *Field) IsStatic() bool {
	return f.Attrs&constants.FieldAttributeStatic != 0
}

// Property 属性元数据
type Property struct {
	Name       string
	Parent     *Type
	Get        *Method
	Set        *Method
	Attrs      int32
	Attributes []*CustomAttribute
}

// CustomAttribute 自定义特性实例
type CustomAttribute struct {
	Ctor      *Method
	TypedArgs []Value
	NamedArgs []NamedArg
}

// NamedArg 自定义特性的命名参数，Property 与 Field 二者之一非空
type NamedArg struct {
	Property *Property
	Field    *Field
	Type     *Type
	Value    Value
}

// Value 一个运行时值
// 基础类型保存在 Bits，引用类型保存在 Ref，值类型按实例字段顺序保存在 Fields
type Value struct {
	Bits   uint64
	Ref    Object
	Fields []Value
	// TypeRef 仅用于自定义特性中的 System.Type 参数
	TypeRef *Type
}

func IntValue(v int64) Value {
	return Value{Bits: uint64(v)}
}

func BoolValue(v bool) Value {
	if v {
		return Value{Bits: 1}
	}
	return Value{}
}

func Float64Value(v float64) Value {
	return Value{Bits: math.Float64bits(v)}
}

func Float32Value(v float32) Value {
	return Value{Bits: uint64(math.Float32bits(v))}
}

func RefValue(o Object) Value {
	return Value{Ref: o}
}

func StructValue(fields ...Value) Value {
	return Value{Fields: fields}
}

// NullableValue 构造 Nullable<T> 的值
func NullableValue(v Value, hasValue bool) Value {
	return Value{Fields: []Value{v, BoolValue(hasValue)}}
}

// Int 有符号整数视图
func (v Value) Int() int64 {
	return int64(v.Bits)
}

// Bool 布尔视图
func (v Value) Bool() bool {
	return v.Bits != 0
}

// Context 线程执行上下文
type Context struct {
	IP uintptr
	SP uintptr
}

// SeqPoint 序列点：调试器可以停下的位置
type SeqPoint struct {
	ILOffset     int
	NativeOffset int
	// Next 后继序列点在 SeqPointInfo.Points 中的下标
	Next []int
}

// SeqPointInfo 一个已编译方法的全部序列点，按 NativeOffset 升序
type SeqPointInfo struct {
	Points []SeqPoint
}

// JitInfo 方法在某个域中的一次编译结果
type JitInfo struct {
	Method    *Method
	Domain    *Domain
	CodeStart uintptr
	CodeSize  int
	SeqPoints *SeqPointInfo
}

// Contains ip 是否落在这段代码中
func (j *JitInfo) Contains(ip uintptr) bool {
	return ip >= j.CodeStart && ip < j.CodeStart+uintptr(j.CodeSize)
}

// FrameKind 栈回溯时的帧类型
type FrameKind int

const (
	// FrameManaged 托管代码帧
	FrameManaged FrameKind = iota
	// FrameDebuggerInvoke 调试器发起的调用边界
	FrameDebuggerInvoke
	// FrameNative 非托管帧
	FrameNative
)

// FrameInfo 栈回溯产生的一帧
type FrameInfo struct {
	Kind    FrameKind
	Method  *Method
	Domain  *Domain
	JitInfo *JitInfo
	// ILOffset -1 表示未知，调用方根据 NativeOffset 计算
	ILOffset     int
	NativeOffset int
	Ctx          Context
}

// ArrayBound 数组的一维
type ArrayBound struct {
	Length     int
	LowerBound int
}

// TokenResult 元数据 token 的解析结果
type TokenResult struct {
	Kind   constants.TokenType
	Str    string
	Type   *Type
	Field  *Field
	Method *Method
}
