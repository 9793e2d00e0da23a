package constants

import "fmt"

// ElementType 类型在线上的标签，同时也是运行时类型系统的基本分类
type ElementType byte

const (
	ElementTypeEnd         ElementType = 0x00
	ElementTypeVoid        ElementType = 0x01
	ElementTypeBoolean     ElementType = 0x02
	ElementTypeChar        ElementType = 0x03
	ElementTypeI1          ElementType = 0x04
	ElementTypeU1          ElementType = 0x05
	ElementTypeI2          ElementType = 0x06
	ElementTypeU2          ElementType = 0x07
	ElementTypeI4          ElementType = 0x08
	ElementTypeU4          ElementType = 0x09
	ElementTypeI8          ElementType = 0x0a
	ElementTypeU8          ElementType = 0x0b
	ElementTypeR4          ElementType = 0x0c
	ElementTypeR8          ElementType = 0x0d
	ElementTypeString      ElementType = 0x0e
	ElementTypePtr         ElementType = 0x0f
	ElementTypeByRef       ElementType = 0x10
	ElementTypeValueType   ElementType = 0x11
	ElementTypeClass       ElementType = 0x12
	ElementTypeVar         ElementType = 0x13
	ElementTypeArray       ElementType = 0x14
	ElementTypeGenericInst ElementType = 0x15
	ElementTypeI           ElementType = 0x18
	ElementTypeU           ElementType = 0x19
	ElementTypeObject      ElementType = 0x1c
	ElementTypeSzArray     ElementType = 0x1d
	ElementTypeMVar        ElementType = 0x1e
)

func (t ElementType) String() string {
	return fmt.Sprintf("ELEMENT_TYPE(0x%02x)", byte(t))
}

// IsPrimitive 基础数值类型（含 IntPtr/UIntPtr）
func (t ElementType) IsPrimitive() bool {
	return (t >= ElementTypeBoolean && t <= ElementTypeR8) || t == ElementTypeI || t == ElementTypeU
}

// 元数据属性位
const (
	// FieldAttributeStatic 静态字段
	FieldAttributeStatic int32 = 0x0010
	// MethodAttributeStatic 静态方法
	MethodAttributeStatic int32 = 0x0010
	// MethodAttributeAbstract 抽象方法
	MethodAttributeAbstract int32 = 0x0400
	// TypeAttributeAbstract 抽象类型
	TypeAttributeAbstract int32 = 0x0080
)

const (
	// MethodEntryILOffset 方法入口的序列点 IL 偏移
	MethodEntryILOffset = -1
	// MethodExitILOffset 方法出口的序列点 IL 偏移
	MethodExitILOffset = 0xffffff
)

// 线程状态（与 System.Threading.ThreadState 相同的位）
const (
	ThreadStateRunning    int32 = 0x0
	ThreadStateBackground int32 = 0x4
	ThreadStateUnstarted  int32 = 0x8
	ThreadStateStopped    int32 = 0x10
	ThreadStateWaitSleep  int32 = 0x20
	ThreadStateSuspended  int32 = 0x40
	ThreadStateAborted    int32 = 0x100
)
