package agent

import (
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"github.com/sirupsen/logrus"
)

// addValue 按静态类型 t 编码一个值
// 基础类型写 (标签, 定长值)，引用写 (标签, 对象 id)，值类型按字段递归
func (a *Agent) addValue(buf *protocol.Buffer, t *debugger.Type, v debugger.Value, domain *debugger.Domain) {
	switch t.ElementType {
	case constants.ElementTypeVoid:
		buf.AddByte(byte(t.ElementType))
	case constants.ElementTypeBoolean, constants.ElementTypeI1, constants.ElementTypeU1,
		constants.ElementTypeChar, constants.ElementTypeI2, constants.ElementTypeU2,
		constants.ElementTypeI4, constants.ElementTypeU4, constants.ElementTypeR4:
		buf.AddByte(byte(t.ElementType))
		buf.AddInt(int32(v.Bits))
	case constants.ElementTypeI8, constants.ElementTypeU8, constants.ElementTypeR8, constants.ElementTypePtr:
		buf.AddByte(byte(t.ElementType))
		buf.AddLong(int64(v.Bits))
	case constants.ElementTypeI, constants.ElementTypeU, constants.ElementTypeValueType:
		// IntPtr/UIntPtr 按值类型发送
		a.addVType(buf, t, v, domain)
	case constants.ElementTypeString, constants.ElementTypeSzArray, constants.ElementTypeObject,
		constants.ElementTypeClass, constants.ElementTypeArray:
		a.addObject(buf, v.Ref, domain)
	case constants.ElementTypeGenericInst:
		if t.IsValueType {
			a.addVType(buf, t, v, domain)
		} else {
			a.addObject(buf, v.Ref, domain)
		}
	default:
		logrus.Errorf("[Agent] Cannot encode value of type %s (%s).", t.FullName, t.ElementType)
		buf.AddByte(constants.ValueTypeIDNull)
	}
}

// addObject 装箱的值类型按值类型发送，其它对象按运行时类型打标签
func (a *Agent) addObject(buf *protocol.Buffer, o debugger.Object, domain *debugger.Domain) {
	if o == nil {
		buf.AddByte(constants.ValueTypeIDNull)
		return
	}
	class := o.Class()
	switch {
	case class.IsValueType:
		a.addVType(buf, class, a.rt.Unbox(o), domain)
		return
	case class.Rank > 0:
		buf.AddByte(byte(class.ElementType))
	case class.ElementType == constants.ElementTypeGenericInst:
		buf.AddByte(byte(constants.ElementTypeClass))
	default:
		buf.AddByte(byte(class.ElementType))
	}
	buf.AddID(a.objs.idFor(o))
}

func (a *Agent) addVType(buf *protocol.Buffer, t *debugger.Type, v debugger.Value, domain *debugger.Domain) {
	buf.AddByte(byte(constants.ElementTypeValueType))
	buf.AddBool(t.IsEnum)
	buf.AddID(a.typeID(domain, t))
	fields := t.InstanceFields()
	buf.AddInt(int32(len(fields)))
	values := fieldValues(t, v)
	for i, f := range fields {
		a.addValue(buf, f.Type, values[i], domain)
	}
}

// fieldValues 值类型的字段值
// 只有一个字段的值类型（基础类型、枚举、IntPtr）也可以直接保存在 Bits 中
func fieldValues(t *debugger.Type, v debugger.Value) []debugger.Value {
	fields := t.InstanceFields()
	if v.Fields == nil && len(fields) == 1 {
		return []debugger.Value{v}
	}
	values := make([]debugger.Value, len(fields))
	copy(values, v.Fields)
	return values
}

// decodeValue 按静态类型 t 读取一个值
// Nullable 先按值类型解析，失败后按基础类型或 null 解析，兼容旧客户端
func (a *Agent) decodeValue(t *debugger.Type, domain *debugger.Domain, d *protocol.Decoder) (debugger.Value, error) {
	tag := d.Byte()
	if err := d.Err(); err != nil {
		return debugger.Value{}, err
	}
	if t.IsNullable && len(t.TypeArgs) == 1 {
		pos := d.Pos()
		v, err := a.decodeValueInternal(t, tag, domain, d)
		if err == nil {
			return v, nil
		}
		d.Seek(pos)
		targ := t.TypeArgs[0]
		if byte(targ.ElementType) == tag {
			v, err = a.decodeValueInternal(targ, tag, domain, d)
			if err != nil {
				return debugger.Value{}, err
			}
			return debugger.NullableValue(v, true), nil
		}
		if tag == constants.ValueTypeIDNull {
			return debugger.NullableValue(debugger.Value{}, false), nil
		}
		return debugger.Value{}, err
	}
	return a.decodeValueInternal(t, tag, domain, d)
}

// compatibleTag 标签与静态类型一致、静态类型是引用类型，或者属于允许的几种放宽
func compatibleTag(t *debugger.Type, tag byte) bool {
	et := t.ElementType
	switch {
	case byte(et) == tag, t.IsReference():
		return true
	case (et == constants.ElementTypeI || et == constants.ElementTypeU) && tag == byte(constants.ElementTypeValueType):
		return true
	case et == constants.ElementTypePtr && tag == byte(constants.ElementTypeI8):
		return true
	case et == constants.ElementTypeGenericInst && tag == byte(constants.ElementTypeValueType):
		return true
	}
	return false
}

func (a *Agent) decodeValueInternal(t *debugger.Type, tag byte, domain *debugger.Domain, d *protocol.Decoder) (debugger.Value, error) {
	if !compatibleTag(t, tag) {
		logrus.Debugf("[Agent] Expected value of type %s, got 0x%x.", t.FullName, tag)
		return debugger.Value{}, e.ErrInvalidArgument
	}

	switch t.ElementType {
	case constants.ElementTypeBoolean, constants.ElementTypeU1:
		return debugger.Value{Bits: uint64(uint8(d.Int()))}, d.Err()
	case constants.ElementTypeI1:
		return debugger.IntValue(int64(int8(d.Int()))), d.Err()
	case constants.ElementTypeChar, constants.ElementTypeU2:
		return debugger.Value{Bits: uint64(uint16(d.Int()))}, d.Err()
	case constants.ElementTypeI2:
		return debugger.IntValue(int64(int16(d.Int()))), d.Err()
	case constants.ElementTypeI4:
		return debugger.IntValue(int64(d.Int())), d.Err()
	case constants.ElementTypeU4, constants.ElementTypeR4:
		return debugger.Value{Bits: uint64(uint32(d.Int()))}, d.Err()
	case constants.ElementTypeI8, constants.ElementTypeU8, constants.ElementTypeR8, constants.ElementTypePtr:
		return debugger.Value{Bits: uint64(d.Long())}, d.Err()
	case constants.ElementTypeI, constants.ElementTypeU, constants.ElementTypeValueType:
		_, v, err := a.decodeVType(t, domain, d)
		return v, err
	case constants.ElementTypeGenericInst:
		if t.IsValueType {
			_, v, err := a.decodeVType(t, domain, d)
			return v, err
		}
	}
	if t.IsReference() {
		return a.decodeRef(t, tag, domain, d)
	}
	logrus.Errorf("[Agent] Cannot decode value of type %s (%s).", t.FullName, t.ElementType)
	return debugger.Value{}, e.ErrNotImplemented
}

// decodeVType 读取值类型，expected 为 nil 时接受任意值类型
// 只有一个字段的基础类型、枚举、IntPtr 折叠为字段本身
func (a *Agent) decodeVType(expected *debugger.Type, domain *debugger.Domain, d *protocol.Decoder) (*debugger.Type, debugger.Value, error) {
	_ = d.Bool()
	class, err := decodeID[*debugger.Type](a.ids, constants.IDKindType, d)
	if err != nil {
		return nil, debugger.Value{}, err
	}
	if class == nil || (expected != nil && class != expected) {
		return nil, debugger.Value{}, e.ErrInvalidArgument
	}
	n := d.Int()
	fields := class.InstanceFields()
	if err = d.Err(); err != nil {
		return nil, debugger.Value{}, err
	}
	if int(n) != len(fields) {
		return nil, debugger.Value{}, e.ErrInvalidArgument
	}
	values := make([]debugger.Value, len(fields))
	for i, f := range fields {
		if values[i], err = a.decodeValue(f.Type, domain, d); err != nil {
			return nil, debugger.Value{}, err
		}
	}
	if len(values) == 1 && (class.IsEnum || class.ElementType.IsPrimitive()) {
		return class, values[0], nil
	}
	return class, debugger.StructValue(values...), nil
}

// decodeRef 引用类型接受任意对象标签或 null；值类型的值会被装箱
func (a *Agent) decodeRef(t *debugger.Type, tag byte, domain *debugger.Domain, d *protocol.Decoder) (debugger.Value, error) {
	switch tag {
	case constants.ValueTypeIDNull:
		return debugger.Value{}, nil
	case byte(constants.ElementTypeValueType):
		class, v, err := a.decodeVType(nil, domain, d)
		if err != nil {
			return debugger.Value{}, err
		}
		if !a.rt.IsAssignableFrom(t, class) {
			return debugger.Value{}, e.ErrInvalidArgument
		}
		return debugger.RefValue(a.rt.Box(domain, class, v)), nil
	case byte(constants.ElementTypeObject), byte(constants.ElementTypeClass), byte(constants.ElementTypeString),
		byte(constants.ElementTypeSzArray), byte(constants.ElementTypeArray):
	default:
		return debugger.Value{}, e.ErrInvalidArgument
	}

	obj, err := a.objs.decodeObject(d)
	if err != nil {
		return debugger.Value{}, err
	}
	if obj == nil {
		return debugger.Value{}, nil
	}
	if !a.rt.IsAssignableFrom(t, obj.Class()) {
		return debugger.Value{}, e.ErrInvalidArgument
	}
	// 字符串可以跨域传递
	if obj.Domain() != domain && t.ElementType != constants.ElementTypeString {
		return debugger.Value{}, e.ErrInvalidArgument
	}
	return debugger.RefValue(obj), nil
}
