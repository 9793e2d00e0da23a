package agent

import (
	"path/filepath"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
)

// TYPE GET_INFO 中的类型标志位，bit 0 (byref) 不会出现
const (
	typeFlagPointer   byte = 1 << 1
	typeFlagPrimitive byte = 1 << 2
	typeFlagValueType byte = 1 << 3
	typeFlagEnum      byte = 1 << 4
)

// 自定义特性命名参数的类别
const (
	namedArgField    byte = 0x53
	namedArgProperty byte = 0x54
)

func (a *Agent) typeCommands(req *request) error {
	d, buf := req.d, req.buf
	t, domain, err := decodeIDIn[*debugger.Type](a.ids, constants.IDKindType, d)
	if err != nil {
		return err
	}
	if t == nil {
		return e.ErrUnloaded
	}

	switch req.cmd {
	case constants.CmdTypeGetInfo:
		a.addTypeInfo(buf, domain, t)
	case constants.CmdTypeGetMethods:
		buf.AddInt(int32(len(t.Methods)))
		for _, m := range t.Methods {
			buf.AddID(a.methodID(domain, m))
		}
	case constants.CmdTypeGetFields:
		buf.AddInt(int32(len(t.Fields)))
		for _, f := range t.Fields {
			buf.AddID(a.fieldID(domain, f))
			buf.AddString(f.Name)
			buf.AddID(a.typeID(domain, f.Type))
			buf.AddInt(f.Attrs)
		}
	case constants.CmdTypeGetProperties:
		buf.AddInt(int32(len(t.Properties)))
		for _, p := range t.Properties {
			buf.AddID(a.propertyID(domain, p))
			buf.AddString(p.Name)
			buf.AddID(a.methodID(domain, p.Get))
			buf.AddID(a.methodID(domain, p.Set))
			buf.AddInt(p.Attrs)
		}
	case constants.CmdTypeGetCattrs:
		attrClass, err := decodeID[*debugger.Type](a.ids, constants.IDKindType, d)
		if err != nil {
			return err
		}
		a.addCattrs(buf, domain, attrClass, t.Attributes)
	case constants.CmdTypeGetFieldCattrs:
		f, err := a.decodeField(d.ID())
		if err != nil {
			return err
		}
		attrClass, err := decodeID[*debugger.Type](a.ids, constants.IDKindType, d)
		if err != nil {
			return err
		}
		a.addCattrs(buf, domain, attrClass, f.Attributes)
	case constants.CmdTypeGetPropertyCattrs:
		p, err := decodeID[*debugger.Property](a.ids, constants.IDKindProperty, d)
		if err != nil {
			return err
		}
		if p == nil {
			return e.ErrInvalidArgument
		}
		attrClass, err := decodeID[*debugger.Type](a.ids, constants.IDKindType, d)
		if err != nil {
			return err
		}
		a.addCattrs(buf, domain, attrClass, p.Attributes)
	case constants.CmdTypeGetValues:
		n := int(d.Int())
		for i := 0; i < n; i++ {
			f, err := a.decodeStaticField(t, d.ID())
			if err != nil {
				return err
			}
			a.addValue(buf, f.Type, a.rt.StaticFieldValue(domain, f), domain)
		}
	case constants.CmdTypeSetValues:
		n := int(d.Int())
		for i := 0; i < n; i++ {
			f, err := a.decodeStaticField(t, d.ID())
			if err != nil {
				return err
			}
			v, err := a.decodeValue(f.Type, domain, d)
			if err != nil {
				return err
			}
			a.rt.SetStaticFieldValue(domain, f, v)
		}
	case constants.CmdTypeGetObject:
		buf.AddID(a.objs.idFor(a.rt.TypeObject(domain, t)))
	case constants.CmdTypeGetSourceFiles, constants.CmdTypeGetSourceFiles2:
		files := linkedhashset.New()
		for _, m := range t.Methods {
			if m.DebugInfo != nil && m.DebugInfo.SourceFile != "" {
				files.Add(m.DebugInfo.SourceFile)
			}
		}
		buf.AddInt(int32(files.Size()))
		for _, v := range files.Values() {
			file := v.(string)
			if req.cmd == constants.CmdTypeGetSourceFiles {
				// 旧版本客户端只需要文件名
				file = filepath.Base(file)
			}
			buf.AddString(file)
		}
	case constants.CmdTypeIsAssignableFrom:
		other, err := decodeID[*debugger.Type](a.ids, constants.IDKindType, d)
		if err != nil {
			return err
		}
		if other == nil {
			return e.ErrInvalidArgument
		}
		buf.AddBool(a.rt.IsAssignableFrom(t, other))
	default:
		return e.ErrNotImplemented
	}
	return nil
}

func (a *Agent) addTypeInfo(buf *protocol.Buffer, domain *debugger.Domain, t *debugger.Type) {
	buf.AddString(t.Namespace)
	buf.AddString(t.Name)
	buf.AddString(t.FullName)
	buf.AddID(a.assemblyID(domain, t.Assembly))
	buf.AddID(a.moduleID(domain, t.Module))
	buf.AddID(a.typeID(domain, t.Parent))
	if t.Rank > 0 || t.ElementType == constants.ElementTypePtr {
		buf.AddID(a.typeID(domain, t.ElementClass))
	} else {
		buf.AddID(0)
	}
	buf.AddInt(t.Token)
	buf.AddByte(byte(t.Rank))
	buf.AddInt(t.Flags)

	var flags byte
	if t.ElementType == constants.ElementTypePtr {
		flags |= typeFlagPointer
	}
	if t.ElementType.IsPrimitive() {
		flags |= typeFlagPrimitive
	}
	if t.ElementType == constants.ElementTypeValueType {
		flags |= typeFlagValueType
	}
	if t.IsEnum {
		flags |= typeFlagEnum
	}
	buf.AddByte(flags)

	buf.AddInt(int32(len(t.Nested)))
	for _, nested := range t.Nested {
		buf.AddID(a.typeID(domain, nested))
	}
}

// decodeStaticField TYPE GET/SET_VALUES 只能访问类型自己或父类的普通静态字段
func (a *Agent) decodeStaticField(t *debugger.Type, id int32) (*debugger.Field, error) {
	f, err := a.decodeField(id)
	if err != nil {
		return nil, err
	}
	if !f.IsStatic() || f.SpecialStatic {
		return nil, e.ErrInvalidFieldID
	}
	if !t.HasParent(f.Parent) {
		return nil, e.ErrInvalidFieldID
	}
	return f, nil
}

// addCattrs 写入自定义特性列表，attrClass 不为空时只保留它的子类
func (a *Agent) addCattrs(buf *protocol.Buffer, domain *debugger.Domain, attrClass *debugger.Type, attrs []*debugger.CustomAttribute) {
	var matched []*debugger.CustomAttribute
	for _, attr := range attrs {
		if attrClass == nil || attr.Ctor.DeclaringType.HasParent(attrClass) {
			matched = append(matched, attr)
		}
	}
	buf.AddInt(int32(len(matched)))
	for _, attr := range matched {
		buf.AddID(a.methodID(domain, attr.Ctor))
		buf.AddInt(int32(len(attr.TypedArgs)))
		for i, v := range attr.TypedArgs {
			var t *debugger.Type
			if i < len(attr.Ctor.Params) {
				t = attr.Ctor.Params[i].Type
			} else {
				t = a.rt.ObjectType()
			}
			a.addCattrArg(buf, domain, t, v)
		}
		buf.AddInt(int32(len(attr.NamedArgs)))
		for _, arg := range attr.NamedArgs {
			if arg.Property != nil {
				buf.AddByte(namedArgProperty)
				buf.AddID(a.propertyID(domain, arg.Property))
			} else {
				buf.AddByte(namedArgField)
				buf.AddID(a.fieldID(domain, arg.Field))
			}
			a.addCattrArg(buf, domain, arg.Type, arg.Value)
		}
	}
}

// addCattrArg System.Type 参数直接写成类型 id，客户端不需要处理 Type 对象
func (a *Agent) addCattrArg(buf *protocol.Buffer, domain *debugger.Domain, t *debugger.Type, v debugger.Value) {
	if v.TypeRef != nil {
		buf.AddByte(constants.ValueTypeIDType)
		buf.AddID(a.typeID(domain, v.TypeRef))
		return
	}
	a.addValue(buf, t, v, domain)
}
