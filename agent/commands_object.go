package agent

import (
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
)

func (a *Agent) arrayCommands(req *request) error {
	d, buf := req.d, req.buf
	arr, err := a.objs.decodeObject(d)
	if err != nil {
		return err
	}
	if arr == nil || arr.Class().Rank == 0 {
		return e.ErrInvalidObject
	}
	class := arr.Class()
	bounds := a.rt.ArrayBounds(arr)
	total := 1
	for _, b := range bounds {
		total *= b.Length
	}

	switch req.cmd {
	case constants.CmdArrayRefGetLength:
		buf.AddInt(int32(class.Rank))
		for _, b := range bounds {
			buf.AddInt(int32(b.Length))
			buf.AddInt(int32(b.LowerBound))
		}
	case constants.CmdArrayRefGetValues:
		index, n := int(d.Int()), int(d.Int())
		if err = d.Err(); err != nil {
			return err
		}
		if index < 0 || n < 0 || index > total-n {
			return e.Fault("array range [%d, %d) out of bounds, length %d", index, index+n, total)
		}
		for _, v := range a.rt.ArrayElements(arr, index, n) {
			a.addValue(buf, class.ElementClass, v, arr.Domain())
		}
	case constants.CmdArrayRefSetValues:
		index, n := int(d.Int()), int(d.Int())
		if err = d.Err(); err != nil {
			return err
		}
		if index < 0 || n < 0 || index > total-n {
			return e.Fault("array range [%d, %d) out of bounds, length %d", index, index+n, total)
		}
		values := make([]debugger.Value, n)
		for i := range values {
			if values[i], err = a.decodeValue(class.ElementClass, arr.Domain(), d); err != nil {
				return err
			}
		}
		a.rt.SetArrayElements(arr, index, values)
	default:
		return e.ErrNotImplemented
	}
	return nil
}

func (a *Agent) stringCommands(req *request) error {
	str, err := a.objs.decodeObject(req.d)
	if err != nil {
		return err
	}
	switch req.cmd {
	case constants.CmdStringRefGetValue:
		s, ok := a.rt.StringValue(str)
		if !ok {
			return e.ErrInvalidObject
		}
		req.buf.AddString(s)
	default:
		return e.ErrNotImplemented
	}
	return nil
}

func (a *Agent) objectCommands(req *request) error {
	d, buf := req.d, req.buf
	if req.cmd == constants.CmdObjectRefIsCollected {
		id := d.ID()
		if err := d.Err(); err != nil {
			return err
		}
		if _, err := a.objs.get(id); err != nil {
			buf.AddInt(1)
		} else {
			buf.AddInt(0)
		}
		return nil
	}

	obj, err := a.objs.decodeObject(d)
	if err != nil {
		return err
	}
	if obj == nil {
		return e.ErrInvalidObject
	}

	switch req.cmd {
	case constants.CmdObjectRefGetType:
		buf.AddID(a.typeID(obj.Domain(), obj.Class()))
	case constants.CmdObjectRefGetValues:
		n := int(d.Int())
		for i := 0; i < n; i++ {
			f, err := a.decodeObjectField(obj, d.ID())
			if err != nil {
				return err
			}
			var v debugger.Value
			if f.IsStatic() {
				v = a.rt.StaticFieldValue(obj.Domain(), f)
			} else {
				v = a.rt.FieldValue(obj, f)
			}
			a.addValue(buf, f.Type, v, obj.Domain())
		}
	case constants.CmdObjectRefSetValues:
		n := int(d.Int())
		for i := 0; i < n; i++ {
			f, err := a.decodeObjectField(obj, d.ID())
			if err != nil {
				return err
			}
			v, err := a.decodeValue(f.Type, obj.Domain(), d)
			if err != nil {
				return err
			}
			if f.IsStatic() {
				a.rt.SetStaticFieldValue(obj.Domain(), f, v)
			} else {
				a.rt.SetFieldValue(obj, f, v)
			}
		}
	case constants.CmdObjectRefGetAddress:
		buf.AddLong(a.rt.ObjectAddress(obj))
	case constants.CmdObjectRefGetDomain:
		buf.AddID(a.domainID(obj.Domain()))
	default:
		return e.ErrNotImplemented
	}
	return nil
}

// decodeObjectField 字段必须属于对象的类型或者它的父类，线程相关的静态字段不支持
func (a *Agent) decodeObjectField(obj debugger.Object, id int32) (*debugger.Field, error) {
	f, err := a.decodeField(id)
	if err != nil {
		return nil, err
	}
	if !obj.Class().HasParent(f.Parent) {
		return nil, e.ErrInvalidFieldID
	}
	if f.IsStatic() && f.SpecialStatic {
		return nil, e.ErrInvalidFieldID
	}
	return f, nil
}

// decodeField id 为 0 时返回 INVALID_FIELDID
func (a *Agent) decodeField(id int32) (*debugger.Field, error) {
	v, _, err := a.ids.decode(constants.IDKindField, id)
	if err != nil {
		return nil, err
	}
	f, ok := v.(*debugger.Field)
	if !ok || f == nil {
		return nil, e.ErrInvalidFieldID
	}
	return f, nil
}
