package agent

import (
	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/sirupsen/logrus"
)

func (a *Agent) methodCommands(req *request) error {
	d, buf := req.d, req.buf
	m, domain, err := decodeIDIn[*debugger.Method](a.ids, constants.IDKindMethod, d)
	if err != nil {
		return err
	}
	if m == nil {
		return e.ErrInvalidArgument
	}

	switch req.cmd {
	case constants.CmdMethodGetName:
		buf.AddString(m.Name)
	case constants.CmdMethodGetDeclaringType:
		buf.AddID(a.typeID(domain, m.DeclaringType))
	case constants.CmdMethodGetDebugInfo:
		// 代码长度、源文件、(IL 偏移, 行号) 表
		buf.AddInt(int32(len(m.Body)))
		if m.Body == nil || m.DebugInfo == nil {
			buf.AddString("")
			buf.AddInt(0)
			break
		}
		buf.AddString(m.DebugInfo.SourceFile)
		buf.AddInt(int32(len(m.DebugInfo.Lines)))
		for _, entry := range m.DebugInfo.Lines {
			buf.AddInt(int32(entry.ILOffset))
			buf.AddInt(int32(entry.Line))
		}
	case constants.CmdMethodGetParamInfo:
		buf.AddInt(m.CallConv)
		buf.AddInt(int32(len(m.Params)))
		buf.AddInt(int32(m.GenericParamCount))
		buf.AddID(a.typeID(domain, m.ReturnType))
		for _, p := range m.Params {
			buf.AddID(a.typeID(domain, p.Type))
		}
		for _, p := range m.Params {
			buf.AddString(p.Name)
		}
	case constants.CmdMethodGetLocalsInfo:
		buf.AddInt(int32(len(m.Locals)))
		for _, l := range m.Locals {
			buf.AddID(a.typeID(domain, l.Type))
		}
		for _, l := range m.Locals {
			buf.AddString(l.Name)
		}
		for _, l := range m.Locals {
			if l.HasScope {
				buf.AddInt(int32(l.ScopeStart))
				buf.AddInt(int32(l.ScopeEnd))
			} else {
				buf.AddInt(0)
				buf.AddInt(int32(len(m.Body)))
			}
		}
	case constants.CmdMethodGetInfo:
		buf.AddInt(m.Flags)
		buf.AddInt(m.ImplFlags)
		buf.AddInt(m.Token)
	case constants.CmdMethodGetBody:
		buf.AddInt(int32(len(m.Body)))
		buf.AddData(m.Body)
	case constants.CmdMethodResolveToken:
		token := d.Int()
		if err = d.Err(); err != nil {
			return err
		}
		res := a.rt.ResolveToken(domain, m, token)
		buf.AddByte(byte(res.Kind))
		switch res.Kind {
		case constants.TokenTypeString:
			buf.AddString(res.Str)
		case constants.TokenTypeType:
			buf.AddID(a.typeID(domain, res.Type))
		case constants.TokenTypeField:
			buf.AddID(a.fieldID(domain, res.Field))
		case constants.TokenTypeMethod:
			buf.AddID(a.methodID(domain, res.Method))
		case constants.TokenTypeUnknown:
		default:
			logrus.Errorf("[Agent] unexpected token kind %d for token 0x%x", res.Kind, token)
			return e.Fault("token 0x%x resolved to unknown kind %d", token, res.Kind)
		}
	default:
		return e.ErrNotImplemented
	}
	return nil
}
