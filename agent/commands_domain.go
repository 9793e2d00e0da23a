package agent

import (
	"fmt"
	"path/filepath"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/sirupsen/logrus"
)

func (a *Agent) domainCommands(req *request) error {
	d, buf := req.d, req.buf
	if req.cmd == constants.CmdAppDomainGetRootDomain {
		buf.AddID(a.domainID(a.rt.RootDomain()))
		return nil
	}

	domain, err := decodeID[*debugger.Domain](a.ids, constants.IDKindDomain, d)
	if err != nil {
		return err
	}
	if domain == nil {
		return e.ErrInvalidArgument
	}

	switch req.cmd {
	case constants.CmdAppDomainGetFriendlyName:
		buf.AddString(domain.Name)
	case constants.CmdAppDomainGetAssemblies:
		assemblies := a.rt.DomainAssemblies(domain)
		buf.AddInt(int32(len(assemblies)))
		for _, asm := range assemblies {
			buf.AddID(a.assemblyID(domain, asm))
		}
	case constants.CmdAppDomainGetEntryAssembly:
		buf.AddID(a.assemblyID(domain, domain.EntryAssembly))
	case constants.CmdAppDomainGetCorlib:
		buf.AddID(a.assemblyID(domain, domain.Corlib))
	case constants.CmdAppDomainCreateString:
		s := d.Str()
		if err = d.Err(); err != nil {
			return err
		}
		buf.AddID(a.objs.idFor(a.rt.NewString(domain, s)))
	case constants.CmdAppDomainCreateBoxedValue:
		// 类型可能属于另一个域，值总是在 domain 中创建
		class, err := decodeID[*debugger.Type](a.ids, constants.IDKindType, d)
		if err != nil {
			return err
		}
		if class == nil {
			return e.ErrInvalidArgument
		}
		v, err := a.decodeValue(class, domain, d)
		if err != nil {
			return err
		}
		buf.AddID(a.objs.idFor(a.rt.Box(domain, class, v)))
	default:
		return e.ErrNotImplemented
	}
	return nil
}

func (a *Agent) assemblyCommands(req *request) error {
	d, buf := req.d, req.buf
	asm, domain, err := decodeIDIn[*debugger.Assembly](a.ids, constants.IDKindAssembly, d)
	if err != nil {
		return err
	}
	if asm == nil {
		return e.ErrUnloaded
	}

	switch req.cmd {
	case constants.CmdAssemblyGetLocation:
		buf.AddString(asm.Location)
	case constants.CmdAssemblyGetEntryPoint:
		if asm.Dynamic || asm.EntryPoint == nil {
			buf.AddID(0)
		} else {
			buf.AddID(a.methodID(domain, asm.EntryPoint))
		}
	case constants.CmdAssemblyGetManifestModule:
		buf.AddID(a.moduleID(domain, asm.Module))
	case constants.CmdAssemblyGetObject:
		buf.AddID(a.objs.idFor(a.rt.AssemblyObject(domain, asm)))
	case constants.CmdAssemblyGetType:
		name := d.Str()
		ignoreCase := d.Bool()
		if err = d.Err(); err != nil {
			return err
		}
		if hasAssemblyQualifier(name) {
			return e.ErrNotImplemented
		}
		t, err := a.rt.FindType(asm, name, ignoreCase)
		if err != nil {
			logrus.Debugf("[Agent] find type %q in %s fail, err = %v", name, asm.Name, err)
			t = nil
		}
		buf.AddID(a.typeID(domain, t))
	case constants.CmdAssemblyGetName:
		buf.AddString(assemblyFullName(asm))
	default:
		return e.ErrNotImplemented
	}
	return nil
}

// assemblyFullName 程序集显示名，例如 "mscorlib, Version=2.0.0.0, Culture=neutral, PublicKeyToken=b77a5c561934e089"
func assemblyFullName(asm *debugger.Assembly) string {
	culture := asm.Culture
	if culture == "" {
		culture = "neutral"
	}
	token := asm.PublicKeyToken
	if token == "" {
		token = "null"
	}
	retargetable := ""
	if asm.Retargetable {
		retargetable = ", Retargetable=Yes"
	}
	return fmt.Sprintf("%s, Version=%d.%d.%d.%d, Culture=%s, PublicKeyToken=%s%s",
		asm.Name, asm.Major, asm.Minor, asm.Build, asm.Revision, culture, token, retargetable)
}

// hasAssemblyQualifier 类型名在泛型参数之外带有程序集限定，例如 "Foo, Bar"
func hasAssemblyQualifier(name string) bool {
	depth := 0
	for _, c := range name {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

func (a *Agent) moduleCommands(req *request) error {
	d, buf := req.d, req.buf
	switch req.cmd {
	case constants.CmdModuleGetInfo:
		m, domain, err := decodeIDIn[*debugger.Module](a.ids, constants.IDKindModule, d)
		if err != nil {
			return err
		}
		if m == nil {
			return e.ErrInvalidArgument
		}
		buf.AddString(filepath.Base(m.Name))
		buf.AddString(m.ScopeName)
		buf.AddString(m.FullyQualifiedName)
		buf.AddString(m.GUID)
		buf.AddID(a.assemblyID(domain, m.Assembly))
	default:
		return e.ErrNotImplemented
	}
	return nil
}
