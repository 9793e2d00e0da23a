package constants

import "fmt"

const (
	// HeaderLength 报文头长度：len(4) + id(4) + flags(1) + cmdset/errcode(2)
	HeaderLength = 11
	// MaxPacketLength 单个报文（含报文头）允许的最大长度
	MaxPacketLength = 64 << 20
	// Handshake 握手字符串，两端各发送一次
	Handshake = "DWP-Handshake"
	// MajorVersion 协议主版本
	MajorVersion = 2
	// MinorVersion 协议次版本
	MinorVersion = 1
	// ReplyFlag 回复报文的 flags
	ReplyFlag = 0x80
)

// CommandSet 命令集
type CommandSet byte

const (
	CommandSetVM           CommandSet = 1
	CommandSetObjectRef    CommandSet = 9
	CommandSetStringRef    CommandSet = 10
	CommandSetThread       CommandSet = 11
	CommandSetArrayRef     CommandSet = 13
	CommandSetEventRequest CommandSet = 15
	CommandSetStackFrame   CommandSet = 16
	CommandSetAppDomain    CommandSet = 20
	CommandSetAssembly     CommandSet = 21
	CommandSetMethod       CommandSet = 22
	CommandSetType         CommandSet = 23
	CommandSetModule       CommandSet = 24
	CommandSetEvent        CommandSet = 64
)

var commandSetNames = map[CommandSet]string{
	CommandSetVM:           "VM",
	CommandSetObjectRef:    "OBJECT_REF",
	CommandSetStringRef:    "STRING_REF",
	CommandSetThread:       "THREAD",
	CommandSetArrayRef:     "ARRAY_REF",
	CommandSetEventRequest: "EVENT_REQUEST",
	CommandSetStackFrame:   "STACK_FRAME",
	CommandSetAppDomain:    "APPDOMAIN",
	CommandSetAssembly:     "ASSEMBLY",
	CommandSetMethod:       "METHOD",
	CommandSetType:         "TYPE",
	CommandSetModule:       "MODULE",
	CommandSetEvent:        "EVENT",
}

func (c CommandSet) String() string {
	if name, ok := commandSetNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD_SET_%d", byte(c))
}

// VM 命令
const (
	CmdVMVersion            byte = 1
	CmdVMAllThreads         byte = 2
	CmdVMSuspend            byte = 3
	CmdVMResume             byte = 4
	CmdVMExit               byte = 5
	CmdVMDispose            byte = 6
	CmdVMInvokeMethod       byte = 7
	CmdVMSetProtocolVersion byte = 8
	CmdVMAbortInvoke        byte = 9
)

// THREAD 命令
const (
	CmdThreadGetFrameInfo byte = 1
	CmdThreadGetName      byte = 2
	CmdThreadGetState     byte = 3
	CmdThreadGetInfo      byte = 4
	CmdThreadGetID        byte = 5
)

// EVENT_REQUEST 命令
const (
	CmdEventRequestSet                 byte = 1
	CmdEventRequestClear               byte = 2
	CmdEventRequestClearAllBreakpoints byte = 3
)

// CmdComposite EVENT 命令集中唯一的命令，携带一组事件
const CmdComposite byte = 100

// APPDOMAIN 命令
const (
	CmdAppDomainGetRootDomain    byte = 1
	CmdAppDomainGetFriendlyName  byte = 2
	CmdAppDomainGetAssemblies    byte = 3
	CmdAppDomainGetEntryAssembly byte = 4
	CmdAppDomainCreateString     byte = 5
	CmdAppDomainGetCorlib        byte = 6
	CmdAppDomainCreateBoxedValue byte = 7
)

// ASSEMBLY 命令
const (
	CmdAssemblyGetLocation       byte = 1
	CmdAssemblyGetEntryPoint     byte = 2
	CmdAssemblyGetManifestModule byte = 3
	CmdAssemblyGetObject         byte = 4
	CmdAssemblyGetType           byte = 5
	CmdAssemblyGetName           byte = 6
)

// MODULE 命令
const CmdModuleGetInfo byte = 1

// METHOD 命令
const (
	CmdMethodGetName          byte = 1
	CmdMethodGetDeclaringType byte = 2
	CmdMethodGetDebugInfo     byte = 3
	CmdMethodGetParamInfo     byte = 4
	CmdMethodGetLocalsInfo    byte = 5
	CmdMethodGetInfo          byte = 6
	CmdMethodGetBody          byte = 7
	CmdMethodResolveToken     byte = 8
)

// TYPE 命令
const (
	CmdTypeGetInfo           byte = 1
	CmdTypeGetMethods        byte = 2
	CmdTypeGetFields         byte = 3
	CmdTypeGetValues         byte = 4
	CmdTypeGetObject         byte = 5
	CmdTypeGetSourceFiles    byte = 6
	CmdTypeSetValues         byte = 7
	CmdTypeIsAssignableFrom  byte = 8
	CmdTypeGetProperties     byte = 9
	CmdTypeGetCattrs         byte = 10
	CmdTypeGetFieldCattrs    byte = 11
	CmdTypeGetPropertyCattrs byte = 12
	CmdTypeGetSourceFiles2   byte = 13
)

// STACK_FRAME 命令
const (
	CmdStackFrameGetValues byte = 1
	CmdStackFrameGetThis   byte = 2
	CmdStackFrameSetValues byte = 3
)

// ARRAY_REF 命令
const (
	CmdArrayRefGetLength byte = 1
	CmdArrayRefGetValues byte = 2
	CmdArrayRefSetValues byte = 3
)

// STRING_REF 命令
const CmdStringRefGetValue byte = 1

// OBJECT_REF 命令
const (
	CmdObjectRefGetType     byte = 1
	CmdObjectRefGetValues   byte = 2
	CmdObjectRefIsCollected byte = 3
	CmdObjectRefGetAddress  byte = 4
	CmdObjectRefGetDomain   byte = 5
	CmdObjectRefSetValues   byte = 6
)

var commandNames = map[CommandSet]map[byte]string{
	CommandSetVM: {
		CmdVMVersion: "VERSION", CmdVMAllThreads: "ALL_THREADS", CmdVMSuspend: "SUSPEND",
		CmdVMResume: "RESUME", CmdVMExit: "EXIT", CmdVMDispose: "DISPOSE",
		CmdVMInvokeMethod: "INVOKE_METHOD", CmdVMSetProtocolVersion: "SET_PROTOCOL_VERSION",
		CmdVMAbortInvoke: "ABORT_INVOKE",
	},
	CommandSetThread: {
		CmdThreadGetFrameInfo: "GET_FRAME_INFO", CmdThreadGetName: "GET_NAME",
		CmdThreadGetState: "GET_STATE", CmdThreadGetInfo: "GET_INFO", CmdThreadGetID: "GET_ID",
	},
	CommandSetEventRequest: {
		CmdEventRequestSet: "SET", CmdEventRequestClear: "CLEAR",
		CmdEventRequestClearAllBreakpoints: "CLEAR_ALL_BREAKPOINTS",
	},
	CommandSetEvent: {CmdComposite: "COMPOSITE"},
	CommandSetAppDomain: {
		CmdAppDomainGetRootDomain: "GET_ROOT_DOMAIN", CmdAppDomainGetFriendlyName: "GET_FRIENDLY_NAME",
		CmdAppDomainGetAssemblies: "GET_ASSEMBLIES", CmdAppDomainGetEntryAssembly: "GET_ENTRY_ASSEMBLY",
		CmdAppDomainCreateString: "CREATE_STRING", CmdAppDomainGetCorlib: "GET_CORLIB",
		CmdAppDomainCreateBoxedValue: "CREATE_BOXED_VALUE",
	},
	CommandSetAssembly: {
		CmdAssemblyGetLocation: "GET_LOCATION", CmdAssemblyGetEntryPoint: "GET_ENTRY_POINT",
		CmdAssemblyGetManifestModule: "GET_MANIFEST_MODULE", CmdAssemblyGetObject: "GET_OBJECT",
		CmdAssemblyGetType: "GET_TYPE", CmdAssemblyGetName: "GET_NAME",
	},
	CommandSetModule: {CmdModuleGetInfo: "GET_INFO"},
	CommandSetMethod: {
		CmdMethodGetName: "GET_NAME", CmdMethodGetDeclaringType: "GET_DECLARING_TYPE",
		CmdMethodGetDebugInfo: "GET_DEBUG_INFO", CmdMethodGetParamInfo: "GET_PARAM_INFO",
		CmdMethodGetLocalsInfo: "GET_LOCALS_INFO", CmdMethodGetInfo: "GET_INFO",
		CmdMethodGetBody: "GET_BODY", CmdMethodResolveToken: "RESOLVE_TOKEN",
	},
	CommandSetType: {
		CmdTypeGetInfo: "GET_INFO", CmdTypeGetMethods: "GET_METHODS", CmdTypeGetFields: "GET_FIELDS",
		CmdTypeGetValues: "GET_VALUES", CmdTypeGetObject: "GET_OBJECT",
		CmdTypeGetSourceFiles: "GET_SOURCE_FILES", CmdTypeSetValues: "SET_VALUES",
		CmdTypeIsAssignableFrom: "IS_ASSIGNABLE_FROM", CmdTypeGetProperties: "GET_PROPERTIES",
		CmdTypeGetCattrs: "GET_CATTRS", CmdTypeGetFieldCattrs: "GET_FIELD_CATTRS",
		CmdTypeGetPropertyCattrs: "GET_PROPERTY_CATTRS", CmdTypeGetSourceFiles2: "GET_SOURCE_FILES_2",
	},
	CommandSetStackFrame: {
		CmdStackFrameGetValues: "GET_VALUES", CmdStackFrameGetThis: "GET_THIS",
		CmdStackFrameSetValues: "SET_VALUES",
	},
	CommandSetArrayRef: {
		CmdArrayRefGetLength: "GET_LENGTH", CmdArrayRefGetValues: "GET_VALUES",
		CmdArrayRefSetValues: "SET_VALUES",
	},
	CommandSetStringRef: {CmdStringRefGetValue: "GET_VALUE"},
	CommandSetObjectRef: {
		CmdObjectRefGetType: "GET_TYPE", CmdObjectRefGetValues: "GET_VALUES",
		CmdObjectRefIsCollected: "IS_COLLECTED", CmdObjectRefGetAddress: "GET_ADDRESS",
		CmdObjectRefGetDomain: "GET_DOMAIN", CmdObjectRefSetValues: "SET_VALUES",
	},
}

// CommandName 返回命令的可读名称，用于日志
func CommandName(set CommandSet, cmd byte) string {
	if names, ok := commandNames[set]; ok {
		if name, ok := names[cmd]; ok {
			return fmt.Sprintf("CMD_%s_%s", set, name)
		}
	}
	return fmt.Sprintf("%s/%d", set, cmd)
}

// EventKind 事件类型
type EventKind byte

const (
	EventKindVMStart         EventKind = 0
	EventKindVMDeath         EventKind = 1
	EventKindThreadStart     EventKind = 2
	EventKindThreadDeath     EventKind = 3
	EventKindAppDomainCreate EventKind = 4
	EventKindAppDomainUnload EventKind = 5
	EventKindMethodEntry     EventKind = 6
	EventKindMethodExit      EventKind = 7
	EventKindAssemblyLoad    EventKind = 8
	EventKindAssemblyUnload  EventKind = 9
	EventKindBreakpoint      EventKind = 10
	EventKindStep            EventKind = 11
	EventKindTypeLoad        EventKind = 12
	EventKindException       EventKind = 13
)

var eventKindNames = []string{
	"VM_START", "VM_DEATH", "THREAD_START", "THREAD_DEATH", "APPDOMAIN_CREATE",
	"APPDOMAIN_UNLOAD", "METHOD_ENTRY", "METHOD_EXIT", "ASSEMBLY_LOAD", "ASSEMBLY_UNLOAD",
	"BREAKPOINT", "STEP", "TYPE_LOAD", "EXCEPTION",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EVENT_KIND_%d", byte(k))
}

// SuspendPolicy 事件触发后的挂起策略，数值越大挂起范围越大
type SuspendPolicy byte

const (
	SuspendPolicyNone        SuspendPolicy = 0
	SuspendPolicyEventThread SuspendPolicy = 1
	SuspendPolicyAll         SuspendPolicy = 2
)

// ModifierKind 事件请求的过滤条件类型
type ModifierKind byte

const (
	ModKindCount         ModifierKind = 1
	ModKindThreadOnly    ModifierKind = 3
	ModKindLocationOnly  ModifierKind = 7
	ModKindExceptionOnly ModifierKind = 8
	ModKindStep          ModifierKind = 10
	ModKindAssemblyOnly  ModifierKind = 11
)

// StepDepth 单步深度
type StepDepth int32

const (
	StepDepthInto StepDepth = 0
	StepDepthOver StepDepth = 1
	StepDepthOut  StepDepth = 2
)

// StepSize 单步粒度
type StepSize int32

const (
	StepSizeMin  StepSize = 0
	StepSizeLine StepSize = 1
)

// TokenType RESOLVE_TOKEN 的结果类型
type TokenType byte

const (
	TokenTypeString  TokenType = 0
	TokenTypeType    TokenType = 1
	TokenTypeField   TokenType = 2
	TokenTypeMethod  TokenType = 3
	TokenTypeUnknown TokenType = 4
)

const (
	// ValueTypeIDNull 空引用
	ValueTypeIDNull byte = 0xf0
	// ValueTypeIDType custom attribute 中的 System.Type 参数
	ValueTypeIDType byte = 0xf1
)

// FrameFlagDebuggerInvoke 栈帧之上存在调试器发起的调用
const FrameFlagDebuggerInvoke byte = 1

// InvokeFlags 远程调用选项
type InvokeFlags int32

const (
	InvokeFlagDisableBreakpoints InvokeFlags = 1
	InvokeFlagSingleThreaded     InvokeFlags = 2
)

// IDKind 实体 id 的类别，每一类单独编号
type IDKind int

const (
	IDKindAssembly IDKind = iota
	IDKindModule
	IDKindType
	IDKindMethod
	IDKindField
	IDKindDomain
	IDKindProperty
	IDKindCount
)

// EventRequestIDAny VM_START/VM_DEATH 等无对应请求的事件使用的请求 id
const EventRequestIDAny int32 = 0

// UnsolicitedRequestID JIT 调试时未经请求发送的异常事件使用的请求 id
const UnsolicitedRequestID int32 = 0xffffff
