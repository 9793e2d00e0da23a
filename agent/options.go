package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/pelletier/go-toml/v2"
)

const defaultTransport = "dt_socket"

// Config 调试代理的启动参数
// 既可以由 agent 参数串解析，也可以从 toml 配置文件加载
type Config struct {
	Transport string `toml:"transport"`
	Address   string `toml:"address"`
	LogLevel  int    `toml:"loglevel"`
	LogFile   string `toml:"logfile"`
	// Suspend 运行时启动后是否挂起等待客户端
	Suspend bool `toml:"suspend"`
	// Server 为 true 时监听地址等待客户端，否则主动连接
	Server bool `toml:"server"`
	// OnUncaught 未捕获异常时才建立连接
	OnUncaught bool `toml:"onuncaught"`
	// OnThrow 抛出这些类型的异常时才建立连接，空字符串匹配任意类型
	OnThrow []string `toml:"onthrow"`
	// Timeout 等待客户端连接的毫秒数，0 表示一直等待
	Timeout int `toml:"timeout"`
	// Launch 启动后执行的客户端程序
	Launch    string `toml:"launch"`
	Embedding bool   `toml:"embedding"`
	// Defer 运行时不等待客户端，客户端连接后再补发加载事件
	Defer bool `toml:"defer"`

	Help       bool   `toml:"-"`
	ConfigFile string `toml:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		Transport: defaultTransport,
		Suspend:   true,
	}
}

// LoadConfigFile 从 toml 文件读取配置，未出现的项保留 cfg 中原来的值
func LoadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err = toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: config %s: %v", e.ErrInvalidOptions, path, err)
	}
	return nil
}

// ParseOptions 解析形如 transport=dt_socket,address=127.0.0.1:10000 的参数串
// 出现 config= 时先加载配置文件，参数串中的其它项覆盖文件中的值
func ParseOptions(options string) (*Config, error) {
	cfg := DefaultConfig()
	var args []string
	if options != "" {
		args = strings.Split(options, ",")
	}
	for _, arg := range args {
		if path, ok := strings.CutPrefix(arg, "config="); ok {
			if err := LoadConfigFile(cfg, path); err != nil {
				return nil, err
			}
			cfg.ConfigFile = path
		}
	}

	for _, arg := range args {
		key, value, hasValue := strings.Cut(arg, "=")
		var err error
		switch key {
		case "config":
		case "transport":
			cfg.Transport = value
		case "address":
			cfg.Address = value
		case "loglevel":
			cfg.LogLevel, err = strconv.Atoi(value)
		case "logfile":
			cfg.LogFile = value
		case "suspend":
			cfg.Suspend, err = parseFlag(key, value)
		case "server":
			cfg.Server, err = parseFlag(key, value)
		case "onuncaught":
			cfg.OnUncaught, err = parseFlag(key, value)
		case "onthrow":
			// onthrow 不带类型名时匹配所有异常
			cfg.OnThrow = append(cfg.OnThrow, value)
		case "timeout":
			cfg.Timeout, err = strconv.Atoi(value)
		case "launch":
			cfg.Launch = value
		case "embedding":
			cfg.Embedding = value == "1"
		case "defer":
			cfg.Defer, err = parseFlag(key, value)
		case "help":
			cfg.Help = true
		default:
			if !hasValue {
				value = "<none>"
			}
			return nil, fmt.Errorf("%w: unknown option %q (value %s)", e.ErrInvalidOptions, key, value)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: option %s: %v", e.ErrInvalidOptions, key, err)
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseFlag(option, value string) (bool, error) {
	switch value {
	case "y":
		return true, nil
	case "n":
		return false, nil
	}
	return false, fmt.Errorf("%s must be 'y' or 'n', got %q", option, value)
}

// normalize defer 只在服务端模式下有意义
func (c *Config) normalize() {
	if c.Defer {
		c.Server = true
		if c.Address == "" {
			c.Address = fmt.Sprintf("0.0.0.0:%d", 56000+os.Getpid()%1000)
		}
	}
	if !c.Server {
		c.Defer = false
	}
}

// Validate 检查参数组合是否合法
func (c *Config) Validate() error {
	if c.Help {
		return nil
	}
	if c.Transport == "" {
		return fmt.Errorf("%w: no transport specified", e.ErrInvalidOptions)
	}
	if c.Transport != defaultTransport {
		return fmt.Errorf("%w: %s", e.ErrUnsupportedTransport, c.Transport)
	}
	if c.Address == "" && !c.Server {
		return fmt.Errorf("%w: address is required in client mode", e.ErrInvalidOptions)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %d", e.ErrInvalidOptions, c.Timeout)
	}
	return nil
}

// JitDebugging 异常触发时才建立连接
func (c *Config) JitDebugging() bool {
	return c.OnUncaught || len(c.OnThrow) > 0
}

// Usage 参数说明
func Usage() string {
	return `Usage: agent=[<option>=<value>],...
Available options:
  transport=<transport>		Transport to use for connecting to the debugger (mandatory, possible values: 'dt_socket')
  address=<hostname>:<port>	Address to connect to (mandatory)
  loglevel=<log level>		Log level (defaults to 0)
  logfile=<file>		File to log to (defaults to stdout)
  suspend=y/n			Whether to suspend after startup.
  timeout=<n>			Timeout for connecting in milliseconds.
  server=y/n			Whether to listen for a client connection.
  onuncaught=y/n		Attach the debugger on the first uncaught exception.
  onthrow[=<type>]		Attach the debugger when an exception of <type> is thrown.
  defer=y/n			Accept the client after startup without suspending.
  launch=<program>		Start <program> with the transport and address as arguments.
  config=<file>			Load options from a toml file first.
  help				Print this help.
`
}
