package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fansqz/mono-debugger-agent/agent"
	"github.com/sirupsen/logrus"
)

// 定义版本号
const Version = "2.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Show the version number")
	options := flag.String("agent", "", "Agent options, e.g. transport=dt_socket,address=127.0.0.1:10000")
	configFile := flag.String("config", "", "Agent config file (toml)")
	iterations := flag.Int("demo", 3, "Iterations of the demo program")
	flag.Parse()

	// 检查是否需要显示版本信息
	if *showVersion {
		fmt.Printf("Version: %s\n", Version)
		return
	}

	opts := *options
	if *configFile != "" {
		// 参数串中的其它项优先
		opts = "config=" + *configFile + "," + opts
	}
	cfg, err := agent.ParseOptions(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n%s", err, agent.Usage())
		os.Exit(1)
	}
	if cfg.Help {
		fmt.Print(agent.Usage())
		return
	}

	//启动日志
	if err = SetupLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "setup logger fail, err = %v\n", err)
		os.Exit(1)
	}
	code := runDemo(cfg, *iterations)
	CloseLogger()
	logrus.Exit(code)
}
