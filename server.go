package main

import (
	"github.com/fansqz/mono-debugger-agent/agent"
	"github.com/fansqz/mono-debugger-agent/debugger/simvm"
	"github.com/sirupsen/logrus"
)

// runDemo 在模拟运行时中执行演示程序，调试代理按 cfg 连接客户端
// 返回演示程序的退出码
func runDemo(cfg *agent.Config, iterations int) int {
	demo := simvm.NewDemo(iterations)
	a := agent.New(cfg, demo.VM)
	demo.VM.SetHooks(a)
	if err := a.Start(); err != nil {
		logrus.Errorf("[main] start agent fail, err = %v", err)
		return 1
	}
	code := demo.Run()
	a.Stop()
	logrus.Infof("[main] demo exited with code %d, session %s is %s", code, a.SessionID(), a.Status())
	return code
}
