package main

import (
	"os"

	"github.com/fansqz/mono-debugger-agent/agent"
	"github.com/sirupsen/logrus"
)

var logFile *os.File

// logLevels loglevel 参数到日志级别的映射，大于 3 的都按 Trace 处理
var logLevels = map[int]logrus.Level{
	0: logrus.WarnLevel,
	1: logrus.InfoLevel,
	2: logrus.DebugLevel,
	3: logrus.TraceLevel,
}

func SetupLogger(cfg *agent.Config) error {
	level, ok := logLevels[cfg.LogLevel]
	if !ok {
		level = logrus.TraceLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.LogFile == "" {
		logrus.SetOutput(os.Stdout)
		return nil
	}
	// 打开文件
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	logFile = f
	logrus.SetOutput(logFile)
	return nil
}

func CloseLogger() {
	if logFile != nil {
		logrus.SetOutput(os.Stdout)
		_ = logFile.Close()
		logFile = nil
	}
}
