package agent

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"

	"github.com/creack/pty"
	"github.com/fansqz/mono-debugger-agent/utils/gosync"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// launchClient 启动 launch 选项指定的调试客户端，参数为 transport address
// 客户端运行在一个虚拟终端上，它的输出按行写入日志
func (a *Agent) launchClient() error {
	ptm, pts, err := pty.Open()
	if err != nil {
		logrus.Errorf("[Agent] pty open fail, err = %v", err)
		return fmt.Errorf("launch %s: %w", a.cfg.Launch, err)
	}
	if _, err = term.MakeRaw(int(ptm.Fd())); err != nil {
		logrus.Errorf("[Agent] make raw fail, err = %v", err)
		_ = ptm.Close()
		_ = pts.Close()
		return fmt.Errorf("launch %s: %w", a.cfg.Launch, err)
	}

	cmd := exec.Command(a.cfg.Launch, a.cfg.Transport, a.cfg.Address)
	cmd.Stdin = pts
	cmd.Stdout = pts
	cmd.Stderr = pts
	if err = cmd.Start(); err != nil {
		_ = ptm.Close()
		_ = pts.Close()
		return fmt.Errorf("failed to execute '%s': %w", a.cfg.Launch, err)
	}
	// 子进程已经持有终端从端
	_ = pts.Close()
	logrus.Infof("[Agent] Launched %s (pid %d).", a.cfg.Launch, cmd.Process.Pid)

	gosync.Go(context.Background(), func(ctx context.Context) {
		scanner := bufio.NewScanner(ptm)
		for scanner.Scan() {
			logrus.Infof("[Agent] [%s] %s", a.cfg.Launch, scanner.Text())
		}
	})
	gosync.Go(context.Background(), func(ctx context.Context) {
		err := cmd.Wait()
		logrus.Infof("[Agent] %s exited, err = %v", a.cfg.Launch, err)
		_ = ptm.Close()
	})
	return nil
}
