package utils

import (
	"context"
	"time"

	"github.com/fansqz/mono-debugger-agent/utils/gosync"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// TimeoutManager 一个计时器
// 如果在timeout时间内没有执行reset命令，就会执行fun函数
type TimeoutManager struct {
	timer          *time.Timer
	timeout        time.Duration
	resetChannel   chan bool
	chancelChannel chan bool
	done           chan struct{}
	expired        atomic.Bool
	fun            func()
}

// NewTimeoutManager 创建一个新的计时器实例
func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{}
}

// Start 开始计时
// 在timeout时间内没有执行reset命令，就会执行fun函数
func (t *TimeoutManager) Start(ctx context.Context, timeout time.Duration, option func()) {
	t.timer = time.NewTimer(timeout)
	t.timeout = timeout
	t.fun = option
	t.resetChannel = make(chan bool)
	t.chancelChannel = make(chan bool)
	t.done = make(chan struct{})
	gosync.Go(ctx, func(ctx context.Context) {
		defer close(t.done)
		for {
			select {
			case <-t.timer.C:
				logrus.Infof("[TimeoutManager] Timer expired, performing action")
				// Timer到期，执行命令
				t.expired.Store(true)
				t.fun()
				return
			case <-t.resetChannel:
				logrus.Debugf("[TimeoutManager] reset")
				if !t.timer.Stop() {
					<-t.timer.C
				}
				t.timer.Reset(t.timeout)
			case <-t.chancelChannel:
				logrus.Debugf("[TimeoutManager] chancel")
				if !t.timer.Stop() {
					<-t.timer.C // 确保Timer停止并清空通道
				}
				return
			case <-ctx.Done():
				t.timer.Stop()
				return
			}
		}
	})
}

// Reset 重置计时器，计时器已经结束时什么也不做
func (t *TimeoutManager) Reset() {
	select {
	case t.resetChannel <- true:
	case <-t.done:
	}
}

// Chancel 取消计时，计时器已经结束时什么也不做
func (t *TimeoutManager) Chancel() {
	select {
	case t.chancelChannel <- true:
	case <-t.done:
	}
}

// Expired 计时器是否已经到期并执行了fun
func (t *TimeoutManager) Expired() bool {
	return t.expired.Load()
}
