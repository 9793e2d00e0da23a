package utils

import "sync"

const (
	// Init 调试代理尚未初始化
	Init = "init"
	// Waiting 等待调试客户端连接
	Waiting = "waiting"
	// Attached 调试客户端已连接
	Attached = "attached"
	// Disconnected 客户端已断开（DISPOSE 或传输错误）
	Disconnected = "disconnected"
	// Finish 运行时已退出，调试结束
	Finish = "finish"
)

// StatusManager 记录状态机当前所处的状态
type StatusManager struct {
	lock   sync.RWMutex
	status string
}

// NewStatusManager 创建状态机，initial 为空时初始状态为 Init
func NewStatusManager(initial ...string) *StatusManager {
	status := Init
	if len(initial) > 0 {
		status = initial[0]
	}
	return &StatusManager{
		status: status,
	}
}

func (s *StatusManager) Set(status string) {
	defer s.lock.Unlock()
	s.lock.Lock()
	s.status = status
}

func (s *StatusManager) Get() string {
	defer s.lock.RUnlock()
	s.lock.RLock()
	return s.status
}

func (s *StatusManager) Is(statusList ...string) bool {
	defer s.lock.RUnlock()
	s.lock.RLock()
	for _, status := range statusList {
		if s.status == status {
			return true
		}
	}
	return false
}

// Transfer 当前状态属于 from 时切换到 to，返回是否切换成功
func (s *StatusManager) Transfer(to string, from ...string) bool {
	defer s.lock.Unlock()
	s.lock.Lock()
	for _, status := range from {
		if s.status == status {
			s.status = to
			return true
		}
	}
	return false
}
