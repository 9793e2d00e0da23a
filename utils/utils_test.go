package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusManager(t *testing.T) {
	s := NewStatusManager()
	assert.True(t, s.Is(Init))
	s.Set(Attached)
	assert.True(t, s.Is(Waiting, Attached))
	assert.False(t, s.Transfer(Finish, Init))
	assert.True(t, s.Transfer(Disconnected, Attached))
	assert.Equal(t, Disconnected, s.Get())

	custom := NewStatusManager("running")
	assert.Equal(t, "running", custom.Get())
}

// TestTimeoutManager 到期执行回调，到期之后 Chancel 不会阻塞
func TestTimeoutManager(t *testing.T) {
	fired := make(chan struct{})
	tm := NewTimeoutManager()
	tm.Start(context.Background(), 20*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	tm.Chancel()
	assert.True(t, tm.Expired())
}

func TestTimeoutManagerChancel(t *testing.T) {
	tm := NewTimeoutManager()
	tm.Start(context.Background(), time.Hour, func() { t.Error("should not fire") })
	tm.Reset()
	tm.Chancel()
	tm.Chancel()
	assert.False(t, tm.Expired())
}

func TestUintptrComparator(t *testing.T) {
	assert.Equal(t, -1, UintptrComparator(uintptr(1), uintptr(2)))
	assert.Equal(t, 0, UintptrComparator(uintptr(2), uintptr(2)))
	assert.Equal(t, 1, UintptrComparator(uintptr(3), uintptr(2)))
	assert.Equal(t, 2, List2set([]int{1, 2, 2}).Size())
	assert.NotEmpty(t, GetUUID())
}
