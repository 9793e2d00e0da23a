package agent

import (
	"errors"
	"testing"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	"github.com/fansqz/mono-debugger-agent/debugger/simvm"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIDRegistry 每个域单独编号，域卸载后 id 解析为 UNLOADED
func TestIDRegistry(t *testing.T) {
	r := newIDRegistry()
	d1 := &debugger.Domain{Name: "d1"}
	d2 := &debugger.Domain{Name: "d2"}
	m := &debugger.Method{Name: "Foo"}

	id := r.get(d1, constants.IDKindMethod, m)
	assert.Equal(t, int32(1), id)
	assert.Equal(t, id, r.get(d1, constants.IDKindMethod, m))
	other := r.get(d2, constants.IDKindMethod, m)
	assert.Equal(t, int32(2), other)
	// 不同类别各自编号
	assert.Equal(t, int32(1), r.get(d1, constants.IDKindDomain, d1))
	assert.Equal(t, int32(0), r.get(d1, constants.IDKindType, (*debugger.Type)(nil)))

	v, domain, err := r.decode(constants.IDKindMethod, id)
	require.NoError(t, err)
	assert.Equal(t, m, v)
	assert.Equal(t, d1, domain)

	v, _, err = r.decode(constants.IDKindMethod, 0)
	assert.NoError(t, err)
	assert.Nil(t, v)

	_, _, err = r.decode(constants.IDKindMethod, 3)
	assert.True(t, errors.Is(err, e.ErrProtocolFault))
	_, isCommandErr := e.Code(err)
	assert.False(t, isCommandErr)

	r.freeDomain(d1)
	_, _, err = r.decode(constants.IDKindMethod, id)
	assert.Equal(t, e.ErrUnloaded, err)
	_, _, err = r.decode(constants.IDKindMethod, other)
	assert.NoError(t, err)
}

func TestDecodeIDWrongKind(t *testing.T) {
	r := newIDRegistry()
	d := &debugger.Domain{}
	id := r.get(d, constants.IDKindMethod, &debugger.Method{Name: "Foo"})
	buf := protocol.NewBuffer(4)
	buf.AddID(id)
	_, err := decodeID[*debugger.Type](r, constants.IDKindMethod, protocol.NewDecoder(buf.Bytes()))
	assert.True(t, errors.Is(err, e.ErrProtocolFault))

	m, err := decodeID[*debugger.Method](r, constants.IDKindMethod, protocol.NewDecoder(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "Foo", m.Name)
}

// TestObjectRegistry 对象被回收后 id 失效，同一地址上的新对象得到新的 id
func TestObjectRegistry(t *testing.T) {
	vm := simvm.New(simvm.NewBuilder())
	root := vm.RootDomain()
	r := newObjectRegistry(vm)

	assert.Equal(t, int32(0), r.idFor(nil))
	s := vm.NewString(root, "a")
	id := r.idFor(s)
	assert.NotZero(t, id)
	assert.Equal(t, id, r.idFor(s))

	o, err := r.get(id)
	require.NoError(t, err)
	assert.Equal(t, s, o)
	_, err = r.get(id + 100)
	assert.Equal(t, e.ErrInvalidObject, err)

	vm.Collect(s)
	_, err = r.get(id)
	assert.Equal(t, e.ErrInvalidObject, err)

	reused := vm.AllocAt(root, s.Class(), vm.ObjectAddress(s))
	newID := r.idFor(reused)
	assert.NotEqual(t, id, newID)

	// 断开连接时释放弱引用
	r.clear()
	_, err = r.get(newID)
	assert.Equal(t, e.ErrInvalidObject, err)
}
