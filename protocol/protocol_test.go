package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fansqz/mono-debugger-agent/constants"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBufferEncoding 测试大端序编码以及 long/string 的格式
func TestBufferEncoding(t *testing.T) {
	buf := NewBuffer(0)
	buf.AddByte(0x7)
	buf.AddInt(-2)
	buf.AddLong(0x0102030405060708)
	buf.AddString("ab")
	buf.AddString("")
	assert.Equal(t, []byte{
		0x07,
		0xff, 0xff, 0xff, 0xfe,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x00, 0x00, 0x00, 0x02, 'a', 'b',
		0x00, 0x00, 0x00, 0x00,
	}, buf.Bytes())
}

// TestBufferGrowth 扩容后容量为 cap + size + 32
func TestBufferGrowth(t *testing.T) {
	buf := NewBuffer(4)
	buf.AddInt(1)
	assert.Equal(t, 4, buf.Cap())
	buf.AddByte(2)
	assert.Equal(t, 4+1+32, buf.Cap())
	buf.AddData(make([]byte, 100))
	assert.Equal(t, 37+100+32, buf.Cap())
	assert.Equal(t, 105, buf.Len())
}

func TestBufferSetByte(t *testing.T) {
	buf := NewBuffer(16)
	buf.AddByte(0)
	buf.AddInt(3)
	buf.SetByte(0, 2)
	assert.Equal(t, byte(2), buf.Bytes()[0])
}

// TestDecoder 读取与写入对称
func TestDecoder(t *testing.T) {
	buf := NewBuffer(32)
	buf.AddByte(9)
	buf.AddInt(123456)
	buf.AddLong(-5)
	buf.AddString("DWP")
	buf.AddID(42)

	d := NewDecoder(buf.Bytes())
	assert.Equal(t, byte(9), d.Byte())
	assert.Equal(t, int32(123456), d.Int())
	assert.Equal(t, int64(-5), d.Long())
	assert.Equal(t, "DWP", d.Str())
	assert.Equal(t, int32(42), d.ID())
	assert.Nil(t, d.Err())
	assert.Empty(t, d.Remaining())
}

// TestDecoderOverrun 越界读取是协议错误，并且错误会一直保留
func TestDecoderOverrun(t *testing.T) {
	d := NewDecoder([]byte{0, 0})
	assert.Equal(t, int32(0), d.Int())
	assert.True(t, errors.Is(d.Err(), e.ErrProtocolFault))
	assert.Equal(t, byte(0), d.Byte())
	assert.True(t, errors.Is(d.Err(), e.ErrProtocolFault))

	// 字符串长度超出负载
	buf := NewBuffer(8)
	buf.AddInt(100)
	d = NewDecoder(buf.Bytes())
	assert.Equal(t, "", d.Str())
	assert.NotNil(t, d.Err())

	// Seek 清除错误
	d.Seek(0)
	assert.Nil(t, d.Err())
	assert.Equal(t, int32(100), d.Int())
}

// TestPacketRoundTrip 命令报文和回复报文的头部布局
func TestPacketRoundTrip(t *testing.T) {
	var w bytes.Buffer
	require.Nil(t, WriteCommand(&w, 7, constants.CommandSetVM, constants.CmdVMVersion, nil))
	raw := w.Bytes()
	assert.Equal(t, []byte{0, 0, 0, 11, 0, 0, 0, 7, 0, 1, 1}, raw)

	p, err := ReadPacket(&w)
	require.Nil(t, err)
	assert.False(t, p.IsReply())
	assert.Equal(t, int32(7), p.ID)
	assert.Equal(t, constants.CommandSetVM, p.CommandSet)
	assert.Equal(t, constants.CmdVMVersion, p.Command)
	assert.Empty(t, p.Data)

	w.Reset()
	require.Nil(t, WriteReply(&w, 7, constants.ErrNotSuspended, []byte{1, 2}))
	assert.Equal(t, []byte{0, 0, 0, 13, 0, 0, 0, 7, 0x80, 0, 101, 1, 2}, w.Bytes())
	p, err = ReadPacket(&w)
	require.Nil(t, err)
	assert.True(t, p.IsReply())
	assert.Equal(t, constants.ErrNotSuspended, p.ErrorCode)
	assert.Equal(t, []byte{1, 2}, p.Data)
}

// TestReadPacketErrors 短报文与中途断开
func TestReadPacketErrors(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader([]byte{0, 0, 0}))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	_, err = ReadPacket(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, io.EOF))

	_, err = ReadPacket(bytes.NewReader([]byte{0, 0, 0, 5, 0, 0, 0, 1, 0, 1, 1}))
	assert.True(t, errors.Is(err, e.ErrShortPacket))

	_, err = ReadPacket(bytes.NewReader([]byte{0, 0, 0, 20, 0, 0, 0, 1, 0, 1, 1, 9}))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

// TestReadPacketTooLarge 超长的长度字段在分配内存之前被拒绝
func TestReadPacketTooLarge(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xf0, 0, 0, 0, 1, 0, 1, 1}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, e.ErrPacketTooLarge))

	// 恰好等于上限的报文头是合法的，只是数据不完整
	header := EncodeCommand(1, constants.CommandSetVM, constants.CmdVMVersion, nil)
	binary.BigEndian.PutUint32(header[0:4], constants.MaxPacketLength)
	_, err = ReadPacket(bytes.NewReader(header))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	binary.BigEndian.PutUint32(header[0:4], constants.MaxPacketLength+1)
	_, err = ReadPacket(bytes.NewReader(header))
	assert.True(t, errors.Is(err, e.ErrPacketTooLarge))
}

// TestHandshake 双方交换握手字符串
func TestHandshake(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	defer listener.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- Handshake(conn, 0)
	}()
	client, err := net.Dial("tcp", listener.Addr().String())
	require.Nil(t, err)
	defer client.Close()
	assert.Nil(t, Handshake(client, time.Second))
	assert.Nil(t, <-done)
}

func TestHandshakeMismatch(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- Handshake(server, 0)
	}()
	go func() {
		buf := make([]byte, len(constants.Handshake))
		_, _ = io.ReadFull(client, buf)
		_, _ = client.Write([]byte("XXX-Handshake"))
	}()
	err := <-done
	assert.True(t, errors.Is(err, e.ErrHandshakeFailed))
}
