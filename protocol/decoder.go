package protocol

import (
	"encoding/binary"

	e "github.com/fansqz/mono-debugger-agent/error"
)

// Decoder 按协议格式读取报文负载
// 越界读取后 err 被置位，之后所有读取都返回零值，调用方在处理结束后检查 Err
type Decoder struct {
	data []byte
	pos  int
	err  error
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Err 第一次越界读取产生的错误
func (d *Decoder) Err() error {
	return d.err
}

// Pos 当前读取位置
func (d *Decoder) Pos() int {
	return d.pos
}

// Seek 回到之前记录的读取位置，同时清除错误
func (d *Decoder) Seek(pos int) {
	d.pos = pos
	d.err = nil
}

// Remaining 尚未读取的字节
func (d *Decoder) Remaining() []byte {
	if d.pos >= len(d.data) {
		return nil
	}
	return d.data[d.pos:]
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.err = e.Fault("read of %d bytes at offset %d overruns payload of %d bytes", n, d.pos, len(d.data))
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) Byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool {
	return d.Byte() != 0
}

func (d *Decoder) Int() int32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (d *Decoder) Long() int64 {
	high := uint32(d.Int())
	low := uint32(d.Int())
	return int64(uint64(high)<<32 | uint64(low))
}

func (d *Decoder) ID() int32 {
	return d.Int()
}

func (d *Decoder) Str() string {
	n := d.Int()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}
