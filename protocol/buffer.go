package protocol

import (
	"encoding/binary"
)

// Buffer 协议报文的写缓冲，所有多字节整数均为大端序
type Buffer struct {
	data []byte
}

// NewBuffer 创建一个初始容量为 size 的缓冲
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, 0, size)}
}

// Len 已写入的字节数
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap 当前容量
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Bytes 返回已写入的内容
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Reset 清空内容，保留容量
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// makeRoom 保证还能写入 size 字节，扩容后的容量为 cap + size + 32
func (b *Buffer) makeRoom(size int) {
	if len(b.data)+size <= cap(b.data) {
		return
	}
	grown := make([]byte, len(b.data), cap(b.data)+size+32)
	copy(grown, b.data)
	b.data = grown
}

func (b *Buffer) AddByte(v byte) {
	b.makeRoom(1)
	b.data = append(b.data, v)
}

func (b *Buffer) AddBool(v bool) {
	if v {
		b.AddByte(1)
	} else {
		b.AddByte(0)
	}
}

func (b *Buffer) AddInt(v int32) {
	b.makeRoom(4)
	b.data = binary.BigEndian.AppendUint32(b.data, uint32(v))
}

// AddLong 先写高 32 位再写低 32 位
func (b *Buffer) AddLong(v int64) {
	b.AddInt(int32(uint64(v) >> 32))
	b.AddInt(int32(uint64(v) & 0xffffffff))
}

// AddID 实体 id 统一按 4 字节写入，0 表示空
func (b *Buffer) AddID(id int32) {
	b.AddInt(id)
}

// AddString 长度前缀 + UTF-8 字节，空串只写长度 0
func (b *Buffer) AddString(s string) {
	b.AddInt(int32(len(s)))
	b.AddData([]byte(s))
}

func (b *Buffer) AddData(data []byte) {
	b.makeRoom(len(data))
	b.data = append(b.data, data...)
}

// SetByte 覆盖已写入位置 pos 的字节
func (b *Buffer) SetByte(pos int, v byte) {
	b.data[pos] = v
}
