package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fansqz/mono-debugger-agent/constants"
	e "github.com/fansqz/mono-debugger-agent/error"
)

// Packet 一个完整的协议报文
// 命令报文使用 CommandSet/Command，回复报文（Flags == ReplyFlag）使用 ErrorCode
type Packet struct {
	ID         int32
	Flags      byte
	CommandSet constants.CommandSet
	Command    byte
	ErrorCode  constants.ErrorCode
	Data       []byte
}

// IsReply 是否为回复报文
func (p *Packet) IsReply() bool {
	return p.Flags == constants.ReplyFlag
}

// ReadPacket 读取一个报文
// 连接在报文头中途关闭时返回 io.EOF 或 io.ErrUnexpectedEOF
func ReadPacket(r io.Reader) (*Packet, error) {
	header := make([]byte, constants.HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length < constants.HeaderLength {
		return nil, fmt.Errorf("%w: length %d", e.ErrShortPacket, length)
	}
	if length > constants.MaxPacketLength {
		// 长度字段来自对端，分配前先检查
		return nil, fmt.Errorf("%w: length %d", e.ErrPacketTooLarge, length)
	}
	p := &Packet{
		ID:    int32(binary.BigEndian.Uint32(header[4:8])),
		Flags: header[8],
	}
	if p.IsReply() {
		p.ErrorCode = constants.ErrorCode(binary.BigEndian.Uint16(header[9:11]))
	} else {
		p.CommandSet = constants.CommandSet(header[9])
		p.Command = header[10]
	}
	p.Data = make([]byte, length-constants.HeaderLength)
	if _, err := io.ReadFull(r, p.Data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

func encodeHeader(length int, id int32, flags, b1, b2 byte) []byte {
	header := make([]byte, constants.HeaderLength, constants.HeaderLength+length)
	binary.BigEndian.PutUint32(header[0:4], uint32(constants.HeaderLength+length))
	binary.BigEndian.PutUint32(header[4:8], uint32(id))
	header[8] = flags
	header[9] = b1
	header[10] = b2
	return header
}

// EncodeCommand 组装命令报文
func EncodeCommand(id int32, set constants.CommandSet, cmd byte, data []byte) []byte {
	return append(encodeHeader(len(data), id, 0, byte(set), cmd), data...)
}

// EncodeReply 组装回复报文
func EncodeReply(id int32, code constants.ErrorCode, data []byte) []byte {
	return append(encodeHeader(len(data), id, constants.ReplyFlag, byte(code>>8), byte(code&0xff)), data...)
}

// WriteCommand 写入命令报文，报文只调用一次 Write
func WriteCommand(w io.Writer, id int32, set constants.CommandSet, cmd byte, data []byte) error {
	_, err := w.Write(EncodeCommand(id, set, cmd, data))
	return err
}

// WriteReply 写入回复报文
func WriteReply(w io.Writer, id int32, code constants.ErrorCode, data []byte) error {
	_, err := w.Write(EncodeReply(id, code, data))
	return err
}
