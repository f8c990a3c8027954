package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize 为单条记录头部的固定长度：I + B + d*5 + Q + I。
const HeaderSize = 4 + 1 + 8*5 + 8 + 4

var (
	// ErrTruncated 表示缓冲区长度不足以容纳一条完整记录。
	ErrTruncated = errors.New("codec: record truncated")
	// ErrMalformed 表示记录头部自相矛盾（例如长度小于头部本身）。
	ErrMalformed = errors.New("codec: record malformed")
)

// Record 对应 `>IBdddddQI` 布局的一条记录。
type Record struct {
	Length   uint32 // 含全部子树的字节数
	Children uint8
	Open     float64
	Close    float64
	High     float64
	Low      float64
	Volume   float64
	Time     uint64
	Interval uint32
}

// Pack 以大端序编码记录头部。
func Pack(r Record) []byte {
	buf := make([]byte, HeaderSize)
	PackInto(buf, r)
	return buf
}

// PackInto 将记录写入 dst 前 HeaderSize 个字节，dst 长度不足时 panic。
func PackInto(dst []byte, r Record) {
	_ = dst[HeaderSize-1]

	binary.BigEndian.PutUint32(dst[0:4], r.Length)
	dst[4] = r.Children
	binary.BigEndian.PutUint64(dst[5:13], math.Float64bits(r.Open))
	binary.BigEndian.PutUint64(dst[13:21], math.Float64bits(r.Close))
	binary.BigEndian.PutUint64(dst[21:29], math.Float64bits(r.High))
	binary.BigEndian.PutUint64(dst[29:37], math.Float64bits(r.Low))
	binary.BigEndian.PutUint64(dst[37:45], math.Float64bits(r.Volume))
	binary.BigEndian.PutUint64(dst[45:53], r.Time)
	binary.BigEndian.PutUint32(dst[53:57], r.Interval)
}

// Unpack 解码记录头部。缓冲区不完整时不返回任何部分字段。
func Unpack(buf []byte) (Record, error) {
	if len(buf) < HeaderSize {
		return Record{}, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(buf), HeaderSize)
	}

	r := Record{
		Length:   binary.BigEndian.Uint32(buf[0:4]),
		Children: buf[4],
		Open:     math.Float64frombits(binary.BigEndian.Uint64(buf[5:13])),
		Close:    math.Float64frombits(binary.BigEndian.Uint64(buf[13:21])),
		High:     math.Float64frombits(binary.BigEndian.Uint64(buf[21:29])),
		Low:      math.Float64frombits(binary.BigEndian.Uint64(buf[29:37])),
		Volume:   math.Float64frombits(binary.BigEndian.Uint64(buf[37:45])),
		Time:     binary.BigEndian.Uint64(buf[45:53]),
		Interval: binary.BigEndian.Uint32(buf[53:57]),
	}

	if r.Length < HeaderSize {
		return Record{}, fmt.Errorf("%w: length %d below header size", ErrMalformed, r.Length)
	}
	if r.Children > 0 && r.Length < HeaderSize*uint32(1+int(r.Children)) {
		return Record{}, fmt.Errorf("%w: length %d cannot hold %d children", ErrMalformed, r.Length, r.Children)
	}

	return r, nil
}

// PeekLength 读取记录开头的长度前缀。
func PeekLength(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("%w: length prefix needs 4 bytes, have %d", ErrTruncated, len(buf))
	}
	return binary.BigEndian.Uint32(buf[0:4]), nil
}
