// Package leb128 reads and writes the variable-length integers used throughout the binary format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#integers%E2%91%A4
package leb128

import (
	"errors"
	"fmt"
	"io"
)

const (
	maxVarintLen32 = 5
	maxVarintLen33 = maxVarintLen32
	maxVarintLen64 = 10
)

var (
	errOverflow32 = errors.New("overflows a 32-bit integer")
	errOverflow33 = errors.New("overflows a 33-bit integer")
	errOverflow64 = errors.New("overflows a 64-bit integer")
)

// EncodeInt32 encodes the signed value into a buffer in LEB128 format
func EncodeInt32(value int32) []byte {
	return EncodeInt64(int64(value))
}

// EncodeInt64 encodes the signed value into a buffer in LEB128 format
func EncodeInt64(value int64) (buf []byte) {
	for {
		// Take 7 remaining low-order bits from the value into b.
		b := uint8(value & 0x7f)
		// Extract the sign bit.
		s := uint8(value & 0x40)
		value >>= 7

		// The encoding unit continues unless the remaining bits are all sign bits.
		if (value != -1 || s == 0) && (value != 0 || s != 0) {
			b |= 0x80
		}

		buf = append(buf, b)
		if b&0x80 == 0 {
			break
		}
	}
	return buf
}

// EncodeUint32 encodes the value into a buffer in LEB128 format
func EncodeUint32(value uint32) []byte {
	return EncodeUint64(uint64(value))
}

// EncodeUint64 encodes the value into a buffer in LEB128 format
func EncodeUint64(value uint64) (buf []byte) {
	for {
		b := uint8(value & 0x7f)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if b&0x80 == 0 {
			return buf
		}
	}
}

// DecodeUint32 reads an unsigned 32-bit integer, returning it and the count of bytes read.
func DecodeUint32(r io.ByteReader) (ret uint32, bytesRead uint64, err error) {
	v, n, err := decodeUnsigned(r, maxVarintLen32)
	if err != nil {
		return 0, n, err
	}
	if v > 0xffffffff {
		return 0, n, errOverflow32
	}
	return uint32(v), n, nil
}

// DecodeUint64 reads an unsigned 64-bit integer, returning it and the count of bytes read.
func DecodeUint64(r io.ByteReader) (ret uint64, bytesRead uint64, err error) {
	return decodeUnsigned(r, maxVarintLen64)
}

func decodeUnsigned(r io.ByteReader, maxLen uint64) (ret uint64, bytesRead uint64, err error) {
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, bytesRead, fmt.Errorf("readByte failed: %w", err)
		}
		bytesRead++
		ret |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return ret, bytesRead, nil
		}
		shift += 7
		if bytesRead == maxLen {
			if maxLen == maxVarintLen32 {
				return 0, bytesRead, errOverflow32
			}
			return 0, bytesRead, errOverflow64
		}
	}
}

// DecodeInt32 reads a signed 32-bit integer, returning it and the count of bytes read.
func DecodeInt32(r io.ByteReader) (ret int32, bytesRead uint64, err error) {
	v, n, err := decodeSigned(r, maxVarintLen32)
	if err != nil {
		if errors.Is(err, errOverflow64) {
			err = errOverflow32
		}
		return 0, n, err
	}
	if v < -1<<31 || v > 1<<31-1 {
		return 0, n, errOverflow32
	}
	return int32(v), n, nil
}

// DecodeInt33AsInt64 reads a signed 33-bit integer, which is how block types carry a type index.
func DecodeInt33AsInt64(r io.ByteReader) (ret int64, bytesRead uint64, err error) {
	v, n, err := decodeSigned(r, maxVarintLen33)
	if err != nil {
		if errors.Is(err, errOverflow64) {
			err = errOverflow33
		}
		return 0, n, err
	}
	if v < -1<<32 || v > 1<<32-1 {
		return 0, n, errOverflow33
	}
	return v, n, nil
}

// DecodeInt64 reads a signed 64-bit integer, returning it and the count of bytes read.
func DecodeInt64(r io.ByteReader) (ret int64, bytesRead uint64, err error) {
	return decodeSigned(r, maxVarintLen64)
}

func decodeSigned(r io.ByteReader, maxLen uint64) (ret int64, bytesRead uint64, err error) {
	var shift uint
	var b byte
	for {
		if b, err = r.ReadByte(); err != nil {
			return 0, bytesRead, fmt.Errorf("readByte failed: %w", err)
		}
		bytesRead++
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if bytesRead == maxLen {
			return 0, bytesRead, errOverflow64
		}
	}
	// Sign extend when the last byte carries the sign bit.
	if shift < 64 && b&0x40 != 0 {
		ret |= -1 << shift
	}
	return ret, bytesRead, nil
}
