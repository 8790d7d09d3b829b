// Package ieee754 decodes little-endian IEEE 754 floating point immediates.
package ieee754

import (
	"encoding/binary"
	"io"
	"math"
)

// DecodeFloat32 reads four little-endian bytes as a float32.
func DecodeFloat32(r io.Reader) (float32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[:])), nil
}

// DecodeFloat64 reads eight little-endian bytes as a float64.
func DecodeFloat64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), nil
}
