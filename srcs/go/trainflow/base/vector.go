package base

import (
	"fmt"
	"unsafe"

	"github.com/x448/float16"

	"github.com/videoml/trainflow/srcs/go/utils/assert"
)

type Vector struct {
	Data  []byte
	Count int
	Type  DataType
}

func NewVector(count int, dtype DataType) *Vector {
	return &Vector{
		Data:  make([]byte, count*dtype.Size()),
		Count: count,
		Type:  dtype,
	}
}

func (b *Vector) Slice(begin, end int) *Vector {
	return &Vector{
		Data:  b.Data[begin*b.Type.Size() : end*b.Type.Size()],
		Count: end - begin,
		Type:  b.Type,
	}
}

func (b *Vector) CopyFrom(c *Vector) {
	assert.OK(b.copyFrom(c))
}

func (b *Vector) copyFrom(c *Vector) error {
	if b.Count != c.Count {
		return fmt.Errorf("Vector::Copy error: inconsistent count: %d vs %d", b.Count, c.Count)
	}
	if b.Type != c.Type {
		return fmt.Errorf("Vector::Copy error: inconsistent type: %d vs %d", b.Type, c.Type)
	}
	copy(b.Data, c.Data)
	return nil
}

func (b *Vector) AsF32() []float32 {
	assert.True(b.Type == F32)
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsF64() []float64 {
	assert.True(b.Type == F64)
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsI8() []int8 {
	assert.True(b.Type == I8)
	return unsafe.Slice((*int8)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsI32() []int32 {
	assert.True(b.Type == I32)
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsI64() []int64 {
	assert.True(b.Type == I64)
	return unsafe.Slice((*int64)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsF16() []uint16 {
	assert.True(b.Type == F16)
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b.Data[0])), b.Count)
}

// ToF32 returns a full-precision copy of the vector. F16 payloads are
// upcast bit-exactly; F32 is copied as is.
func (b *Vector) ToF32() *Vector {
	switch b.Type {
	case F32:
		c := NewVector(b.Count, F32)
		c.CopyFrom(b)
		return c
	case F16:
		c := NewVector(b.Count, F32)
		dst := c.AsF32()
		for i, bits := range b.AsF16() {
			dst[i] = float16.Frombits(bits).Float32()
		}
		return c
	case F64:
		c := NewVector(b.Count, F32)
		dst := c.AsF32()
		for i, v := range b.AsF64() {
			dst[i] = float32(v)
		}
		return c
	default:
		panic(fmt.Sprintf("ToF32: unsupported dtype %s", b.Type))
	}
}

// F32ToF16 converts a float32 slice to IEEE 754 half-precision bits.
func F32ToF16(xs []float32) []uint16 {
	out := make([]uint16, len(xs))
	for i, x := range xs {
		out[i] = float16.Fromfloat32(x).Bits()
	}
	return out
}
