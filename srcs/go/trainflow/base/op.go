package base

import "fmt"

type OP uint8

const (
	SUM  OP = iota + 1 // 1
	MIN
	MAX
	PROD
)

var opNames = map[OP]string{
	SUM:  "sum",
	MIN:  "min",
	MAX:  "max",
	PROD: "prod",
}

func (o OP) String() string {
	return opNames[o]
}

// Transform performs y[i] = op(y[i], x[i]) for vectors y and x.
func Transform(y, x *Vector, op OP) {
	Transform2(y, y, x, op)
}

// Transform2 performs z[i] = op(x[i], y[i]) for vectors z, x, y.
// Count and Type of all three vectors must be consistent.
func Transform2(z, x, y *Vector, op OP) {
	switch z.Type {
	case F32:
		transformSlice(z.AsF32(), x.AsF32(), y.AsF32(), op)
	case F64:
		transformSlice(z.AsF64(), x.AsF64(), y.AsF64(), op)
	case I32:
		transformSlice(z.AsI32(), x.AsI32(), y.AsI32(), op)
	case I64:
		transformSlice(z.AsI64(), x.AsI64(), y.AsI64(), op)
	case I8:
		transformSlice(z.AsI8(), x.AsI8(), y.AsI8(), op)
	case U8:
		transformSlice(z.Data, x.Data, y.Data, op)
	default:
		panic(fmt.Sprintf("Transform2: unsupported dtype %s", z.Type))
	}
}

type number interface {
	~int8 | ~int32 | ~int64 | ~uint8 | ~float32 | ~float64
}

func transformSlice[T number](z, x, y []T, op OP) {
	switch op {
	case SUM:
		for i := range z {
			z[i] = x[i] + y[i]
		}
	case MIN:
		for i := range z {
			if x[i] < y[i] {
				z[i] = x[i]
			} else {
				z[i] = y[i]
			}
		}
	case MAX:
		for i := range z {
			if x[i] > y[i] {
				z[i] = x[i]
			} else {
				z[i] = y[i]
			}
		}
	case PROD:
		for i := range z {
			z[i] = x[i] * y[i]
		}
	default:
		panic(fmt.Sprintf("Transform2: unsupported op %s", op))
	}
}

// Scale performs v[i] *= a in place for float vectors. It is used to
// turn a SUM all-reduce into an average.
func Scale(v *Vector, a float64) {
	switch v.Type {
	case F32:
		xs := v.AsF32()
		for i := range xs {
			xs[i] *= float32(a)
		}
	case F64:
		xs := v.AsF64()
		for i := range xs {
			xs[i] *= a
		}
	default:
		panic(fmt.Sprintf("Scale: unsupported dtype %s", v.Type))
	}
}
