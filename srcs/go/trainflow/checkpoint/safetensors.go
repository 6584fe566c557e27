package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// Consolidated weights are written in the safetensors interchange
// format: an 8-byte little-endian header length, a JSON header mapping
// tensor names to dtype, shape and byte offsets, then the raw
// little-endian tensor data back to back.

type tensorMeta struct {
	Dtype       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafetensors writes float32 tensors to path. Tensors are laid out
// in lexicographic name order so the output is byte-stable.
func WriteSafetensors(path string, tensors map[string][]float32) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorMeta, len(tensors))
	var offset int64
	for _, name := range names {
		n := int64(len(tensors[name]))
		header[name] = tensorMeta{
			Dtype:       "F32",
			Shape:       []int64{n},
			DataOffsets: [2]int64{offset, offset + 4*n},
		}
		offset += 4 * n
	}
	hbs, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encode safetensors header")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create safetensors file")
	}
	defer f.Close()
	var hlen [8]byte
	binary.LittleEndian.PutUint64(hlen[:], uint64(len(hbs)))
	if _, err := f.Write(hlen[:]); err != nil {
		return err
	}
	if _, err := f.Write(hbs); err != nil {
		return err
	}
	buf := make([]byte, 0, 4096)
	for _, name := range names {
		buf = buf[:0]
		for _, v := range tensors[name] {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		if _, err := f.Write(buf); err != nil {
			return err
		}
	}
	return f.Sync()
}

var errMalformedSafetensors = errors.New("malformed safetensors file")

// ReadSafetensors reads a file written by WriteSafetensors. Only F32
// tensors are supported.
func ReadSafetensors(path string) (map[string][]float32, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read safetensors file")
	}
	if len(bs) < 8 {
		return nil, errMalformedSafetensors
	}
	hlen := binary.LittleEndian.Uint64(bs[:8])
	if uint64(len(bs)-8) < hlen {
		return nil, errMalformedSafetensors
	}
	var header map[string]tensorMeta
	if err := json.Unmarshal(bs[8:8+hlen], &header); err != nil {
		return nil, errors.Wrap(err, "decode safetensors header")
	}
	delete(header, "__metadata__")
	data := bs[8+hlen:]
	out := make(map[string][]float32, len(header))
	for name, meta := range header {
		if meta.Dtype != "F32" {
			return nil, errors.Errorf("tensor %s: unsupported dtype %s", name, meta.Dtype)
		}
		b, e := meta.DataOffsets[0], meta.DataOffsets[1]
		if b < 0 || e < b || e > int64(len(data)) || (e-b)%4 != 0 {
			return nil, errors.Wrapf(errMalformedSafetensors, "tensor %s offsets", name)
		}
		vals := make([]float32, (e-b)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[b+int64(4*i):]))
		}
		out[name] = vals
	}
	return out, nil
}
