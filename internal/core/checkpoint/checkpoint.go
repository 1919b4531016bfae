// Package checkpoint reads and writes classifier parameters in the
// safetensors layout: an 8-byte little-endian header length, a JSON header
// describing every tensor, then the raw little-endian tensor data.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"neuroscan-backend/internal/core/nn"
)

const (
	DtypeF32 = "F32"
	DtypeF64 = "F64"
	DtypeI64 = "I64"

	metadataKey   = "__metadata__"
	maxHeaderSize = 100 << 20
)

type TensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

type File struct {
	Metadata map[string]string
	Tensors  map[string]*nn.Tensor

	// Integer buffers such as batch-norm counters. Only their names are kept.
	Buffers []string
}

type Entry struct {
	Name  string
	Dtype string
	Shape []int
}

func dtypeSize(dtype string) (int64, error) {
	switch dtype {
	case DtypeF32:
		return 4, nil
	case DtypeF64, DtypeI64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func numel(shape []int) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= int64(d)
	}
	return n
}

// boundedNumel is numel for untrusted shapes. It fails on negative
// dimensions and on element counts above limit, before any product can
// overflow.
func boundedNumel(shape []int, limit int64) (int64, error) {
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if d == 0 {
			return 0, nil
		}
	}
	n := int64(1)
	for _, d := range shape {
		if int64(d) > limit/n {
			return 0, fmt.Errorf("shape %v exceeds the %d elements available", shape, limit)
		}
		n *= int64(d)
	}
	return n, nil
}

func parseHeader(data []byte) (map[string]TensorInfo, map[string]string, []byte, error) {
	if len(data) < 8 {
		return nil, nil, nil, fmt.Errorf("checkpoint too short: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n > maxHeaderSize || n > uint64(len(data)-8) {
		return nil, nil, nil, fmt.Errorf("invalid header length %d", n)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid header: %w", err)
	}

	var metadata map[string]string
	infos := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, nil, fmt.Errorf("invalid metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, nil, nil, fmt.Errorf("invalid entry for %s: %w", name, err)
		}
		infos[name] = info
	}
	return infos, metadata, data[8+n:], nil
}

func checkBounds(name string, info TensorInfo, body []byte) error {
	size, err := dtypeSize(info.Dtype)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	begin, end := info.DataOffsets[0], info.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(body)) {
		return fmt.Errorf("%s: data offsets [%d, %d] outside of %d data bytes", name, begin, end, len(body))
	}
	n, err := boundedNumel(info.Shape, int64(len(body))/size)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if end-begin != n*size {
		return fmt.Errorf("%s: %d bytes do not match shape %v of %s", name, end-begin, info.Shape, info.Dtype)
	}
	return nil
}

func Read(data []byte) (*File, error) {
	infos, metadata, body, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	f := &File{Metadata: metadata, Tensors: make(map[string]*nn.Tensor, len(infos))}
	for name, info := range infos {
		if err := checkBounds(name, info, body); err != nil {
			return nil, err
		}
		raw := body[info.DataOffsets[0]:info.DataOffsets[1]]

		switch info.Dtype {
		case DtypeI64:
			f.Buffers = append(f.Buffers, name)
			continue
		case DtypeF32:
			values := make([]float32, numel(info.Shape))
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
			f.Tensors[name] = &nn.Tensor{Shape: append([]int{}, info.Shape...), Data: values}
		case DtypeF64:
			values := make([]float32, numel(info.Shape))
			for i := range values {
				values[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
			}
			f.Tensors[name] = &nn.Tensor{Shape: append([]int{}, info.Shape...), Data: values}
		}
	}
	sort.Strings(f.Buffers)
	return f, nil
}

func ReadFrom(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading checkpoint: %w", err)
	}
	return Read(data)
}

// Inspect lists the tensors of a checkpoint without decoding their data.
func Inspect(data []byte) ([]Entry, map[string]string, error) {
	infos, metadata, body, err := parseHeader(data)
	if err != nil {
		return nil, nil, err
	}
	entries := make([]Entry, 0, len(infos))
	for name, info := range infos {
		if err := checkBounds(name, info, body); err != nil {
			return nil, nil, err
		}
		entries = append(entries, Entry{Name: name, Dtype: info.Dtype, Shape: info.Shape})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, metadata, nil
}

// Write encodes tensors as F32 in name order. The header is padded with
// spaces to an 8-byte boundary.
func Write(w io.Writer, tensors map[string]*nn.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("tensor name %q is reserved", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		if int64(len(t.Data)) != numel(t.Shape) {
			return fmt.Errorf("%s: %d values do not match shape %v", name, len(t.Data), t.Shape)
		}
		size := int64(len(t.Data)) * 4
		header[name] = TensorInfo{Dtype: DtypeF32, Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("error encoding header: %w", err)
	}
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}
