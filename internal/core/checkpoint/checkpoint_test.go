package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"neuroscan-backend/internal/core/nn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFile(t *testing.T, header map[string]any, body []byte) []byte {
	hdr, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(hdr))))
	buf.Write(hdr)
	buf.Write(body)
	return buf.Bytes()
}

func TestWriteThenRead(t *testing.T) {
	a, err := nn.FromData([]float32{1, -2, 3.5, 4, 0, 6}, 2, 3)
	require.NoError(t, err)
	b, err := nn.FromData([]float32{0.25}, 1)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, map[string]*nn.Tensor{"fc.weight": a, "fc.bias": b}, map[string]string{"labels": "x,y"}))

	// Header length is padded to a multiple of 8.
	assert.Zero(t, binary.LittleEndian.Uint64(buf.Bytes()[:8])%8)

	f, err := ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"labels": "x,y"}, f.Metadata)
	require.Len(t, f.Tensors, 2)
	assert.Equal(t, a.Shape, f.Tensors["fc.weight"].Shape)
	assert.Equal(t, a.Data, f.Tensors["fc.weight"].Data)
	assert.Equal(t, b.Data, f.Tensors["fc.bias"].Data)
	assert.Empty(t, f.Buffers)
}

func TestReadConvertsF64AndKeepsIntegerBufferNames(t *testing.T) {
	body := make([]byte, 16+8)
	binary.LittleEndian.PutUint64(body[0:], math.Float64bits(1.5))
	binary.LittleEndian.PutUint64(body[8:], math.Float64bits(-0.25))
	binary.LittleEndian.PutUint64(body[16:], 42)

	data := rawFile(t, map[string]any{
		"bn.running_var":         TensorInfo{Dtype: DtypeF64, Shape: []int{2}, DataOffsets: [2]int64{0, 16}},
		"bn.num_batches_tracked": TensorInfo{Dtype: DtypeI64, Shape: []int{}, DataOffsets: [2]int64{16, 24}},
	}, body)

	f, err := Read(data)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -0.25}, f.Tensors["bn.running_var"].Data)
	assert.Equal(t, []string{"bn.num_batches_tracked"}, f.Buffers)
	assert.NotContains(t, f.Tensors, "bn.num_batches_tracked")
}

func TestReadRejectsMalformedFiles(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{1, 2, 3}},
		{"header too long", func() []byte {
			b := make([]byte, 12)
			binary.LittleEndian.PutUint64(b, 100)
			return b
		}()},
		{"header not json", rawFileBytes([]byte("not json"), nil)},
		{"offsets outside body", rawFile(t, map[string]any{
			"w": TensorInfo{Dtype: DtypeF32, Shape: []int{4}, DataOffsets: [2]int64{0, 16}},
		}, make([]byte, 8))},
		{"size does not match shape", rawFile(t, map[string]any{
			"w": TensorInfo{Dtype: DtypeF32, Shape: []int{3}, DataOffsets: [2]int64{0, 8}},
		}, make([]byte, 8))},
		{"element count overflows", rawFile(t, map[string]any{
			"w": TensorInfo{Dtype: DtypeF32, Shape: []int{1 << 62, 2}, DataOffsets: [2]int64{0, 0}},
		}, nil)},
		{"shape larger than body", rawFile(t, map[string]any{
			"w": TensorInfo{Dtype: DtypeF32, Shape: []int{1 << 40}, DataOffsets: [2]int64{0, 8}},
		}, make([]byte, 8))},
		{"negative dimension", rawFile(t, map[string]any{
			"w": TensorInfo{Dtype: DtypeF32, Shape: []int{-2, -1}, DataOffsets: [2]int64{0, 8}},
		}, make([]byte, 8))},
		{"unsupported dtype", rawFile(t, map[string]any{
			"w": TensorInfo{Dtype: "BF16", Shape: []int{2}, DataOffsets: [2]int64{0, 4}},
		}, make([]byte, 4))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(tc.data)
			assert.Error(t, err)
			_, _, err = Inspect(tc.data)
			assert.Error(t, err)
		})
	}
}

func rawFileBytes(hdr, body []byte) []byte {
	out := make([]byte, 8, 8+len(hdr)+len(body))
	binary.LittleEndian.PutUint64(out, uint64(len(hdr)))
	out = append(out, hdr...)
	return append(out, body...)
}

func TestInspectListsSortedEntries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, map[string]*nn.Tensor{
		"b": nn.NewTensor(2, 2),
		"a": nn.NewTensor(3),
	}, nil))

	entries, metadata, err := Inspect(buf.Bytes())
	require.NoError(t, err)
	assert.Nil(t, metadata)
	assert.Equal(t, []Entry{
		{Name: "a", Dtype: DtypeF32, Shape: []int{3}},
		{Name: "b", Dtype: DtypeF32, Shape: []int{2, 2}},
	}, entries)
}

func TestWriteRejectsInconsistentTensor(t *testing.T) {
	bad := &nn.Tensor{Shape: []int{2, 2}, Data: []float32{1, 2, 3}}
	err := Write(&bytes.Buffer{}, map[string]*nn.Tensor{"w": bad}, nil)
	assert.Error(t, err)
}

func TestReadAcceptsZeroSizedDimensions(t *testing.T) {
	data := rawFile(t, map[string]any{
		"empty": TensorInfo{Dtype: DtypeF32, Shape: []int{1 << 40, 0}, DataOffsets: [2]int64{0, 0}},
	}, nil)

	f, err := Read(data)
	require.NoError(t, err)
	assert.Empty(t, f.Tensors["empty"].Data)
}
