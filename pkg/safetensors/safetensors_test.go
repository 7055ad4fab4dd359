package safetensors

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	tensors := []Tensor{
		{Name: "w", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "b", Shape: []int{3}, Data: []float32{-1, 0.5, 0}},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, tensors, map[string]string{"format": "pt"}))

	headerLen := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	assert.Zero(t, (8+headerLen)%8)

	f, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "w"}, f.Names())
	assert.Equal(t, "pt", f.Metadata["format"])

	w, ti, err := f.ReadFloat32("w")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ti.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w)

	b, _, err := f.ReadFloat32("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 0.5, 0}, b)

	_, _, err = f.ReadFloat32("missing")
	assert.Error(t, err)
}

func TestWriteRejectsBadShape(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []Tensor{{Name: "w", Shape: []int{2, 2}, Data: []float32{1}}}, nil)
	assert.Error(t, err)

	err = Write(&buf, []Tensor{
		{Name: "w", Shape: []int{1}, Data: []float32{1}},
		{Name: "w", Shape: []int{1}, Data: []float32{2}},
	}, nil)
	assert.Error(t, err)
}

func TestWriteFileAndOpenDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteFile(filepath.Join(dir, "model-00001.safetensors"),
		[]Tensor{{Name: "a", Shape: []int{1}, Data: []float32{3}}}, nil))
	require.NoError(t, WriteFile(filepath.Join(dir, "model-00002.safetensors"),
		[]Tensor{{Name: "b", Shape: []int{2}, Data: []float32{4, 5}}}, nil))

	m, err := OpenDir(dir)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)

	b, _, err := m.ReadFloat32("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5}, b)

	_, err = OpenDir(t.TempDir())
	assert.Error(t, err)
}

func TestHalfPrecision(t *testing.T) {
	assert.Equal(t, float32(1), float16ToFloat32(0x3C00))
	assert.Equal(t, float32(-2), float16ToFloat32(0xC000))
	assert.Equal(t, float32(0), float16ToFloat32(0))
	// smallest subnormal, 2^-24
	assert.Equal(t, float32(5.9604645e-08), float16ToFloat32(0x0001))
	assert.Equal(t, float32(1), bfloat16ToFloat32(0x3F80))
}
