package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// Tensor is a named float32 tensor to write
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Write encodes tensors as F32 in name order with optional metadata
func Write(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[MetadataKey] = metadata
	}
	var offset int64
	for _, t := range sorted {
		if _, dup := header[t.Name]; dup || t.Name == MetadataKey {
			return fmt.Errorf("duplicate or reserved tensor name %q", t.Name)
		}
		shape := make([]int64, len(t.Shape))
		n := int64(1)
		for i, d := range t.Shape {
			shape[i] = int64(d)
			n *= int64(d)
		}
		if n != int64(len(t.Data)) {
			return fmt.Errorf("%s: %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}
		header[t.Name] = TensorInfo{Dtype: "F32", Shape: shape, DataOffsets: [2]int64{offset, offset + 4*n}}
		offset += 4 * n
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// pad the header so the payload starts 8-byte aligned
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	buf := make([]byte, 4)
	for _, t := range sorted {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("write %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// WriteFile writes tensors to path, replacing it atomically
func WriteFile(path string, tensors []Tensor, metadata map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".safetensors-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var buf bytes.Buffer
	if err := Write(&buf, tensors, metadata); err != nil {
		tmp.Close()
		return err
	}
	if _, err := buf.WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
