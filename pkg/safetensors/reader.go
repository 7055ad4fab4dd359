// Package safetensors reads and writes the safetensors checkpoint format:
// an 8-byte little-endian header length, a JSON header mapping tensor
// names to dtype/shape/offsets, then the raw tensor payload.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MetadataKey is the reserved header entry for free-form string metadata
const MetadataKey = "__metadata__"

// TensorInfo describes a tensor entry in safetensors header
type TensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// NumElements returns the product of the shape
func (ti TensorInfo) NumElements() int64 {
	n := int64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

// Header is the parsed header map: name -> tensor info
type Header map[string]TensorInfo

// File represents an opened safetensors file
type File struct {
	Path     string
	Header   Header
	Metadata map[string]string
	Data     []byte // payload after the header
}

// Open opens a .safetensors file and parses its header
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	file, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.Path = path
	return file, nil
}

// Read parses a safetensors stream held fully in memory
func Read(r io.Reader) (*File, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	const maxHeader = 100 << 20
	if headerLen > maxHeader {
		return nil, fmt.Errorf("header length %d exceeds %d", headerLen, maxHeader)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	// Parse header JSON
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse header json: %w", err)
	}

	file := &File{Header: make(Header), Data: data}
	for k, v := range raw {
		if k == MetadataKey {
			if err := json.Unmarshal(v, &file.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(v, &ti); err != nil {
			return nil, fmt.Errorf("parse tensor info for %s: %w", k, err)
		}
		file.Header[k] = ti
	}
	return file, nil
}

// Names returns the tensor names in sorted order
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Header))
	for k := range f.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Multi represents a collection of shard files under a directory
type Multi struct {
	Files []*File
}

// OpenDir loads all .safetensors files from a directory (sorted)
func OpenDir(dir string) (*Multi, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".safetensors") {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .safetensors files found in %s", dir)
	}
	sort.Strings(paths)
	var files []*File
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return &Multi{Files: files}, nil
}

// Find locates a tensor by name across shards, returning file and info
func (m *Multi) Find(name string) (*File, TensorInfo, bool) {
	for _, f := range m.Files {
		if ti, ok := f.Header[name]; ok {
			return f, ti, true
		}
	}
	return nil, TensorInfo{}, false
}

// ReadFloat32 reads a tensor from whichever shard holds it
func (m *Multi) ReadFloat32(name string) ([]float32, TensorInfo, error) {
	f, _, ok := m.Find(name)
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s not found", name)
	}
	return f.ReadFloat32(name)
}

// ReadRaw returns the raw bytes for a tensor by name
func (f *File) ReadRaw(name string) ([]byte, TensorInfo, error) {
	ti, ok := f.Header[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s not found", name)
	}
	start := ti.DataOffsets[0]
	end := ti.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(f.Data)) {
		return nil, TensorInfo{}, fmt.Errorf("bad offsets for %s: %v", name, ti.DataOffsets)
	}
	return f.Data[start:end], ti, nil
}

// ReadFloat32 reads and converts tensor to float32 slice (supports F32, F16, BF16)
func (f *File) ReadFloat32(name string) ([]float32, TensorInfo, error) {
	raw, ti, err := f.ReadRaw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	width := 2
	if strings.ToUpper(ti.Dtype) == "F32" {
		width = 4
	}
	if int64(len(raw)) != ti.NumElements()*int64(width) {
		return nil, TensorInfo{}, fmt.Errorf("%s: %d bytes for shape %v", name, len(raw), ti.Shape)
	}

	out := make([]float32, len(raw)/width)
	switch strings.ToUpper(ti.Dtype) {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range out {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "BF16":
		for i := range out {
			out[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		return nil, TensorInfo{}, fmt.Errorf("unsupported dtype %s for %s", ti.Dtype, name)
	}
	return out, ti, nil
}

// float16ToFloat32 converts IEEE-754 half-precision to single-precision
func float16ToFloat32(h uint16) float32 {
	s := uint32(h>>15) & 0x00000001
	e := uint32(h>>10) & 0x0000001F
	f := uint32(h & 0x03FF)
	var out uint32
	switch {
	case e == 0 && f == 0:
		out = s << 31
	case e == 0:
		// subnormal: shift until the implicit bit appears
		exp := int32(1)
		for f&0x0400 == 0 {
			f <<= 1
			exp--
		}
		f &= 0x03FF
		out = (s << 31) | uint32(exp+112)<<23 | (f << 13)
	case e == 31:
		// Inf/NaN
		out = (s << 31) | 0x7F800000 | (f << 13)
	default:
		out = (s << 31) | ((e + 112) << 23) | (f << 13)
	}
	return math.Float32frombits(out)
}

// bfloat16ToFloat32 converts BF16 to float32 by placing bf16 as high 16 bits
func bfloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}
