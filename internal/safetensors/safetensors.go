// Package safetensors reads and writes the safetensors container used to
// ship adapter weights: an 8-byte little-endian header length, a JSON header
// mapping tensor names to dtype, shape and data offsets, then the raw data.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/punica/internal/dtype"
	"github.com/samcharles93/punica/internal/tensor"
)

// maxHeaderLen bounds the JSON header so a corrupt length cannot trigger a
// huge allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType dtype.DType
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Metadata  map[string]string
	Tensors   map[string]TensorInfo
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("%s: read header length: %w", path, err)
	}
	if headerLen > maxHeaderLen || int64(headerLen)+8 > st.Size() {
		return nil, fmt.Errorf("%s: header length %d exceeds file", path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	file := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &file.Metadata); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
		}
		delete(raw, "__metadata__")
	}
	dataLen := st.Size() - file.DataStart
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		info, err := th.info(dataLen)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		file.Tensors[name] = info
	}
	return file, nil
}

func (th tensorHeader) info(dataLen int64) (TensorInfo, error) {
	if len(th.DataOffsets) != 2 {
		return TensorInfo{}, fmt.Errorf("invalid data_offsets")
	}
	dt, err := parseDType(th.DType)
	if err != nil {
		return TensorInfo{}, err
	}
	info := TensorInfo{DType: dt, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
	if info.Start < 0 || info.End < info.Start || info.End > dataLen {
		return TensorInfo{}, fmt.Errorf("offsets [%d, %d) outside data of %d bytes", info.Start, info.End, dataLen)
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return TensorInfo{}, err
	}
	if int64(n)*int64(dt.Size()) != info.End-info.Start {
		return TensorInfo{}, fmt.Errorf("%d %s elements do not fill %d bytes", n, dt, info.End-info.Start)
	}
	return info, nil
}

// Names lists the tensors in sorted order.
func (f *File) Names() []string {
	return slices.Sorted(maps.Keys(f.Tensors))
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadFloat32 decodes a tensor to float32 regardless of its stored dtype.
func (f *File) ReadFloat32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n := len(raw) / info.DType.Size()
	out := make([]float32, n)
	if info.DType == dtype.F32 {
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	}
	bits := make([]uint16, n)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	dtype.Decode(info.DType, out, bits)
	return out, info, nil
}

// Write stores tensors under their names, laid out in sorted name order.
func Write(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := slices.Sorted(maps.Keys(tensors))
	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, name := range names {
		t := tensors[name]
		size := t.Bytes()
		header[name] = tensorHeader{
			DType:       formatDType(t.DType),
			Shape:       t.Shape,
			DataOffsets: []int64{off, off + size},
		}
		off += size
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := out.Write(lenBuf[:]); err != nil {
		_ = out.Close()
		return err
	}
	if _, err := out.Write(hdr); err != nil {
		_ = out.Close()
		return err
	}
	for _, name := range names {
		if _, err := out.Write(encode(tensors[name])); err != nil {
			_ = out.Close()
			return err
		}
	}
	return out.Close()
}

func encode(t *tensor.Tensor) []byte {
	buf := make([]byte, t.Bytes())
	if t.DType.Half() {
		for i, v := range t.U16 {
			binary.LittleEndian.PutUint16(buf[i*2:], v)
		}
		return buf
	}
	for i, v := range t.F32 {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func parseDType(s string) (dtype.DType, error) {
	switch s {
	case "F32":
		return dtype.F32, nil
	case "F16":
		return dtype.F16, nil
	case "BF16":
		return dtype.BF16, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", s)
	}
}

func formatDType(dt dtype.DType) string {
	switch dt {
	case dtype.F16:
		return "F16"
	case dtype.BF16:
		return "BF16"
	default:
		return "F32"
	}
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
