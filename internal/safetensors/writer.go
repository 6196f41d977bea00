package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
)

// WriteTensor is one entry to be written by Write.
type WriteTensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// F32Tensor builds a little-endian F32 entry.
func F32Tensor(name string, shape []int, values []float32) WriteTensor {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return WriteTensor{Name: name, DType: "F32", Shape: shape, Data: buf}
}

// Write stores tensors in the given order. The header is padded with
// spaces so the payload starts on an 8-byte boundary.
func Write(path string, tensors []WriteTensor, metadata map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, t := range tensors {
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("duplicate tensor %s", t.Name)
		}
		elemSize, ok := DTypeSize(t.DType)
		if !ok {
			return fmt.Errorf("tensor %s: unsupported dtype %s", t.Name, t.DType)
		}
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n*elemSize != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v does not match %d bytes", t.Name, t.Shape, len(t.Data))
		}
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[t.Name] = tensorHeader{
			DType:       t.DType,
			Shape:       shape,
			DataOffsets: []int64{off, off + int64(len(t.Data))},
		}
		off += int64(len(t.Data))
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = f.Close()
		return err
	}
	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
