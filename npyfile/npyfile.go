// Package npyfile reads and writes NumPy .npy arrays as flat float32 data,
// whatever numeric dtype they were saved with.
package npyfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Array is a C-ordered n-dimensional array.
type Array struct {
	Shape []int
	Data  []float32
}

// Len returns the number of elements implied by the shape.
func (a *Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Read decodes one .npy stream.
func Read(r io.Reader) (*Array, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read npy header: %w", err)
	}
	if nr.Header.Descr.Fortran {
		return nil, fmt.Errorf("fortran-ordered arrays are not supported")
	}
	a := &Array{Shape: append([]int(nil), nr.Header.Descr.Shape...)}
	n := a.Len()

	switch dt := nr.Header.Descr.Type; dt {
	case "<f4":
		a.Data = make([]float32, n)
		err = nr.Read(&a.Data)
	case "<f8":
		raw := make([]float64, n)
		if err = nr.Read(&raw); err == nil {
			a.Data = convert(raw)
		}
	case "<i8":
		raw := make([]int64, n)
		if err = nr.Read(&raw); err == nil {
			a.Data = convert(raw)
		}
	case "<i4":
		raw := make([]int32, n)
		if err = nr.Read(&raw); err == nil {
			a.Data = convert(raw)
		}
	case "<i2":
		raw := make([]int16, n)
		if err = nr.Read(&raw); err == nil {
			a.Data = convert(raw)
		}
	case "<u2":
		raw := make([]uint16, n)
		if err = nr.Read(&raw); err == nil {
			a.Data = convert(raw)
		}
	case "|u1":
		raw := make([]uint8, n)
		if err = nr.Read(&raw); err == nil {
			a.Data = convert(raw)
		}
	case "|b1":
		raw := make([]bool, n)
		if err = nr.Read(&raw); err == nil {
			a.Data = make([]float32, n)
			for i, v := range raw {
				if v {
					a.Data[i] = 1
				}
			}
		}
	default:
		return nil, fmt.Errorf("unsupported npy dtype %q", dt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read npy data: %w", err)
	}
	return a, nil
}

type number interface {
	~float64 | ~int64 | ~int32 | ~int16 | ~uint16 | ~uint8
}

func convert[T number](raw []T) []float32 {
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out
}

// ReadFile decodes the .npy file at path.
func ReadFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	a, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// WriteDense writes m as a 2-D float64 .npy file, creating parent
// directories as needed.
func WriteDense(path string, m *mat.Dense) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Write encodes a as a little-endian float32 .npy stream. npyio derives
// shapes from Go types only, so the N-D header is written here.
func Write(w io.Writer, a *Array) error {
	if a.Len() != len(a.Data) {
		return fmt.Errorf("shape %v does not match %d elements", a.Shape, len(a.Data))
	}
	dims := make([]string, len(a.Shape))
	for i, d := range a.Shape {
		dims[i] = strconv.Itoa(d)
	}
	shape := strings.Join(dims, ", ")
	if len(a.Shape) == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shape)
	// magic(6) + version(2) + length(2) + header + '\n' is padded to 64 bytes.
	pad := 64 - (10+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	if err := binary.Write(&buf, binary.LittleEndian, a.Data); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteFile writes a to path, creating parent directories as needed.
func WriteFile(path string, a *Array) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Write(f, a); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
