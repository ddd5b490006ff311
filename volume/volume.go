// Package volume holds the per-sample tensors the evaluator moves around:
// photon-count histograms, depth maps and validity masks. The batch and
// channel dimensions of the on-disk 5-D layout are implicit: a Batch is a
// slice of Samples and every tensor has exactly one channel.
package volume

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrOutOfBounds is returned when a region does not fit inside a tensor.
var ErrOutOfBounds = errors.New("region out of bounds")

// Rect is a half-open pixel region [Top,Bottom) x [Left,Right).
type Rect struct {
	Top, Left, Bottom, Right int
}

// Dy returns the number of rows in the region.
func (r Rect) Dy() int { return r.Bottom - r.Top }

// Dx returns the number of columns in the region.
func (r Rect) Dx() int { return r.Right - r.Left }

// Empty reports whether the region contains no pixels.
func (r Rect) Empty() bool { return r.Dy() <= 0 || r.Dx() <= 0 }

func (r Rect) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d]", r.Top, r.Bottom, r.Left, r.Right)
}

func (r Rect) within(h, w int) error {
	if r.Top < 0 || r.Left < 0 || r.Bottom > h || r.Right > w || r.Empty() {
		return fmt.Errorf("%w: %s in %dx%d", ErrOutOfBounds, r, h, w)
	}
	return nil
}

// Histogram is a per-pixel photon-count histogram in bin-major layout:
// Data[b*Height*Width + y*Width + x].
type Histogram struct {
	Bins   int
	Height int
	Width  int
	Data   []float32
}

// NewHistogram allocates a zeroed histogram.
func NewHistogram(bins, height, width int) *Histogram {
	return &Histogram{
		Bins:   bins,
		Height: height,
		Width:  width,
		Data:   make([]float32, bins*height*width),
	}
}

// At returns the count of bin b at pixel (y, x).
func (h *Histogram) At(b, y, x int) float32 {
	return h.Data[(b*h.Height+y)*h.Width+x]
}

// Set stores v as the count of bin b at pixel (y, x).
func (h *Histogram) Set(b, y, x int, v float32) {
	h.Data[(b*h.Height+y)*h.Width+x] = v
}

// Plane returns the H*W slice backing bin b.
func (h *Histogram) Plane(b int) []float32 {
	n := h.Height * h.Width
	return h.Data[b*n : (b+1)*n]
}

// Total sums every count in the histogram.
func (h *Histogram) Total() float64 {
	var s float64
	for _, v := range h.Data {
		s += float64(v)
	}
	return s
}

// Patch copies the spatial region r of every bin into a new histogram.
func (h *Histogram) Patch(r Rect) (*Histogram, error) {
	if err := r.within(h.Height, h.Width); err != nil {
		return nil, err
	}
	out := NewHistogram(h.Bins, r.Dy(), r.Dx())
	for b := 0; b < h.Bins; b++ {
		for y := 0; y < r.Dy(); y++ {
			src := (b*h.Height+r.Top+y)*h.Width + r.Left
			dst := (b*out.Height + y) * out.Width
			copy(out.Data[dst:dst+out.Width], h.Data[src:src+out.Width])
		}
	}
	return out, nil
}

// PadEdge returns a copy grown to height x width by replicating the last
// row and column.
func (h *Histogram) PadEdge(height, width int) *Histogram {
	out := NewHistogram(h.Bins, height, width)
	for b := 0; b < h.Bins; b++ {
		for y := 0; y < height; y++ {
			sy := min(y, h.Height-1)
			for x := 0; x < width; x++ {
				out.Set(b, y, x, h.At(b, sy, min(x, h.Width-1)))
			}
		}
	}
	return out
}

// DepthMap is a single-channel floating point depth image.
type DepthMap struct {
	Height int
	Width  int
	Data   []float32
}

// NewDepthMap allocates a zeroed depth map.
func NewDepthMap(height, width int) *DepthMap {
	return &DepthMap{Height: height, Width: width, Data: make([]float32, height*width)}
}

// At returns the depth at (y, x).
func (d *DepthMap) At(y, x int) float32 { return d.Data[y*d.Width+x] }

// Set stores the depth at (y, x).
func (d *DepthMap) Set(y, x int, v float32) { d.Data[y*d.Width+x] = v }

// Patch copies the region r into a new depth map.
func (d *DepthMap) Patch(r Rect) (*DepthMap, error) {
	if err := r.within(d.Height, d.Width); err != nil {
		return nil, err
	}
	out := NewDepthMap(r.Dy(), r.Dx())
	for y := 0; y < r.Dy(); y++ {
		src := (r.Top+y)*d.Width + r.Left
		copy(out.Data[y*out.Width:(y+1)*out.Width], d.Data[src:src+out.Width])
	}
	return out, nil
}

// Blit copies the region src of s into d with its top-left corner at (top, left).
func (d *DepthMap) Blit(s *DepthMap, src Rect, top, left int) error {
	if err := src.within(s.Height, s.Width); err != nil {
		return err
	}
	dst := Rect{Top: top, Left: left, Bottom: top + src.Dy(), Right: left + src.Dx()}
	if err := dst.within(d.Height, d.Width); err != nil {
		return err
	}
	for y := 0; y < src.Dy(); y++ {
		from := (src.Top+y)*s.Width + src.Left
		to := (top+y)*d.Width + left
		copy(d.Data[to:to+src.Dx()], s.Data[from:from+src.Dx()])
	}
	return nil
}

// PadEdge returns a copy grown to height x width by edge replication.
func (d *DepthMap) PadEdge(height, width int) *DepthMap {
	out := NewDepthMap(height, width)
	for y := 0; y < height; y++ {
		sy := min(y, d.Height-1)
		for x := 0; x < width; x++ {
			out.Set(y, x, d.At(sy, min(x, d.Width-1)))
		}
	}
	return out
}

// Dense converts the depth map to a gonum matrix.
func (d *DepthMap) Dense() *mat.Dense {
	data := make([]float64, len(d.Data))
	for i, v := range d.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(d.Height, d.Width, data)
}

// Mask marks which pixels carry a valid ground-truth depth.
type Mask struct {
	Height int
	Width  int
	Data   []bool
}

// NewMask allocates a mask with every pixel invalid.
func NewMask(height, width int) *Mask {
	return &Mask{Height: height, Width: width, Data: make([]bool, height*width)}
}

// At reports whether (y, x) is valid.
func (m *Mask) At(y, x int) bool { return m.Data[y*m.Width+x] }

// Count returns the number of valid pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Patch copies the region r into a new mask.
func (m *Mask) Patch(r Rect) (*Mask, error) {
	if err := r.within(m.Height, m.Width); err != nil {
		return nil, err
	}
	out := NewMask(r.Dy(), r.Dx())
	for y := 0; y < r.Dy(); y++ {
		src := (r.Top+y)*m.Width + r.Left
		copy(out.Data[y*out.Width:(y+1)*out.Width], m.Data[src:src+out.Width])
	}
	return out, nil
}

// Sample is one record of the SPAD dataset.
type Sample struct {
	Filename  string
	Spad      *Histogram
	Intensity *DepthMap // optional, nil when the dataset has none
	Depth     *DepthMap
	MonoPred  *DepthMap
	Mask      *Mask
}

// Validate checks that every spatial tensor of the sample agrees in size.
func (s *Sample) Validate() error {
	if s.Spad == nil || s.Depth == nil || s.MonoPred == nil || s.Mask == nil {
		return fmt.Errorf("sample %s: missing tensor", s.Filename)
	}
	h, w := s.Depth.Height, s.Depth.Width
	check := func(name string, hh, ww int) error {
		if hh != h || ww != w {
			return fmt.Errorf("sample %s: %s is %dx%d, depth is %dx%d", s.Filename, name, hh, ww, h, w)
		}
		return nil
	}
	if err := check("spad", s.Spad.Height, s.Spad.Width); err != nil {
		return err
	}
	if err := check("mono_pred", s.MonoPred.Height, s.MonoPred.Width); err != nil {
		return err
	}
	if err := check("mask", s.Mask.Height, s.Mask.Width); err != nil {
		return err
	}
	if s.Intensity != nil {
		return check("intensity", s.Intensity.Height, s.Intensity.Width)
	}
	return nil
}

// Batch is an ordered group of samples processed together.
type Batch []*Sample
