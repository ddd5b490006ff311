// Package binning converts linear SPAD photon histograms to the log-scale
// representation the network consumes, and up-projects a monocular depth
// prior into a rate volume over the same log bins.
//
// Bin i (1-indexed) of the log scale covers the linear bins [low(i), up(i))
// where
//
//	up(i)  = floor((Q^i - 1) / (Q - 1))
//	low(i) = up(i-1), low(1) = 0
//
// With NumBin=128 and Q=1.02638, up(128) is exactly 1024.
package binning

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultLinearNumBin is the number of time bins the SPAD sensor reports.
	DefaultLinearNumBin = 1024
	// DefaultNumBin is the number of log-scale bins fed to the network.
	DefaultNumBin = 128
	// DefaultQ solves (q^128 - 1) / (q - 1) = 1024.
	DefaultQ = 1.02638
)

// ErrBadEdges is returned when the geometric bin edges do not partition the
// linear range exactly.
var ErrBadEdges = errors.New("log bin edges do not partition the linear range")

// Binning describes a log-scale rebinning scheme.
type Binning struct {
	NumBin       int
	LinearNumBin int
	Q            float64

	low []int
	up  []int
}

// Default returns the scheme the published SPADnet checkpoints were trained with.
func Default() *Binning {
	b, err := New(DefaultNumBin, DefaultLinearNumBin, DefaultQ)
	if err != nil {
		panic(err)
	}
	return b
}

// New builds the edge table once and validates it.
func New(numBin, linearNumBin int, q float64) (*Binning, error) {
	if numBin <= 0 || linearNumBin <= 0 {
		return nil, fmt.Errorf("invalid bin counts %d/%d", numBin, linearNumBin)
	}
	if q <= 1 {
		return nil, fmt.Errorf("ratio q must be > 1, got %v", q)
	}
	b := &Binning{NumBin: numBin, LinearNumBin: linearNumBin, Q: q}
	b.low, b.up = edges(numBin, q)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func edges(numBin int, q float64) (low, up []int) {
	low = make([]int, numBin)
	up = make([]int, numBin)
	for i := 1; i <= numBin; i++ {
		up[i-1] = int(math.Floor((math.Pow(q, float64(i)) - 1) / (q - 1)))
		low[i-1] = int(math.Floor((math.Pow(q, float64(i-1)) - 1) / (q - 1)))
	}
	return low, up
}

// Validate checks the edge table invariants: every bin is non-empty, bins
// are contiguous, the first starts at 0 and the last ends at LinearNumBin.
func (b *Binning) Validate() error {
	if len(b.low) != b.NumBin || len(b.up) != b.NumBin {
		return fmt.Errorf("%w: table has %d/%d entries for %d bins", ErrBadEdges, len(b.low), len(b.up), b.NumBin)
	}
	if b.low[0] != 0 {
		return fmt.Errorf("%w: first bin starts at %d", ErrBadEdges, b.low[0])
	}
	for i := 0; i < b.NumBin; i++ {
		if b.low[i] >= b.up[i] {
			return fmt.Errorf("%w: bin %d is empty [%d,%d)", ErrBadEdges, i+1, b.low[i], b.up[i])
		}
		if i > 0 && b.low[i] != b.up[i-1] {
			return fmt.Errorf("%w: bin %d starts at %d, previous ends at %d", ErrBadEdges, i+1, b.low[i], b.up[i-1])
		}
	}
	if last := b.up[b.NumBin-1]; last != b.LinearNumBin {
		return fmt.Errorf("%w: up(%d) = %d, want %d", ErrBadEdges, b.NumBin, last, b.LinearNumBin)
	}
	return nil
}

// Range returns the half-open linear range [low, up) of log bin i (0-indexed).
func (b *Binning) Range(i int) (low, up int) {
	return b.low[i], b.up[i]
}

// Widths returns up(i)-low(i) for every log bin.
func (b *Binning) Widths() []int {
	w := make([]int, b.NumBin)
	for i := range w {
		w[i] = b.up[i] - b.low[i]
	}
	return w
}

// DepthRange returns the normalised depth interval [low/L, up/L] of log bin i.
func (b *Binning) DepthRange(i int) (lo, hi float64) {
	l := float64(b.LinearNumBin)
	return float64(b.low[i]) / l, float64(b.up[i]) / l
}

// BinCenter returns the normalised depth at the middle of log bin i.
func (b *Binning) BinCenter(i int) float64 {
	lo, hi := b.DepthRange(i)
	return (lo + hi) / 2
}
