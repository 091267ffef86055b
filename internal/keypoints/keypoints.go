// Package keypoints validates hand-landmark sequences and buffers streamed frames.
package keypoints

import (
	"fmt"
	"math"
)

const (
	// FrameSize is two hands of 21 landmarks with x, y, z each.
	FrameSize = 2 * 21 * 3
	// WindowSize is the number of frames the sign model consumes at once.
	WindowSize = 30
)

type Frame []float64

// Sequence is WindowSize frames, oldest first.
type Sequence [][]float64

// ValidateFrame checks one frame's width and that every value is finite.
func ValidateFrame(f []float64) error {
	if len(f) != FrameSize {
		return fmt.Errorf("frame has %d values, expected %d", len(f), FrameSize)
	}
	for i, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("frame value %d is not finite", i)
		}
	}
	return nil
}

// Validate checks the exact WindowSize x FrameSize shape.
func (s Sequence) Validate() error {
	if len(s) != WindowSize {
		return fmt.Errorf("expected %dx%d, got %d rows", WindowSize, FrameSize, len(s))
	}
	for i, row := range s {
		if len(row) != FrameSize {
			return fmt.Errorf("row %d has %d values, expected %d", i, len(row), FrameSize)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("row %d value %d is not finite", i, j)
			}
		}
	}
	return nil
}

// Window is a fixed-capacity ring of frames. It is not safe for concurrent use;
// Sessions serializes access per session.
type Window struct {
	frames [WindowSize]Frame
	next   int
	count  int
}

func NewWindow() *Window { return &Window{} }

// Push appends a copy of f, evicting the oldest frame once full.
func (w *Window) Push(f []float64) error {
	if err := ValidateFrame(f); err != nil {
		return err
	}
	w.frames[w.next] = append(Frame(nil), f...)
	w.next = (w.next + 1) % WindowSize
	if w.count < WindowSize {
		w.count++
	}
	return nil
}

func (w *Window) Len() int { return w.count }

func (w *Window) Full() bool { return w.count == WindowSize }

func (w *Window) Reset() {
	*w = Window{}
}

// Snapshot copies the buffered frames, oldest first.
func (w *Window) Snapshot() Sequence {
	out := make(Sequence, 0, w.count)
	start := (w.next - w.count + WindowSize) % WindowSize
	for i := 0; i < w.count; i++ {
		f := w.frames[(start+i)%WindowSize]
		out = append(out, append([]float64(nil), f...))
	}
	return out
}
