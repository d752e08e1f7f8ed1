// Package processors implements the concrete pipeline.Processor
// kinds: move-splitter, autolevel, recovery tracking/replay, tool
// change, runtime feed override, and a null pass-through used by tests.
package processors

import (
	"fmt"
	"math"

	"github.com/crispyconductor/tightcnc-go/gcode"
	"github.com/crispyconductor/tightcnc-go/pipeline"
)

var splitAxes = []byte{'X', 'Y', 'Z', 'A', 'B', 'C'}

func isSplitAxis(letter byte) bool {
	for _, a := range splitAxes {
		if a == letter {
			return true
		}
	}
	return false
}

func isCoordChangingCode(v float64) bool {
	switch {
	case v >= 54 && v <= 59:
		return true
	case math.Abs(v-92) < 1e-9, math.Abs(v-92.1) < 1e-9, math.Abs(v-92.2) < 1e-9, math.Abs(v-92.3) < 1e-9:
		return true
	case math.Abs(v-10) < 1e-9, math.Abs(v-53) < 1e-9:
		return true
	}
	return false
}

// MoveSplitter breaks absolute G0/G1 moves longer than MaxLen into
// sub-segments of at most MaxLen, preceded by a preamble line carrying
// the triggering line's non-axis (modal) words. Incremental moves and
// lines that change the active coordinate system pass through
// unmodified — splitting them would require re-deriving a coordinate
// frame this processor deliberately does not track.
type MoveSplitter struct {
	pipeline.Base
	MaxLen float64

	pos         map[byte]float64
	incremental bool
}

// NewMoveSplitter returns a MoveSplitter with the given maximum segment
// length.
func NewMoveSplitter(maxLen float64) *MoveSplitter {
	return &MoveSplitter{
		Base:   pipeline.NewBase("movesplitter"),
		MaxLen: maxLen,
		pos:    map[byte]float64{},
	}
}

func (m *MoveSplitter) updatePos(axes map[byte]float64) {
	for a, v := range axes {
		m.pos[a] = v
	}
}

func round9(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

func (m *MoveSplitter) Process(line *gcode.Line) ([]*gcode.Line, error) {
	if gv, ok := line.Get('G'); ok {
		if gv == 90 {
			m.incremental = false
		}
		if gv == 91 {
			m.incremental = true
		}
		if isCoordChangingCode(gv) {
			return []*gcode.Line{line}, nil
		}
		if gv != 0 && gv != 1 {
			return []*gcode.Line{line}, nil
		}
	} else {
		return []*gcode.Line{line}, nil
	}

	if m.incremental {
		return []*gcode.Line{line}, nil
	}

	axes := map[byte]float64{}
	for _, w := range line.Words() {
		if isSplitAxis(w.Letter) {
			axes[w.Letter] = w.Value
		}
	}
	if len(axes) == 0 {
		return []*gcode.Line{line}, nil
	}

	start := map[byte]float64{}
	sumSq := 0.0
	for a, target := range axes {
		s := m.pos[a]
		start[a] = s
		d := target - s
		sumSq += d * d
	}
	travel := math.Sqrt(sumSq)

	if travel <= m.MaxLen || travel == 0 {
		m.updatePos(axes)
		return []*gcode.Line{line}, nil
	}

	n := int(math.Ceil(travel / m.MaxLen))

	preamble := gcode.New()
	for _, w := range line.Words() {
		if !isSplitAxis(w.Letter) {
			preamble.Set(w.Letter, w.Value)
		}
	}
	preamble.AddComment(fmt.Sprintf("split into %d segments", n))

	out := make([]*gcode.Line, 0, n+1)
	out = append(out, preamble)
	for i := 1; i <= n; i++ {
		t := float64(i) / float64(n)
		seg := gcode.New()
		for a, target := range axes {
			seg.Set(a, round9(start[a]+(target-start[a])*t))
		}
		out = append(out, seg)
	}

	m.updatePos(axes)
	return out, nil
}

// Copy returns an independent MoveSplitter seeded with the same
// position tracker, for use in preprocess dry runs.
func (m *MoveSplitter) Copy() (pipeline.Processor, error) {
	c := &MoveSplitter{Base: m.Base, MaxLen: m.MaxLen, pos: map[byte]float64{}, incremental: m.incremental}
	for k, v := range m.pos {
		c.pos[k] = v
	}
	return c, nil
}
