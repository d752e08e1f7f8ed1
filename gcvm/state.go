// Package gcvm implements a deterministic interpreter of modal G-code
// state: it advances machine state one line at a time, tracks travel
// bounds, estimates travel time under an acceleration-aware model, and
// maintains the coordinate-system and G92 transforms between commanded
// and machine position.
package gcvm

// DefaultAxisLabels is the axis set used when none is configured.
var DefaultAxisLabels = []byte{'x', 'y', 'z'}

// AxisBounds tracks the observed [low, high] travel envelope per axis.
// Set[i] is false until axis i has actually moved; Low/High are only
// meaningful once Set[i] is true.
type AxisBounds struct {
	Low, High []float64
	Set       []bool
}

func newAxisBounds(n int) AxisBounds {
	return AxisBounds{
		Low:  make([]float64, n),
		High: make([]float64, n),
		Set:  make([]bool, n),
	}
}

// Extend widens the bounds to include value on axis i, if i hasn't been
// touched yet the bound is seeded at value; bounds only ever grow.
func (b *AxisBounds) Extend(i int, value float64) {
	if !b.Set[i] {
		b.Low[i] = value
		b.High[i] = value
		b.Set[i] = true
		return
	}
	if value < b.Low[i] {
		b.Low[i] = value
	}
	if value > b.High[i] {
		b.High[i] = value
	}
}

// State is the modal G-code machine state carried between lines.
type State struct {
	// AxisLabels is the ordered sequence of lowercase axis letters this
	// VM tracks, e.g. {'x','y','z'}.
	AxisLabels []byte

	// Pos is the position in the active coordinate system (including
	// the G92 offset, when enabled). MPos is the underlying machine
	// position. Both are indexed the same as AxisLabels.
	Pos, MPos []float64

	// ActiveCoordSys is 0..5 for G54..G59, or nil when the machine is
	// addressed directly in machine coordinates (a persistent G53-like
	// state, distinct from the transient per-line G53 override).
	ActiveCoordSys *int

	// CoordSysOffsets holds the 6 work offset vectors (G54..G59),
	// indexed the same as AxisLabels.
	CoordSysOffsets [6][]float64

	// Offset is the G92 offset vector; OffsetEnabled gates whether it
	// is applied when deriving Pos from MPos.
	Offset        []float64
	OffsetEnabled bool

	// StoredPositions holds the G28 (index 0) and G30 (index 1) saved
	// machine positions.
	StoredPositions [2][]float64

	Units       string // "mm" or "in"
	Feed        float64
	Incremental bool // G90 (false) / G91 (true)
	InverseFeed bool // G94 (false) / G93 (true)

	// MotionMode remembers the modal motion code ("G0".."G3"), or nil
	// when cleared (G80).
	MotionMode *string

	ArcPlane int // 0=XY(G17) 1=XZ(G18) 2=YZ(G19)

	Spindle          bool
	SpindleDirection int // +1 (M3) or -1 (M4)
	SpindleSpeed     *float64

	Coolant int // 0 off, 1 mist, 2 flood, 3 both (bitwise OR of 1,2)

	Line        int
	LineCounter int
	TotalTime   float64

	Bounds, MBounds AxisBounds

	HasMovedToAxes []bool

	// axisFeed remembers the per-axis feed component from the previous
	// move, used by the acceleration-penalty estimate in applyMove.
	axisFeed []float64
}

// NewState returns a freshly initialized state for the given axis set.
// If axisLabels is nil, DefaultAxisLabels is used.
func NewState(axisLabels []byte) *State {
	if axisLabels == nil {
		axisLabels = DefaultAxisLabels
	}
	n := len(axisLabels)
	s := &State{
		AxisLabels:     append([]byte(nil), axisLabels...),
		Pos:            make([]float64, n),
		MPos:           make([]float64, n),
		Offset:         make([]float64, n),
		Units:          "mm",
		ArcPlane:       0,
		SpindleDirection: 1,
		Bounds:         newAxisBounds(n),
		MBounds:        newAxisBounds(n),
		HasMovedToAxes: make([]bool, n),
		axisFeed:       make([]float64, n),
	}
	for i := 0; i < 6; i++ {
		s.CoordSysOffsets[i] = make([]float64, n)
	}
	s.StoredPositions[0] = make([]float64, n)
	s.StoredPositions[1] = make([]float64, n)
	return s
}

// AxisIndex returns the index of the (case-insensitive) axis letter, or
// -1 if it is not one of this state's tracked axes.
func (s *State) AxisIndex(letter byte) int {
	if letter >= 'A' && letter <= 'Z' {
		letter += 'a' - 'A'
	}
	for i, l := range s.AxisLabels {
		if l == letter {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := *s
	c.AxisLabels = append([]byte(nil), s.AxisLabels...)
	c.Pos = append([]float64(nil), s.Pos...)
	c.MPos = append([]float64(nil), s.MPos...)
	c.Offset = append([]float64(nil), s.Offset...)
	c.axisFeed = append([]float64(nil), s.axisFeed...)
	for i := range s.CoordSysOffsets {
		c.CoordSysOffsets[i] = append([]float64(nil), s.CoordSysOffsets[i]...)
	}
	c.StoredPositions[0] = append([]float64(nil), s.StoredPositions[0]...)
	c.StoredPositions[1] = append([]float64(nil), s.StoredPositions[1]...)
	c.HasMovedToAxes = append([]bool(nil), s.HasMovedToAxes...)
	c.Bounds = AxisBounds{
		Low:  append([]float64(nil), s.Bounds.Low...),
		High: append([]float64(nil), s.Bounds.High...),
		Set:  append([]bool(nil), s.Bounds.Set...),
	}
	c.MBounds = AxisBounds{
		Low:  append([]float64(nil), s.MBounds.Low...),
		High: append([]float64(nil), s.MBounds.High...),
		Set:  append([]bool(nil), s.MBounds.Set...),
	}
	if s.ActiveCoordSys != nil {
		v := *s.ActiveCoordSys
		c.ActiveCoordSys = &v
	}
	if s.MotionMode != nil {
		v := *s.MotionMode
		c.MotionMode = &v
	}
	if s.SpindleSpeed != nil {
		v := *s.SpindleSpeed
		c.SpindleSpeed = &v
	}
	return &c
}

// coordSysOffset returns the active coordinate system's offset vector,
// or an all-zero vector if the active coordinate system is null
// (machine coordinates).
func (s *State) coordSysOffset() []float64 {
	if s.ActiveCoordSys == nil {
		return make([]float64, len(s.AxisLabels))
	}
	return s.CoordSysOffsets[*s.ActiveCoordSys]
}

// coordSysPos is MPos translated into the active coordinate system's
// frame, without the G92 offset applied.
func (s *State) coordSysPos() []float64 {
	off := s.coordSysOffset()
	out := make([]float64, len(s.AxisLabels))
	for i := range out {
		out[i] = s.MPos[i] - off[i]
	}
	return out
}

// recomputePos derives Pos from MPos, the active coordinate system
// offset, and the G92 offset (if enabled). Called after anything that
// changes MPos, ActiveCoordSys, CoordSysOffsets, Offset or
// OffsetEnabled.
func (s *State) recomputePos() {
	csp := s.coordSysPos()
	for i := range s.Pos {
		if s.OffsetEnabled {
			s.Pos[i] = csp[i] + s.Offset[i]
		} else {
			s.Pos[i] = csp[i]
		}
	}
}
