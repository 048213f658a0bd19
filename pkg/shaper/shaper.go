// Package shaper holds the input shaper models used to validate per-tool
// resonance settings and to track the shaper state the pickup scripts
// install through SET_INPUT_SHAPER.
package shaper

import (
	"fmt"
	"math"
	"strings"

	"ktcc-go/pkg/errors"
)

const (
	vibrationReduction  = 20.0
	defaultDampingRatio = 0.1
)

// Type names an input shaper algorithm.
type Type string

const (
	TypeNone    Type = "none"
	TypeZV      Type = "zv"
	TypeMZV     Type = "mzv"
	TypeZVD     Type = "zvd"
	TypeEI      Type = "ei"
	Type2HumpEI Type = "2hump_ei"
	Type3HumpEI Type = "3hump_ei"
)

type model struct {
	impulses        func(freq, dampingRatio float64) (a, t []float64)
	minFreq         float64
	maxDampingRatio float64
}

var models = map[Type]model{
	TypeZV:      {zvImpulses, 21.0, 0.99},
	TypeMZV:     {mzvImpulses, 23.0, 0.99},
	TypeZVD:     {zvdImpulses, 29.0, 0.99},
	TypeEI:      {eiImpulses, 29.0, 0.4},
	Type2HumpEI: {hump2EIImpulses, 39.0, 0.3},
	Type3HumpEI: {hump3EIImpulses, 48.0, 0.2},
}

// TypeByName resolves a configured shaper type name. The empty string maps
// to mzv, matching the per-tool config defaults.
func TypeByName(name string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(name))); t {
	case "":
		return TypeMZV, nil
	case TypeNone:
		return TypeNone, nil
	default:
		if _, ok := models[t]; !ok {
			return "", errors.Configf("unsupported input shaper type %q", name)
		}
		return t, nil
	}
}

// Axis is the shaper state of one motion axis. A zero frequency disables
// shaping on the axis.
type Axis struct {
	axis    string
	typ     Type
	freq    float64
	damping float64
	a, t    []float64
}

// NewAxis validates the parameters and computes the impulse train.
func NewAxis(axis string, typ Type, freq, dampingRatio float64) (*Axis, error) {
	if dampingRatio <= 0 {
		dampingRatio = defaultDampingRatio
	}
	s := &Axis{axis: axis}
	if err := s.set(typ, freq, dampingRatio); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Axis) set(typ Type, freq, dampingRatio float64) error {
	if typ != TypeNone {
		m, ok := models[typ]
		if !ok {
			return errors.Configf("unsupported input shaper type %q", string(typ))
		}
		if dampingRatio > m.maxDampingRatio {
			return errors.Configf("damping ratio %.3f exceeds maximum %.3f for shaper %s on axis %s",
				dampingRatio, m.maxDampingRatio, typ, strings.ToUpper(s.axis))
		}
	}
	s.typ, s.freq, s.damping = typ, freq, dampingRatio
	s.a, s.t = s.computeImpulses()
	return nil
}

func (s *Axis) computeImpulses() (a, t []float64) {
	if s.typ == TypeNone || s.freq <= 0 {
		return nil, nil
	}
	return models[s.typ].impulses(s.freq, s.damping)
}

// Update applies new values from a SET_INPUT_SHAPER command. Nil arguments
// keep the current value.
func (s *Axis) Update(typ *Type, freq, dampingRatio *float64) error {
	nt, nf, nd := s.typ, s.freq, s.damping
	if typ != nil {
		nt = *typ
	}
	if freq != nil {
		nf = *freq
	}
	if dampingRatio != nil {
		nd = *dampingRatio
	}
	return s.set(nt, nf, nd)
}

// Enabled reports whether the axis currently shapes motion.
func (s *Axis) Enabled() bool {
	return len(s.a) > 0
}

// Impulses returns the impulse amplitudes and times.
func (s *Axis) Impulses() (a, t []float64) {
	return s.a, s.t
}

// Status reports the axis state for status queries.
func (s *Axis) Status() map[string]any {
	return map[string]any{
		"shaper_type_" + s.axis:   string(s.typ),
		"shaper_freq_" + s.axis:   fmt.Sprintf("%.3f", s.freq),
		"damping_ratio_" + s.axis: fmt.Sprintf("%.6f", s.damping),
	}
}

// Pair bundles the X and Y shapers the toolhead runs with.
type Pair struct {
	X, Y *Axis
}

// NewPair creates a disabled shaper pair. Tool pickup scripts configure it.
func NewPair() *Pair {
	x, _ := NewAxis("x", TypeMZV, 0, defaultDampingRatio)
	y, _ := NewAxis("y", TypeMZV, 0, defaultDampingRatio)
	return &Pair{X: x, Y: y}
}

// Status merges both axes for status queries.
func (p *Pair) Status() map[string]any {
	out := p.X.Status()
	for k, v := range p.Y.Status() {
		out[k] = v
	}
	return out
}

func zvImpulses(freq, dampingRatio float64) (a, t []float64) {
	df := math.Sqrt(1.0 - dampingRatio*dampingRatio)
	k := math.Exp(-dampingRatio * math.Pi / df)
	td := 1.0 / (freq * df)
	a = []float64{1.0, k}
	t = []float64{0.0, 0.5 * td}
	return a, t
}

func zvdImpulses(freq, dampingRatio float64) (a, t []float64) {
	df := math.Sqrt(1.0 - dampingRatio*dampingRatio)
	k := math.Exp(-dampingRatio * math.Pi / df)
	td := 1.0 / (freq * df)
	a = []float64{1.0, 2.0 * k, k * k}
	t = []float64{0.0, 0.5 * td, td}
	return a, t
}

func mzvImpulses(freq, dampingRatio float64) (a, t []float64) {
	df := math.Sqrt(1.0 - dampingRatio*dampingRatio)
	k := math.Exp(-0.75 * dampingRatio * math.Pi / df)
	td := 1.0 / (freq * df)

	a1 := 1.0 - 1.0/math.Sqrt(2.0)
	a2 := (math.Sqrt(2.0) - 1.0) * k
	a3 := a1 * k * k

	a = []float64{a1, a2, a3}
	t = []float64{0.0, 0.375 * td, 0.75 * td}
	return a, t
}

func eiImpulses(freq, dampingRatio float64) (a, t []float64) {
	vTol := 1.0 / vibrationReduction
	df := math.Sqrt(1.0 - dampingRatio*dampingRatio)
	td := 1.0 / (freq * df)
	dr := dampingRatio

	a1 := (0.24968 + 0.24961*vTol) + ((0.80008+1.23328*vTol)+
		(0.49599+3.17316*vTol)*dr)*dr
	a3 := (0.25149 + 0.21474*vTol) + ((-0.83249+1.41498*vTol)+
		(0.85181-4.90094*vTol)*dr)*dr
	a2 := 1.0 - a1 - a3

	t2 := 0.4999 + (((0.46159+8.57843*vTol)*vTol)+
		(((4.26169-108.644*vTol)*vTol)+
			((1.75601+336.989*vTol)*vTol)*dr)*dr)*dr

	a = []float64{a1, a2, a3}
	t = []float64{0.0, t2 * td, td}
	return a, t
}

// expansionImpulses evaluates the polynomial expansions in the damping
// ratio that define the multi-hump EI shaper families.
func expansionImpulses(freq, dampingRatio float64, tc, ac [][]float64) (a, t []float64) {
	tau := 1.0 / freq
	n := len(ac)
	k := len(ac[0])
	a = make([]float64, n)
	t = make([]float64, n)

	for i := 0; i < n; i++ {
		u := tc[i][k-1]
		v := ac[i][k-1]
		for j := 0; j < k-1; j++ {
			u = u*dampingRatio + tc[i][k-j-2]
			v = v*dampingRatio + ac[i][k-j-2]
		}
		t[i] = u * tau
		a[i] = v
	}
	return a, t
}

func hump2EIImpulses(freq, dampingRatio float64) (a, t []float64) {
	tc := [][]float64{
		{0.0, 0.0, 0.0, 0.0},
		{0.49890, 0.16270, -0.54262, 6.16180},
		{0.99748, 0.18382, -1.58270, 8.17120},
		{1.49920, -0.09297, -0.28338, 1.85710},
	}
	ac := [][]float64{
		{0.16054, 0.76699, 2.26560, -1.22750},
		{0.33911, 0.45081, -2.58080, 1.73650},
		{0.34089, -0.61533, -0.68765, 0.42261},
		{0.15997, -0.60246, 1.00280, -0.93145},
	}
	return expansionImpulses(freq, dampingRatio, tc, ac)
}

func hump3EIImpulses(freq, dampingRatio float64) (a, t []float64) {
	tc := [][]float64{
		{0.0, 0.0, 0.0, 0.0},
		{0.49974, 0.23834, 0.44559, 12.4720},
		{0.99849, 0.29808, -2.36460, 23.3990},
		{1.49870, 0.10306, -2.01390, 17.0320},
		{1.99960, -0.28231, 0.61536, 5.40450},
	}
	ac := [][]float64{
		{0.11275, 0.76632, 3.29160, -1.44380},
		{0.23698, 0.61164, -2.57850, 4.85220},
		{0.30008, -0.19062, -2.14560, 0.13744},
		{0.23775, -0.73297, 0.46885, -2.08650},
		{0.11244, -0.45439, 0.96382, -1.46000},
	}
	return expansionImpulses(freq, dampingRatio, tc, ac)
}
