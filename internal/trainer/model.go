package trainer

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

// Model predicts a scalar energy correction from a descriptor vector.
// The input is normalized as (d - Shift) / Scale, then fed through tanh
// hidden layers with a linear scalar output, plus a linear prefit term
// fitted by ridge regression before training starts.
type Model struct {
	Shift []float64 `json:"shift"`
	Scale []float64 `json:"scale"`

	PrefitWeight    []float64 `json:"prefit_weight"`
	PrefitBias      float64   `json:"prefit_bias"`
	PrefitTrainable bool      `json:"prefit_trainable"`

	// Weights[l] has Sizes[l+1] rows of Sizes[l] columns.
	Sizes   []int         `json:"sizes"`
	Weights [][][]float64 `json:"weights"`
	Biases  [][]float64   `json:"biases"`
}

// NewModel builds a randomly initialized network. sizes runs from the
// descriptor width through the hidden widths to the scalar output, e.g.
// [120, 40, 40, 1]. Initialization is Xavier-uniform from a seeded source.
func NewModel(sizes []int, seed int64) (*Model, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("need at least input and output sizes, got %v", sizes)
	}
	if sizes[len(sizes)-1] != 1 {
		return nil, fmt.Errorf("output size must be 1, got %d", sizes[len(sizes)-1])
	}
	for _, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("invalid layer size %d", s)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	ndesc := sizes[0]
	m := &Model{
		Shift:        make([]float64, ndesc),
		Scale:        ones(ndesc),
		PrefitWeight: make([]float64, ndesc),
		Sizes:        append([]int(nil), sizes...),
	}
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		limit := math.Sqrt(6.0 / float64(in+out))
		w := make([][]float64, out)
		for i := range w {
			w[i] = make([]float64, in)
			for j := range w[i] {
				w[i][j] = (2*rng.Float64() - 1) * limit
			}
		}
		m.Weights = append(m.Weights, w)
		m.Biases = append(m.Biases, make([]float64, out))
	}
	return m, nil
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// NDesc returns the descriptor width the model accepts.
func (m *Model) NDesc() int { return m.Sizes[0] }

// SetNormalization replaces the input shift and scale. Scale entries at
// or below zero are clamped to one so degenerate descriptors pass through.
func (m *Model) SetNormalization(shift, scale []float64) error {
	if len(shift) != m.NDesc() || len(scale) != m.NDesc() {
		return fmt.Errorf("normalization width %d/%d, want %d", len(shift), len(scale), m.NDesc())
	}
	m.Shift = append([]float64(nil), shift...)
	m.Scale = make([]float64, len(scale))
	for i, s := range scale {
		if s <= 0 {
			s = 1
		}
		m.Scale[i] = s
	}
	return nil
}

// SetPrefit installs the ridge-fitted linear term.
func (m *Model) SetPrefit(weight []float64, bias float64, trainable bool) error {
	if len(weight) != m.NDesc() {
		return fmt.Errorf("prefit width %d, want %d", len(weight), m.NDesc())
	}
	m.PrefitWeight = append([]float64(nil), weight...)
	m.PrefitBias = bias
	m.PrefitTrainable = trainable
	return nil
}

// Save writes the model as JSON, atomically via a temp file.
func (m *Model) Save(path string) error {
	data, err := json.MarshalIndent(m, "", " ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadModel reads a JSON checkpoint and validates its shape.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &m, nil
}

func (m *Model) validate() error {
	if len(m.Sizes) < 2 {
		return fmt.Errorf("missing layer sizes")
	}
	if len(m.Weights) != len(m.Sizes)-1 || len(m.Biases) != len(m.Sizes)-1 {
		return fmt.Errorf("%d weight and %d bias layers for %d sizes", len(m.Weights), len(m.Biases), len(m.Sizes))
	}
	ndesc := m.Sizes[0]
	if len(m.Shift) != ndesc || len(m.Scale) != ndesc || len(m.PrefitWeight) != ndesc {
		return fmt.Errorf("normalization width mismatch for descriptor width %d", ndesc)
	}
	for l := range m.Weights {
		in, out := m.Sizes[l], m.Sizes[l+1]
		if len(m.Weights[l]) != out || len(m.Biases[l]) != out {
			return fmt.Errorf("layer %d has %d rows, want %d", l, len(m.Weights[l]), out)
		}
		for _, row := range m.Weights[l] {
			if len(row) != in {
				return fmt.Errorf("layer %d has row width %d, want %d", l, len(row), in)
			}
		}
	}
	return nil
}

// forwardState holds the activations of one forward pass for backprop.
// as[0] is the normalized input; as[l] the output of layer l-1.
type forwardState struct {
	as [][]float64
}

// forward evaluates the energy for one raw descriptor vector.
func (m *Model) forward(desc []float64) (float64, *forwardState) {
	x := make([]float64, len(desc))
	for j := range desc {
		x[j] = (desc[j] - m.Shift[j]) / m.Scale[j]
	}

	st := &forwardState{as: [][]float64{x}}
	a := x
	last := len(m.Weights) - 1
	for l, w := range m.Weights {
		z := make([]float64, len(w))
		for i := range w {
			sum := m.Biases[l][i]
			for j, wij := range w[i] {
				sum += wij * a[j]
			}
			if l < last {
				sum = math.Tanh(sum)
			}
			z[i] = sum
		}
		st.as = append(st.as, z)
		a = z
	}

	e := a[0] + m.PrefitBias
	for j := range x {
		e += m.PrefitWeight[j] * x[j]
	}
	return e, st
}

// Predict evaluates the energy, and forces when gvx is non-nil. Forces
// are minus the contraction of gvx with the raw-descriptor gradient.
func (m *Model) Predict(desc []float64, gvx [][]float64) (energy float64, force []float64) {
	energy, st := m.forward(desc)
	if gvx == nil {
		return energy, nil
	}
	gdesc := m.descGrad(st)
	force = make([]float64, len(gvx))
	for k := range gvx {
		var sum float64
		for j, g := range gdesc {
			sum += gvx[k][j] * g
		}
		force[k] = -sum
	}
	return energy, force
}

// inputGrad returns dE/dx, the gradient w.r.t. the normalized input,
// including the prefit linear term.
func (m *Model) inputGrad(st *forwardState) []float64 {
	last := len(m.Weights) - 1
	// dE/da for the current layer output, starting at the scalar output.
	g := []float64{1}
	for l := last; l >= 0; l-- {
		a := st.as[l+1]
		prev := make([]float64, m.Sizes[l])
		for i, gi := range g {
			if l < last {
				gi *= 1 - a[i]*a[i]
			}
			for j, wij := range m.Weights[l][i] {
				prev[j] += wij * gi
			}
		}
		g = prev
	}
	for j := range g {
		g[j] += m.PrefitWeight[j]
	}
	return g
}

// descGrad returns dE/dDesc on the raw descriptor scale.
func (m *Model) descGrad(st *forwardState) []float64 {
	g := m.inputGrad(st)
	for j := range g {
		g[j] /= m.Scale[j]
	}
	return g
}

// Gradients mirrors the model's trainable parameters.
type Gradients struct {
	Weights      [][][]float64
	Biases       [][]float64
	PrefitWeight []float64
	PrefitBias   float64
}

// NewGradients allocates a zeroed gradient buffer shaped like m.
func NewGradients(m *Model) *Gradients {
	g := &Gradients{PrefitWeight: make([]float64, m.NDesc())}
	for l := range m.Weights {
		w := make([][]float64, len(m.Weights[l]))
		for i := range w {
			w[i] = make([]float64, len(m.Weights[l][i]))
		}
		g.Weights = append(g.Weights, w)
		g.Biases = append(g.Biases, make([]float64, len(m.Biases[l])))
	}
	return g
}

// Zero resets all accumulated gradients.
func (g *Gradients) Zero() {
	for l := range g.Weights {
		for i := range g.Weights[l] {
			for j := range g.Weights[l][i] {
				g.Weights[l][i][j] = 0
			}
			g.Biases[l][i] = 0
		}
	}
	for j := range g.PrefitWeight {
		g.PrefitWeight[j] = 0
	}
	g.PrefitBias = 0
}

// accumEnergy backpropagates dL/dE through the network, adding parameter
// gradients scaled by de into g.
func (m *Model) accumEnergy(st *forwardState, de float64, g *Gradients) {
	last := len(m.Weights) - 1
	// dL/da of the current layer output.
	grad := []float64{de}
	for l := last; l >= 0; l-- {
		a := st.as[l+1]
		in := st.as[l]
		prev := make([]float64, m.Sizes[l])
		for i, gi := range grad {
			if l < last {
				gi *= 1 - a[i]*a[i]
			}
			g.Biases[l][i] += gi
			for j := range in {
				g.Weights[l][i][j] += gi * in[j]
				prev[j] += m.Weights[l][i][j] * gi
			}
		}
		grad = prev
	}
	x := st.as[0]
	if m.PrefitTrainable {
		for j := range x {
			g.PrefitWeight[j] += de * x[j]
		}
		g.PrefitBias += de
	}
}

// accumInputGradDot accumulates the parameter gradient of the scalar
// s = u . dE/dx, the force-loss coupling through the input gradient.
// It runs a forward tangent pass along u, then reverses through both the
// primal and tangent computations.
func (m *Model) accumInputGradDot(st *forwardState, u []float64, g *Gradients) {
	last := len(m.Weights) - 1
	nl := len(m.Weights)

	// Forward tangent pass: ta[l] is the directional derivative of the
	// layer-l output along u. For hidden layers ta = (1-a^2) * (W ta_prev).
	ta := make([][]float64, nl+1)
	tz := make([][]float64, nl+1)
	ta[0] = u
	for l := 0; l < nl; l++ {
		out := m.Sizes[l+1]
		tzl := make([]float64, out)
		tal := make([]float64, out)
		a := st.as[l+1]
		for i := 0; i < out; i++ {
			var sum float64
			for j, wij := range m.Weights[l][i] {
				sum += wij * ta[l][j]
			}
			tzl[i] = sum
			if l < last {
				tal[i] = (1 - a[i]*a[i]) * sum
			} else {
				tal[i] = sum
			}
		}
		tz[l+1] = tzl
		ta[l+1] = tal
	}
	// s = ta[nl][0] + u . PrefitWeight; reverse with ds/dta[nl][0] = 1.

	ga := make([]float64, 1)  // ds/da at current layer output
	gt := []float64{1}        // ds/dta at current layer output
	for l := last; l >= 0; l-- {
		a := st.as[l+1]
		in := st.as[l]
		gz := make([]float64, len(gt))  // ds/dz (pre-activation of primal)
		gtz := make([]float64, len(gt)) // ds/dtz (pre-activation of tangent)
		for i := range gt {
			if l < last {
				d := 1 - a[i]*a[i]
				// a = tanh(z), ta = d * tz; d depends on z via -2a*d.
				gz[i] = ga[i]*d + gt[i]*(-2*a[i]*d)*tz[l+1][i]
				gtz[i] = gt[i] * d
			} else {
				gz[i] = ga[i]
				gtz[i] = gt[i]
			}
		}

		prevA := make([]float64, m.Sizes[l])
		prevT := make([]float64, m.Sizes[l])
		for i := range gz {
			g.Biases[l][i] += gz[i]
			for j := range in {
				g.Weights[l][i][j] += gz[i]*in[j] + gtz[i]*ta[l][j]
				prevA[j] += m.Weights[l][i][j] * gz[i]
				prevT[j] += m.Weights[l][i][j] * gtz[i]
			}
		}
		ga, gt = prevA, prevT
	}

	if m.PrefitTrainable {
		for j := range u {
			g.PrefitWeight[j] += u[j]
		}
	}
}
