package trainer

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Raw file names expected inside a system directory. energy.raw and
// desc.raw are required; force.raw and gvx.raw enable force matching.
const (
	EnergyFile = "energy.raw"
	DescFile   = "desc.raw"
	ForceFile  = "force.raw"
	GvxFile    = "gvx.raw"
)

// Frame is one labeled configuration: a descriptor vector, its reference
// energy, and optionally reference forces with the geometry-gradient
// matrix that maps descriptor gradients to forces.
type Frame struct {
	Energy float64
	Desc   []float64
	Force  []float64   // len nforce, empty when force data is absent
	Gvx    [][]float64 // nforce rows of len(Desc) columns
}

// Reader loads labeled frames from system directories and serves them in
// batches. Batch composition within an epoch is shuffled from a seeded
// source, so a fixed seed reproduces the exact batch sequence.
type Reader struct {
	frames    []Frame
	ndesc     int
	nforce    int
	batchSize int
	hasForce  bool
	rng       *rand.Rand
}

// NewReader loads every system directory into one dataset.
func NewReader(systems []string, batchSize int, seed int64) (*Reader, error) {
	if len(systems) == 0 {
		return nil, fmt.Errorf("no systems to read")
	}
	if batchSize <= 0 {
		batchSize = 16
	}
	r := &Reader{batchSize: batchSize, hasForce: true, rng: rand.New(rand.NewSource(seed))}

	for _, dir := range systems {
		if err := r.loadSystem(dir); err != nil {
			return nil, fmt.Errorf("system %s: %w", dir, err)
		}
	}
	if len(r.frames) == 0 {
		return nil, fmt.Errorf("no frames loaded from %d systems", len(systems))
	}
	return r, nil
}

func (r *Reader) loadSystem(dir string) error {
	energies, err := LoadMatrix(filepath.Join(dir, EnergyFile))
	if err != nil {
		return err
	}
	descs, err := LoadMatrix(filepath.Join(dir, DescFile))
	if err != nil {
		return err
	}
	if len(descs) != len(energies) {
		return fmt.Errorf("%d descriptor rows for %d energies", len(descs), len(energies))
	}

	ndesc := 0
	if len(descs) > 0 {
		ndesc = len(descs[0])
	}
	if r.ndesc == 0 {
		r.ndesc = ndesc
	} else if ndesc != r.ndesc {
		return fmt.Errorf("descriptor width %d does not match dataset width %d", ndesc, r.ndesc)
	}

	forces, gvx, err := r.loadForceData(dir, len(energies))
	if err != nil {
		return err
	}
	if forces == nil {
		r.hasForce = false
	}

	for i := range energies {
		if len(energies[i]) != 1 {
			return fmt.Errorf("energy row %d has %d values, want 1", i, len(energies[i]))
		}
		frame := Frame{Energy: energies[i][0], Desc: descs[i]}
		if forces != nil {
			frame.Force = forces[i]
			frame.Gvx = unflatten(gvx[i], len(forces[i]), r.ndesc)
		}
		r.frames = append(r.frames, frame)
	}
	return nil
}

func (r *Reader) loadForceData(dir string, nframes int) (forces, gvx [][]float64, err error) {
	forcePath := filepath.Join(dir, ForceFile)
	if _, statErr := os.Stat(forcePath); statErr != nil {
		return nil, nil, nil
	}
	forces, err = LoadMatrix(forcePath)
	if err != nil {
		return nil, nil, err
	}
	gvx, err = LoadMatrix(filepath.Join(dir, GvxFile))
	if err != nil {
		return nil, nil, fmt.Errorf("force data without gvx: %w", err)
	}
	if len(forces) != nframes || len(gvx) != nframes {
		return nil, nil, fmt.Errorf("force rows %d, gvx rows %d, want %d", len(forces), len(gvx), nframes)
	}
	nf := len(forces[0])
	if r.nforce == 0 {
		r.nforce = nf
	}
	for i := range gvx {
		if len(gvx[i]) != nf*r.ndesc {
			return nil, nil, fmt.Errorf("gvx row %d has %d values, want %d", i, len(gvx[i]), nf*r.ndesc)
		}
	}
	return forces, gvx, nil
}

func unflatten(flat []float64, rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		out[i] = flat[i*cols : (i+1)*cols]
	}
	return out
}

// NDesc returns the descriptor width.
func (r *Reader) NDesc() int { return r.ndesc }

// NFrames returns the number of loaded frames.
func (r *Reader) NFrames() int { return len(r.frames) }

// HasForce reports whether every system supplied force data.
func (r *Reader) HasForce() bool { return r.hasForce }

// Batches partitions all frames in load order, for evaluation.
func (r *Reader) Batches() [][]Frame {
	return partition(r.frames, r.batchSize)
}

// Shuffled returns one epoch of batches in a freshly shuffled order.
func (r *Reader) Shuffled() [][]Frame {
	shuffled := make([]Frame, len(r.frames))
	copy(shuffled, r.frames)
	r.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return partition(shuffled, r.batchSize)
}

func partition(frames []Frame, size int) [][]Frame {
	var out [][]Frame
	for i := 0; i < len(frames); i += size {
		end := i + size
		if end > len(frames) {
			end = len(frames)
		}
		out = append(out, frames[i:end])
	}
	return out
}

// Stats returns the per-descriptor mean and standard deviation across the
// dataset, used to recenter the model's input normalization.
func (r *Reader) Stats() (mean, std []float64) {
	mean = make([]float64, r.ndesc)
	std = make([]float64, r.ndesc)
	n := float64(len(r.frames))

	for _, f := range r.frames {
		for j, d := range f.Desc {
			mean[j] += d
		}
	}
	for j := range mean {
		mean[j] /= n
	}
	for _, f := range r.frames {
		for j, d := range f.Desc {
			diff := d - mean[j]
			std[j] += diff * diff
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
	}
	return mean, std
}

// Prefit solves a ridge regression of energies on normalized descriptors,
// returning the linear weights and bias for the model's prefit layer.
func (r *Reader) Prefit(shift, scale []float64, ridgeAlpha float64) (weight []float64, bias float64, err error) {
	n := len(r.frames)
	d := r.ndesc

	// Normalize inputs, center both sides, solve the normal equations.
	x := make([][]float64, n)
	y := make([]float64, n)
	for i, f := range r.frames {
		x[i] = make([]float64, d)
		for j := range f.Desc {
			x[i][j] = (f.Desc[j] - shift[j]) / scale[j]
		}
		y[i] = f.Energy
	}

	xMean := make([]float64, d)
	var yMean float64
	for i := 0; i < n; i++ {
		yMean += y[i]
		for j := 0; j < d; j++ {
			xMean[j] += x[i][j]
		}
	}
	yMean /= float64(n)
	for j := range xMean {
		xMean[j] /= float64(n)
	}

	a := make([][]float64, d)
	rhs := make([]float64, d)
	for j := 0; j < d; j++ {
		a[j] = make([]float64, d)
		a[j][j] = ridgeAlpha
	}
	for i := 0; i < n; i++ {
		yc := y[i] - yMean
		for j := 0; j < d; j++ {
			xc := x[i][j] - xMean[j]
			rhs[j] += xc * yc
			for k := j; k < d; k++ {
				a[j][k] += xc * (x[i][k] - xMean[k])
			}
		}
	}
	for j := 0; j < d; j++ {
		for k := 0; k < j; k++ {
			a[j][k] = a[k][j]
		}
	}

	weight, err = solveLinear(a, rhs)
	if err != nil {
		return nil, 0, fmt.Errorf("prefit ridge solve: %w", err)
	}
	bias = yMean
	for j := 0; j < d; j++ {
		bias -= xMean[j] * weight[j]
	}
	return weight, bias, nil
}

// solveLinear solves a x = b by Gaussian elimination with partial pivoting.
func solveLinear(a [][]float64, b []float64) ([]float64, error) {
	n := len(a)
	m := make([][]float64, n)
	for i := range a {
		m[i] = append(append([]float64(nil), a[i]...), b[i])
	}

	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		m[col], m[pivot] = m[pivot], m[col]
		for row := col + 1; row < n; row++ {
			factor := m[row][col] / m[col][col]
			for k := col; k <= n; k++ {
				m[row][k] -= factor * m[col][k]
			}
		}
	}

	x := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := m[row][n]
		for k := row + 1; k < n; k++ {
			sum -= m[row][k] * x[k]
		}
		x[row] = sum / m[row][row]
	}
	return x, nil
}

// LoadMatrix reads a whitespace-separated matrix of floats, one row per
// line. Blank lines and #-comments are skipped.
func LoadMatrix(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rows [][]float64
	width := -1
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, lineNo+1, err)
			}
			row[i] = v
		}
		if width == -1 {
			width = len(row)
		} else if len(row) != width {
			return nil, fmt.Errorf("%s line %d: %d values, want %d", path, lineNo+1, len(row), width)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// SaveMatrix writes a matrix in the raw text format.
func SaveMatrix(path string, rows [][]float64) error {
	var sb strings.Builder
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(v, 'g', 17, 64))
		}
		sb.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}
