package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// CheckpointFile is the default model checkpoint name inside a train dir.
const CheckpointFile = "model.json"

// Params are the training hyperparameters, read from train_input.yaml.
type Params struct {
	NNeuron      []int   `yaml:"n_neuron"`
	NEpoch       int     `yaml:"n_epoch"`
	BatchSize    int     `yaml:"batch_size"`
	StartLR      float64 `yaml:"start_lr"`
	DecaySteps   int     `yaml:"decay_steps"`
	DecayRate    float64 `yaml:"decay_rate"`
	StopLR       float64 `yaml:"stop_lr"`
	WeightDecay  float64 `yaml:"weight_decay"`
	DisplayEpoch int     `yaml:"display_epoch"`
	ForceFactor  float64 `yaml:"force_factor"`
	Seed         int64   `yaml:"seed"`
	CkptFile     string  `yaml:"ckpt_file"`

	Preprocess      bool    `yaml:"preprocess"`
	Preshift        bool    `yaml:"preshift"`
	Prescale        bool    `yaml:"prescale"`
	PrescaleSqrt    bool    `yaml:"prescale_sqrt"`
	PrescaleClip    float64 `yaml:"prescale_clip"`
	Prefit          bool    `yaml:"prefit"`
	PrefitRidge     float64 `yaml:"prefit_ridge"`
	PrefitTrainable bool    `yaml:"prefit_trainable"`
}

// DefaultParams returns the built-in hyperparameters used when no
// training input is given.
func DefaultParams() Params {
	return Params{
		NNeuron:      []int{40, 40, 40},
		NEpoch:       1000,
		BatchSize:    16,
		StartLR:      3e-4,
		DecaySteps:   100,
		DecayRate:    0.96,
		DisplayEpoch: 100,
		ForceFactor:  0,
		Seed:         1,
		CkptFile:     CheckpointFile,

		Preprocess:   true,
		Preshift:     true,
		Prescale:     false,
		PrescaleClip: 0,
		Prefit:       true,
		PrefitRidge:  10,
	}
}

// LoadParams reads hyperparameters from a YAML file, filling unset
// fields from the defaults.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := p.check(); err != nil {
		return p, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (p *Params) check() error {
	if p.NEpoch < 0 {
		return fmt.Errorf("n_epoch must not be negative, got %d", p.NEpoch)
	}
	if p.StartLR <= 0 {
		return fmt.Errorf("start_lr must be positive, got %g", p.StartLR)
	}
	if p.DecaySteps <= 0 {
		return fmt.Errorf("decay_steps must be positive, got %d", p.DecaySteps)
	}
	if p.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must not be negative, got %g", p.WeightDecay)
	}
	for _, n := range p.NNeuron {
		if n <= 0 {
			return fmt.Errorf("invalid hidden width %d", n)
		}
	}
	return nil
}

// effectiveDecayRate back-solves the geometric decay so the learning rate
// lands on stop_lr at the final decay step when stop_lr is set.
func (p *Params) effectiveDecayRate() float64 {
	if p.StopLR <= 0 {
		return p.DecayRate
	}
	steps := p.NEpoch / p.DecaySteps
	if steps <= 0 {
		return p.DecayRate
	}
	return math.Pow(p.StopLR/p.StartLR, 1/float64(steps))
}

// NumericError reports that training produced a non-finite loss.
type NumericError struct {
	Epoch int
	Loss  float64
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("non-finite loss %g at epoch %d", e.Loss, e.Epoch)
}

// Result summarizes a finished training run.
type Result struct {
	TrainRMSE  float64
	TestRMSE   float64
	Checkpoint string
}

// Trainer drives preprocessing and the optimization loop for one model.
type Trainer struct {
	Workers int       // parallel eval workers, min 1
	Log     io.Writer // epoch report lines, defaults to io.Discard
}

func (t *Trainer) workers() int {
	if t.Workers < 1 {
		return 1
	}
	return t.Workers
}

func (t *Trainer) log() io.Writer {
	if t.Log == nil {
		return io.Discard
	}
	return t.Log
}

// Preprocess recenters the model on the training data statistics and
// ridge-fits the prefit linear term. The statistics come from the raw
// descriptors, so running it twice on the same data is idempotent.
func (t *Trainer) Preprocess(m *Model, data *Reader, p Params) error {
	if !p.Preprocess {
		return nil
	}
	mean, std := data.Stats()

	shift := make([]float64, len(mean))
	scale := ones(len(std))
	if p.Preshift {
		copy(shift, mean)
	}
	if p.Prescale {
		for j, s := range std {
			if p.PrescaleSqrt {
				s = math.Sqrt(s)
			}
			if p.PrescaleClip > 0 && s > p.PrescaleClip {
				s = p.PrescaleClip
			}
			scale[j] = s
		}
	}
	if err := m.SetNormalization(shift, scale); err != nil {
		return err
	}

	if p.Prefit {
		weight, bias, err := data.Prefit(m.Shift, m.Scale, p.PrefitRidge)
		if err != nil {
			return err
		}
		if err := m.SetPrefit(weight, bias, p.PrefitTrainable); err != nil {
			return err
		}
	}
	return nil
}

// Train runs the Adam optimization loop. The model is checkpointed to
// p.CkptFile every display_epoch epochs and once at the end.
func (t *Trainer) Train(ctx context.Context, m *Model, train, test *Reader, p Params) (*Result, error) {
	if train.NDesc() != m.NDesc() {
		return nil, fmt.Errorf("data descriptor width %d, model expects %d", train.NDesc(), m.NDesc())
	}
	forceFactor := p.ForceFactor
	if !train.HasForce() {
		forceFactor = 0
	}

	opt := newAdam(m, p.WeightDecay)
	lr := p.StartLR
	decay := p.effectiveDecayRate()
	ckpt := p.CkptFile
	if ckpt == "" {
		ckpt = CheckpointFile
	}

	fmt.Fprintln(t.log(), "# epoch      trn_err      tst_err          lr     trn_time     tst_time")
	trnErr, tstErr, err := t.report(ctx, m, train, test, forceFactor, 0, lr, 0)
	if err != nil {
		return nil, err
	}

	grads := NewGradients(m)
	start := time.Now()
	for epoch := 1; epoch <= p.NEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if epoch > 1 && (epoch-1)%p.DecaySteps == 0 {
			lr *= decay
		}

		for _, batch := range train.Shuffled() {
			loss := t.step(m, batch, forceFactor, grads, opt, lr)
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return nil, &NumericError{Epoch: epoch, Loss: loss}
			}
		}

		if epoch%p.DisplayEpoch == 0 || epoch == p.NEpoch {
			trnTime := time.Since(start).Seconds()
			trnErr, tstErr, err = t.report(ctx, m, train, test, forceFactor, epoch, lr, trnTime)
			if err != nil {
				return nil, err
			}
			if err := m.Save(ckpt); err != nil {
				return nil, fmt.Errorf("save checkpoint: %w", err)
			}
			start = time.Now()
		}
	}

	if err := m.Save(ckpt); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	return &Result{TrainRMSE: trnErr, TestRMSE: tstErr, Checkpoint: ckpt}, nil
}

// step runs one minibatch: accumulate gradients of the mean squared
// energy error plus the weighted force error, then apply one Adam update.
func (t *Trainer) step(m *Model, batch []Frame, forceFactor float64, grads *Gradients, opt *adam, lr float64) float64 {
	grads.Zero()
	var loss float64
	n := float64(len(batch))

	for _, f := range batch {
		e, st := m.forward(f.Desc)
		diff := e - f.Energy
		loss += diff * diff / n
		m.accumEnergy(st, 2*diff/n, grads)

		if forceFactor > 0 && f.Force != nil {
			gdesc := m.descGrad(st)
			nf := float64(len(f.Force))
			// u accumulates dL_f/d(dE/dx), folded through gvx and scale.
			u := make([]float64, m.NDesc())
			for k, fk := range f.Force {
				var pred float64
				for j, g := range gdesc {
					pred -= f.Gvx[k][j] * g
				}
				fdiff := pred - fk
				loss += forceFactor * fdiff * fdiff / (nf * n)
				coeff := -2 * forceFactor * fdiff / (nf * n)
				for j := range u {
					u[j] += coeff * f.Gvx[k][j] / m.Scale[j]
				}
			}
			m.accumInputGradDot(st, u, grads)
		}
	}

	opt.update(m, grads, lr)
	return loss
}

// report evaluates both datasets and writes one progress line.
func (t *Trainer) report(ctx context.Context, m *Model, train, test *Reader, forceFactor float64, epoch int, lr, trnTime float64) (trnErr, tstErr float64, err error) {
	evalStart := time.Now()
	trnErr, err = t.Evaluate(ctx, m, train, forceFactor)
	if err != nil {
		return 0, 0, err
	}
	tstErr, err = t.Evaluate(ctx, m, test, forceFactor)
	if err != nil {
		return 0, 0, err
	}
	tstTime := time.Since(evalStart).Seconds()
	fmt.Fprintf(t.log(), "%7d %12.3e %12.3e %11.2e %12.2f %12.2f\n",
		epoch, trnErr, tstErr, lr, trnTime, tstTime)
	return trnErr, tstErr, nil
}

// Evaluate computes the RMSE over a dataset, with batches spread across
// the worker pool.
func (t *Trainer) Evaluate(ctx context.Context, m *Model, data *Reader, forceFactor float64) (float64, error) {
	if data == nil || data.NFrames() == 0 {
		return 0, nil
	}
	batches := data.Batches()

	var mu sync.Mutex
	var sum float64
	var count int

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers())
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var local float64
			for _, f := range batch {
				e, st := m.forward(f.Desc)
				diff := e - f.Energy
				local += diff * diff
				if forceFactor > 0 && f.Force != nil {
					gdesc := m.descGrad(st)
					nf := float64(len(f.Force))
					for k, fk := range f.Force {
						var pred float64
						for j, gd := range gdesc {
							pred -= f.Gvx[k][j] * gd
						}
						fdiff := pred - fk
						local += forceFactor * fdiff * fdiff / nf
					}
				}
			}
			mu.Lock()
			sum += local
			count += len(batch)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	rmse := math.Sqrt(sum / float64(count))
	if math.IsNaN(rmse) || math.IsInf(rmse, 0) {
		return 0, &NumericError{Loss: rmse}
	}
	return rmse, nil
}

// adam is the Adam optimizer with first and second moment buffers shaped
// like the model parameters. A non-zero weight decay is added to each
// gradient as wd*param before the moment updates, the classic L2 form.
type adam struct {
	beta1, beta2, eps float64
	wd                float64
	step              int
	m, v              *Gradients
}

func newAdam(model *Model, weightDecay float64) *adam {
	return &adam{
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		wd:    weightDecay,
		m:     NewGradients(model),
		v:     NewGradients(model),
	}
}

func (a *adam) update(model *Model, g *Gradients, lr float64) {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))

	upd := func(param *float64, grad float64, m, v *float64) {
		grad += a.wd * *param
		*m = a.beta1**m + (1-a.beta1)*grad
		*v = a.beta2**v + (1-a.beta2)*grad*grad
		mh := *m / c1
		vh := *v / c2
		*param -= lr * mh / (math.Sqrt(vh) + a.eps)
	}

	for l := range model.Weights {
		for i := range model.Weights[l] {
			for j := range model.Weights[l][i] {
				upd(&model.Weights[l][i][j], g.Weights[l][i][j], &a.m.Weights[l][i][j], &a.v.Weights[l][i][j])
			}
			upd(&model.Biases[l][i], g.Biases[l][i], &a.m.Biases[l][i], &a.v.Biases[l][i])
		}
	}
	if model.PrefitTrainable {
		for j := range model.PrefitWeight {
			upd(&model.PrefitWeight[j], g.PrefitWeight[j], &a.m.PrefitWeight[j], &a.v.PrefitWeight[j])
		}
		upd(&model.PrefitBias, g.PrefitBias, &a.m.PrefitBias, &a.v.PrefitBias)
	}
}
