// Package iterate drives the SCF + train loop: it owns the iteration
// plan, the RECORD protocol, and the hand-off of model checkpoints from
// one iteration to the next. The RECORD file is the single authority on
// progress; stage directories are materialized side effects.
package iterate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/qcloop/qcloop/internal/config"
	"github.com/qcloop/qcloop/internal/domain"
	"github.com/qcloop/qcloop/internal/record"
	"github.com/qcloop/qcloop/internal/runner"
	"github.com/qcloop/qcloop/internal/runstore"
	"github.com/qcloop/qcloop/internal/share"
	"github.com/qcloop/qcloop/internal/trainer"
)

// Resolved artifact files under the share folder.
const (
	SCFInputFile     = "scf_input.yaml"
	TrainInputFile   = "train_input.yaml"
	InitSCFFile      = "init_scf.yaml"
	InitTrainFile    = "init_train.yaml"
	InitModelFile    = "init/model.json"
	SystemsTrainFile = "systems_train.raw"
	SystemsTestFile  = "systems_test.raw"
)

// ErrRecordExists is returned by Run when a RECORD file is already
// present; the caller should Restart instead.
var ErrRecordExists = errors.New("RECORD exists, refusing to start over")

// Options carries the collaborators a Controller runs with. Zero values
// get working defaults: a local runner, no history store, discarded logs.
type Options struct {
	Runner  runner.Runner
	Store   *runstore.Store
	Log     io.Writer
	Workers int // trainer eval workers
}

// Controller executes the iteration plan for one resolved configuration.
type Controller struct {
	cfg  *config.RunConfig
	plan domain.Plan

	workdir string
	share   *share.Folder
	runner  runner.Runner
	store   *runstore.Store
	logger  *log.Logger
	workers int

	systemsTrain []string
	systemsTest  []string
	initModel    string // resolved share path, "" when the init iteration runs
	rec          *record.Record
}

// Build validates the configuration and resolves every share-folder
// artifact eagerly, before any stage runs. A missing required input is a
// fatal resolution error here, never mid-run.
func Build(cfg *config.RunConfig, opts Options) (*Controller, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Workdir, 0755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	shareDir := cfg.ShareFolder
	if !filepath.IsAbs(shareDir) {
		shareDir = filepath.Join(cfg.Workdir, shareDir)
	}
	f, err := share.New(shareDir)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		workdir: cfg.Workdir,
		share:   f,
		runner:  opts.Runner,
		store:   opts.Store,
		workers: opts.Workers,
	}
	if c.runner == nil {
		c.runner = runner.NewLocal()
	}
	logOut := opts.Log
	if logOut == nil {
		logOut = io.Discard
	}
	c.logger = log.New(logOut, "", log.LstdFlags)

	if _, err := f.ResolveYAML("scf_input", cfg.SCFInput, defaultSCFInput()); err != nil {
		return nil, err
	}
	if _, err := f.ResolveYAML("train_input", cfg.TrainInput, defaultTrainInput()); err != nil {
		return nil, err
	}

	withInit := cfg.InitModel.Disabled()
	if withInit {
		if _, err := f.ResolveYAML("init_scf", cfg.InitSCF, defaultSCFInput()); err != nil {
			return nil, err
		}
		if _, err := f.ResolveYAML("init_train", cfg.InitTrain, defaultTrainInput()); err != nil {
			return nil, err
		}
	} else {
		path, err := f.ResolveFile("init_model", cfg.InitModel, InitModelFile)
		if err != nil {
			return nil, err
		}
		c.initModel = path
	}

	if err := c.resolveSystems(); err != nil {
		return nil, err
	}

	c.plan, err = domain.NewPlan(cfg.NIter, withInit)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// resolveSystems flattens the configured system lists, splits off a test
// set when none is given, and writes both lists into the share folder.
func (c *Controller) resolveSystems() error {
	specs := []string(c.cfg.SystemsTrain)
	if len(specs) == 0 {
		// Fall back to a pre-placed list file in the share folder.
		specs = []string{c.share.Path(SystemsTrainFile)}
	}
	train, err := config.FlattenSystems(specs)
	if err != nil {
		return &share.ResolutionError{Name: "systems_train", Reason: err.Error()}
	}
	test, err := config.FlattenSystems(c.cfg.SystemsTest)
	if err != nil {
		return &share.ResolutionError{Name: "systems_test", Reason: err.Error()}
	}
	train, test, err = config.SplitTestSystems(train, test)
	if err != nil {
		return &share.ResolutionError{Name: "systems_train", Reason: err.Error()}
	}
	for i, s := range train {
		if train[i], err = filepath.Abs(s); err != nil {
			return err
		}
	}
	for i, s := range test {
		if test[i], err = filepath.Abs(s); err != nil {
			return err
		}
	}
	c.systemsTrain, c.systemsTest = train, test

	if err := writeLines(c.share.Path(SystemsTrainFile), train); err != nil {
		return err
	}
	return writeLines(c.share.Path(SystemsTestFile), test)
}

// Plan returns the iteration plan the controller executes.
func (c *Controller) Plan() domain.Plan { return c.plan }

// Workdir returns the resolved working directory.
func (c *Controller) Workdir() string { return c.workdir }

// HasRecord reports whether a RECORD file exists in the workdir.
func (c *Controller) HasRecord() bool {
	return record.Exists(c.workdir)
}

// Run starts a fresh run. It refuses to touch a workdir that already has
// a RECORD; resuming is Restart's job.
func (c *Controller) Run(ctx context.Context) error {
	if c.HasRecord() {
		return fmt.Errorf("%w at %s", ErrRecordExists, record.Path(c.workdir))
	}
	rec, err := record.Load(c.workdir)
	if err != nil {
		return err
	}
	c.rec = rec
	return c.resume(ctx)
}

// Restart resumes an interrupted run from the RECORD. The record must be
// a consistent prefix of the plan; anything else is corrupt and fatal.
func (c *Controller) Restart(ctx context.Context) error {
	rec, err := record.Load(c.workdir)
	if err != nil {
		return err
	}
	if err := rec.Validate(c.plan); err != nil {
		return err
	}
	c.rec = rec
	if next, ok := rec.NextStage(c.plan); ok {
		c.logger.Printf("record covers %d of %d stages, resuming at %s", rec.Len(), c.plan.NumStages(), next)
	}
	return c.resume(ctx)
}

// resume executes every stage the record does not cover yet, in plan
// order, appending to the record after each success.
func (c *Controller) resume(ctx context.Context) error {
	for _, id := range c.plan.Stages() {
		if c.rec.Has(id) {
			c.logger.Printf("stage %s already recorded, skipping", id)
			continue
		}
		if err := c.runStage(ctx, id); err != nil {
			return err
		}
	}
	c.logger.Printf("all %d stages recorded, run complete", c.plan.NumStages())
	return nil
}

// Main is the two-state entry point: a workdir either has a RECORD or it
// does not, and that single check decides between Run and Restart.
func Main(ctx context.Context, cfg *config.RunConfig, opts Options) error {
	c, err := Build(cfg, opts)
	if err != nil {
		return err
	}
	if c.HasRecord() {
		c.logger.Printf("found %s, restarting", record.Path(c.workdir))
		return c.Restart(ctx)
	}
	return c.Run(ctx)
}

func defaultSCFInput() map[string]any {
	return map[string]any{
		"basis":     "ccpvdz",
		"verbose":   0,
		"max_cycle": 50,
		"conv_tol":  1e-9,
	}
}

// defaultTrainInput is the trainer's default hyperparameter set as a
// plain mapping, for serialization into the share folder.
func defaultTrainInput() map[string]any {
	data, err := yaml.Marshal(trainer.DefaultParams())
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	return m
}

func writeLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	var buf []byte
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	return os.WriteFile(path, buf, 0644)
}
