package iterate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/qcloop/qcloop/internal/config"
	"github.com/qcloop/qcloop/internal/domain"
	"github.com/qcloop/qcloop/internal/runner"
	"github.com/qcloop/qcloop/internal/share"
	"github.com/qcloop/qcloop/internal/trainer"
)

// Well-known files inside a stage directory. An SCF job reads the
// exported environment and writes labeled per-system data under
// data_train/ and data_test/ in its stage directory; the train stage
// leaves its checkpoint as model.json.
const (
	ModelFile     = "model.json"
	DataTrainDir  = "data_train"
	DataTestDir   = "data_test"
	TrainLogFile  = "train.log"
	stageSCFInput = "scf_input.yaml"
)

// runStage executes one stage and appends it to the record on success.
// Any stage failure is fatal and leaves the record untouched, so a later
// restart reruns exactly this stage.
func (c *Controller) runStage(ctx context.Context, id domain.StageID) error {
	dir := id.Dir(c.workdir)
	if err := backupExisting(dir); err != nil {
		return fmt.Errorf("stage %s: %w", id, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("stage %s: %w", id, err)
	}

	jobID := runner.JobID(id)
	c.storeBegin(jobID, id)
	c.logger.Printf("stage %s starting in %s", id, dir)

	var err error
	switch id.Stage {
	case domain.StageSCF:
		err = c.runSCF(ctx, id, dir)
	case domain.StageTrain:
		err = c.runTrain(ctx, id, dir, jobID)
	default:
		err = fmt.Errorf("unknown stage kind %q", id.Stage)
	}
	if err != nil {
		err = fmt.Errorf("stage %s: %w", id, err)
		c.storeFail(jobID, err)
		return err
	}

	if err := c.rec.Append(id); err != nil {
		c.storeFail(jobID, err)
		return err
	}
	c.storeComplete(jobID)
	c.logger.Printf("stage %s recorded", id)

	if c.cfg.Cleanup {
		c.cleanupStage(dir)
	}
	return nil
}

// backupExisting moves a leftover stage directory aside as <dir>.bck.NNN.
// A directory without a record entry is an interrupted attempt; it is
// preserved rather than overwritten or trusted.
func backupExisting(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	for n := 0; ; n++ {
		backup := fmt.Sprintf("%s.bck.%03d", dir, n)
		if _, err := os.Stat(backup); err == nil {
			continue
		}
		return os.Rename(dir, backup)
	}
}

// runSCF assembles the SCF inputs and submits one job per system group.
// Groups run sequentially; the first failure aborts the stage.
func (c *Controller) runSCF(ctx context.Context, id domain.StageID, dir string) error {
	machine := c.cfg.SCFMachine
	if machine.Command == "" {
		return fmt.Errorf("scf_machine.command is not configured")
	}

	inputName := "scf_input.yaml"
	if id.Init {
		inputName = "init_scf.yaml"
	}
	input := filepath.Join(dir, stageSCFInput)
	if err := share.CopyFile(c.share.Path(inputName), input); err != nil {
		return err
	}

	model := ""
	if prev := c.prevModel(id); prev != "" {
		model = filepath.Join(dir, ModelFile)
		if err := share.CopyFile(prev, model); err != nil {
			return fmt.Errorf("model from previous iteration: %w", err)
		}
	}
	if err := writeLines(filepath.Join(dir, SystemsTestFile), c.systemsTest); err != nil {
		return err
	}

	groups := chunk(c.systemsTrain, machine.GroupSize)
	for gi, group := range groups {
		taskDir := dir
		if len(groups) > 1 {
			taskDir = filepath.Join(dir, fmt.Sprintf("task.%02d", gi))
			if err := os.MkdirAll(taskDir, 0755); err != nil {
				return err
			}
		}
		systems := filepath.Join(taskDir, SystemsTrainFile)
		if err := writeLines(systems, group); err != nil {
			return err
		}

		task := runner.Task{
			ID:      runner.JobID(id),
			Dir:     taskDir,
			Command: machine.Command,
			Env: append(machineEnv(machine, c.cfg.IsStrict()),
				"QCLOOP_INPUT="+input,
				"QCLOOP_MODEL="+model,
				"QCLOOP_SYSTEMS="+systems,
				"QCLOOP_OUT="+dir,
			),
		}
		if err := c.runner.Submit(ctx, task); err != nil {
			return fmt.Errorf("group %d of %d: %w", gi+1, len(groups), err)
		}
	}
	return nil
}

// runTrain trains the model on the data the paired SCF stage produced.
// It runs in-process through the Trainer unless train_machine.command is
// configured, in which case the job is dispatched like an SCF group.
func (c *Controller) runTrain(ctx context.Context, id domain.StageID, dir, jobID string) error {
	scfDir := domain.StageID{Iter: id.Iter, Init: id.Init, Stage: domain.StageSCF}.Dir(c.workdir)
	dataTrain, err := subdirs(filepath.Join(scfDir, DataTrainDir))
	if err != nil {
		return fmt.Errorf("scf stage output: %w", err)
	}
	if len(dataTrain) == 0 {
		return fmt.Errorf("scf stage left no training data under %s", filepath.Join(scfDir, DataTrainDir))
	}
	dataTest, _ := subdirs(filepath.Join(scfDir, DataTestDir))

	inputName := "train_input.yaml"
	if id.Init {
		inputName = "init_train.yaml"
	}
	input := c.share.Path(inputName)
	restart := c.prevModel(id)
	ckpt := filepath.Join(dir, ModelFile)

	if c.cfg.TrainMachine.Command != "" {
		machine := c.cfg.TrainMachine
		task := runner.Task{
			ID:      jobID,
			Dir:     dir,
			Command: machine.Command,
			Env: append(machineEnv(machine, c.cfg.IsStrict()),
				"QCLOOP_INPUT="+input,
				"QCLOOP_RESTART="+restart,
				"QCLOOP_DATA_TRAIN="+strings.Join(dataTrain, ":"),
				"QCLOOP_DATA_TEST="+strings.Join(dataTest, ":"),
				"QCLOOP_OUT="+dir,
			),
		}
		if err := c.runner.Submit(ctx, task); err != nil {
			return err
		}
		if _, err := os.Stat(ckpt); err != nil {
			return fmt.Errorf("train job finished without writing %s", ckpt)
		}
		return nil
	}

	params, err := trainer.LoadParams(input)
	if err != nil {
		return err
	}
	params.CkptFile = ckpt

	trainReader, err := trainer.NewReader(dataTrain, params.BatchSize, params.Seed)
	if err != nil {
		return err
	}
	testReader := trainReader
	if len(dataTest) > 0 {
		if testReader, err = trainer.NewReader(dataTest, params.BatchSize, params.Seed); err != nil {
			return err
		}
	}

	tr := &trainer.Trainer{Workers: c.workers}
	logFile, err := os.Create(filepath.Join(dir, TrainLogFile))
	if err != nil {
		return err
	}
	defer logFile.Close()
	tr.Log = logFile

	var model *trainer.Model
	if restart != "" {
		if model, err = trainer.LoadModel(restart); err != nil {
			return err
		}
	} else {
		sizes := append([]int{trainReader.NDesc()}, params.NNeuron...)
		sizes = append(sizes, 1)
		if model, err = trainer.NewModel(sizes, params.Seed); err != nil {
			return err
		}
		if err = tr.Preprocess(model, trainReader, params); err != nil {
			return err
		}
	}

	res, err := tr.Train(ctx, model, trainReader, testReader, params)
	if err != nil {
		return err
	}
	c.storeLosses(jobID, res.TrainRMSE, res.TestRMSE)
	return nil
}

// prevModel returns the checkpoint that feeds the given stage: the init
// model for iteration 0 when one was supplied, otherwise the previous
// iteration's trained checkpoint. The init pseudo-iteration starts from
// nothing.
func (c *Controller) prevModel(id domain.StageID) string {
	if id.Init {
		return ""
	}
	if id.Iter == 0 {
		if c.initModel != "" {
			return c.initModel
		}
		initTrain := domain.StageID{Init: true, Stage: domain.StageTrain}
		return filepath.Join(initTrain.Dir(c.workdir), ModelFile)
	}
	prev := domain.StageID{Iter: id.Iter - 1, Stage: domain.StageTrain}
	return filepath.Join(prev.Dir(c.workdir), ModelFile)
}

// cleanupStage removes transient job artifacts, best effort.
func (c *Controller) cleanupStage(dir string) {
	runner.CleanupScratch(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "task.") {
			runner.CleanupScratch(filepath.Join(dir, e.Name()))
		}
	}
}

// machineEnv exports resource requests, and in non-strict runs any extra
// machine keys, as QCLOOP_-prefixed environment variables.
func machineEnv(m config.Machine, strict bool) []string {
	var env []string
	for k, v := range m.Resources {
		env = append(env, "QCLOOP_RES_"+strings.ToUpper(k)+"="+v)
	}
	if !strict {
		for k, v := range m.Extra {
			env = append(env, "QCLOOP_"+strings.ToUpper(k)+"="+fmt.Sprint(v))
		}
	}
	sort.Strings(env)
	return env
}

func chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// storeBegin and friends tolerate a nil store; the history mirror is
// optional and never affects control flow.
func (c *Controller) storeBegin(jobID string, id domain.StageID) {
	if c.store == nil {
		return
	}
	if err := c.store.Begin(jobID, id); err != nil {
		c.logger.Printf("runstore: %v", err)
	}
}

func (c *Controller) storeComplete(jobID string) {
	if c.store == nil {
		return
	}
	if err := c.store.Complete(jobID); err != nil {
		c.logger.Printf("runstore: %v", err)
	}
}

func (c *Controller) storeFail(jobID string, cause error) {
	if c.store == nil {
		return
	}
	if err := c.store.Fail(jobID, cause.Error()); err != nil {
		c.logger.Printf("runstore: %v", err)
	}
}

func (c *Controller) storeLosses(jobID string, trainLoss, testLoss float64) {
	if c.store == nil {
		return
	}
	if err := c.store.RecordLosses(jobID, trainLoss, testLoss); err != nil {
		c.logger.Printf("runstore: %v", err)
	}
}
