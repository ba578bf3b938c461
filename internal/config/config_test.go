package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("n_iter: 2\nsystems_train: data/*\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workdir != "." {
		t.Errorf("Workdir = %q, want .", cfg.Workdir)
	}
	if cfg.ShareFolder != "share" {
		t.Errorf("ShareFolder = %q, want share", cfg.ShareFolder)
	}
	if cfg.SCFMachine.GroupSize != 1 {
		t.Errorf("GroupSize = %d, want 1", cfg.SCFMachine.GroupSize)
	}
	if !cfg.IsStrict() {
		t.Error("IsStrict = false by default")
	}
	if len(cfg.SystemsTrain) != 1 || cfg.SystemsTrain[0] != "data/*" {
		t.Errorf("SystemsTrain = %v", cfg.SystemsTrain)
	}
}

func TestParse_NegativeNIter(t *testing.T) {
	if _, err := Parse([]byte("n_iter: -1\n")); err == nil {
		t.Error("expected error for negative n_iter")
	}
}

func TestParse_SystemsList(t *testing.T) {
	cfg, err := Parse([]byte("systems_train:\n  - a\n  - b\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.SystemsTrain) != 2 {
		t.Errorf("SystemsTrain = %v, want 2 entries", cfg.SystemsTrain)
	}
}

func TestParse_StrictRejectsUnknownMachineKeys(t *testing.T) {
	src := "scf_machine:\n  command: scf run\n  nodes: 4\n"

	if _, err := Parse([]byte(src)); err == nil {
		t.Error("strict run accepted unknown machine key")
	}

	cfg, err := Parse([]byte(src + "strict: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SCFMachine.Extra["nodes"] != 4 {
		t.Errorf("Extra[nodes] = %v, want 4", cfg.SCFMachine.Extra["nodes"])
	}
}

func TestFlexValue_Forms(t *testing.T) {
	var cfg RunConfig
	src := `
scf_input: true
train_input: false
init_scf: path/to/init_scf.yaml
init_train:
  n_epoch: 10
  start_lr: 0.001
`
	if err := yaml.Unmarshal([]byte(src), &cfg); err != nil {
		t.Fatal(err)
	}

	if !cfg.SCFInput.True() {
		t.Error("scf_input should be the literal true")
	}
	if !cfg.TrainInput.Disabled() {
		t.Error("train_input: false should read as disabled")
	}
	if !cfg.InitModel.Disabled() {
		t.Error("absent init_model should read as disabled")
	}
	if cfg.InitSCF.Kind != FlexPath || cfg.InitSCF.Path != "path/to/init_scf.yaml" {
		t.Errorf("init_scf = %+v, want path form", cfg.InitSCF)
	}
	if cfg.InitTrain.Kind != FlexMapping {
		t.Fatalf("init_train kind = %v, want mapping", cfg.InitTrain.Kind)
	}
	if cfg.InitTrain.Mapping["n_epoch"] != 10 {
		t.Errorf("init_train n_epoch = %v, want 10", cfg.InitTrain.Mapping["n_epoch"])
	}
}

func TestFlexValue_MarshalRoundTrip(t *testing.T) {
	v := FlexValue{Kind: FlexMapping, Mapping: map[string]any{"basis": "ccpvdz", "conv_tol": 1e-9}}

	data, err := yaml.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back["basis"] != "ccpvdz" {
		t.Errorf("basis = %v", back["basis"])
	}
	if back["conv_tol"] != 1e-9 {
		t.Errorf("conv_tol = %v", back["conv_tol"])
	}
}

func TestFlattenSystems(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"sys.b", "sys.a", "other"} {
		if err := os.Mkdir(filepath.Join(dir, d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	// A list file pointing at a further directory.
	listPath := filepath.Join(dir, "extra.raw")
	os.WriteFile(listPath, []byte("# comment\n"+filepath.Join(dir, "other")+"\n"), 0644)

	got, err := FlattenSystems([]string{filepath.Join(dir, "sys.*"), listPath})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(dir, "sys.a"),
		filepath.Join(dir, "sys.b"),
		filepath.Join(dir, "other"),
	}
	if len(got) != len(want) {
		t.Fatalf("FlattenSystems = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("systems[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitTestSystems(t *testing.T) {
	if _, _, err := SplitTestSystems(nil, nil); err == nil {
		t.Error("expected error for empty training set")
	}

	train, test, err := SplitTestSystems([]string{"a", "b"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(train) != 2 || len(test) != 1 || test[0] != "b" {
		t.Errorf("default split = %v / %v", train, test)
	}

	_, test, _ = SplitTestSystems([]string{"a"}, []string{"t"})
	if len(test) != 1 || test[0] != "t" {
		t.Errorf("explicit test set = %v", test)
	}
}

func TestLoadTool_Defaults(t *testing.T) {
	cfg, err := LoadTool(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Trainer.Workers <= 0 {
		t.Errorf("Workers = %d, want > 0", cfg.Trainer.Workers)
	}
}

func TestLoadTool_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[trainer]\nworkers = 2\nseed = 7\n"), 0644)

	cfg, err := LoadTool(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Trainer.Workers != 2 || cfg.Trainer.Seed != 7 {
		t.Errorf("Trainer = %+v", cfg.Trainer)
	}
}
