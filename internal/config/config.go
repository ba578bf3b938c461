// Package config holds the run configuration surface: the YAML file a run
// is launched from, and the TOML tool defaults loaded from the user's
// config directory.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunConfig is the full configuration of an iterative run, decoded from
// the YAML file passed to `qcloop run`.
type RunConfig struct {
	SystemsTrain StringList `yaml:"systems_train"`
	SystemsTest  StringList `yaml:"systems_test"`
	NIter        int        `yaml:"n_iter"`
	Workdir      string     `yaml:"workdir"`
	ShareFolder  string     `yaml:"share_folder"`

	SCFInput   FlexValue `yaml:"scf_input"`
	TrainInput FlexValue `yaml:"train_input"`
	InitSCF    FlexValue `yaml:"init_scf"`
	InitTrain  FlexValue `yaml:"init_train"`
	InitModel  FlexValue `yaml:"init_model"`

	SCFMachine   Machine `yaml:"scf_machine"`
	TrainMachine Machine `yaml:"train_machine"`

	Cleanup bool  `yaml:"cleanup"`
	Strict  *bool `yaml:"strict"`
}

// Machine holds job-execution settings for one stage kind. Unrecognized
// keys land in Extra and are rejected when the run is strict.
type Machine struct {
	Command   string            `yaml:"command"`
	GroupSize int               `yaml:"group_size"`
	Resources map[string]string `yaml:"resources"`
	Extra     map[string]any    `yaml:",inline"`
}

// Load reads a run configuration from a YAML file and applies defaults.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a run configuration and applies defaults.
func Parse(data []byte) (*RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing run config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in the documented defaults for unset fields.
func (c *RunConfig) ApplyDefaults() {
	if c.Workdir == "" {
		c.Workdir = "."
	}
	if c.ShareFolder == "" {
		c.ShareFolder = "share"
	}
	if c.SCFMachine.GroupSize <= 0 {
		c.SCFMachine.GroupSize = 1
	}
}

// IsStrict reports whether unknown machine keys are rejected. Defaults to true.
func (c *RunConfig) IsStrict() bool {
	return c.Strict == nil || *c.Strict
}

// Validate checks invariants that do not require touching the filesystem.
func (c *RunConfig) Validate() error {
	if c.NIter < 0 {
		return fmt.Errorf("n_iter must be >= 0, got %d", c.NIter)
	}
	if c.IsStrict() {
		if len(c.SCFMachine.Extra) > 0 {
			return fmt.Errorf("scf_machine has unrecognized keys %v (set strict: false to pass them through)", keysOf(c.SCFMachine.Extra))
		}
		if len(c.TrainMachine.Extra) > 0 {
			return fmt.Errorf("train_machine has unrecognized keys %v (set strict: false to pass them through)", keysOf(c.TrainMachine.Extra))
		}
	}
	return nil
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// StringList decodes either a single YAML scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*l = StringList(ss)
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}
