package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FlattenSystems expands a list of system specifiers into concrete system
// directories. Each entry may be a path, a glob pattern, or a plain file
// whose lines are themselves paths or globs (expanded one level deep).
// The result is sorted; entries matching nothing simply drop out.
func FlattenSystems(specs []string) ([]string, error) {
	matched, err := expandGlobs(specs)
	if err != nil {
		return nil, err
	}

	var systems []string
	for _, p := range matched {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat system path: %w", err)
		}
		if info.IsDir() {
			systems = append(systems, p)
			continue
		}
		// A plain file lists further system paths.
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading system list %s: %w", p, err)
		}
		var subSpecs []string
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			subSpecs = append(subSpecs, line)
		}
		sub, err := expandGlobs(subSpecs)
		if err != nil {
			return nil, err
		}
		systems = append(systems, sub...)
	}
	return systems, nil
}

func expandGlobs(specs []string) ([]string, error) {
	var out []string
	for _, spec := range specs {
		matches, err := filepath.Glob(spec)
		if err != nil {
			return nil, fmt.Errorf("bad system pattern %q: %w", spec, err)
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// SplitTestSystems returns the train and test system sets. When no test
// systems are configured, the last training system is held out as the
// test set (it stays in the training set, matching the reference
// behavior of testing against the final system).
func SplitTestSystems(train, test []string) (trainOut, testOut []string, err error) {
	if len(train) == 0 {
		return nil, nil, fmt.Errorf("no training systems found")
	}
	if len(test) > 0 {
		return train, test, nil
	}
	return train, train[len(train)-1:], nil
}
