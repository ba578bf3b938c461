// Package share resolves the run-wide input artifacts kept in the share
// folder. Each artifact is resolved exactly once at startup and is
// read-only for the rest of the run.
package share

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/qcloop/qcloop/internal/config"
)

// ResolutionError means a required artifact is missing and no default or
// generation path applies. It is fatal at startup, before any stage runs.
type ResolutionError struct {
	Name   string
	Target string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s at %s: %s", e.Name, e.Target, e.Reason)
}

// Folder is a share folder rooted at dir.
type Folder struct {
	dir string
}

// New returns a Folder at dir, creating it if needed.
func New(dir string) (*Folder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating share folder: %w", err)
	}
	return &Folder{dir: dir}, nil
}

// Dir returns the share folder path.
func (f *Folder) Dir() string {
	return f.dir
}

// Path returns the path of a file inside the share folder.
func (f *Folder) Path(rel string) string {
	return filepath.Join(f.dir, rel)
}

// ResolveYAML materializes the named YAML artifact at $dir/<name>.yaml
// according to the flex rules: true requires an existing file, a path is
// copied into place, a mapping is serialized into place, and
// false/absent writes the built-in defaults unless a file already exists.
// The resolved file path is returned.
func (f *Folder) ResolveYAML(name string, v config.FlexValue, defaults map[string]any) (string, error) {
	target := f.Path(name + ".yaml")

	switch {
	case v.True():
		if _, err := os.Stat(target); err != nil {
			return "", &ResolutionError{Name: name, Target: target, Reason: "file required but not found"}
		}
		return target, nil

	case v.Kind == config.FlexPath:
		if err := CopyFile(v.Path, target); err != nil {
			return "", &ResolutionError{Name: name, Target: target, Reason: err.Error()}
		}
		return target, nil

	case v.Kind == config.FlexMapping:
		if err := writeYAML(target, v.Mapping); err != nil {
			return "", &ResolutionError{Name: name, Target: target, Reason: err.Error()}
		}
		return target, nil

	default: // disabled: keep an existing file, otherwise materialize defaults
		if _, err := os.Stat(target); err == nil {
			return target, nil
		}
		if err := writeYAML(target, defaults); err != nil {
			return "", &ResolutionError{Name: name, Target: target, Reason: err.Error()}
		}
		return target, nil
	}
}

// ResolveFile resolves a named single-file artifact at relTarget. Only
// the true and path forms apply; the caller handles the disabled form
// (for init_model that means running the init pseudo-iteration instead).
func (f *Folder) ResolveFile(name string, v config.FlexValue, relTarget string) (string, error) {
	target := f.Path(relTarget)

	switch {
	case v.True():
		if _, err := os.Stat(target); err != nil {
			return "", &ResolutionError{Name: name, Target: target, Reason: "file required but not found"}
		}
		return target, nil
	case v.Kind == config.FlexPath:
		if err := CopyFile(v.Path, target); err != nil {
			return "", &ResolutionError{Name: name, Target: target, Reason: err.Error()}
		}
		return target, nil
	default:
		return "", &ResolutionError{Name: name, Target: target, Reason: "no file given"}
	}
}

func writeYAML(target string, data map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	return os.WriteFile(target, out, 0644)
}

// ReadYAML parses a YAML mapping file.
func ReadYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// CopyFile copies src to dst, creating parent directories as needed.
// An existing identical dst is left alone.
func CopyFile(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("source %s: %w", src, err)
	}
	if dstInfo, err := os.Stat(dst); err == nil {
		if os.SameFile(srcInfo, dstInfo) {
			return nil
		}
		if err := os.Remove(dst); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
