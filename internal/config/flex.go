package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FlexKind discriminates the forms a share-folder input option may take.
type FlexKind int

const (
	// FlexAbsent means the key was not given: use built-in defaults.
	FlexAbsent FlexKind = iota
	// FlexBool carries true ("use the existing resolved file or fail")
	// or false (same as absent).
	FlexBool
	// FlexPath names a file to copy into the share folder.
	FlexPath
	// FlexMapping carries a structured value to serialize into place.
	FlexMapping
)

// FlexValue is the bool-or-path-or-mapping union used by scf_input,
// train_input, init_scf, init_train and init_model.
type FlexValue struct {
	Kind    FlexKind
	Bool    bool
	Path    string
	Mapping map[string]any
}

func (v *FlexValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!bool":
			v.Kind = FlexBool
			return node.Decode(&v.Bool)
		case "!!null":
			v.Kind = FlexAbsent
			return nil
		case "!!str":
			v.Kind = FlexPath
			return node.Decode(&v.Path)
		default:
			return fmt.Errorf("line %d: expected bool, path or mapping, got %s", node.Line, node.Tag)
		}
	case yaml.MappingNode:
		v.Kind = FlexMapping
		return node.Decode(&v.Mapping)
	default:
		return fmt.Errorf("line %d: expected bool, path or mapping", node.Line)
	}
}

func (v FlexValue) MarshalYAML() (any, error) {
	switch v.Kind {
	case FlexBool:
		return v.Bool, nil
	case FlexPath:
		return v.Path, nil
	case FlexMapping:
		return v.Mapping, nil
	default:
		return nil, nil
	}
}

// True reports whether the value is the literal true.
func (v FlexValue) True() bool {
	return v.Kind == FlexBool && v.Bool
}

// Disabled reports whether the value means "use built-in defaults":
// absent, null or the literal false.
func (v FlexValue) Disabled() bool {
	return v.Kind == FlexAbsent || (v.Kind == FlexBool && !v.Bool)
}
