package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BuildConfigFile is the optional per-repository build configuration.
const BuildConfigFile = "shipyard.yaml"

// BuildConfig overrides the agent's default commands.
//
//	install: pnpm install --frozen-lockfile
//	build: pnpm build
//	output: [out, public]
type BuildConfig struct {
	Install string     `yaml:"install"`
	Build   string     `yaml:"build"`
	Output  stringList `yaml:"output"`
}

// stringList accepts either a scalar or a sequence.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*l = nil
			return nil
		}
		*l = stringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

// LoadBuildConfig reads shipyard.yaml from dir. A missing file yields nil.
func LoadBuildConfig(dir string) (*BuildConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, BuildConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", BuildConfigFile, err)
	}

	var cfg BuildConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", BuildConfigFile, err)
	}
	for _, dir := range cfg.Output {
		if filepath.IsAbs(dir) || !filepath.IsLocal(dir) {
			return nil, fmt.Errorf("%s: output directory %q must be relative to the source", BuildConfigFile, dir)
		}
	}
	return &cfg, nil
}
