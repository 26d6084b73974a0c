// Package config resolves batch configuration from YAML file, environment,
// and CLI flags. Every resolved scalar keeps its provenance so `status` can
// show where a value came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/clinfact/internal/backend"
	"github.com/hurttlocker/clinfact/internal/normalize"
	"github.com/hurttlocker/clinfact/internal/ontology"
)

type ValueSource string

const (
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// ResolvedValue is one setting plus where it was set.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries CLI-level overrides into resolution.
type ResolveOptions struct {
	ConfigPath     string
	CLIInput       string
	CLIOutput      string
	CLIStage1URL   string
	CLIStage1Model string
	CLIStage2URL   string
	CLIStage2Model string
	CLIWorkers     int
	CLIRestart     bool
	CLILimit       int
}

// ResolvedConfig is the fully resolved batch configuration.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	InputDir    ResolvedValue `json:"input_dir"`
	OutputDir   ResolvedValue `json:"output_dir"`
	Stage1URL   ResolvedValue `json:"stage1_url"`
	Stage1Model ResolvedValue `json:"stage1_model"`
	Stage2URL   ResolvedValue `json:"stage2_url"`
	Stage2Model ResolvedValue `json:"stage2_model"`

	Workers int  `json:"workers"`
	Restart bool `json:"restart"`
	Limit   int  `json:"limit,omitempty"`

	Stage1 backend.Config       `json:"stage1"`
	Stage2 backend.Config       `json:"stage2"`
	Gate   normalize.GateConfig `json:"gate"`
}

type fileConfig struct {
	InputDir  string         `yaml:"input_dir"`
	OutputDir string         `yaml:"output_dir"`
	Workers   int            `yaml:"workers"`
	Limit     int            `yaml:"limit"`
	Stage1    backend.Config `yaml:"stage1"`
	Stage2    backend.Config `yaml:"stage2"`
	Gate      struct {
		MinValidity      float64  `yaml:"min_validity"`
		RequiredClusters []string `yaml:"required_clusters"`
	} `yaml:"gate"`
}

// DefaultConfigPath is where Resolve looks when no path is given.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clinfact", "config.yaml")
}

// Resolve loads the YAML config (if present), then layers environment
// variables and CLI overrides on top. Precedence: CLI > env > config file >
// built-in default.
func Resolve(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		Workers:    1,
		Gate:       normalize.DefaultGateConfig(),
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		apply(&out.InputDir, cfg.InputDir, SourceConfig, path)
		apply(&out.OutputDir, cfg.OutputDir, SourceConfig, path)
		apply(&out.Stage1URL, cfg.Stage1.URL, SourceConfig, path)
		apply(&out.Stage1Model, cfg.Stage1.Model, SourceConfig, path)
		apply(&out.Stage2URL, cfg.Stage2.URL, SourceConfig, path)
		apply(&out.Stage2Model, cfg.Stage2.Model, SourceConfig, path)
		out.Stage1 = cfg.Stage1
		out.Stage2 = cfg.Stage2
		if cfg.Workers > 0 {
			out.Workers = cfg.Workers
		}
		if cfg.Limit > 0 {
			out.Limit = cfg.Limit
		}
		if cfg.Gate.MinValidity > 0 {
			out.Gate.MinValidity = cfg.Gate.MinValidity
		}
		if len(cfg.Gate.RequiredClusters) > 0 {
			clusters, err := parseClusters(cfg.Gate.RequiredClusters)
			if err != nil {
				return out, fmt.Errorf("%s: %w", path, err)
			}
			out.Gate.RequiredClusters = clusters
		}
	}

	applyEnv(&out.InputDir, "CLINFACT_INPUT")
	applyEnv(&out.OutputDir, "CLINFACT_OUTPUT")
	applyEnv(&out.Stage1URL, "CLINFACT_STAGE1_URL")
	applyEnv(&out.Stage1Model, "CLINFACT_STAGE1_MODEL")
	applyEnv(&out.Stage2URL, "CLINFACT_STAGE2_URL")
	applyEnv(&out.Stage2Model, "CLINFACT_STAGE2_MODEL")

	apply(&out.InputDir, opts.CLIInput, SourceCLI, "--input")
	apply(&out.OutputDir, opts.CLIOutput, SourceCLI, "--output")
	apply(&out.Stage1URL, opts.CLIStage1URL, SourceCLI, "--stage1-url")
	apply(&out.Stage1Model, opts.CLIStage1Model, SourceCLI, "--stage1-model")
	apply(&out.Stage2URL, opts.CLIStage2URL, SourceCLI, "--stage2-url")
	apply(&out.Stage2Model, opts.CLIStage2Model, SourceCLI, "--stage2-model")
	if opts.CLIWorkers > 0 {
		out.Workers = opts.CLIWorkers
	}
	if opts.CLILimit > 0 {
		out.Limit = opts.CLILimit
	}
	out.Restart = opts.CLIRestart

	out.InputDir.Value = expandUserPath(out.InputDir.Value)
	out.OutputDir.Value = expandUserPath(out.OutputDir.Value)

	// Fold resolved scalars back into the typed backend configs.
	out.Stage1.URL = out.Stage1URL.Value
	out.Stage1.Model = out.Stage1Model.Value
	out.Stage2.URL = out.Stage2URL.Value
	out.Stage2.Model = out.Stage2Model.Value
	return out, nil
}

// Validate checks that the resolved configuration can drive a batch.
func (r ResolvedConfig) Validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"input dir", r.InputDir.Value},
		{"output dir", r.OutputDir.Value},
		{"stage1 url", r.Stage1URL.Value},
		{"stage1 model", r.Stage1Model.Value},
		{"stage2 url", r.Stage2URL.Value},
		{"stage2 model", r.Stage2Model.Value},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LedgerPath returns the run ledger location under the output root.
func (r ResolvedConfig) LedgerPath() string {
	return filepath.Join(r.OutputDir.Value, "run.db")
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

func parseClusters(names []string) ([]ontology.Cluster, error) {
	out := make([]ontology.Cluster, 0, len(names))
	for _, n := range names {
		c, ok := ontology.ParseCluster(n)
		if !ok {
			return nil, fmt.Errorf("unknown cluster %q in gate.required_clusters", n)
		}
		out = append(out, c)
	}
	return out, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, env string) {
	apply(dst, os.Getenv(env), SourceEnv, env)
}

func expandUserPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
