package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hurttlocker/clinfact/internal/ontology"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleYAML = `
input_dir: /data/notes
output_dir: /data/out
workers: 4
stage1:
  url: http://localhost:1234
  model: qwen3-14b
  timeout_secs: 120
  max_retries: 2
stage2:
  url: http://localhost:1245
  model: qwen3-4b
  cache_prompt: true
gate:
  min_validity: 0.75
  required_clusters: [DEMOGRAPHICS, VITALS, LABS]
`

func TestResolve_FromFile(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Resolve(ResolveOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.InputDir.Value != "/data/notes" || cfg.InputDir.Source != SourceConfig {
		t.Errorf("input = %+v", cfg.InputDir)
	}
	if cfg.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Workers)
	}
	if cfg.Stage1.Model != "qwen3-14b" || cfg.Stage1.MaxRetries != 2 {
		t.Errorf("stage1 = %+v", cfg.Stage1)
	}
	if !cfg.Stage2.CachePrompt {
		t.Error("stage2 cache_prompt should be true")
	}
	if cfg.Gate.MinValidity != 0.75 || len(cfg.Gate.RequiredClusters) != 3 {
		t.Errorf("gate = %+v", cfg.Gate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestResolve_Precedence(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("CLINFACT_STAGE1_MODEL", "env-model")
	t.Setenv("CLINFACT_STAGE2_URL", "http://env:9999")

	cfg, err := Resolve(ResolveOptions{
		ConfigPath:     path,
		CLIStage1Model: "cli-model",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Stage1Model.Value != "cli-model" || cfg.Stage1Model.Source != SourceCLI {
		t.Errorf("CLI should outrank env: %+v", cfg.Stage1Model)
	}
	if cfg.Stage2URL.Value != "http://env:9999" || cfg.Stage2URL.Source != SourceEnv {
		t.Errorf("env should outrank file: %+v", cfg.Stage2URL)
	}
	// Resolved scalars flow into the typed backend configs.
	if cfg.Stage1.Model != "cli-model" || cfg.Stage2.URL != "http://env:9999" {
		t.Errorf("backend configs not folded: %+v / %+v", cfg.Stage1, cfg.Stage2)
	}
}

func TestResolve_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Resolve(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "absent.yaml"),
		CLIInput:   "/in",
		CLIOutput:  "/out",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.InputDir.Value != "/in" || cfg.OutputDir.Value != "/out" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Workers != 1 {
		t.Errorf("workers = %d, want default 1", cfg.Workers)
	}
}

func TestResolve_BadClusterName(t *testing.T) {
	path := writeConfig(t, "gate:\n  required_clusters: [BOGUS]\n")
	if _, err := Resolve(ResolveOptions{ConfigPath: path}); err == nil {
		t.Error("unknown cluster name should fail resolution")
	}
}

func TestResolve_DefaultGate(t *testing.T) {
	cfg, err := Resolve(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "none.yaml")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Gate.MinValidity != 0.60 {
		t.Errorf("default min validity = %v", cfg.Gate.MinValidity)
	}
	want := []ontology.Cluster{ontology.Demographics, ontology.Vitals}
	if len(cfg.Gate.RequiredClusters) != len(want) {
		t.Fatalf("required clusters = %v", cfg.Gate.RequiredClusters)
	}
	for i, c := range want {
		if cfg.Gate.RequiredClusters[i] != c {
			t.Errorf("required clusters = %v, want %v", cfg.Gate.RequiredClusters, want)
		}
	}
}

func TestValidate_ReportsAllMissing(t *testing.T) {
	cfg := ResolvedConfig{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("empty config should not validate")
	}
}

func TestLedgerPath(t *testing.T) {
	cfg := ResolvedConfig{OutputDir: ResolvedValue{Value: "/data/out"}}
	if got := cfg.LedgerPath(); got != filepath.Join("/data/out", "run.db") {
		t.Errorf("LedgerPath = %q", got)
	}
}
