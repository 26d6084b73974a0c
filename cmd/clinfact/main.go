package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/hurttlocker/clinfact/internal/artifact"
	"github.com/hurttlocker/clinfact/internal/backend"
	"github.com/hurttlocker/clinfact/internal/config"
	"github.com/hurttlocker/clinfact/internal/mcp"
	"github.com/hurttlocker/clinfact/internal/pipeline"
	"github.com/hurttlocker/clinfact/internal/runstate"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "run":
		if err := runBatch(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "doc":
		if err := runDoc(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "verify":
		if err := runVerify(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := runStatus(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := runMCP(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("clinfact %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// parseCommon extracts the flags shared by run/verify/status and returns the
// resolved configuration plus leftover positional arguments.
func parseCommon(args []string) (config.ResolvedConfig, []string, error) {
	opts := config.ResolveOptions{}
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("flag %s needs a value", arg)
			}
			i++
			return args[i], nil
		}
		var err error
		switch arg {
		case "--config":
			opts.ConfigPath, err = next()
		case "--input":
			opts.CLIInput, err = next()
		case "--output":
			opts.CLIOutput, err = next()
		case "--stage1-url":
			opts.CLIStage1URL, err = next()
		case "--stage1-model":
			opts.CLIStage1Model, err = next()
		case "--stage2-url":
			opts.CLIStage2URL, err = next()
		case "--stage2-model":
			opts.CLIStage2Model, err = next()
		case "--workers":
			var v string
			if v, err = next(); err == nil {
				opts.CLIWorkers, err = strconv.Atoi(v)
			}
		case "--limit":
			var v string
			if v, err = next(); err == nil {
				opts.CLILimit, err = strconv.Atoi(v)
			}
		case "--restart":
			opts.CLIRestart = true
		default:
			if strings.HasPrefix(arg, "-") {
				return config.ResolvedConfig{}, nil, fmt.Errorf("unknown flag: %s", arg)
			}
			rest = append(rest, arg)
		}
		if err != nil {
			return config.ResolvedConfig{}, nil, err
		}
	}
	cfg, err := config.Resolve(opts)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, rest, nil
}

func runBatch(args []string) error {
	// Pull the run-only document filter out before the common parse.
	var docID string
	var filtered []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--doc" {
			if i+1 >= len(args) {
				return fmt.Errorf("flag --doc needs a value")
			}
			i++
			docID = args[i]
			continue
		}
		filtered = append(filtered, args[i])
	}

	cfg, _, err := parseCommon(filtered)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := artifact.NewStore(cfg.OutputDir.Value)
	if err != nil {
		return err
	}
	ledger, err := runstate.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer ledger.Close()

	// On resume the ledger must agree with the artifacts on disk. Any
	// mismatch is surfaced for the operator; --restart starts over.
	if !cfg.Restart {
		if _, err := ledger.CheckConsistency(ctx, store); err != nil {
			return fmt.Errorf("%w\nuse --restart to reprocess from scratch", err)
		}
	}

	docs, err := pipeline.ListDocuments(cfg.InputDir.Value)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no .txt documents in %s", cfg.InputDir.Value)
	}

	orch := pipeline.New(
		backend.New(cfg.Stage1),
		backend.New(cfg.Stage2),
		store, ledger,
		pipeline.Options{
			Workers: cfg.Workers,
			Restart: cfg.Restart,
			Limit:   cfg.Limit,
			Doc:     docID,
			Gate:    cfg.Gate,
		},
	)

	sum, err := orch.Run(ctx, docs)
	if err != nil {
		return err
	}

	fmt.Printf("\nDocuments: %d  complete: %d  failed: %d  resumed: %d\n",
		sum.Documents, sum.Complete, sum.Failed, sum.Resumed)
	fmt.Printf("Gate: passed %d, flagged %d, mean validity %.2f\n",
		sum.Batch.Passed, sum.Batch.Flagged, sum.Batch.MeanValidity)
	for id, reason := range sum.Failures {
		fmt.Printf("  failed %s: %s\n", id, reason)
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d document(s) failed", sum.Failed)
	}
	return nil
}

func runDoc(args []string) error {
	cfg, rest, err := parseCommon(args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: clinfact doc <id> [--output <dir>]")
	}
	id := rest[0]
	if cfg.OutputDir.Value == "" {
		return fmt.Errorf("output dir is required (--output or config)")
	}

	store, err := artifact.NewStore(cfg.OutputDir.Value)
	if err != nil {
		return err
	}
	ledger, err := runstate.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer ledger.Close()

	e, err := ledger.Get(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Printf("doc %s: %s", id, e.State)
	if e.Reason != "" {
		fmt.Printf(" (%s)", e.Reason)
	}
	fmt.Println()

	if facts, err := store.Read(id, artifact.Stage2Facts); err == nil {
		fmt.Println("\nFacts:")
		fmt.Print(string(facts))
	}
	if report, err := store.Read(id, artifact.Stage2Report); err == nil {
		fmt.Println("\nReport:")
		fmt.Print(string(report))
	}
	return nil
}

func runVerify(args []string) error {
	// Pull verify-specific flags out before the common parse.
	var altURL, altModel string
	var filtered []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--alt-url":
			if i+1 >= len(args) {
				return fmt.Errorf("flag --alt-url needs a value")
			}
			i++
			altURL = args[i]
		case "--alt-model":
			if i+1 >= len(args) {
				return fmt.Errorf("flag --alt-model needs a value")
			}
			i++
			altModel = args[i]
		default:
			filtered = append(filtered, args[i])
		}
	}

	cfg, rest, err := parseCommon(filtered)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: clinfact verify <id> [--alt-url <url>] [--alt-model <model>]")
	}
	id := rest[0]

	store, err := artifact.NewStore(cfg.OutputDir.Value)
	if err != nil {
		return err
	}

	cfgA := cfg.Stage2
	cfgB := cfg.Stage2
	if altURL != "" {
		cfgB.URL = altURL
	}
	if altModel != "" {
		cfgB.Model = altModel
	}
	if altURL == "" && altModel == "" {
		// Default A/B: same backend with and without prompt caching.
		cfgA.CachePrompt = true
		cfgB.CachePrompt = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := backend.New(cfgA)
	b := backend.New(cfgB)
	if err := a.Probe(ctx); err != nil {
		return err
	}
	if err := b.Probe(ctx); err != nil {
		return err
	}

	res, err := pipeline.VerifyDoc(ctx, a, b, store, id, cfg.Gate)
	if err != nil {
		return err
	}
	data, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(data))
	if !res.Consistent {
		return fmt.Errorf("doc %s: fact sets diverge", id)
	}
	fmt.Printf("doc %s: consistent (%d facts)\n", id, res.FactsA)
	return nil
}

func runStatus(args []string) error {
	cfg, _, err := parseCommon(args)
	if err != nil {
		return err
	}
	if cfg.OutputDir.Value == "" {
		return fmt.Errorf("output dir is required (--output or config)")
	}

	ledger, err := runstate.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer ledger.Close()

	snap, err := ledger.Snapshot(context.Background())
	if err != nil {
		return err
	}

	counts := map[runstate.State]int{}
	for _, e := range snap {
		counts[e.State]++
	}
	fmt.Printf("Batch at %s\n", cfg.OutputDir.Value)
	for _, s := range []runstate.State{
		runstate.Pending, runstate.Stage1Done, runstate.Stage2Done,
		runstate.Normalized, runstate.Complete, runstate.Failed,
	} {
		if counts[s] > 0 {
			fmt.Printf("  %-12s %d\n", s, counts[s])
		}
	}
	fmt.Printf("\nSettings:\n")
	for _, v := range []struct {
		name string
		val  config.ResolvedValue
	}{
		{"input", cfg.InputDir},
		{"output", cfg.OutputDir},
		{"stage1 model", cfg.Stage1Model},
		{"stage2 model", cfg.Stage2Model},
	} {
		if v.val.Value != "" {
			fmt.Printf("  %-14s %s (%s: %s)\n", v.name, v.val.Value, v.val.Source, v.val.From)
		}
	}
	return nil
}

func runMCP(args []string) error {
	cfg, _, err := parseCommon(args)
	if err != nil {
		return err
	}
	if cfg.OutputDir.Value == "" {
		return fmt.Errorf("output dir is required (--output or config)")
	}

	store, err := artifact.NewStore(cfg.OutputDir.Value)
	if err != nil {
		return err
	}
	ledger, err := runstate.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer ledger.Close()

	srv := mcp.NewServer(mcp.ServerConfig{Store: store, Ledger: ledger, Version: version})
	return mcp.ServeStdio(srv)
}

func printUsage() {
	fmt.Printf(`clinfact %s — two-stage clinical fact extraction

Usage:
  clinfact <command> [arguments]

Commands:
  run                 Run the two-stage batch over the input directory
                      (--doc <id> processes a single document)
  doc <id>            Show state, facts, and report for one document
  verify <id>         Replay stage 2 against two backends and compare fact sets
  status              Show batch progress and resolved settings
  mcp                 Serve batch query tools over MCP stdio
  version             Print version

Common Flags:
  --config <path>     Config file (default: ~/.clinfact/config.yaml)
  --input <dir>       Directory of .txt notes
  --output <dir>      Batch output root (artifacts + run ledger)
  --stage1-url/--stage1-model, --stage2-url/--stage2-model
  --workers <n>       Concurrent documents (default: 1)
  --limit <n>         Process at most n documents
  --doc <id>          Process only the named document (run only)
  --restart           Ignore the ledger and reprocess from scratch

Verify Flags:
  --alt-url <url>     Second backend URL (default: stage2 with caching toggled)
  --alt-model <model> Second backend model
`, version)
}
