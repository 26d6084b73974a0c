// Package pipeline drives the two-stage batch: capability probes, a bounded
// worker pool, per-document stage execution with ledger transitions, and the
// batch summary. Per-document failures never abort the batch.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hurttlocker/clinfact/internal/artifact"
	"github.com/hurttlocker/clinfact/internal/normalize"
	"github.com/hurttlocker/clinfact/internal/runstate"
	"github.com/hurttlocker/clinfact/internal/stage1"
)

// Backend is the slice of the chat client the orchestrator needs.
type Backend interface {
	Probe(ctx context.Context) error
	Chat(ctx context.Context, system, user string) (string, error)
	Model() string
}

// Document is one source note to process.
type Document struct {
	ID   string
	Path string
}

// ListDocuments collects the .txt notes under dir, sorted by id. The id is
// the file name without extension.
func ListDocuments(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing input dir: %w", err)
	}
	var docs []Document
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		docs = append(docs, Document{
			ID:   strings.TrimSuffix(e.Name(), ".txt"),
			Path: filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Options controls batch execution.
type Options struct {
	Workers int
	Restart bool
	Limit   int
	Doc     string // when set, process only this document id
	Gate    normalize.GateConfig
}

// Orchestrator runs one batch.
type Orchestrator struct {
	stage1 Backend
	stage2 Backend
	store  *artifact.Store
	ledger *runstate.Ledger
	opts   Options
	logf   func(format string, args ...any)
}

// New assembles an orchestrator. Workers below 1 run sequentially.
func New(s1, s2 Backend, store *artifact.Store, ledger *runstate.Ledger, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Orchestrator{
		stage1: s1,
		stage2: s2,
		store:  store,
		ledger: ledger,
		opts:   opts,
		logf:   log.Printf,
	}
}

// docResult is one document's outcome within a batch.
type docResult struct {
	ID      string
	State   runstate.State
	Reason  string
	Skipped bool
	Report  *normalize.Report
}

// Summary is the batch outcome.
type Summary struct {
	Documents int                   `json:"documents"`
	Complete  int                   `json:"complete"`
	Failed    int                   `json:"failed"`
	Resumed   int                   `json:"resumed"`
	Batch     normalize.BatchReport `json:"batch"`
	Failures  map[string]string     `json:"failures,omitempty"`
}

// Run executes the batch. Both backends must pass the capability probe
// before any document is touched; per-document failures are recorded and
// counted but never abort the run.
func (o *Orchestrator) Run(ctx context.Context, docs []Document) (Summary, error) {
	var sum Summary
	if o.opts.Doc != "" {
		var filtered []Document
		for _, d := range docs {
			if d.ID == o.opts.Doc {
				filtered = append(filtered, d)
			}
		}
		if len(filtered) == 0 {
			return sum, fmt.Errorf("document %s not found in input", o.opts.Doc)
		}
		docs = filtered
	}
	if err := o.stage1.Probe(ctx); err != nil {
		return sum, fmt.Errorf("first-stage backend: %w", err)
	}
	if err := o.stage2.Probe(ctx); err != nil {
		return sum, fmt.Errorf("second-stage backend: %w", err)
	}

	if o.opts.Limit > 0 && len(docs) > o.opts.Limit {
		docs = docs[:o.opts.Limit]
	}
	sum.Documents = len(docs)

	snap := map[string]runstate.Entry{}
	if !o.opts.Restart {
		var err error
		snap, err = o.ledger.Snapshot(ctx)
		if err != nil {
			return sum, err
		}
	}

	jobs := make(chan int)
	results := make([]docResult, len(docs))
	var wg sync.WaitGroup
	for w := 0; w < o.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = o.processDoc(ctx, docs[i], snap[docs[i].ID], i+1, len(docs))
			}
		}()
	}
feed:
	for i := range docs {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	var reports []normalize.Report
	sum.Failures = map[string]string{}
	for _, r := range results {
		switch r.State {
		case runstate.Complete:
			sum.Complete++
			if r.Skipped {
				sum.Resumed++
			}
			if r.Report != nil {
				reports = append(reports, *r.Report)
			}
		case runstate.Failed:
			sum.Failed++
			sum.Failures[r.ID] = r.Reason
		}
	}
	if len(sum.Failures) == 0 {
		sum.Failures = nil
	}
	sum.Batch = normalize.Aggregate(reports)

	if err := o.store.WriteSummary(sum); err != nil {
		return sum, err
	}
	if ctx.Err() != nil {
		return sum, ctx.Err()
	}
	return sum, nil
}

// processDoc runs one document through its remaining stages. A document that
// resumed at or past a stage skips that stage; a restart ignores the ledger.
func (o *Orchestrator) processDoc(ctx context.Context, doc Document, prev runstate.Entry, idx, total int) docResult {
	res := docResult{ID: doc.ID}
	fail := func(reason string) docResult {
		res.State = runstate.Failed
		res.Reason = reason
		o.logf("[%d/%d] %s | FAILED: %s", idx, total, doc.ID, reason)
		if err := o.ledger.Append(ctx, doc.ID, runstate.Failed, reason); err != nil {
			o.logf("[%d/%d] %s | ledger append failed: %v", idx, total, doc.ID, err)
		}
		return res
	}

	// Fully processed on a previous run: only reload the report.
	if prev.State.AtLeast(runstate.Complete) && o.store.HasStage(doc.ID, "complete") {
		res.State = runstate.Complete
		res.Skipped = true
		if rep, err := o.readReport(doc.ID); err == nil {
			res.Report = rep
		}
		o.logf("[%d/%d] %s | resumed complete", idx, total, doc.ID)
		return res
	}

	// Stage 1: note -> abstract -> stage1.json + stage1.md.
	if !prev.State.AtLeast(runstate.Stage1Done) || !o.store.HasStage(doc.ID, "stage1_done") {
		note, err := os.ReadFile(doc.Path)
		if err != nil {
			return fail(fmt.Sprintf("reading note: %v", err))
		}
		text, err := o.stage1.Chat(ctx, stage1System, stage1UserPrefix+string(note))
		if err != nil {
			return fail(fmt.Sprintf("stage1 chat: %v", err))
		}
		abs, err := stage1.Parse(text)
		if err != nil {
			// Structural failure is document-fatal; retrying the same
			// response cannot fix it.
			if errors.Is(err, stage1.ErrMalformed) {
				return fail(err.Error())
			}
			return fail(fmt.Sprintf("stage1 parse: %v", err))
		}
		absJSON, err := abs.JSON()
		if err != nil {
			return fail(fmt.Sprintf("stage1 render: %v", err))
		}
		if err := o.store.Write(doc.ID, artifact.Stage1JSON, absJSON); err != nil {
			return fail(err.Error())
		}
		if err := o.store.Write(doc.ID, artifact.Stage1MD, []byte(abs.Markdown())); err != nil {
			return fail(err.Error())
		}
		if err := o.ledger.Append(ctx, doc.ID, runstate.Stage1Done, ""); err != nil {
			return fail(err.Error())
		}
		o.logf("[%d/%d] %s | stage1 ok (%s)", idx, total, doc.ID, o.stage1.Model())
	}

	// Stage 2: stage1.md ONLY -> raw response persisted verbatim.
	if !prev.State.AtLeast(runstate.Stage2Done) || !o.store.HasStage(doc.ID, "stage2_done") {
		md, err := o.store.Read(doc.ID, artifact.Stage1MD)
		if err != nil {
			return fail(err.Error())
		}
		raw, err := o.stage2.Chat(ctx, stage2System, stage2UserPrefix+string(md))
		if err != nil {
			return fail(fmt.Sprintf("stage2 chat: %v", err))
		}
		if err := o.store.Write(doc.ID, artifact.Stage2Raw, []byte(raw)); err != nil {
			return fail(err.Error())
		}
		if err := o.ledger.Append(ctx, doc.ID, runstate.Stage2Done, ""); err != nil {
			return fail(err.Error())
		}
		o.logf("[%d/%d] %s | stage2 ok (%s)", idx, total, doc.ID, o.stage2.Model())
	}

	// Normalize: pure post-processing of the persisted raw response.
	raw, err := o.store.Read(doc.ID, artifact.Stage2Raw)
	if err != nil {
		return fail(err.Error())
	}
	set, report := normalize.Run(string(raw), o.opts.Gate)
	if err := o.store.Write(doc.ID, artifact.Stage2Facts, []byte(set.Serialize())); err != nil {
		return fail(err.Error())
	}
	if err := o.store.WriteJSON(doc.ID, artifact.Stage2Report, report); err != nil {
		return fail(err.Error())
	}
	if err := o.ledger.Append(ctx, doc.ID, runstate.Normalized, ""); err != nil {
		return fail(err.Error())
	}
	if err := o.ledger.Append(ctx, doc.ID, runstate.Complete, ""); err != nil {
		return fail(err.Error())
	}

	verdict := "PASS"
	if !report.Pass {
		verdict = "FLAGGED: " + strings.Join(report.FailureCauses, ",")
	}
	o.logf("[%d/%d] %s | facts=%d validity=%.2f | %s", idx, total, doc.ID, report.FactsKept, report.ValidityScore, verdict)

	res.State = runstate.Complete
	res.Report = &report
	return res
}

func (o *Orchestrator) readReport(id string) (*normalize.Report, error) {
	data, err := o.store.Read(id, artifact.Stage2Report)
	if err != nil {
		return nil, err
	}
	var rep normalize.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
