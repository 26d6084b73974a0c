package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hurttlocker/clinfact/internal/artifact"
	"github.com/hurttlocker/clinfact/internal/backend"
	"github.com/hurttlocker/clinfact/internal/normalize"
	"github.com/hurttlocker/clinfact/internal/runstate"
)

const stage1Response = `{
  "DEMOGRAPHICS": {"Sex": "M", "Age": "71"},
  "VITALS": {"admission": {"Heart Rate": "92"}},
  "LABS": {"admission": {"Creatinine": "1.2"}},
  "PROBLEMS": "PMH/Comorbidities=Hypertension",
  "SYMPTOMS": "ADM symptoms=dyspnea",
  "MEDICATIONS": "Anticoagulation=yes",
  "PROCEDURES": "not stated",
  "UTILIZATION": "not stated",
  "DISPOSITION": "Discharge Disposition=Home"
}`

const stage2Response = "DEMOGRAPHICS|Age|71|Admission\n" +
	"DEMOGRAPHICS|Sex|male|Admission\n" +
	"VITALS|Heart Rate|92|Admission\n" +
	"LABS|Creatinine|1.2|Admission\n" +
	"END"

// fakeBackend serves /v1/models and /v1/chat/completions, returning reply
// for every chat call and counting them.
func fakeBackend(t *testing.T, model, reply string) (Backend, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"id": model}},
			})
		case "/v1/chat/completions":
			calls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{"role": "assistant", "content": reply}},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return backend.New(backend.Config{URL: srv.URL, Model: model}), &calls
}

type harness struct {
	orch   *Orchestrator
	store  *artifact.Store
	ledger *runstate.Ledger
	docs   []Document
	s1, s2 *atomic.Int64
}

func newHarness(t *testing.T, opts Options, notes map[string]string) *harness {
	t.Helper()
	inDir := t.TempDir()
	for id, text := range notes {
		if err := os.WriteFile(filepath.Join(inDir, id+".txt"), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	docs, err := ListDocuments(inDir)
	if err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	store, err := artifact.NewStore(outDir)
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := runstate.Open(filepath.Join(outDir, "run.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	s1, s1calls := fakeBackend(t, "big-model", stage1Response)
	s2, s2calls := fakeBackend(t, "small-model", stage2Response)

	if opts.Gate.MinValidity == 0 && opts.Gate.RequiredClusters == nil {
		opts.Gate = normalize.DefaultGateConfig()
	}
	orch := New(s1, s2, store, ledger, opts)
	orch.logf = t.Logf
	return &harness{orch: orch, store: store, ledger: ledger, docs: docs, s1: s1calls, s2: s2calls}
}

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t, Options{Workers: 2}, map[string]string{
		"100001": "71 yo male, HR 92, Cr 1.2",
		"100002": "another note",
	})
	sum, err := h.orch.Run(context.Background(), h.docs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Documents != 2 || sum.Complete != 2 || sum.Failed != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Batch.Passed != 2 {
		t.Errorf("batch = %+v", sum.Batch)
	}

	for _, id := range []string{"100001", "100002"} {
		for _, name := range []string{
			artifact.Stage1JSON, artifact.Stage1MD, artifact.Stage2Raw,
			artifact.Stage2Facts, artifact.Stage2Report,
		} {
			if !h.store.Has(id, name) {
				t.Errorf("%s: missing artifact %s", id, name)
			}
		}
		e, err := h.ledger.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if e.State != runstate.Complete {
			t.Errorf("%s: ledger state = %s", id, e.State)
		}
	}

	// Raw response persisted verbatim, facts normalized and sorted.
	raw, _ := h.store.Read("100001", artifact.Stage2Raw)
	if string(raw) != stage2Response {
		t.Errorf("stage2 raw not verbatim: %q", raw)
	}
	facts, _ := h.store.Read("100001", artifact.Stage2Facts)
	want := "DEMOGRAPHICS|Age|71|Admission\n" +
		"DEMOGRAPHICS|Sex|male|Admission\n" +
		"LABS|Creatinine|1.2|Admission\n" +
		"VITALS|Heart Rate|92|Admission\n"
	if string(facts) != want {
		t.Errorf("facts = %q, want %q", facts, want)
	}

	if _, err := os.Stat(filepath.Join(h.store.Root(), artifact.SummaryFile)); err != nil {
		t.Errorf("summary.json not written: %v", err)
	}
}

func TestRun_ProbeFailureAborts(t *testing.T) {
	h := newHarness(t, Options{}, map[string]string{"d1": "note"})
	// Backend configured with a model id the server does not serve.
	badClient := backend.New(backend.Config{URL: "http://127.0.0.1:1", Model: "x", TimeoutSecs: 1})
	h.orch.stage1 = badClient

	_, err := h.orch.Run(context.Background(), h.docs)
	if err == nil {
		t.Fatal("probe failure must abort the batch")
	}
	if h.s2.Load() != 0 {
		t.Error("no document should be touched after a failed probe")
	}
	if e, _ := h.ledger.Get(context.Background(), "d1"); e.State != runstate.Pending {
		t.Errorf("ledger touched: %+v", e)
	}
}

func TestRun_MalformedStage1IsDocFatalNotBatchFatal(t *testing.T) {
	h := newHarness(t, Options{}, map[string]string{"d1": "note"})
	broken, _ := fakeBackend(t, "big-model", "I refuse to answer with JSON.")
	h.orch.stage1 = broken

	sum, err := h.orch.Run(context.Background(), h.docs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 || sum.Complete != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if reason := sum.Failures["d1"]; !strings.Contains(reason, "malformed") {
		t.Errorf("failure reason = %q", reason)
	}
	e, _ := h.ledger.Get(context.Background(), "d1")
	if e.State != runstate.Failed {
		t.Errorf("ledger state = %s", e.State)
	}
}

func TestRun_ResumeSkipsCompletedDocs(t *testing.T) {
	h := newHarness(t, Options{}, map[string]string{"d1": "note", "d2": "note"})
	ctx := context.Background()
	if _, err := h.orch.Run(ctx, h.docs); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstStage1 := h.s1.Load()
	firstStage2 := h.s2.Load()
	if firstStage1 != 2 || firstStage2 != 2 {
		t.Fatalf("first run calls = %d/%d, want 2/2", firstStage1, firstStage2)
	}

	sum, err := h.orch.Run(ctx, h.docs)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if h.s1.Load() != firstStage1 || h.s2.Load() != firstStage2 {
		t.Errorf("resume must not re-call backends: %d/%d", h.s1.Load(), h.s2.Load())
	}
	if sum.Complete != 2 || sum.Resumed != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRun_RestartReprocesses(t *testing.T) {
	h := newHarness(t, Options{Restart: true}, map[string]string{"d1": "note"})
	ctx := context.Background()
	if _, err := h.orch.Run(ctx, h.docs); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Run(ctx, h.docs); err != nil {
		t.Fatal(err)
	}
	if h.s1.Load() != 2 || h.s2.Load() != 2 {
		t.Errorf("restart should re-call both stages: %d/%d", h.s1.Load(), h.s2.Load())
	}
}

func TestRun_ResumeFinishesPartialDoc(t *testing.T) {
	h := newHarness(t, Options{}, map[string]string{"d1": "note"})
	ctx := context.Background()

	// Simulate a crash after stage1: artifacts and ledger say stage1_done.
	h.store.Write("d1", artifact.Stage1JSON, []byte("{}\n"))
	h.store.Write("d1", artifact.Stage1MD, []byte("## DEMOGRAPHICS\nSex=male\nAge=71\n"))
	h.ledger.Append(ctx, "d1", runstate.Stage1Done, "")

	sum, err := h.orch.Run(ctx, h.docs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.s1.Load() != 0 {
		t.Errorf("stage1 should be skipped on resume, calls = %d", h.s1.Load())
	}
	if h.s2.Load() != 1 {
		t.Errorf("stage2 should run once, calls = %d", h.s2.Load())
	}
	if sum.Complete != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRun_DocFilterProcessesOneDocument(t *testing.T) {
	h := newHarness(t, Options{Doc: "b"}, map[string]string{"a": "x", "b": "y", "c": "z"})
	sum, err := h.orch.Run(context.Background(), h.docs)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Documents != 1 || sum.Complete != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if !h.store.Has("b", artifact.Stage2Facts) {
		t.Error("filtered document not processed")
	}
	if h.store.Has("a", artifact.Stage2Facts) || h.store.Has("c", artifact.Stage2Facts) {
		t.Error("documents outside the filter must not be processed")
	}
}

func TestRun_DocFilterUnknownID(t *testing.T) {
	h := newHarness(t, Options{Doc: "zzz"}, map[string]string{"a": "x"})
	if _, err := h.orch.Run(context.Background(), h.docs); err == nil {
		t.Fatal("unknown document id must fail the run")
	}
	if h.s1.Load() != 0 {
		t.Error("no backend call should be made for an unknown id")
	}
}

func TestRun_LimitCapsDocuments(t *testing.T) {
	h := newHarness(t, Options{Limit: 1}, map[string]string{"a": "x", "b": "y", "c": "z"})
	sum, err := h.orch.Run(context.Background(), h.docs)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Documents != 1 || sum.Complete != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestListDocuments(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.json"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)

	docs, err := ListDocuments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
		t.Errorf("docs = %v", docs)
	}
}

func TestVerifyDoc(t *testing.T) {
	h := newHarness(t, Options{}, map[string]string{"d1": "note"})
	ctx := context.Background()
	if _, err := h.orch.Run(ctx, h.docs); err != nil {
		t.Fatal(err)
	}

	same, _ := fakeBackend(t, "m", stage2Response)
	gate := normalize.DefaultGateConfig()

	res, err := VerifyDoc(ctx, same, same, h.store, "d1", gate)
	if err != nil {
		t.Fatalf("VerifyDoc: %v", err)
	}
	if !res.Consistent || res.FactsA != res.FactsB {
		t.Errorf("result = %+v", res)
	}

	other, _ := fakeBackend(t, "m", "VITALS|Heart Rate|95|Admission\nEND")
	res, err = VerifyDoc(ctx, same, other, h.store, "d1", gate)
	if err != nil {
		t.Fatalf("VerifyDoc: %v", err)
	}
	if res.Consistent {
		t.Error("divergent responses must not verify")
	}
	if len(res.OnlyA) == 0 || len(res.OnlyB) != 1 {
		t.Errorf("diff = %+v", res)
	}
	if res.OnlyB[0] != "VITALS|Heart Rate|95|Admission" {
		t.Errorf("OnlyB = %v", res.OnlyB)
	}
}

func TestVerifyDoc_RequiresStage1(t *testing.T) {
	h := newHarness(t, Options{}, map[string]string{"d1": "note"})
	b, _ := fakeBackend(t, "m", stage2Response)
	if _, err := VerifyDoc(context.Background(), b, b, h.store, "missing", normalize.GateConfig{}); err == nil {
		t.Error("verify without stage1 artifacts should error")
	}
}
