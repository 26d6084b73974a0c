package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestWriteRead(t *testing.T) {
	s := newStore(t)
	if err := s.Write("100001", Stage1MD, []byte("## DEMOGRAPHICS\nSex=M\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := s.Read("100001", Stage1MD)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "## DEMOGRAPHICS\nSex=M\n" {
		t.Errorf("data = %q", data)
	}
}

func TestWrite_OverwritesExisting(t *testing.T) {
	s := newStore(t)
	if err := s.Write("d", Stage2Raw, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("d", Stage2Raw, []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, _ := s.Read("d", Stage2Raw)
	if string(data) != "second" {
		t.Errorf("data = %q, want overwrite", data)
	}
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	s := newStore(t)
	if err := s.Write("d", Stage2Facts, []byte("VITALS|Heart Rate|92|Admission\n")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(s.DocDir("d"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestHasStage(t *testing.T) {
	s := newStore(t)
	id := "100002"
	if s.HasStage(id, "stage1_done") {
		t.Error("stage1_done should be false before writes")
	}
	s.Write(id, Stage1JSON, []byte("{}\n"))
	if s.HasStage(id, "stage1_done") {
		t.Error("stage1_done needs both stage1 artifacts")
	}
	s.Write(id, Stage1MD, []byte("## DEMOGRAPHICS\n"))
	if !s.HasStage(id, "stage1_done") {
		t.Error("stage1_done should be true with both artifacts")
	}
	if s.HasStage(id, "stage2_done") {
		t.Error("stage2_done should be false without stage2_raw.txt")
	}
	s.Write(id, Stage2Raw, []byte("raw\n"))
	if !s.HasStage(id, "stage2_done") {
		t.Error("stage2_done should be true")
	}
	s.Write(id, Stage2Facts, []byte(""))
	s.Write(id, Stage2Report, []byte("{}\n"))
	if !s.HasStage(id, "normalized") || !s.HasStage(id, "complete") {
		t.Error("normalized/complete should be true with facts and report")
	}
	if s.HasStage(id, "bogus") {
		t.Error("unknown stage should be false")
	}
}

func TestWriteJSONAndSummary(t *testing.T) {
	s := newStore(t)
	report := map[string]any{"validity_score": 0.5, "pass": false}
	if err := s.WriteJSON("d", Stage2Report, report); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	data, _ := s.Read("d", Stage2Report)
	if !strings.Contains(string(data), `"validity_score": 0.5`) {
		t.Errorf("report = %s", data)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("JSON artifacts should be newline-terminated")
	}

	if err := s.WriteSummary(map[string]int{"documents": 3}); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), SummaryFile)); err != nil {
		t.Errorf("summary not written: %v", err)
	}
}

func TestDocs(t *testing.T) {
	s := newStore(t)
	s.Write("b", Stage1MD, []byte("x"))
	s.Write("a", Stage1MD, []byte("x"))
	ids, err := s.Docs()
	if err != nil {
		t.Fatalf("Docs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ids = %v", ids)
	}
}
