// Package artifact persists the per-document audit trail under a batch
// output root. Every write is write-then-rename so a crash mid-write never
// leaves a stage looking complete.
//
// Layout:
//
//	<root>/docs/<id>/stage1.json      structured first-stage abstract
//	<root>/docs/<id>/stage1.md        digest fed to the second stage
//	<root>/docs/<id>/stage2_raw.txt   verbatim second-stage response
//	<root>/docs/<id>/stage2_facts.txt normalized fact set, one line per fact
//	<root>/docs/<id>/stage2_report.json  gate report
//	<root>/summary.json               batch summary
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Fixed artifact file names.
const (
	Stage1JSON   = "stage1.json"
	Stage1MD     = "stage1.md"
	Stage2Raw    = "stage2_raw.txt"
	Stage2Facts  = "stage2_facts.txt"
	Stage2Report = "stage2_report.json"
	SummaryFile  = "summary.json"
)

// Store roots all artifact paths for one batch run.
type Store struct {
	root string
}

// NewStore opens (creating if needed) the batch output root.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the batch output root.
func (s *Store) Root() string { return s.root }

// DocDir returns the artifact directory for one document.
func (s *Store) DocDir(id string) string {
	return filepath.Join(s.root, "docs", id)
}

// Path returns the full path of one named artifact for a document.
func (s *Store) Path(id, name string) string {
	return filepath.Join(s.DocDir(id), name)
}

// Has reports whether the named artifact exists for the document.
func (s *Store) Has(id, name string) bool {
	info, err := os.Stat(s.Path(id, name))
	return err == nil && !info.IsDir()
}

// HasStage reports whether every artifact a stage produces is on disk.
// Stage names match the run ledger: stage1_done, stage2_done, normalized.
func (s *Store) HasStage(id, stage string) bool {
	switch stage {
	case "stage1_done":
		return s.Has(id, Stage1JSON) && s.Has(id, Stage1MD)
	case "stage2_done":
		return s.Has(id, Stage2Raw)
	case "normalized", "complete":
		return s.Has(id, Stage2Facts) && s.Has(id, Stage2Report)
	default:
		return false
	}
}

// Write atomically persists one named artifact for a document.
func (s *Store) Write(id, name string, data []byte) error {
	dir := s.DocDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating doc dir %s: %w", id, err)
	}
	return writeAtomic(filepath.Join(dir, name), data)
}

// Read returns the contents of one named artifact.
func (s *Store) Read(id, name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(id, name))
	if err != nil {
		return nil, fmt.Errorf("reading %s for %s: %w", name, id, err)
	}
	return data, nil
}

// WriteJSON marshals v with indentation and persists it atomically.
func (s *Store) WriteJSON(id, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s for %s: %w", name, id, err)
	}
	return s.Write(id, name, append(data, '\n'))
}

// WriteSummary atomically persists the batch-level summary.
func (s *Store) WriteSummary(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	return writeAtomic(filepath.Join(s.root, SummaryFile), append(data, '\n'))
}

// ReadSummary returns the persisted batch summary.
func (s *Store) ReadSummary() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, SummaryFile))
	if err != nil {
		return nil, fmt.Errorf("reading summary: %w", err)
	}
	return data, nil
}

// Docs lists the document ids that have an artifact directory, sorted.
func (s *Store) Docs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "docs"))
	if err != nil {
		return nil, fmt.Errorf("listing docs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// writeAtomic writes data to a temp file in the target directory, syncs it,
// and renames it over the destination. Rename within one directory is atomic
// on POSIX filesystems.
func writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("publishing %s: %w", dst, err)
	}
	return nil
}
