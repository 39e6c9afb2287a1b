// Package registry maintains the per-user run index (users/<user>/index.json):
// file-locked upserts, read-only loads, and a reconciliation sweep that marks
// runs with missing artifacts as CORRUPTED. The index is the only mutable
// shared state in the system and is always written via lock + atomic rename.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/canon"
	"github.com/buffquant/buffrun/internal/ids"
	"github.com/buffquant/buffrun/internal/timeutil"
)

// SchemaVersion of the index file.
const SchemaVersion = "1.0.0"

// LockTimeout is the hard bound on registry lock acquisition.
const LockTimeout = 2 * time.Second

// RequiredArtifacts are the files a run must keep to stay healthy. A run
// missing any of them is CORRUPTED.
var RequiredArtifacts = []string{
	"manifest.json",
	"config.json",
	"metrics.json",
	"equity_curve.json",
	"trades.jsonl",
	"timeline.json",
	"decision_records.jsonl",
}

// Run statuses surfaced through the registry.
const (
	StatusCompleted = "COMPLETED"
	StatusCorrupted = "CORRUPTED"
)

// Entry is one run's registry record.
type Entry struct {
	RunID            string   `json:"run_id"`
	CreatedAt        string   `json:"created_at"`
	Symbol           string   `json:"symbol"`
	Timeframe        string   `json:"timeframe"`
	Status           string   `json:"status"`
	ManifestPath     string   `json:"manifest_path"`
	ArtifactsPresent []string `json:"artifacts_present"`
	InputsHash       string   `json:"inputs_hash"`
	StrategyID       string   `json:"strategy_id"`
	MissingArtifacts []string `json:"missing_artifacts,omitempty"`
}

// Index is the decoded index.json.
type Index struct {
	SchemaVersion string  `json:"schema_version"`
	GeneratedAt   string  `json:"generated_at"`
	Runs          []Entry `json:"runs"`
}

// Registry manages one user's index.
type Registry struct {
	layout ids.Layout
	userID string
}

// New creates a Registry for userID under layout.
func New(layout ids.Layout, userID string) *Registry {
	return &Registry{layout: layout, userID: userID}
}

// Load reads the index without taking the lock. A missing file yields an
// empty index.
func (r *Registry) Load() (*Index, error) {
	path, err := r.layout.RegistryPath(r.userID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{SchemaVersion: SchemaVersion, Runs: []Entry{}}, nil
		}
		return nil, apperr.Wrap(apperr.CodeRegistryWriteFailed, 500, "cannot read registry", err)
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, apperr.Wrap(apperr.CodeRegistryWriteFailed, 500, "registry is not valid JSON", err)
	}
	if idx.Runs == nil {
		idx.Runs = []Entry{}
	}
	return &idx, nil
}

// Upsert replaces or appends the entry keyed by run_id, under the registry
// lock, and writes the index canonically.
func (r *Registry) Upsert(entry Entry) error {
	return r.withLock(func() error {
		idx, err := r.Load()
		if err != nil {
			return err
		}
		replaceOrAppend(idx, entry)
		return r.write(idx)
	})
}

// Remove drops the entry keyed by runID, under the lock. Removing an absent
// entry is a no-op.
func (r *Registry) Remove(runID string) error {
	return r.withLock(func() error {
		idx, err := r.Load()
		if err != nil {
			return err
		}
		kept := idx.Runs[:0]
		for _, e := range idx.Runs {
			if e.RunID != runID {
				kept = append(kept, e)
			}
		}
		idx.Runs = kept
		return r.write(idx)
	})
}

// Reconcile sweeps the on-disk run directories, refreshes status and
// artifact lists, and rewrites the index when drift is detected. Load, scan,
// and write all happen under one lock acquisition, so a run registered by a
// concurrent writer is never overwritten by a stale sweep. The refreshed
// index is returned either way.
func (r *Registry) Reconcile() (*Index, error) {
	var out *Index
	err := r.withLock(func() error {
		idx, err := r.Load()
		if err != nil {
			return err
		}

		known := make(map[string]bool, len(idx.Runs))
		refreshed := make([]Entry, 0, len(idx.Runs))
		drift := false

		for _, stale := range idx.Runs {
			known[stale.RunID] = true
			fresh, err := r.BuildEntry(stale.RunID)
			if err != nil {
				// The run dir vanished entirely: keep the entry, flip it corrupted.
				fresh = stale
				fresh.Status = StatusCorrupted
				fresh.ArtifactsPresent = []string{}
				fresh.MissingArtifacts = append([]string{}, RequiredArtifacts...)
			}
			if !entriesEqual(stale, fresh) {
				drift = true
			}
			refreshed = append(refreshed, fresh)
		}

		// Pick up run dirs that were never registered.
		runsDir, err := r.layout.RunsDir(r.userID)
		if err != nil {
			return err
		}
		if dirents, err := os.ReadDir(runsDir); err == nil {
			for _, d := range dirents {
				if !d.IsDir() || known[d.Name()] {
					continue
				}
				if ids.ValidateRunID(d.Name()) != nil {
					continue
				}
				if fresh, err := r.BuildEntry(d.Name()); err == nil {
					refreshed = append(refreshed, fresh)
					drift = true
				}
			}
		}

		idx.Runs = refreshed
		sortRuns(idx)

		if drift {
			if err := r.write(idx); err != nil {
				return err
			}
		}
		out = idx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BuildEntry inspects a run directory and its manifest and produces the
// current registry entry for it.
func (r *Registry) BuildEntry(runID string) (Entry, error) {
	runDir, err := r.layout.RunDir(r.userID, runID)
	if err != nil {
		return Entry{}, err
	}
	if _, err := os.Stat(runDir); err != nil {
		return Entry{}, apperr.Newf(apperr.CodeRunNotFound, 404, "run %s not found", runID)
	}

	present := listFiles(runDir)
	missing := missingArtifacts(present)

	entry := Entry{
		RunID:            runID,
		ManifestPath:     filepath.Join(runDir, "manifest.json"),
		ArtifactsPresent: present,
		MissingArtifacts: missing,
	}

	if m, err := readManifestLite(filepath.Join(runDir, "manifest.json")); err == nil {
		entry.CreatedAt = m.CreatedAt
		entry.Symbol = m.Data.Symbol
		entry.Timeframe = m.Data.Timeframe
		entry.InputsHash = m.InputsHash
		entry.StrategyID = m.Strategy.ID
		entry.Status = m.Status
	} else {
		// A present but unreadable manifest is corruption, same as a
		// missing one.
		entry.Status = StatusCorrupted
	}

	if len(missing) > 0 {
		entry.Status = StatusCorrupted
	}
	return entry, nil
}

// manifestLite is the subset of the run manifest the registry needs.
type manifestLite struct {
	RunID      string `json:"run_id"`
	CreatedAt  string `json:"created_at"`
	Status     string `json:"status"`
	InputsHash string `json:"inputs_hash"`
	Data       struct {
		Symbol    string `json:"symbol"`
		Timeframe string `json:"timeframe"`
	} `json:"data"`
	Strategy struct {
		ID string `json:"id"`
	} `json:"strategy"`
}

func readManifestLite(path string) (*manifestLite, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifestLite
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Registry) withLock(fn func() error) error {
	lockPath, err := r.layout.RegistryLockPath(r.userID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return apperr.Wrap(apperr.CodeRegistryWriteFailed, 500, "cannot create user dir", err)
	}
	lock := NewFileLock(lockPath)
	if err := lock.Acquire(LockTimeout, apperr.CodeRegistryLockTimeout); err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

func (r *Registry) write(idx *Index) error {
	path, err := r.layout.RegistryPath(r.userID)
	if err != nil {
		return err
	}
	idx.SchemaVersion = SchemaVersion
	idx.GeneratedAt = timeutil.Format(time.Now())
	sortRuns(idx)
	if err := canon.WriteCanonicalFile(path, idx); err != nil {
		return apperr.Wrap(apperr.CodeRegistryWriteFailed, 500, "cannot write registry", err)
	}
	return nil
}

func replaceOrAppend(idx *Index, entry Entry) {
	for i, e := range idx.Runs {
		if e.RunID == entry.RunID {
			idx.Runs[i] = entry
			return
		}
	}
	idx.Runs = append(idx.Runs, entry)
}

func sortRuns(idx *Index) {
	sort.Slice(idx.Runs, func(i, j int) bool { return idx.Runs[i].RunID < idx.Runs[j].RunID })
}

// listFiles returns the sorted plain files in dir.
func listFiles(dir string) []string {
	out := []string{}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, d := range dirents {
		if d.Type().IsRegular() {
			out = append(out, d.Name())
		}
	}
	sort.Strings(out)
	return out
}

func missingArtifacts(present []string) []string {
	set := make(map[string]bool, len(present))
	for _, name := range present {
		set[name] = true
	}
	var missing []string
	for _, name := range RequiredArtifacts {
		if !set[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

func entriesEqual(a, b Entry) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
