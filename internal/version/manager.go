package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/store"
)

// VersionsDirName sits under the metadata directory; present only when
// versioning is enabled.
const VersionsDirName = ".versions"

// ErrVersionNotFound reports an unknown version string.
var ErrVersionNotFound = errors.New("version not found")

// Entry is one append-only ledger record.
type Entry struct {
	Version     string    `json:"version_string"`
	Artifact    string    `json:"artifact_name"`
	Branch      string    `json:"branch"`
	CreatedAt   time.Time `json:"created_at"`
	Tags        []string  `json:"tags,omitempty"`
	Description string    `json:"description,omitempty"`
	Parent      string    `json:"parent,omitempty"`
}

type triple struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// ledgerState is version_state.json: the current triple per branch plus
// the append-only entry list.
type ledgerState struct {
	Branches  map[string]triple `json:"branches"`
	Entries   []Entry           `json:"entries"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TagRecord is one value in tags.json.
type TagRecord struct {
	Description string   `json:"description,omitempty"`
	Versions    []string `json:"versions"`
}

// BranchInfo is one value in branches.json.
type BranchInfo struct {
	Description  string    `json:"description,omitempty"`
	BackupCount  int       `json:"backup_count"`
	LastBackupAt time.Time `json:"last_backup_at"`
}

// RollbackEntry is one value in rollback_history.json.
type RollbackEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	TargetVersion string    `json:"target_version"`
	SafetyBackup  string    `json:"safety_backup_name"`
}

// Manager owns the version ledgers under .metadata/.versions/.
type Manager struct {
	st  *store.Store
	dir string
	log logger.Logger
}

func NewManager(st *store.Store, log logger.Logger) (*Manager, error) {
	dir := filepath.Join(st.MetadataDir(), VersionsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}
	return &Manager{st: st, dir: dir, log: log}, nil
}

func (m *Manager) statePath() string    { return filepath.Join(m.dir, "version_state.json") }
func (m *Manager) tagsPath() string     { return filepath.Join(m.dir, "tags.json") }
func (m *Manager) branchesPath() string { return filepath.Join(m.dir, "branches.json") }
func (m *Manager) rollbackPath() string { return filepath.Join(m.dir, "rollback_history.json") }

// loadJSON fills out from path. Corruption reinitializes (not fails)
// with an audit log entry; a missing file is simply empty.
func (m *Manager) loadJSON(path string, out any) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		m.log.Warn("cannot read ledger, reinitializing", "path", path, "error", err.Error())
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		m.log.Warn("ledger corrupted, reinitializing", "path", path, "error", err.Error())
	}
}

func (m *Manager) saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %q: %w", path, err)
	}
	return store.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

func (m *Manager) loadState() *ledgerState {
	state := &ledgerState{}
	m.loadJSON(m.statePath(), state)
	if state.Branches == nil {
		state.Branches = map[string]triple{}
	}
	return state
}

// NextVersion computes the version the next backup on branch gets. A
// fresh branch starts at 1.0.0; an established one applies the
// requested increment (major, minor or patch, defaulting to patch).
func (m *Manager) NextVersion(branch, increment string, now time.Time) Version {
	if branch == "" {
		branch = DefaultBranch
	}
	state := m.loadState()
	cur, known := state.Branches[branch]
	if !known {
		return Version{
			Major:  1,
			Branch: branch,
			Build:  now.UTC().Format(buildFormat),
		}
	}
	v := Version{Major: cur.Major, Minor: cur.Minor, Patch: cur.Patch, Branch: branch}
	return v.Increment(increment, now)
}

// Record persists a newly assigned version: branch triple, ledger
// entry, tag indices and branch summary, in that order. Callers hold
// the metadata lock.
func (m *Manager) Record(v Version, entry Entry) error {
	entry.Version = v.String()
	entry.Branch = v.Branch
	if entry.Parent == "" {
		if head := m.BranchHead(v.Branch); head != nil {
			entry.Parent = head.Version
		}
	}

	state := m.loadState()
	state.Branches[v.Branch] = triple{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
	state.Entries = append(state.Entries, entry)
	state.UpdatedAt = entry.CreatedAt
	if err := m.saveJSON(m.statePath(), state); err != nil {
		return err
	}

	if len(entry.Tags) > 0 {
		if err := m.tagVersions(entry.Tags, entry.Version, ""); err != nil {
			return err
		}
	}

	branches := map[string]BranchInfo{}
	m.loadJSON(m.branchesPath(), &branches)
	info := branches[v.Branch]
	info.BackupCount++
	info.LastBackupAt = entry.CreatedAt
	branches[v.Branch] = info
	if err := m.saveJSON(m.branchesPath(), branches); err != nil {
		return err
	}

	m.log.Info("version recorded",
		"version", entry.Version,
		"artifact", entry.Artifact,
		"branch", v.Branch,
	)
	return nil
}

// BranchHead returns the newest entry on branch, or nil.
func (m *Manager) BranchHead(branch string) *Entry {
	entries := m.loadState().Entries
	var head *Entry
	var headVersion Version
	for i := range entries {
		if entries[i].Branch != branch {
			continue
		}
		v, err := Parse(entries[i].Version)
		if err != nil {
			continue
		}
		if head == nil || v.NewerThan(headVersion) {
			head = &entries[i]
			headVersion = v
		}
	}
	return head
}

// List returns ledger entries newest-first, optionally filtered by
// branch and tag, truncated to limit when positive.
func (m *Manager) List(branch, tag string, limit int) []Entry {
	entries := m.loadState().Entries
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if branch != "" && e.Branch != branch {
			continue
		}
		if tag != "" && !containsString(e.Tags, tag) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Info returns the ledger entry for a version string.
func (m *Manager) Info(versionString string) (*Entry, error) {
	for _, e := range m.loadState().Entries {
		if e.Version == versionString {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrVersionNotFound, versionString)
}

// Comparison reports how two versions relate.
type Comparison struct {
	First        Entry
	Second       Entry
	FirstNewer   bool
	Compatible   bool
	SameBranch   bool
	SizeDeltaB   int64
	FirstParsed  Version
	SecondParsed Version
}

// Compare resolves both versions and their artifacts' sizes.
func (m *Manager) Compare(first, second string) (*Comparison, error) {
	v1, err := Parse(first)
	if err != nil {
		return nil, err
	}
	v2, err := Parse(second)
	if err != nil {
		return nil, err
	}
	e1, err := m.Info(first)
	if err != nil {
		return nil, err
	}
	e2, err := m.Info(second)
	if err != nil {
		return nil, err
	}

	var size1, size2 int64
	if art, err := m.st.Find(e1.Artifact); err == nil {
		size1 = art.SizeBytes
	}
	if art, err := m.st.Find(e2.Artifact); err == nil {
		size2 = art.SizeBytes
	}

	return &Comparison{
		First:        *e1,
		Second:       *e2,
		FirstNewer:   v1.NewerThan(v2),
		Compatible:   v1.Compatible(v2),
		SameBranch:   v1.Branch == v2.Branch,
		SizeDeltaB:   size1 - size2,
		FirstParsed:  v1,
		SecondParsed: v2,
	}, nil
}

// CreateTag attaches a tag to an existing version.
func (m *Manager) CreateTag(versionString, tagName, description string) error {
	if _, err := m.Info(versionString); err != nil {
		return err
	}
	if err := m.tagVersions([]string{tagName}, versionString, description); err != nil {
		return err
	}

	// Mirror the tag onto the ledger entry.
	state := m.loadState()
	for i := range state.Entries {
		if state.Entries[i].Version == versionString && !containsString(state.Entries[i].Tags, tagName) {
			state.Entries[i].Tags = append(state.Entries[i].Tags, tagName)
		}
	}
	return m.saveJSON(m.statePath(), state)
}

func (m *Manager) tagVersions(tagNames []string, versionString, description string) error {
	tags := map[string]TagRecord{}
	m.loadJSON(m.tagsPath(), &tags)
	for _, name := range tagNames {
		rec := tags[name]
		if description != "" {
			rec.Description = description
		}
		if !containsString(rec.Versions, versionString) {
			rec.Versions = append(rec.Versions, versionString)
		}
		tags[name] = rec
	}
	return m.saveJSON(m.tagsPath(), tags)
}

// Tags returns the tag index.
func (m *Manager) Tags() map[string]TagRecord {
	tags := map[string]TagRecord{}
	m.loadJSON(m.tagsPath(), &tags)
	return tags
}

// Branches returns the branch summaries.
func (m *Manager) Branches() map[string]BranchInfo {
	branches := map[string]BranchInfo{}
	m.loadJSON(m.branchesPath(), &branches)
	return branches
}

// AppendRollback records a completed rollback.
func (m *Manager) AppendRollback(targetVersion, safetyBackup string, at time.Time) error {
	var history []RollbackEntry
	m.loadJSON(m.rollbackPath(), &history)
	history = append(history, RollbackEntry{
		Timestamp:     at,
		TargetVersion: targetVersion,
		SafetyBackup:  safetyBackup,
	})
	return m.saveJSON(m.rollbackPath(), history)
}

// RollbackHistory returns recorded rollbacks, oldest first.
func (m *Manager) RollbackHistory() []RollbackEntry {
	var history []RollbackEntry
	m.loadJSON(m.rollbackPath(), &history)
	return history
}

// CleanupPlan lists versions beyond the newest keep per branch. The
// branch head and any tagged version are never dropped.
func (m *Manager) CleanupPlan(keep int) []Entry {
	byBranch := map[string][]Entry{}
	for _, e := range m.loadState().Entries {
		byBranch[e.Branch] = append(byBranch[e.Branch], e)
	}

	var drop []Entry
	for _, entries := range byBranch {
		sort.Slice(entries, func(i, j int) bool {
			vi, erri := Parse(entries[i].Version)
			vj, errj := Parse(entries[j].Version)
			if erri != nil || errj != nil {
				return entries[i].CreatedAt.After(entries[j].CreatedAt)
			}
			return vi.NewerThan(vj)
		})
		for i, e := range entries {
			if i < keep || i == 0 {
				continue
			}
			if len(e.Tags) > 0 {
				continue
			}
			drop = append(drop, e)
		}
	}
	sort.Slice(drop, func(i, j int) bool { return drop[i].Version < drop[j].Version })
	return drop
}

// Cleanup deletes the planned versions: payloads, sidecars and ledger
// entries. Branch summaries keep their historical backup counts.
func (m *Manager) Cleanup(plan []Entry) error {
	dropped := map[string]bool{}
	var errs *multierror.Error
	for _, e := range plan {
		if err := m.st.Remove(e.Artifact); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remove %q: %w", e.Artifact, err))
			continue
		}
		dropped[e.Version] = true
		m.log.Info("removed old version", "version", e.Version, "artifact", e.Artifact)
	}

	if len(dropped) > 0 {
		state := m.loadState()
		kept := state.Entries[:0]
		for _, e := range state.Entries {
			if !dropped[e.Version] {
				kept = append(kept, e)
			}
		}
		state.Entries = kept
		if err := m.saveJSON(m.statePath(), state); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
