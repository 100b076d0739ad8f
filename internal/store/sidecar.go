package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sidecar is the per-artifact metadata record stored at
// .metadata/<name>.json. Unknown keys survive read-modify-write cycles
// so newer tools can extend the record without older ones erasing it.
type Sidecar struct {
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
	Target      string    `json:"target"`
	SizeBytes   int64     `json:"size_bytes"`
	Tags        []string  `json:"tags,omitempty"`
	Version     string    `json:"version,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	Description string    `json:"description,omitempty"`
	Parent      string    `json:"parent,omitempty"`

	extra map[string]json.RawMessage
}

// knownSidecarKeys must match the json tags above.
var knownSidecarKeys = []string{
	"name", "kind", "created_at", "target", "size_bytes",
	"tags", "version", "branch", "description", "parent",
}

type sidecarAlias Sidecar

func (sc *Sidecar) UnmarshalJSON(data []byte) error {
	var alias sidecarAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range knownSidecarKeys {
		delete(raw, key)
	}
	*sc = Sidecar(alias)
	if len(raw) > 0 {
		sc.extra = raw
	}
	return nil
}

func (sc Sidecar) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(sidecarAlias(sc))
	if err != nil {
		return nil, err
	}
	if len(sc.extra) == 0 {
		return known, nil
	}
	merged := map[string]json.RawMessage{}
	for k, v := range sc.extra {
		merged[k] = v
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (s *Store) sidecarPath(name string) string {
	return filepath.Join(s.metaDir, name+".json")
}

// WriteSidecar persists the record atomically. The caller must have
// fsynced the payload first; sidecar-before-payload would break crash
// recovery ordering.
func (s *Store) WriteSidecar(name string, sc *Sidecar) error {
	sc.Name = name
	sc.CreatedAt = sc.CreatedAt.UTC().Truncate(time.Second)
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar %q: %w", name, err)
	}
	return WriteFileAtomic(s.sidecarPath(name), append(data, '\n'), 0o644)
}

// ReadSidecar loads the record for name, or an error when the artifact
// is a legacy payload without one.
func (s *Store) ReadSidecar(name string) (*Sidecar, error) {
	data, err := os.ReadFile(s.sidecarPath(name))
	if err != nil {
		return nil, fmt.Errorf("read sidecar %q: %w", name, err)
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode sidecar %q: %w", name, err)
	}
	return &sc, nil
}

// NewestSidecarMTime returns the newest sidecar modification time, for the
// strategy engine's reconciliation check. Zero time means no sidecars.
func (s *Store) NewestSidecarMTime() time.Time {
	entries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return time.Time{}
	}
	var newest time.Time
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if entry.Name() == "backup_state.json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

// Sidecars loads every artifact sidecar, skipping unreadable ones.
func (s *Store) Sidecars() ([]*Sidecar, error) {
	entries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", s.metaDir, err)
	}
	var out []*Sidecar
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if entry.Name() == "backup_state.json" {
			continue
		}
		name := entry.Name()[:len(entry.Name())-len(".json")]
		sc, err := s.ReadSidecar(name)
		if err != nil {
			s.log.Warn("skipping unreadable sidecar", "name", name, "error", err.Error())
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}
