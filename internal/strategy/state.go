package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/store"
)

// maxHistory bounds the record list kept in the state file.
const maxHistory = 50

// Record is one finished backup in the strategy history.
type Record struct {
	Name      string     `json:"name"`
	Kind      store.Kind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	SizeBytes int64      `json:"size_bytes"`
}

// State is the persisted strategy document at
// .metadata/backup_state.json. Invariant: IncrementalsSinceFull equals
// the number of incremental records newer than LastFullAt.
type State struct {
	LastFullAt            *time.Time `json:"last_full_backup"`
	IncrementalsSinceFull int        `json:"incrementals_since_full"`
	History               []Record   `json:"backups"`
}

// Engine owns the strategy state and backup-kind decisions.
type Engine struct {
	st  *store.Store
	log logger.Logger
}

func NewEngine(st *store.Store, log logger.Logger) *Engine {
	return &Engine{st: st, log: log}
}

// LoadState reads the state file. Corruption is non-fatal: the state is
// reinitialized empty with a warning, historical payloads stay on disk
// and the next decision defaults to full. When a sidecar is newer than
// the state file the state is rebuilt from sidecars (a crash landed
// between sidecar and state writes).
func (e *Engine) LoadState() *State {
	state := &State{}

	data, err := os.ReadFile(e.st.StatePath())
	switch {
	case os.IsNotExist(err):
		// Lazily created on first backup.
	case err != nil:
		e.log.Warn("cannot read strategy state, reinitializing", "error", err.Error())
	default:
		if jsonErr := json.Unmarshal(data, state); jsonErr != nil {
			e.log.Warn("strategy state corrupted, reinitializing", "error", jsonErr.Error())
			state = &State{}
		}
	}

	if e.needsReconcile() {
		e.log.Warn("sidecars newer than strategy state, reconciling from metadata")
		if rebuilt, rerr := e.rebuildFromSidecars(); rerr == nil {
			state = rebuilt
		} else {
			e.log.Warn("reconciliation failed, keeping loaded state", "error", rerr.Error())
		}
	}

	return state
}

func (e *Engine) needsReconcile() bool {
	newest := e.st.NewestSidecarMTime()
	if newest.IsZero() {
		return false
	}
	info, err := os.Stat(e.st.StatePath())
	if err != nil {
		return true
	}
	return newest.After(info.ModTime())
}

// rebuildFromSidecars replays every sidecar in creation order.
func (e *Engine) rebuildFromSidecars() (*State, error) {
	sidecars, err := e.st.Sidecars()
	if err != nil {
		return nil, err
	}
	sort.Slice(sidecars, func(i, j int) bool {
		return sidecars[i].CreatedAt.Before(sidecars[j].CreatedAt)
	})

	state := &State{}
	for _, sc := range sidecars {
		state.apply(Record{
			Name:      sc.Name,
			Kind:      sc.Kind,
			CreatedAt: sc.CreatedAt,
			SizeBytes: sc.SizeBytes,
		})
	}
	return state, nil
}

// apply folds one record into the state, maintaining the counter
// invariant and the bounded history.
func (s *State) apply(rec Record) {
	if rec.Kind == store.KindFull {
		at := rec.CreatedAt
		s.LastFullAt = &at
		s.IncrementalsSinceFull = 0
	} else {
		s.IncrementalsSinceFull++
	}
	s.History = append(s.History, rec)
	if len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
}

// RecordBackup folds rec into state and persists it atomically
// (tmp+rename). Callers hold the metadata lock.
func (e *Engine) RecordBackup(state *State, rec Record) error {
	state.apply(rec)
	return e.SaveState(state)
}

// SaveState persists state atomically.
func (e *Engine) SaveState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode strategy state: %w", err)
	}
	if err := store.WriteFileAtomic(e.st.StatePath(), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write strategy state: %w", err)
	}
	return nil
}
