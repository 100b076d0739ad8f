package version

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/store"
)

func TestParseAndString(t *testing.T) {
	v, err := Parse("1.2.3-develop.20250104_143052")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Major)
	assert.Equal(t, 2, v.Minor)
	assert.Equal(t, 3, v.Patch)
	assert.Equal(t, "develop", v.Branch)
	assert.Equal(t, "20250104_143052", v.Build)
	assert.Equal(t, "1.2.3-develop.20250104_143052", v.String())

	v, err = Parse("2.0.1")
	require.NoError(t, err)
	assert.Equal(t, DefaultBranch, v.Branch)
	assert.Empty(t, v.Build)

	_, err = Parse("not-a-version")
	assert.Error(t, err)
	_, err = Parse("1.2")
	assert.Error(t, err)
}

func TestIncrement(t *testing.T) {
	now := time.Date(2025, 1, 4, 14, 30, 52, 0, time.UTC)
	base := Version{Major: 1, Minor: 2, Patch: 3, Branch: "main"}

	assert.Equal(t, "2.0.0-main.20250104_143052", base.Increment("major", now).String())
	assert.Equal(t, "1.3.0-main.20250104_143052", base.Increment("minor", now).String())
	assert.Equal(t, "1.2.4-main.20250104_143052", base.Increment("patch", now).String())
	// Unknown level defaults to patch.
	assert.Equal(t, "1.2.4-main.20250104_143052", base.Increment("", now).String())
}

func TestNewerThanOrdering(t *testing.T) {
	older := Version{Major: 1, Minor: 2, Patch: 3, Build: "20250101_000000"}
	newer := Version{Major: 1, Minor: 2, Patch: 3, Build: "20250102_000000"}

	assert.True(t, newer.NewerThan(older))
	assert.False(t, older.NewerThan(newer))

	assert.True(t, Version{Major: 2}.NewerThan(Version{Major: 1, Minor: 9, Patch: 9}))
	assert.True(t, Version{Major: 1, Minor: 1}.NewerThan(Version{Major: 1, Patch: 9}))
}

func TestCompatibleSameMajor(t *testing.T) {
	assert.True(t, Version{Major: 1}.Compatible(Version{Major: 1, Minor: 5}))
	assert.False(t, Version{Major: 1}.Compatible(Version{Major: 2}))
}

func newManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.NewStore(t.TempDir(), logger.Global())
	require.NoError(t, err)
	m, err := NewManager(st, logger.Global())
	require.NoError(t, err)
	return m, st
}

func TestNextVersionFreshBranchStartsAtOne(t *testing.T) {
	m, _ := newManager(t)
	now := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)

	v := m.NextVersion("main", "patch", now)
	assert.Equal(t, "1.0.0-main.20250104_000000", v.String())
}

func TestRecordThenNextVersionIncrements(t *testing.T) {
	m, _ := newManager(t)
	now := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)

	v := m.NextVersion("main", "patch", now)
	require.NoError(t, m.Record(v, Entry{Artifact: "b1", CreatedAt: now}))

	next := m.NextVersion("main", "patch", now.Add(time.Minute))
	assert.Equal(t, "1.0.1-main.20250104_000100", next.String())

	minor := m.NextVersion("main", "minor", now.Add(2*time.Minute))
	assert.Equal(t, "1.1.0-main.20250104_000200", minor.String())
}

// Within a branch the ledger is strictly increasing in
// (MAJOR, MINOR, PATCH, BUILD).
func TestLedgerMonotonicPerBranch(t *testing.T) {
	m, _ := newManager(t)
	now := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)

	var prev *Version
	for i := 0; i < 5; i++ {
		ts := now.Add(time.Duration(i) * time.Minute)
		v := m.NextVersion("main", "patch", ts)
		require.NoError(t, m.Record(v, Entry{Artifact: "b", CreatedAt: ts}))
		if prev != nil {
			assert.True(t, v.NewerThan(*prev), "%s must be newer than %s", v, *prev)
		}
		vCopy := v
		prev = &vCopy
	}
}

func TestRecordTracksParentAndBranchInfo(t *testing.T) {
	m, _ := newManager(t)
	now := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)

	v1 := m.NextVersion("main", "patch", now)
	require.NoError(t, m.Record(v1, Entry{Artifact: "b1", CreatedAt: now}))

	v2 := m.NextVersion("main", "patch", now.Add(time.Minute))
	require.NoError(t, m.Record(v2, Entry{Artifact: "b2", CreatedAt: now.Add(time.Minute)}))

	e2, err := m.Info(v2.String())
	require.NoError(t, err)
	assert.Equal(t, v1.String(), e2.Parent)

	branches := m.Branches()
	require.Contains(t, branches, "main")
	assert.Equal(t, 2, branches["main"].BackupCount)
}

func TestListFilters(t *testing.T) {
	m, _ := newManager(t)
	now := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)

	vMain := m.NextVersion("main", "patch", now)
	require.NoError(t, m.Record(vMain, Entry{Artifact: "a", CreatedAt: now, Tags: []string{"stable"}}))
	vDev := m.NextVersion("develop", "patch", now.Add(time.Minute))
	require.NoError(t, m.Record(vDev, Entry{Artifact: "b", CreatedAt: now.Add(time.Minute)}))

	assert.Len(t, m.List("", "", 0), 2)
	assert.Len(t, m.List("main", "", 0), 1)
	assert.Len(t, m.List("", "stable", 0), 1)
	assert.Len(t, m.List("", "", 1), 1)

	// Newest first.
	all := m.List("", "", 0)
	assert.Equal(t, "b", all[0].Artifact)
}

func TestCreateTagAndLookup(t *testing.T) {
	m, _ := newManager(t)
	now := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)

	v := m.NextVersion("main", "patch", now)
	require.NoError(t, m.Record(v, Entry{Artifact: "b1", CreatedAt: now}))

	require.NoError(t, m.CreateTag(v.String(), "release", "first cut"))
	tags := m.Tags()
	require.Contains(t, tags, "release")
	assert.Contains(t, tags["release"].Versions, v.String())

	err := m.CreateTag("9.9.9-main.20990101_000000", "ghost", "")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestRollbackHistoryAppends(t *testing.T) {
	m, _ := newManager(t)
	now := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.AppendRollback("1.0.0-main.x", "safety_b", now))
	require.NoError(t, m.AppendRollback("1.0.1-main.y", "safety_c", now.Add(time.Hour)))

	history := m.RollbackHistory()
	require.Len(t, history, 2)
	assert.Equal(t, "1.0.0-main.x", history[0].TargetVersion)
	assert.Equal(t, "safety_c", history[1].SafetyBackup)
}

func TestCleanupKeepsHeadsAndTagged(t *testing.T) {
	m, st := newManager(t)
	now := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)

	var versions []Version
	for i := 0; i < 4; i++ {
		ts := now.Add(time.Duration(i) * time.Minute)
		v := m.NextVersion("main", "patch", ts)
		name := v.String()
		w, _, err := st.CreatePayload(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("-- PostgreSQL database dump\n"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, m.Record(v, Entry{Artifact: name, CreatedAt: ts}))
		versions = append(versions, v)
	}
	// Tag the oldest so cleanup must spare it.
	require.NoError(t, m.CreateTag(versions[0].String(), "keeper", ""))

	plan := m.CleanupPlan(1)
	// Head (newest) and tagged oldest survive; the two middle ones go.
	require.Len(t, plan, 2)
	planned := []string{plan[0].Version, plan[1].Version}
	assert.ElementsMatch(t, []string{versions[1].String(), versions[2].String()}, planned)

	require.NoError(t, m.Cleanup(plan))
	assert.Len(t, m.List("", "", 0), 2)
	assert.False(t, st.Exists(versions[1].String()))
}

func TestCorruptLedgerReinitializes(t *testing.T) {
	m, st := newManager(t)
	path := filepath.Join(st.MetadataDir(), VersionsDirName, "version_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	assert.Empty(t, m.List("", "", 0))
	v := m.NextVersion("main", "patch", time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "1.0.0-main.20250104_000000", v.String())
}
