package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kebairia/pgrescue/internal/retention"
	"github.com/kebairia/pgrescue/internal/store"
	"github.com/kebairia/pgrescue/internal/strategy"
)

// ListBackups prints every artifact, newest first.
func (o *Orchestrator) ListBackups() error {
	artifacts, err := o.st.List()
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		fmt.Fprintf(o.stdout, "No backups in %s\n", o.st.Dir())
		return nil
	}

	fmt.Fprintf(o.stdout, "Backups in %s:\n", o.st.Dir())
	for _, art := range artifacts {
		kind := "legacy"
		if art.Sidecar != nil {
			kind = string(art.Sidecar.Kind)
		}
		fmt.Fprintf(o.stdout, "  %-40s %10s  %s  %s\n",
			art.Name,
			humanize.Bytes(uint64(art.SizeBytes)),
			art.ModTime.Format("2006-01-02 15:04:05"),
			kind,
		)
	}
	return nil
}

// Summary prints retention policy usage, totals and the recommendation
// for the next backup.
func (o *Orchestrator) Summary() error {
	artifacts, err := o.st.List()
	if err != nil {
		return err
	}
	policy := o.policy()

	counts := map[retention.Bucket]int{}
	var totalBytes int64
	byKind := map[store.Kind]int{}
	for _, art := range artifacts {
		totalBytes += art.SizeBytes
		if art.Sidecar == nil {
			continue
		}
		byKind[art.Sidecar.Kind]++
		for _, b := range retention.Buckets(art.Sidecar.Kind, art.Sidecar.CreatedAt) {
			counts[b]++
		}
	}

	fmt.Fprintln(o.stdout, "Retention policy:")
	for _, row := range []struct {
		bucket retention.Bucket
		limit  int
	}{
		{retention.BucketDaily, policy.Daily},
		{retention.BucketWeekly, policy.Weekly},
		{retention.BucketMonthly, policy.Monthly},
		{retention.BucketFull, policy.Full},
	} {
		fmt.Fprintf(o.stdout, "  %-8s %d/%d\n", row.bucket, counts[row.bucket], row.limit)
	}

	fmt.Fprintln(o.stdout, "Totals:")
	fmt.Fprintf(o.stdout, "  backups: %d (%d full, %d incremental)\n",
		len(artifacts), byKind[store.KindFull], byKind[store.KindIncremental])
	fmt.Fprintf(o.stdout, "  size:    %s\n", humanize.Bytes(uint64(totalBytes)))

	// Newest backups of each kind; the list is already newest-first.
	for _, kind := range []store.Kind{store.KindFull, store.KindIncremental} {
		shown := 0
		for _, art := range artifacts {
			if art.Sidecar == nil || art.Sidecar.Kind != kind || shown >= 3 {
				continue
			}
			if shown == 0 {
				fmt.Fprintf(o.stdout, "Latest %s:\n", kind)
			}
			fmt.Fprintf(o.stdout, "  %s  %s  %s\n",
				art.Name,
				humanize.Bytes(uint64(art.SizeBytes)),
				art.Sidecar.CreatedAt.Format("2006-01-02 15:04"),
			)
			shown++
		}
	}

	state := o.eng.LoadState()
	decision := strategy.Decide(state, strategy.RequestAuto, o.now().UTC())
	fmt.Fprintln(o.stdout, "Next backup:")
	fmt.Fprintf(o.stdout, "  kind:   %s\n", decision.Kind)
	fmt.Fprintf(o.stdout, "  reason: %s\n", decision.Reason)
	return nil
}

// ApplyRetention builds the deletion plan and, outside dry-run, prunes
// under the metadata lock.
func (o *Orchestrator) ApplyRetention(ctx context.Context, dryRun bool) error {
	artifacts, err := o.st.List()
	if err != nil {
		return err
	}
	plan := retention.BuildPlan(artifacts, o.policy())

	if plan.Empty() {
		fmt.Fprintln(o.stdout, "Nothing to prune under the current retention policy.")
		return nil
	}

	verb := "Deleting"
	if dryRun {
		verb = "Would delete"
	}
	buckets := make([]retention.Bucket, 0, len(plan.DeletedPerBucket))
	for b := range plan.DeletedPerBucket {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	for _, b := range buckets {
		fmt.Fprintf(o.stdout, "%s %d %s backup(s)\n", verb, plan.DeletedPerBucket[b], b)
	}
	for _, name := range plan.Delete {
		fmt.Fprintf(o.stdout, "  %s\n", name)
	}
	if dryRun {
		return nil
	}

	lock, err := o.st.AcquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := retention.Apply(o.st, plan, o.log); err != nil {
		return err
	}
	fmt.Fprintf(o.stdout, "Pruned %d backup(s), kept %d.\n", len(plan.Delete), plan.Kept)
	return nil
}

// ListVersions prints ledger entries with the active filters.
func (o *Orchestrator) ListVersions(filterBranch, filterTag string, limit int) error {
	vm, err := o.versionManager()
	if err != nil {
		return err
	}
	entries := vm.List(filterBranch, filterTag, limit)
	if len(entries) == 0 {
		fmt.Fprintln(o.stdout, "No versions recorded.")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %-34s %-10s %s  %s",
			e.Version, e.Branch, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Artifact)
		if len(e.Tags) > 0 {
			line += fmt.Sprintf("  [%s]", joinStrings(e.Tags))
		}
		fmt.Fprintln(o.stdout, line)
	}
	return nil
}

// VersionInfo prints one ledger entry in full.
func (o *Orchestrator) VersionInfo(versionString string) error {
	vm, err := o.versionManager()
	if err != nil {
		return err
	}
	e, err := vm.Info(versionString)
	if err != nil {
		return err
	}
	fmt.Fprintf(o.stdout, "Version:     %s\n", e.Version)
	fmt.Fprintf(o.stdout, "Branch:      %s\n", e.Branch)
	fmt.Fprintf(o.stdout, "Artifact:    %s\n", e.Artifact)
	fmt.Fprintf(o.stdout, "Created:     %s\n", e.CreatedAt.Format(time.RFC3339))
	if len(e.Tags) > 0 {
		fmt.Fprintf(o.stdout, "Tags:        %s\n", joinStrings(e.Tags))
	}
	if e.Description != "" {
		fmt.Fprintf(o.stdout, "Description: %s\n", e.Description)
	}
	if e.Parent != "" {
		fmt.Fprintf(o.stdout, "Parent:      %s\n", e.Parent)
	}
	if art, err := o.st.Find(e.Artifact); err == nil {
		fmt.Fprintf(o.stdout, "Size:        %s\n", humanize.Bytes(uint64(art.SizeBytes)))
	}
	return nil
}

// CompareVersions prints how two versions relate.
func (o *Orchestrator) CompareVersions(first, second string) error {
	vm, err := o.versionManager()
	if err != nil {
		return err
	}
	cmp, err := vm.Compare(first, second)
	if err != nil {
		return err
	}
	newer := second
	if cmp.FirstNewer {
		newer = first
	}
	fmt.Fprintf(o.stdout, "Newer:       %s\n", newer)
	fmt.Fprintf(o.stdout, "Same branch: %t\n", cmp.SameBranch)
	fmt.Fprintf(o.stdout, "Compatible:  %t (same major)\n", cmp.Compatible)
	switch {
	case cmp.SizeDeltaB > 0:
		fmt.Fprintf(o.stdout, "Size delta:  %s larger\n", humanize.Bytes(uint64(cmp.SizeDeltaB)))
	case cmp.SizeDeltaB < 0:
		fmt.Fprintf(o.stdout, "Size delta:  %s smaller\n", humanize.Bytes(uint64(-cmp.SizeDeltaB)))
	default:
		fmt.Fprintln(o.stdout, "Size delta:  none")
	}
	return nil
}

// ListBranches prints the branch summaries.
func (o *Orchestrator) ListBranches() error {
	vm, err := o.versionManager()
	if err != nil {
		return err
	}
	branches := vm.Branches()
	if len(branches) == 0 {
		fmt.Fprintln(o.stdout, "No branches recorded.")
		return nil
	}
	names := make([]string, 0, len(branches))
	for name := range branches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := branches[name]
		fmt.Fprintf(o.stdout, "  %-12s %3d backup(s)  last %s\n",
			name, info.BackupCount, info.LastBackupAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// CreateTag attaches a tag to a version.
func (o *Orchestrator) CreateTag(versionString, tagName, description string) error {
	vm, err := o.versionManager()
	if err != nil {
		return err
	}
	lock, err := o.st.AcquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := vm.CreateTag(versionString, tagName, description); err != nil {
		return err
	}
	fmt.Fprintf(o.stdout, "Tagged %s as %q\n", versionString, tagName)
	return nil
}

// ListTags prints the tag index.
func (o *Orchestrator) ListTags() error {
	vm, err := o.versionManager()
	if err != nil {
		return err
	}
	tags := vm.Tags()
	if len(tags) == 0 {
		fmt.Fprintln(o.stdout, "No tags recorded.")
		return nil
	}
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec := tags[name]
		fmt.Fprintf(o.stdout, "  %-16s %s\n", name, joinStrings(rec.Versions))
	}
	return nil
}

// RollbackHistory prints recorded rollbacks.
func (o *Orchestrator) RollbackHistory() error {
	vm, err := o.versionManager()
	if err != nil {
		return err
	}
	history := vm.RollbackHistory()
	if len(history) == 0 {
		fmt.Fprintln(o.stdout, "No rollbacks recorded.")
		return nil
	}
	for _, e := range history {
		fmt.Fprintf(o.stdout, "  %s  -> %s  (safety: %s)\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.TargetVersion, e.SafetyBackup)
	}
	return nil
}

// CleanupVersions drops all but the newest keep versions per branch.
func (o *Orchestrator) CleanupVersions(keep int, dryRun bool) error {
	if keep < 1 {
		return fmt.Errorf("cleanup keep count must be at least 1, got %d", keep)
	}
	vm, err := o.versionManager()
	if err != nil {
		return err
	}
	plan := vm.CleanupPlan(keep)
	if len(plan) == 0 {
		fmt.Fprintln(o.stdout, "No versions to clean up.")
		return nil
	}
	verb := "Deleting"
	if dryRun {
		verb = "Would delete"
	}
	fmt.Fprintf(o.stdout, "%s %d version(s):\n", verb, len(plan))
	for _, e := range plan {
		fmt.Fprintf(o.stdout, "  %s (%s)\n", e.Version, e.Artifact)
	}
	if dryRun {
		return nil
	}

	lock, err := o.st.AcquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()
	return vm.Cleanup(plan)
}

func joinStrings(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
