package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kebairia/pgrescue/internal/store"
	"github.com/kebairia/pgrescue/internal/strategy"
	"github.com/kebairia/pgrescue/internal/target"
)

// Restore runs the restore pipeline: resolve, validate, summarize,
// confirm, execute, verify.
func (o *Orchestrator) Restore(ctx context.Context) error {
	art, err := o.resolveArtifact()
	if err != nil {
		return err
	}
	return o.restoreArtifact(ctx, art)
}

// resolveArtifact picks the artifact to restore: the explicit
// --restore-file path, or interactive selection.
func (o *Orchestrator) resolveArtifact() (store.ArtifactInfo, error) {
	if o.opts.RestoreFile != "" {
		path := o.opts.RestoreFile
		info, err := os.Stat(path)
		if err != nil {
			return store.ArtifactInfo{}, fmt.Errorf("%w: %q: %v", store.ErrValidationFailed, path, err)
		}
		name := filepath.Base(path)
		name = strings.TrimSuffix(strings.TrimSuffix(name, ".zst"), ".sql")
		art := store.ArtifactInfo{
			Name:       name,
			Path:       path,
			SizeBytes:  info.Size(),
			ModTime:    info.ModTime(),
			Compressed: strings.HasSuffix(path, ".zst"),
		}
		if sc, err := o.st.ReadSidecar(name); err == nil {
			art.Sidecar = sc
		}
		return art, nil
	}
	return o.selectArtifactInteractive()
}

// selectArtifactInteractive renders the numbered list newest-first and
// reads a 1-based choice; 0 cancels.
func (o *Orchestrator) selectArtifactInteractive() (store.ArtifactInfo, error) {
	artifacts, err := o.st.List()
	if err != nil {
		return store.ArtifactInfo{}, err
	}
	if len(artifacts) == 0 {
		return store.ArtifactInfo{}, fmt.Errorf("%w: no backups in %q", store.ErrValidationFailed, o.st.Dir())
	}

	fmt.Fprintln(o.stdout, "Available backups:")
	for i, art := range artifacts {
		kind := "unknown"
		if art.Sidecar != nil {
			kind = string(art.Sidecar.Kind)
		}
		fmt.Fprintf(o.stdout, "  %d) %s  %s  %s  %s\n",
			i+1,
			art.Name,
			humanize.Bytes(uint64(art.SizeBytes)),
			art.ModTime.Format("2006-01-02 15:04:05"),
			kind,
		)
	}

	reader := o.input()
	for {
		fmt.Fprint(o.stdout, "Select a backup to restore (0 to cancel): ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return store.ArtifactInfo{}, fmt.Errorf("read selection: %w", ErrCancelled)
		}
		choice, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			fmt.Fprintln(o.stdout, "Please enter a number.")
			continue
		}
		if choice == 0 {
			return store.ArtifactInfo{}, fmt.Errorf("restore: %w", ErrCancelled)
		}
		if choice < 1 || choice > len(artifacts) {
			fmt.Fprintf(o.stdout, "Please enter a number between 0 and %d.\n", len(artifacts))
			continue
		}
		return artifacts[choice-1], nil
	}
}

// restoreArtifact validates and streams one artifact into psql inside
// the target.
func (o *Orchestrator) restoreArtifact(ctx context.Context, art store.ArtifactInfo) error {
	if err := o.validateArtifact(art); err != nil {
		return err
	}

	h, t, err := o.resolveTarget(ctx)
	if err != nil {
		return err
	}
	identity := h.Identity(t)

	o.printRestoreSummary(art, identity)

	if err := o.confirmRestore(); err != nil {
		return err
	}

	payload, err := o.st.OpenPayload(art.Path)
	if err != nil {
		return err
	}
	start := o.now()
	execErr := h.Exec(ctx, t, target.ExecSpec{
		Argv:    strategy.RestoreArgs(o.cfg.User, o.cfg.Database),
		Env:     o.pgEnv(),
		Stdin:   payload,
		Timeout: o.cfg.RestoreTimeout,
	})
	payload.Close()
	if execErr != nil {
		return fmt.Errorf("psql restore in %q: %w", identity, execErr)
	}
	elapsed := o.now().Sub(start)

	o.log.Info("restore completed",
		"name", art.Name,
		"target", identity,
		"duration", elapsed.Round(time.Millisecond).String(),
	)

	if err := o.verifyRestore(ctx, h, t); err != nil {
		// The restore itself stands; the operator decides what next.
		return fmt.Errorf("restore finished but verification failed: %w", err)
	}

	fmt.Fprintf(o.stdout, "Restored %s into %s\n", art.Name, identity)
	return nil
}

// validateArtifact applies the store checks; for payloads outside the
// backup directory only the marker validation applies.
func (o *Orchestrator) validateArtifact(art store.ArtifactInfo) error {
	if filepath.Dir(art.Path) == filepath.Clean(o.st.Dir()) {
		return o.st.Validate(art.Name)
	}
	return o.st.ValidatePath(art.Path)
}

func (o *Orchestrator) printRestoreSummary(art store.ArtifactInfo, identity string) {
	fmt.Fprintln(o.stdout, "About to restore:")
	fmt.Fprintf(o.stdout, "  Backup:   %s\n", art.Name)
	fmt.Fprintf(o.stdout, "  Size:     %s\n", humanize.Bytes(uint64(art.SizeBytes)))
	if art.Sidecar != nil {
		fmt.Fprintf(o.stdout, "  Created:  %s\n", art.Sidecar.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(o.stdout, "  Kind:     %s\n", art.Sidecar.Kind)
		fmt.Fprintf(o.stdout, "  Source:   %s\n", art.Sidecar.Target)
	} else {
		fmt.Fprintf(o.stdout, "  Modified: %s\n", art.ModTime.Format(time.RFC3339))
	}
	fmt.Fprintf(o.stdout, "  Database: %s\n", o.cfg.Database)
	fmt.Fprintf(o.stdout, "  Target:   %s\n", identity)
	fmt.Fprintln(o.stdout, "This will overwrite all existing data in the database.")
}

// confirmRestore requires explicit affirmative input. --yes bypasses
// the prompt; quiet mode never bypasses silently.
func (o *Orchestrator) confirmRestore() error {
	if o.opts.Yes {
		o.log.Info("confirmation bypassed by --yes")
		return nil
	}
	reader := o.input()
	fmt.Fprint(o.stdout, "Continue? (y/yes): ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read confirmation: %w", ErrConfirmationDenied)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	default:
		return fmt.Errorf("restore: %w", ErrConfirmationDenied)
	}
}

// verifyRestore issues the SELECT 1 probe through the handler.
func (o *Orchestrator) verifyRestore(ctx context.Context, h target.Handler, t target.Target) error {
	err := h.Exec(ctx, t, target.ExecSpec{
		Argv:    strategy.VerifyArgs(o.cfg.User, o.cfg.Database),
		Env:     o.pgEnv(),
		Timeout: verifyTimeout,
	})
	if err != nil {
		return fmt.Errorf("SELECT 1 probe: %w", err)
	}
	return nil
}

// RollbackTo restores a versioned backup, preceded by a safety backup
// tagged "safety" on the rollback branch, and records the rollback in
// the ledger.
func (o *Orchestrator) RollbackTo(ctx context.Context, versionString string) error {
	vm, err := o.versionManager()
	if err != nil {
		return err
	}
	entry, err := vm.Info(versionString)
	if err != nil {
		return err
	}
	art, err := o.st.Find(entry.Artifact)
	if err != nil {
		return err
	}

	safetyName, err := o.runBackup(ctx, backupRequest{
		requested:   strategy.RequestFull,
		tags:        []string{"safety"},
		branch:      "rollback",
		description: "pre-rollback safety backup for " + versionString,
		versioned:   true,
	})
	if err != nil {
		return fmt.Errorf("safety backup before rollback: %w", err)
	}
	o.log.Info("safety backup created", "name", safetyName)

	if err := o.restoreArtifact(ctx, art); err != nil {
		return err
	}

	if err := vm.AppendRollback(versionString, safetyName, o.now().UTC().Truncate(time.Second)); err != nil {
		return err
	}
	fmt.Fprintf(o.stdout, "Rolled back to version %s (safety backup: %s)\n", versionString, safetyName)
	return nil
}
