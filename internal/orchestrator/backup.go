package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kebairia/pgrescue/internal/store"
	"github.com/kebairia/pgrescue/internal/strategy"
	"github.com/kebairia/pgrescue/internal/target"
	"github.com/kebairia/pgrescue/internal/version"
)

// backupRequest parameterizes one backup run so the rollback pipeline
// can reuse it for safety backups.
type backupRequest struct {
	name          string
	force         bool
	requested     strategy.RequestKind
	tags          []string
	branch        string
	description   string
	versioned     bool
	versionString string
	increment     string
}

func (o *Orchestrator) backupRequestFromOptions() (backupRequest, error) {
	kind := o.opts.BackupType
	if kind == "" {
		kind = string(strategy.RequestAuto)
	}
	requested, err := strategy.ParseRequestKind(kind)
	if err != nil {
		return backupRequest{}, err
	}
	if o.opts.ForceFull {
		requested = strategy.RequestFull
	}
	return backupRequest{
		name:          o.opts.Name,
		force:         o.opts.Force,
		requested:     requested,
		tags:          o.opts.Tags,
		branch:        o.opts.Branch,
		description:   o.opts.Description,
		versioned:     o.opts.EnableVersioning,
		versionString: o.opts.VersionString,
		increment:     o.opts.VersionIncrement,
	}, nil
}

// Backup runs one backup invocation end-to-end.
func (o *Orchestrator) Backup(ctx context.Context) error {
	req, err := o.backupRequestFromOptions()
	if err != nil {
		return err
	}
	_, err = o.runBackup(ctx, req)
	return err
}

// runBackup produces one artifact and returns its resolved name.
//
// On-disk ordering is fixed: payload (fsynced) before sidecar, sidecar
// before strategy state, state before version ledgers. A crash at any
// point leaves a prefix the next invocation recovers from.
func (o *Orchestrator) runBackup(ctx context.Context, req backupRequest) (string, error) {
	now := o.now().UTC().Truncate(time.Second)

	state := o.eng.LoadState()
	decision := strategy.Decide(state, req.requested, now)
	o.log.Info("backup type decided",
		"kind", string(decision.Kind),
		"reason", decision.Reason,
	)

	name := req.name
	if name == "" {
		name = fmt.Sprintf("backup_%s_%s", now.Format("20060102_150405"), decision.Kind)
	}
	name, renamed, err := o.st.Resolve(name, req.force)
	if err != nil {
		return "", err
	}
	if renamed {
		fmt.Fprintf(o.stdout, "backup name already taken, using %q\n", name)
	}

	h, t, err := o.resolveTarget(ctx)
	if err != nil {
		return "", err
	}
	identity := h.Identity(t)

	// Version assignment happens before the sidecar write so the
	// sidecar carries it; the ledger itself is updated last.
	var assigned *version.Version
	var vm *version.Manager
	if req.versioned {
		vm, err = o.versionManager()
		if err != nil {
			return "", err
		}
		v, err := o.assignVersion(vm, req, now)
		if err != nil {
			return "", err
		}
		assigned = &v
	}

	payload, path, err := o.st.CreatePayload(name)
	if err != nil {
		return "", err
	}

	start := o.now()
	execErr := h.Exec(ctx, t, target.ExecSpec{
		Argv:    strategy.DumpArgs(decision.Kind, o.cfg.User, o.cfg.Database),
		Env:     o.pgEnv(),
		Stdout:  payload,
		Timeout: o.cfg.DumpTimeout,
	})
	closeErr := payload.Close()

	if execErr == nil && ctx.Err() != nil {
		execErr = fmt.Errorf("backup interrupted: %w", ErrCancelled)
	}
	if execErr == nil {
		execErr = closeErr
	}
	if execErr != nil {
		// Partial payloads never survive; state stays untouched.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			o.log.Warn("cannot remove partial payload", "path", path, "error", rmErr.Error())
		}
		return "", fmt.Errorf("pg_dump in %q: %w", identity, execErr)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat payload %q: %w", path, err)
	}
	elapsed := o.now().Sub(start)

	// Sidecar, state and ledger writes happen under the metadata lock.
	lock, err := o.st.AcquireLock()
	if err != nil {
		return "", err
	}
	defer lock.Release()

	sidecar := &store.Sidecar{
		Kind:        decision.Kind,
		CreatedAt:   now,
		Target:      identity,
		SizeBytes:   info.Size(),
		Tags:        req.tags,
		Description: req.description,
	}
	if assigned != nil {
		sidecar.Version = assigned.String()
		sidecar.Branch = assigned.Branch
		if head := vm.BranchHead(assigned.Branch); head != nil {
			sidecar.Parent = head.Version
		}
	}
	if err := o.st.WriteSidecar(name, sidecar); err != nil {
		return "", err
	}

	if err := o.eng.RecordBackup(state, strategy.Record{
		Name:      name,
		Kind:      decision.Kind,
		CreatedAt: now,
		SizeBytes: info.Size(),
	}); err != nil {
		return "", err
	}

	if assigned != nil {
		if err := vm.Record(*assigned, version.Entry{
			Artifact:    name,
			CreatedAt:   now,
			Tags:        req.tags,
			Description: req.description,
		}); err != nil {
			return "", err
		}
	}

	o.log.Info("backup completed",
		"name", name,
		"kind", string(decision.Kind),
		"size", humanize.Bytes(uint64(info.Size())),
		"duration", elapsed.Round(time.Millisecond).String(),
		"path", path,
	)
	fmt.Fprintf(o.stdout, "Backup %s (%s, %s) written to %s\n",
		name, decision.Kind, humanize.Bytes(uint64(info.Size())), path)
	return name, nil
}

// assignVersion computes the version for this backup: an explicit
// --version wins, otherwise the branch's next increment.
func (o *Orchestrator) assignVersion(vm *version.Manager, req backupRequest, now time.Time) (version.Version, error) {
	if req.versionString != "" {
		v, err := version.Parse(req.versionString)
		if err != nil {
			return version.Version{}, err
		}
		if req.branch != "" {
			v.Branch = req.branch
		}
		if v.Build == "" {
			v.Build = now.UTC().Format("20060102_150405")
		}
		return v, nil
	}
	return vm.NextVersion(req.branch, req.increment, now), nil
}
