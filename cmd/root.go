package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/pgrescue/internal/config"
	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/orchestrator"
)

var (
	flagContainer       string
	flagPod             string
	flagNamespace       string
	flagLabels          string
	flagK8sContainer    string
	flagForceDocker     bool
	flagForceKubernetes bool
	flagAutoDetect      bool

	flagName       string
	flagDir        string
	flagForce      bool
	flagBackupType string
	flagForceFull  bool
	flagCompress   bool
	flagQuiet      bool
	flagVerbose    bool
	flagNoColor    bool

	flagList          bool
	flagBackupSummary bool

	flagRestore     bool
	flagRestoreFile string
	flagYes         bool

	flagRetentionDaily   int
	flagRetentionWeekly  int
	flagRetentionMonthly int
	flagRetentionFull    int
	flagRetentionDryRun  bool
	flagApplyRetention   bool

	flagEnableVersioning bool
	flagBranch           string
	flagVersion          string
	flagVersionIncrement string
	flagTags             []string
	flagDescription      string
	flagListVersions     bool
	flagFilterBranch     string
	flagFilterTag        string
	flagLimit            int
	flagVersionInfo      string
	flagCompareVersions  []string
	flagListBranches     bool
	flagCreateTag        []string
	flagListTags         bool
	flagRollbackTo       string
	flagRollbackHistory  bool
	flagCleanupVersions  int
	flagCleanupDryRun    bool
)

var rootCmd = &cobra.Command{
	Use:   "pgrescue",
	Short: "Backup and restore orchestrator for containerized PostgreSQL",
	Long: `pgrescue discovers a PostgreSQL database running in a docker
container or a kubernetes pod, produces full or incremental logical
dumps on the host filesystem, and restores selected backups with
integrity and confirmation safeguards.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	log, err := logger.Init(logger.Options{
		Verbose: hasFlag("--verbose", "-v"),
		Quiet:   hasFlag("--quiet", "-q"),
		NoColor: hasFlag("--no-color"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", "error", err.Error())
		return orchestrator.ExitCode(err)
	}
	return 0
}

// hasFlag peeks at os.Args before cobra parses, so logging options take
// effect from the very first message.
func hasFlag(names ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, name := range names {
			if arg == name {
				return true
			}
		}
	}
	return false
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	labels, err := parseLabels(flagLabels)
	if err != nil {
		return err
	}
	if err := validateFlagCombination(); err != nil {
		return err
	}

	opts := orchestrator.Options{
		Container:       flagContainer,
		Pod:             flagPod,
		Namespace:       flagNamespace,
		Labels:          labels,
		K8sContainer:    flagK8sContainer,
		ForceDocker:     flagForceDocker,
		ForceKubernetes: flagForceKubernetes,
		AutoDetect:      flagAutoDetect,

		Name:       flagName,
		Dir:        flagDir,
		Force:      flagForce,
		BackupType: flagBackupType,
		ForceFull:  flagForceFull,
		Compress:   flagCompress,
		Quiet:      flagQuiet,
		Verbose:    flagVerbose,
		NoColor:    flagNoColor,

		RestoreFile: flagRestoreFile,
		Yes:         flagYes,

		RetentionDaily:   flagRetentionDaily,
		RetentionWeekly:  flagRetentionWeekly,
		RetentionMonthly: flagRetentionMonthly,
		RetentionFull:    flagRetentionFull,

		EnableVersioning: flagEnableVersioning,
		Branch:           flagBranch,
		VersionString:    flagVersion,
		VersionIncrement: flagVersionIncrement,
		Tags:             flagTags,
		Description:      flagDescription,
	}

	orc, err := orchestrator.New(cfg, opts, logger.Global())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case flagList:
		return orc.ListBackups()
	case flagBackupSummary:
		return orc.Summary()
	case flagApplyRetention || flagRetentionDryRun:
		return orc.ApplyRetention(ctx, flagRetentionDryRun)
	case flagListVersions:
		return orc.ListVersions(flagFilterBranch, flagFilterTag, flagLimit)
	case flagVersionInfo != "":
		return orc.VersionInfo(flagVersionInfo)
	case len(flagCompareVersions) > 0:
		if len(flagCompareVersions) != 2 {
			return fmt.Errorf("--compare-versions takes exactly two versions")
		}
		return orc.CompareVersions(flagCompareVersions[0], flagCompareVersions[1])
	case flagListBranches:
		return orc.ListBranches()
	case len(flagCreateTag) > 0:
		if len(flagCreateTag) != 2 {
			return fmt.Errorf("--create-tag takes VERSION,NAME")
		}
		return orc.CreateTag(flagCreateTag[0], flagCreateTag[1], flagDescription)
	case flagListTags:
		return orc.ListTags()
	case flagRollbackHistory:
		return orc.RollbackHistory()
	case flagCleanupVersions > 0:
		return orc.CleanupVersions(flagCleanupVersions, flagCleanupDryRun)
	case flagRollbackTo != "":
		return orc.RollbackTo(ctx, flagRollbackTo)
	case flagRestore || flagRestoreFile != "":
		return orc.Restore(ctx)
	default:
		return orc.Backup(ctx)
	}
}

// parseLabels turns K=V[,K=V] into a selector map.
func parseLabels(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	labels := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid label %q (want K=V)", pair)
		}
		labels[key] = value
	}
	return labels, nil
}

func validateFlagCombination() error {
	if flagForceDocker && flagForceKubernetes {
		return fmt.Errorf("--force-docker and --force-kubernetes are mutually exclusive")
	}
	if flagRestore && flagApplyRetention {
		return fmt.Errorf("--restore and --apply-retention are mutually exclusive")
	}
	return nil
}

func init() {
	f := rootCmd.Flags()

	// Target selection.
	f.StringVar(&flagContainer, "container", "", "docker container name holding the database")
	f.StringVar(&flagPod, "pod", "", "kubernetes pod name holding the database")
	f.StringVar(&flagNamespace, "namespace", "", "kubernetes namespace (default \"default\")")
	f.StringVar(&flagLabels, "labels", "", "pod label selector K=V[,K=V] (default app=postgres)")
	f.StringVar(&flagK8sContainer, "k8s-container", "", "container name inside a multi-container pod")
	f.BoolVar(&flagForceDocker, "force-docker", false, "skip detection and use the docker backend")
	f.BoolVar(&flagForceKubernetes, "force-kubernetes", false, "skip detection and use the kubernetes backend")
	f.BoolVar(&flagAutoDetect, "auto-detect", false, "re-probe the backend instead of using the cached answer")

	// Backup mode.
	f.StringVarP(&flagName, "name", "n", "", "custom backup name (without .sql)")
	f.StringVarP(&flagDir, "dir", "d", "", "backup directory (default $BACKUP_DIR or ./backups)")
	f.BoolVarP(&flagForce, "force", "f", false, "overwrite an existing backup with the same name")
	f.StringVar(&flagBackupType, "backup-type", "auto", "backup kind: auto, full or incremental")
	f.BoolVar(&flagForceFull, "force-full", false, "force a full backup")
	f.BoolVar(&flagCompress, "compress", false, "zstd-compress the backup payload")
	f.BoolVarP(&flagQuiet, "quiet", "q", false, "log warnings and errors only")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	f.BoolVar(&flagNoColor, "no-color", false, "disable colored log output")

	// Listing.
	f.BoolVarP(&flagList, "list", "l", false, "list backups and exit")
	f.BoolVar(&flagBackupSummary, "backup-summary", false, "show retention usage and the next-backup recommendation")

	// Restore.
	f.BoolVar(&flagRestore, "restore", false, "restore a backup (interactive selection without --restore-file)")
	f.StringVar(&flagRestoreFile, "restore-file", "", "restore this backup file")
	f.BoolVar(&flagYes, "yes", false, "skip the restore confirmation prompt")

	// Retention.
	f.IntVar(&flagRetentionDaily, "retention-daily", 0, "keep this many daily backups (default 7)")
	f.IntVar(&flagRetentionWeekly, "retention-weekly", 0, "keep this many weekly backups (default 4)")
	f.IntVar(&flagRetentionMonthly, "retention-monthly", 0, "keep this many monthly backups (default 12)")
	f.IntVar(&flagRetentionFull, "retention-full", 0, "keep this many full backups (default 3)")
	f.BoolVar(&flagRetentionDryRun, "retention-dry-run", false, "show the deletion plan without deleting")
	f.BoolVar(&flagApplyRetention, "apply-retention", false, "prune backups beyond the retention limits")

	// Versioning.
	f.BoolVar(&flagEnableVersioning, "enable-versioning", false, "assign a semantic version to this backup")
	f.StringVar(&flagBranch, "branch", "", "version branch (default main)")
	f.StringVar(&flagVersion, "version", "", "explicit version string instead of auto-increment")
	f.StringVar(&flagVersionIncrement, "version-increment", "patch", "auto-increment level: major, minor or patch")
	f.StringSliceVar(&flagTags, "tags", nil, "tags to attach to this backup")
	f.StringVar(&flagDescription, "description", "", "human description for this backup or tag")
	f.BoolVar(&flagListVersions, "list-versions", false, "list recorded versions")
	f.StringVar(&flagFilterBranch, "filter-branch", "", "filter --list-versions by branch")
	f.StringVar(&flagFilterTag, "filter-tag", "", "filter --list-versions by tag")
	f.IntVar(&flagLimit, "limit", 0, "limit --list-versions output")
	f.StringVar(&flagVersionInfo, "version-info", "", "show one version in full")
	f.StringSliceVar(&flagCompareVersions, "compare-versions", nil, "compare two versions: V1,V2")
	f.BoolVar(&flagListBranches, "list-branches", false, "list version branches")
	f.StringSliceVar(&flagCreateTag, "create-tag", nil, "tag a version: VERSION,NAME")
	f.BoolVar(&flagListTags, "list-tags", false, "list tags")
	f.StringVar(&flagRollbackTo, "rollback-to", "", "roll back to this version (safety backup first)")
	f.BoolVar(&flagRollbackHistory, "rollback-history", false, "show recorded rollbacks")
	f.IntVar(&flagCleanupVersions, "cleanup-versions", 0, "keep only the newest N versions per branch")
	f.BoolVar(&flagCleanupDryRun, "cleanup-dry-run", false, "show the version cleanup plan without deleting")
}
