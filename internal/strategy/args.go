package strategy

import "github.com/kebairia/pgrescue/internal/store"

// DumpArgs assembles the pg_dump argv for the chosen kind. The handler
// prepends its exec wrapper; credentials travel via PGPASSWORD in the
// exec environment, never inline.
func DumpArgs(kind store.Kind, user, database string) []string {
	args := []string{
		"pg_dump",
		"--username=" + user,
		"--dbname=" + database,
	}
	if kind == store.KindFull {
		return append(args, "--clean", "--create", "--verbose")
	}
	// The lighter logical dump: owner and privilege metadata suppressed.
	return append(args, "--verbose", "--no-owner", "--no-privileges")
}

// RestoreArgs assembles the psql argv for the restore pipeline.
// --single-transaction wraps the restore in BEGIN/COMMIT so any error
// rolls back.
func RestoreArgs(user, database string) []string {
	return []string{
		"psql",
		"--username=" + user,
		"--dbname=" + database,
		"--single-transaction",
	}
}

// VerifyArgs is the lightweight post-restore probe.
func VerifyArgs(user, database string) []string {
	return []string{
		"psql",
		"--username=" + user,
		"--dbname=" + database,
		"-c", "SELECT 1",
	}
}
