package version

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultBranch is the lineage used when none is named.
const DefaultBranch = "main"

// buildFormat renders the BUILD component of a version string.
const buildFormat = "20060102_150405"

// Version is a backup version MAJOR.MINOR.PATCH-BRANCH.BUILD, e.g.
// 1.2.3-main.20250104_143052.
type Version struct {
	Major  int
	Minor  int
	Patch  int
	Branch string
	Build  string
}

var versionPattern = regexp.MustCompile(
	`^(\d+)\.(\d+)\.(\d+)(?:-([A-Za-z0-9_-]+)(?:\.([A-Za-z0-9_.-]+))?)?$`,
)

// Parse accepts 1.2.3, 1.2.3-main and 1.2.3-main.20250104_143052.
func Parse(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("invalid version format %q", s)
	}
	v := Version{Branch: DefaultBranch}
	fmt.Sscanf(m[1], "%d", &v.Major)
	fmt.Sscanf(m[2], "%d", &v.Minor)
	fmt.Sscanf(m[3], "%d", &v.Patch)
	if m[4] != "" {
		v.Branch = m[4]
	}
	v.Build = m[5]
	return v, nil
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d-%s", v.Major, v.Minor, v.Patch, v.Branch)
	if v.Build != "" {
		s += "." + v.Build
	}
	return s
}

// Increment bumps the requested level, zeroing the lower components,
// and stamps a fresh build timestamp.
func (v Version) Increment(level string, now time.Time) Version {
	next := v
	switch level {
	case "major":
		next.Major++
		next.Minor = 0
		next.Patch = 0
	case "minor":
		next.Minor++
		next.Patch = 0
	default: // patch
		next.Patch++
	}
	next.Build = now.UTC().Format(buildFormat)
	return next
}

// NewerThan orders versions by (MAJOR, MINOR, PATCH, BUILD)
// lexicographically.
func (v Version) NewerThan(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	if v.Patch != o.Patch {
		return v.Patch > o.Patch
	}
	return v.Build > o.Build
}

// Compatible means the same major version.
func (v Version) Compatible(o Version) bool {
	return v.Major == o.Major
}
