package retention

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kebairia/pgrescue/internal/logger"
	"github.com/kebairia/pgrescue/internal/store"
)

// Bucket is a retention class assigned to an artifact at creation time.
type Bucket string

const (
	BucketDaily   Bucket = "daily"
	BucketWeekly  Bucket = "weekly"
	BucketMonthly Bucket = "monthly"
	BucketFull    Bucket = "full"
)

// Policy is the keep limit per bucket.
type Policy struct {
	Daily   int
	Weekly  int
	Monthly int
	Full    int
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{Daily: 7, Weekly: 4, Monthly: 12, Full: 3}
}

func (p Policy) limit(b Bucket) int {
	switch b {
	case BucketDaily:
		return p.Daily
	case BucketWeekly:
		return p.Weekly
	case BucketMonthly:
		return p.Monthly
	case BucketFull:
		return p.Full
	}
	return 0
}

// DateBucket classifies a creation timestamp by its UTC calendar date.
// Monthly wins on the first of the month, then Sunday means weekly.
func DateBucket(t time.Time) Bucket {
	t = t.UTC()
	if t.Day() == 1 {
		return BucketMonthly
	}
	if t.Weekday() == time.Sunday {
		return BucketWeekly
	}
	return BucketDaily
}

// Buckets returns every bucket an artifact belongs to. Full backups sit
// in the full bucket in parallel with their date bucket.
func Buckets(kind store.Kind, createdAt time.Time) []Bucket {
	buckets := []Bucket{DateBucket(createdAt)}
	if kind == store.KindFull {
		buckets = append(buckets, BucketFull)
	}
	return buckets
}

// Plan is the deletion plan produced by a retention scan.
type Plan struct {
	// Delete lists artifact names beyond every applicable limit.
	Delete []string
	// DeletedPerBucket counts planned deletions by the bucket that
	// pushed them out.
	DeletedPerBucket map[Bucket]int
	// Kept is the number of surviving artifacts.
	Kept int
}

// Empty reports whether the plan deletes nothing.
func (p Plan) Empty() bool { return len(p.Delete) == 0 }

type classified struct {
	name      string
	createdAt time.Time
	buckets   []Bucket
}

// BuildPlan classifies every artifact and marks for deletion those
// beyond their bucket limits. An artifact in several buckets survives
// if any of them retains it (union semantics), so a full backup outlives
// its date bucket while the full bucket still wants it.
func BuildPlan(artifacts []store.ArtifactInfo, policy Policy) Plan {
	items := make([]classified, 0, len(artifacts))
	for _, art := range artifacts {
		createdAt := art.ModTime
		kind := store.KindIncremental
		if art.Sidecar != nil {
			createdAt = art.Sidecar.CreatedAt
			kind = art.Sidecar.Kind
		}
		items = append(items, classified{
			name:      art.Name,
			createdAt: createdAt,
			buckets:   Buckets(kind, createdAt),
		})
	}

	grouped := map[Bucket][]classified{}
	for _, item := range items {
		for _, b := range item.buckets {
			grouped[b] = append(grouped[b], item)
		}
	}

	survivors := map[string]bool{}
	lastBucket := map[string]Bucket{}
	for bucket, members := range grouped {
		sort.Slice(members, func(i, j int) bool {
			return members[i].createdAt.After(members[j].createdAt)
		})
		limit := policy.limit(bucket)
		for i, member := range members {
			if i < limit {
				survivors[member.name] = true
			} else {
				lastBucket[member.name] = bucket
			}
		}
	}

	plan := Plan{DeletedPerBucket: map[Bucket]int{}}
	for _, item := range items {
		if survivors[item.name] {
			plan.Kept++
			continue
		}
		plan.Delete = append(plan.Delete, item.name)
		plan.DeletedPerBucket[lastBucket[item.name]]++
	}
	sort.Strings(plan.Delete)
	return plan
}

// Apply deletes every artifact the plan marks, aggregating failures so
// one stubborn file does not strand the rest.
func Apply(st *store.Store, plan Plan, log logger.Logger) error {
	var errs *multierror.Error
	for _, name := range plan.Delete {
		if err := st.Remove(name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("prune %q: %w", name, err))
			continue
		}
		log.Info("pruned backup", "name", name)
	}
	return errs.ErrorOrNil()
}
