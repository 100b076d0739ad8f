package strategy

import (
	"fmt"
	"time"

	"github.com/kebairia/pgrescue/internal/store"
)

// RequestKind is what the caller asked for on the command line.
type RequestKind string

const (
	RequestAuto        RequestKind = "auto"
	RequestFull        RequestKind = "full"
	RequestIncremental RequestKind = "incremental"
)

const (
	// fullMaxAge forces a full dump when the last one is older.
	fullMaxAge = 7 * 24 * time.Hour
	// maxIncrementals forces a full dump after this many incrementals.
	maxIncrementals = 5
)

// Decision is the chosen backup kind plus the operator-facing reason.
type Decision struct {
	Kind   store.Kind
	Reason string
}

// Decide picks full or incremental for this invocation. The first
// backup from empty state is always full; five incrementals force the
// sixth auto request to full.
func Decide(state *State, requested RequestKind, now time.Time) Decision {
	if requested == RequestFull {
		return Decision{Kind: store.KindFull, Reason: "full backup requested"}
	}

	if state.LastFullAt == nil {
		if requested == RequestIncremental {
			return Decision{Kind: store.KindFull, Reason: "no previous full backup, upgrading incremental to full"}
		}
		return Decision{Kind: store.KindFull, Reason: "no previous full backup"}
	}

	if requested == RequestIncremental {
		return Decision{Kind: store.KindIncremental, Reason: "incremental backup requested"}
	}

	if age := now.Sub(*state.LastFullAt); age >= fullMaxAge {
		days := int(age.Hours() / 24)
		return Decision{Kind: store.KindFull, Reason: fmt.Sprintf("last full backup %d days ago", days)}
	}

	if state.IncrementalsSinceFull >= maxIncrementals {
		return Decision{Kind: store.KindFull, Reason: fmt.Sprintf("%d incrementals since last full", state.IncrementalsSinceFull)}
	}

	return Decision{Kind: store.KindIncremental, Reason: "incremental backup recommended"}
}

// ParseRequestKind validates the --backup-type value.
func ParseRequestKind(s string) (RequestKind, error) {
	switch RequestKind(s) {
	case RequestAuto, RequestFull, RequestIncremental:
		return RequestKind(s), nil
	default:
		return "", fmt.Errorf("unknown backup type %q (want auto, full or incremental)", s)
	}
}
