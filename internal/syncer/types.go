// Package syncer decides whether a source tree needs re-scanning and
// executes the chosen scan strategy. Decisions come from comparing
// stored directory change tokens against freshly observed ones; scans
// report every per-resource error through the failure tracker and keep
// going.
package syncer

import (
	"context"

	"syncwatch/internal/store"
)

// Strategy names how a needed sync will be performed.
type Strategy string

const (
	// StrategyFull re-walks the whole tree under the root.
	StrategyFull Strategy = "full_deep_scan"
	// StrategyTargeted re-walks only the directories known to have changed.
	StrategyTargeted Strategy = "targeted_scan"
)

// Decision is the outcome of evaluating whether a root needs a sync.
type Decision struct {
	Sync     bool
	Strategy Strategy
	// Targets holds the changed directory paths when Strategy is targeted.
	Targets []string
	// TargetTokens maps a target to the token the evaluation listing
	// observed for it. The executor stores that token for the target's
	// own row, since a target's subtree-covering token is only visible
	// from its parent's listing.
	TargetTokens map[string]string

	Known   int // directories previously on record under the root
	Changed int // known directories whose token moved
	New     int // observed directories with no record
	Deleted int // recorded directories no longer observed
}

// ResourceInfo describes one discovered file or directory.
type ResourceInfo struct {
	// Path is relative to the sync root, "/"-separated, leading "/".
	Path  string
	Token string // opaque change token; compared only for equality
	Size  int64
}

// Listing is one discovery result: the immediate (or recursive) files
// and directories under a path.
type Listing struct {
	// Self is the listed directory's own entry, when the source can
	// report its token alongside the children.
	Self        *ResourceInfo
	Files       []ResourceInfo
	Directories []ResourceInfo
}

// Discoverer lists a source's contents. Implementations return their
// native errors untouched so the failure tracker can classify them.
type Discoverer interface {
	Discover(ctx context.Context, path string, recursive bool) (*Listing, error)
}

// TokenStore persists directory change tokens. *store.Store implements
// it; tests substitute failing stores to exercise the fallback paths.
type TokenStore interface {
	ListDirectoriesUnder(userID, root string) ([]*store.DirectoryToken, error)
	SyncDirectories(userID, root string, observed []*store.DirectoryToken, preserve []string) (saved int, deleted int64, err error)
	BulkUpsertDirectories(toks []*store.DirectoryToken) error
	UpsertDirectory(tok *store.DirectoryToken) error
}

// Result summarizes one executed sync.
type Result struct {
	Strategy           Strategy
	Files              []ResourceInfo
	Directories        []ResourceInfo
	DirectoriesSaved   int
	DirectoriesDeleted int64
	DirectoriesSkipped int
	DirectoriesFailed  int
	FallbackSaves      int // saved row-by-row after a bulk failure
}

// Thresholds tune when a needed sync escalates to a full deep scan.
type Thresholds struct {
	// ChangeRatio escalates when changed/known exceeds it.
	ChangeRatio float64
	// NewDirectories escalates when more than this many unseen
	// directories appear.
	NewDirectories int
	// TargetConcurrency caps parallel targeted-scan walkers.
	TargetConcurrency int
}

// DefaultThresholds matches the tuning the decision algorithm was
// designed around: >30% churn or >5 new directories means targeted
// scanning would thrash, and any deletion needs a full pass to prune
// reliably.
func DefaultThresholds() Thresholds {
	return Thresholds{ChangeRatio: 0.3, NewDirectories: 5, TargetConcurrency: 4}
}
