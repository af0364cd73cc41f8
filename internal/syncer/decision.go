package syncer

import (
	"context"
	"fmt"
	"strings"

	"syncwatch/internal/failure"
	"syncwatch/internal/logging"
	"syncwatch/internal/tracker"
)

// Syncer evaluates and executes incremental syncs for one configured
// source. It owns no long-lived goroutines; the daemon drives it.
type Syncer struct {
	UserID     string
	SourceType failure.SourceType
	SourceID   string

	Client  Discoverer
	Store   TokenStore
	Tracker *tracker.Tracker

	// TokensEqual decides whether two change tokens mean "unchanged".
	// Nil means DefaultTokensEqual.
	TokensEqual func(old, observed string) bool

	Thresholds Thresholds
	Log        *logging.Logger
}

// New returns a syncer with default thresholds and token comparison.
func New(userID string, st failure.SourceType, sourceID string, client Discoverer, db TokenStore, tr *tracker.Tracker, log *logging.Logger) *Syncer {
	if log == nil {
		log = logging.Default()
	}
	return &Syncer{
		UserID:     userID,
		SourceType: st,
		SourceID:   sourceID,
		Client:     client,
		Store:      db,
		Tracker:    tr,
		Thresholds: DefaultThresholds(),
		Log:        log.WithComponent("syncer"),
	}
}

// EvaluateSyncNeed compares one shallow listing of root against the
// stored token set and decides whether anything changed and how to
// re-scan. A first sync of an unknown root is always a full deep scan.
func (s *Syncer) EvaluateSyncNeed(ctx context.Context, root string) (*Decision, error) {
	stored, err := s.Store.ListDirectoriesUnder(s.UserID, root)
	if err != nil {
		return nil, fmt.Errorf("load stored tokens under %s: %w", root, err)
	}
	if len(stored) == 0 {
		s.Log.Info("no sync history, full scan needed", "root", root)
		return &Decision{Sync: true, Strategy: StrategyFull}, nil
	}

	listing, err := s.Client.Discover(ctx, root, false)
	if err != nil {
		// A root we cannot even list shallowly is a root we cannot
		// reason about; a full scan is the only trustworthy answer.
		s.trackError(root, err, "evaluate_sync_need")
		s.Log.Warn("shallow listing failed, full scan needed", "root", root, "error", err)
		return &Decision{Sync: true, Strategy: StrategyFull}, nil
	}

	byPath := make(map[string]string, len(stored))
	for _, tok := range stored {
		byPath[tok.DirectoryPath] = tok.Token
	}

	equal := s.TokensEqual
	if equal == nil {
		equal = DefaultTokensEqual
	}

	d := &Decision{Known: len(stored), TargetTokens: make(map[string]string)}
	observed := make(map[string]bool, len(listing.Directories)+1)
	observed[root] = true

	// Files added or removed directly in root move only root's own token.
	if listing.Self != nil {
		if old, known := byPath[root]; known && !equal(old, listing.Self.Token) {
			d.Changed++
			d.Targets = append(d.Targets, root)
			d.TargetTokens[root] = listing.Self.Token
		}
	}
	for _, dir := range listing.Directories {
		observed[dir.Path] = true
		old, known := byPath[dir.Path]
		switch {
		case !known:
			d.New++
			d.Targets = append(d.Targets, dir.Path)
			d.TargetTokens[dir.Path] = dir.Token
		case !equal(old, dir.Token):
			d.Changed++
			d.Targets = append(d.Targets, dir.Path)
			d.TargetTokens[dir.Path] = dir.Token
		}
	}

	// Only immediate children can be checked against a shallow listing;
	// deeper stored paths disappear with their parents.
	for _, tok := range stored {
		if tok.DirectoryPath == root || !isImmediateChild(root, tok.DirectoryPath) {
			continue
		}
		if !observed[tok.DirectoryPath] {
			d.Deleted++
		}
	}

	if d.Changed == 0 && d.New == 0 && d.Deleted == 0 {
		s.Log.Debug("tokens unchanged, skipping sync", "root", root, "known", d.Known)
		return d, nil
	}

	d.Sync = true
	d.Strategy = s.pickStrategy(d)
	if d.Strategy == StrategyFull {
		d.Targets = nil
	}
	s.Log.Info("sync needed",
		"root", root,
		"strategy", string(d.Strategy),
		"changed", d.Changed, "new", d.New, "deleted", d.Deleted, "known", d.Known)
	return d, nil
}

// pickStrategy escalates to a full deep scan when the churn is too
// broad for targeted rescans to be worthwhile, or when anything was
// deleted (pruning needs the full picture).
func (s *Syncer) pickStrategy(d *Decision) Strategy {
	th := s.Thresholds
	if th.ChangeRatio <= 0 {
		th.ChangeRatio = DefaultThresholds().ChangeRatio
	}
	if th.NewDirectories <= 0 {
		th.NewDirectories = DefaultThresholds().NewDirectories
	}

	if d.Deleted > 0 {
		return StrategyFull
	}
	known := d.Known
	if known < 1 {
		known = 1
	}
	if float64(d.Changed+d.New+d.Deleted)/float64(known) > th.ChangeRatio {
		return StrategyFull
	}
	if d.New > th.NewDirectories {
		return StrategyFull
	}
	return StrategyTargeted
}

// DefaultTokensEqual compares change tokens after normalizing the
// cosmetic variation servers introduce: weak-validator prefixes and
// surrounding quotes. Tokens never get interpreted beyond this.
func DefaultTokensEqual(old, observed string) bool {
	return normalizeToken(old) == normalizeToken(observed)
}

func normalizeToken(t string) string {
	t = strings.TrimSpace(t)
	if len(t) >= 2 && (t[0] == 'W' || t[0] == 'w') && t[1] == '/' {
		t = t[2:]
	}
	return strings.Trim(t, `"`)
}

func isImmediateChild(root, path string) bool {
	rest, ok := strings.CutPrefix(path, root+"/")
	if root == "/" {
		rest, ok = strings.CutPrefix(path, "/")
	}
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func (s *Syncer) trackError(path string, err error, op string) {
	if _, terr := s.Tracker.TrackError(s.UserID, s.SourceType, s.SourceID, path, err, &failure.Context{
		ResourcePath: path,
		SourceID:     s.SourceID,
		Operation:    op,
	}); terr != nil {
		s.Log.Error("failed to record scan error", "path", path, "error", terr)
	}
}
