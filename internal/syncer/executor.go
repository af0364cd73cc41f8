package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"syncwatch/internal/store"
)

// EvaluateAndSync runs one full cycle for a root: evaluate, then
// execute the chosen strategy. Returns (nil, nil) when nothing changed.
func (s *Syncer) EvaluateAndSync(ctx context.Context, root string) (*Result, error) {
	d, err := s.EvaluateSyncNeed(ctx, root)
	if err != nil {
		return nil, err
	}
	if !d.Sync {
		return nil, nil
	}
	return s.PerformSync(ctx, root, d)
}

// PerformSync executes a sync decision.
func (s *Syncer) PerformSync(ctx context.Context, root string, d *Decision) (*Result, error) {
	switch d.Strategy {
	case StrategyTargeted:
		return s.targetedScan(ctx, root, d)
	default:
		return s.fullDeepScan(ctx, root)
	}
}

type walkStats struct {
	skipped int
	failed  int
	// unscanned holds skipped or failed directory paths; their stored
	// rows must survive pruning.
	unscanned []string
}

// scanSubtree lists path and everything under it, one shallow listing
// per directory so a single failing subdirectory costs only that
// subtree. Every per-directory error is recorded through the tracker;
// only a failure to list path itself is returned.
func (s *Syncer) scanSubtree(ctx context.Context, path string) (*Listing, walkStats, error) {
	var stats walkStats
	top, err := s.Client.Discover(ctx, path, false)
	if err != nil {
		s.trackError(path, err, "list_directory")
		return nil, stats, fmt.Errorf("discover %s: %w", path, err)
	}
	if err := s.Tracker.MarkSuccess(s.UserID, s.SourceType, s.SourceID, path); err != nil {
		s.Log.Error("mark success failed", "path", path, "error", err)
	}

	out := &Listing{}
	if top.Self != nil {
		out.Directories = append(out.Directories, *top.Self)
	}
	out.Files = append(out.Files, top.Files...)
	s.walkInto(ctx, top.Directories, out, &stats)
	return out, stats, ctx.Err()
}

func (s *Syncer) walkInto(ctx context.Context, dirs []ResourceInfo, out *Listing, stats *walkStats) {
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return
		}
		if s.Tracker.ShouldSkipResource(s.UserID, s.SourceType, s.SourceID, dir.Path) {
			stats.skipped++
			stats.unscanned = append(stats.unscanned, dir.Path)
			s.Log.Debug("skipping directory with active failure", "path", dir.Path)
			continue
		}
		sub, err := s.Client.Discover(ctx, dir.Path, false)
		if err != nil {
			// Not saved: keeping the old token makes the next
			// evaluation flag this directory again.
			stats.failed++
			stats.unscanned = append(stats.unscanned, dir.Path)
			s.trackError(dir.Path, err, "list_directory")
			continue
		}
		out.Directories = append(out.Directories, dir)
		if err := s.Tracker.MarkSuccess(s.UserID, s.SourceType, s.SourceID, dir.Path); err != nil {
			s.Log.Error("mark success failed", "path", dir.Path, "error", err)
		}
		out.Files = append(out.Files, sub.Files...)
		s.walkInto(ctx, sub.Directories, out, stats)
	}
}

// fullDeepScan re-walks the whole tree and atomically replaces the
// stored token set under root. If the bulk replace fails, tokens are
// saved one by one so a single bad row cannot lose the whole scan;
// pruning is skipped in that mode and left to the next full pass.
func (s *Syncer) fullDeepScan(ctx context.Context, root string) (*Result, error) {
	listing, stats, err := s.scanSubtree(ctx, root)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Strategy:           StrategyFull,
		Files:              listing.Files,
		Directories:        listing.Directories,
		DirectoriesSkipped: stats.skipped,
		DirectoriesFailed:  stats.failed,
	}

	toks := s.tokensFrom(listing)
	saved, deleted, err := s.Store.SyncDirectories(s.UserID, root, toks, stats.unscanned)
	if err != nil {
		s.Log.Warn("bulk token replace failed, saving individually", "root", root, "error", err)
		for _, tok := range toks {
			if uerr := s.Store.UpsertDirectory(tok); uerr != nil {
				res.DirectoriesFailed++
				s.Log.Error("token save failed", "path", tok.DirectoryPath, "error", uerr)
				continue
			}
			res.FallbackSaves++
		}
		res.DirectoriesSaved = res.FallbackSaves
	} else {
		res.DirectoriesSaved = saved
		res.DirectoriesDeleted = deleted
	}

	s.Log.Info("full deep scan complete",
		"root", root,
		"files", len(res.Files),
		"directories", len(res.Directories),
		"saved", res.DirectoriesSaved,
		"deleted", res.DirectoriesDeleted,
		"skipped", res.DirectoriesSkipped,
		"failed", res.DirectoriesFailed)
	return res, nil
}

// targetedScan re-walks only the changed directories, in parallel. A
// failed target is recorded and skipped; it never aborts the other
// targets. Each target's tokens are saved in one batch, row by row if
// the batch fails.
func (s *Syncer) targetedScan(ctx context.Context, root string, d *Decision) (*Result, error) {
	res := &Result{Strategy: StrategyTargeted}
	targets := d.Targets
	var mu sync.Mutex

	limit := s.Thresholds.TargetConcurrency
	if limit <= 0 {
		limit = DefaultThresholds().TargetConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, target := range targets {
		target := target
		g.Go(func() error {
			if s.Tracker.ShouldSkipResource(s.UserID, s.SourceType, s.SourceID, target) {
				mu.Lock()
				res.DirectoriesSkipped++
				mu.Unlock()
				return nil
			}

			listing, stats, err := s.scanSubtree(gctx, target)
			if err != nil {
				mu.Lock()
				res.DirectoriesFailed++
				mu.Unlock()
				return nil
			}

			// The target's subtree-covering token is only visible
			// from its parent's listing; store the one the
			// evaluation observed instead of the target's own
			// shallow Self token.
			if ov := d.TargetTokens[target]; ov != "" {
				for i := range listing.Directories {
					if listing.Directories[i].Path == target {
						listing.Directories[i].Token = ov
						break
					}
				}
			}

			toks := s.tokensFrom(listing)
			saved := len(toks)
			fallback := 0
			failed := stats.failed
			if berr := s.Store.BulkUpsertDirectories(toks); berr != nil {
				s.Log.Warn("bulk token save failed, saving individually", "target", target, "error", berr)
				saved = 0
				for _, tok := range toks {
					if uerr := s.Store.UpsertDirectory(tok); uerr != nil {
						failed++
						s.Log.Error("token save failed", "path", tok.DirectoryPath, "error", uerr)
						continue
					}
					fallback++
				}
				saved = fallback
			}

			mu.Lock()
			res.Files = append(res.Files, listing.Files...)
			res.Directories = append(res.Directories, listing.Directories...)
			res.DirectoriesSaved += saved
			res.DirectoriesSkipped += stats.skipped
			res.DirectoriesFailed += failed
			res.FallbackSaves += fallback
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.Log.Info("targeted scan complete",
		"root", root,
		"targets", len(targets),
		"files", len(res.Files),
		"saved", res.DirectoriesSaved,
		"skipped", res.DirectoriesSkipped,
		"failed", res.DirectoriesFailed)
	return res, nil
}

// tokensFrom turns discovered directories into storable tokens, with
// per-directory file counts and byte totals aggregated from the files
// observed directly inside each one.
func (s *Syncer) tokensFrom(listing *Listing) []*store.DirectoryToken {
	counts := make(map[string]int64)
	sizes := make(map[string]int64)
	for _, f := range listing.Files {
		parent := parentPath(f.Path)
		counts[parent]++
		sizes[parent] += f.Size
	}

	toks := make([]*store.DirectoryToken, 0, len(listing.Directories))
	for _, dir := range listing.Directories {
		toks = append(toks, &store.DirectoryToken{
			UserID:         s.UserID,
			DirectoryPath:  dir.Path,
			Token:          dir.Token,
			FileCount:      counts[dir.Path],
			TotalSizeBytes: sizes[dir.Path],
		})
	}
	return toks
}

func parentPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
