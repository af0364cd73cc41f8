package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncwatch/internal/classify"
	"syncwatch/internal/failure"
	"syncwatch/internal/store"
	"syncwatch/internal/tracker"
)

// fakeSource serves canned listings keyed by path and can fail
// selected paths with a fixed error.
type fakeSource struct {
	mu       sync.Mutex
	listings map[string]*Listing
	errs     map[string]error
	calls    []string
}

func (f *fakeSource) Discover(_ context.Context, path string, _ bool) (*Listing, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if err, ok := f.errs[path]; ok {
		return nil, err
	}
	if l, ok := f.listings[path]; ok {
		return l, nil
	}
	return &Listing{}, nil
}

func newTestSyncer(t *testing.T, src *fakeSource) (*Syncer, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	tr := tracker.New(st, classify.NewDefaultRegistry(), nil)
	return New("u1", failure.SourceWebDAV, "src-1", src, st, tr, nil), st
}

func dir(path, token string) ResourceInfo {
	return ResourceInfo{Path: path, Token: token}
}

func file(path string, size int64) ResourceInfo {
	return ResourceInfo{Path: path, Size: size}
}

// seed stores tokens as if a previous scan saw them.
func seed(t *testing.T, st *store.Store, toks ...ResourceInfo) {
	t.Helper()
	rows := make([]*store.DirectoryToken, 0, len(toks))
	for _, tok := range toks {
		rows = append(rows, &store.DirectoryToken{UserID: "u1", DirectoryPath: tok.Path, Token: tok.Token})
	}
	require.NoError(t, st.BulkUpsertDirectories(rows))
}

func TestFirstSyncIsFullScan(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{}}
	s, _ := newTestSyncer(t, src)

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.True(t, d.Sync)
	assert.Equal(t, StrategyFull, d.Strategy)
	// No listing was needed to decide.
	assert.Empty(t, src.calls)
}

func TestUnchangedTokensSkipSync(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{
		"/r": {
			Self:        &ResourceInfo{Path: "/r", Token: `"root-1"`},
			Directories: []ResourceInfo{dir("/r/a", `"a-1"`), dir("/r/b", `"b-1"`)},
		},
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r", `"root-1"`), dir("/r/a", `"a-1"`), dir("/r/b", `"b-1"`))

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.False(t, d.Sync)
	assert.Equal(t, 3, d.Known)
}

func TestFilesystemRootCanSkipSync(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{
		"/": {
			Self:        &ResourceInfo{Path: "/", Token: "root-1"},
			Directories: []ResourceInfo{dir("/a", "a-1")},
		},
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/", "root-1"), dir("/a", "a-1"))

	d, err := s.EvaluateSyncNeed(context.Background(), "/")
	require.NoError(t, err)
	assert.False(t, d.Sync)
	assert.Equal(t, 2, d.Known)
}

func TestTokenComparisonIgnoresWeakPrefixAndQuotes(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{
		"/r": {
			Self:        &ResourceInfo{Path: "/r", Token: `W/"root-1"`},
			Directories: []ResourceInfo{dir("/r/a", "a-1")},
		},
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r", `"root-1"`), dir("/r/a", `"a-1"`))

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.False(t, d.Sync)
}

func TestEvaluationFailureFallsBackToFullScan(t *testing.T) {
	src := &fakeSource{errs: map[string]error{
		"/r": errors.New("connection refused"),
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r/a", `"a-1"`))

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.True(t, d.Sync)
	assert.Equal(t, StrategyFull, d.Strategy)

	// The listing failure itself was recorded against the root.
	f, err := st.GetFailureByResource("u1", failure.SourceWebDAV, "src-1", "/r")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, failure.ErrorNetwork, f.ErrorType)
}

func TestFewChangesMeanTargetedScan(t *testing.T) {
	root := &Listing{Self: &ResourceInfo{Path: "/r", Token: "root-1"}}
	var stored []ResourceInfo
	stored = append(stored, dir("/r", "root-1"))
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("/r/d%d", i)
		tok := fmt.Sprintf("t%d", i)
		stored = append(stored, dir(p, tok))
		if i == 3 {
			tok = "t3-changed"
		}
		root.Directories = append(root.Directories, dir(p, tok))
	}
	src := &fakeSource{listings: map[string]*Listing{"/r": root}}
	s, st := newTestSyncer(t, src)
	seed(t, st, stored...)

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.True(t, d.Sync)
	assert.Equal(t, StrategyTargeted, d.Strategy)
	assert.Equal(t, []string{"/r/d3"}, d.Targets)
	assert.Equal(t, 1, d.Changed)
}

func TestHighChangeRatioEscalatesToFullScan(t *testing.T) {
	root := &Listing{Self: &ResourceInfo{Path: "/r", Token: "root-1"}}
	var stored []ResourceInfo
	stored = append(stored, dir("/r", "root-1"))
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("/r/d%d", i)
		tok := fmt.Sprintf("t%d", i)
		stored = append(stored, dir(p, tok))
		if i < 4 { // 4 of 11 known > 30%
			tok += "-changed"
		}
		root.Directories = append(root.Directories, dir(p, tok))
	}
	src := &fakeSource{listings: map[string]*Listing{"/r": root}}
	s, st := newTestSyncer(t, src)
	seed(t, st, stored...)

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.Equal(t, StrategyFull, d.Strategy)
	assert.Empty(t, d.Targets)
}

func TestManyNewDirectoriesEscalateToFullScan(t *testing.T) {
	root := &Listing{Self: &ResourceInfo{Path: "/r", Token: "root-1"}}
	for i := 0; i < 6; i++ {
		root.Directories = append(root.Directories, dir(fmt.Sprintf("/r/new%d", i), "t"))
	}
	src := &fakeSource{listings: map[string]*Listing{"/r": root}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r", "root-1"))

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.True(t, d.Sync)
	assert.Equal(t, 6, d.New)
	assert.Equal(t, StrategyFull, d.Strategy)
}

func TestAnyDeletionForcesFullScan(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{
		"/r": {Self: &ResourceInfo{Path: "/r", Token: "root-1"}},
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r", "root-1"), dir("/r/gone", "t1"))

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.True(t, d.Sync)
	assert.Equal(t, 1, d.Deleted)
	assert.Equal(t, StrategyFull, d.Strategy)
}

func TestNewDirectoriesCountTowardChangeRatio(t *testing.T) {
	root := &Listing{Self: &ResourceInfo{Path: "/r", Token: "root-1"}}
	var stored []ResourceInfo
	stored = append(stored, dir("/r", "root-1"))
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("/r/d%d", i)
		tok := fmt.Sprintf("t%d", i)
		stored = append(stored, dir(p, tok))
		root.Directories = append(root.Directories, dir(p, tok))
	}
	// 4 new directories stay under the new-directory threshold, but
	// 4 of 11 known exceeds the 0.3 churn ratio.
	for i := 0; i < 4; i++ {
		root.Directories = append(root.Directories, dir(fmt.Sprintf("/r/new%d", i), "t"))
	}
	src := &fakeSource{listings: map[string]*Listing{"/r": root}}
	s, st := newTestSyncer(t, src)
	seed(t, st, stored...)

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.Equal(t, 4, d.New)
	assert.Equal(t, 0, d.Changed)
	assert.Equal(t, StrategyFull, d.Strategy)
}

func TestRootOwnTokenChangeIsDetected(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{
		"/r": {
			Self: &ResourceInfo{Path: "/r", Token: "root-2"},
			Directories: []ResourceInfo{
				dir("/r/a", "a-1"), dir("/r/b", "b-1"),
				dir("/r/c", "c-1"), dir("/r/d", "d-1"),
			},
		},
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r", "root-1"),
		dir("/r/a", "a-1"), dir("/r/b", "b-1"),
		dir("/r/c", "c-1"), dir("/r/d", "d-1"))

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.True(t, d.Sync)
	assert.Equal(t, StrategyTargeted, d.Strategy)
	assert.Contains(t, d.Targets, "/r")
}

func TestFullDeepScanStoresAndPrunesTokens(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{
		"/r": {
			Self:        &ResourceInfo{Path: "/r", Token: "root-1"},
			Files:       []ResourceInfo{file("/r/notes.txt", 100)},
			Directories: []ResourceInfo{dir("/r/a", "a-1")},
		},
		"/r/a": {
			Files: []ResourceInfo{file("/r/a/x.bin", 2048), file("/r/a/y.bin", 1024)},
		},
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r/stale", "old"))

	res, err := s.PerformSync(context.Background(), "/r", &Decision{Sync: true, Strategy: StrategyFull})
	require.NoError(t, err)
	assert.Equal(t, StrategyFull, res.Strategy)
	assert.Len(t, res.Files, 3)
	assert.Equal(t, 2, res.DirectoriesSaved)
	assert.Equal(t, int64(1), res.DirectoriesDeleted)

	toks, err := st.ListDirectoriesUnder("u1", "/r")
	require.NoError(t, err)
	require.Len(t, toks, 2)
	byPath := map[string]*store.DirectoryToken{}
	for _, tok := range toks {
		byPath[tok.DirectoryPath] = tok
	}
	require.Contains(t, byPath, "/r/a")
	assert.Equal(t, int64(2), byPath["/r/a"].FileCount)
	assert.Equal(t, int64(3072), byPath["/r/a"].TotalSizeBytes)
}

func TestScanToleratesFailingSubdirectory(t *testing.T) {
	src := &fakeSource{
		listings: map[string]*Listing{
			"/r": {
				Self:        &ResourceInfo{Path: "/r", Token: "root-1"},
				Directories: []ResourceInfo{dir("/r/ok", "ok-1"), dir("/r/bad", "bad-1")},
			},
			"/r/ok": {Files: []ResourceInfo{file("/r/ok/f", 1)}},
		},
		errs: map[string]error{
			"/r/bad": errors.New("403 Forbidden"),
		},
	}
	s, st := newTestSyncer(t, src)

	res, err := s.PerformSync(context.Background(), "/r", &Decision{Sync: true, Strategy: StrategyFull})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DirectoriesFailed)
	assert.Len(t, res.Files, 1)

	// The failing directory's token is not persisted.
	toks, err := st.ListDirectoriesUnder("u1", "/r")
	require.NoError(t, err)
	for _, tok := range toks {
		assert.NotEqual(t, "/r/bad", tok.DirectoryPath)
	}

	// The failure was recorded and classified.
	f, err := st.GetFailureByResource("u1", failure.SourceWebDAV, "src-1", "/r/bad")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, failure.ErrorPermissionDenied, f.ErrorType)
}

func TestScanSkipsResourcesInCooldown(t *testing.T) {
	src := &fakeSource{
		listings: map[string]*Listing{
			"/r": {
				Self:        &ResourceInfo{Path: "/r", Token: "root-1"},
				Directories: []ResourceInfo{dir("/r/slow", "s-1"), dir("/r/fine", "f-1")},
			},
			"/r/fine": {},
		},
	}
	s, st := newTestSyncer(t, src)

	// Put /r/slow into cooldown.
	tr := tracker.New(st, classify.NewDefaultRegistry(), nil)
	_, err := tr.TrackError("u1", failure.SourceWebDAV, "src-1", "/r/slow",
		errors.New("request timed out"), nil)
	require.NoError(t, err)

	res, err := s.PerformSync(context.Background(), "/r", &Decision{Sync: true, Strategy: StrategyFull})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DirectoriesSkipped)
	for _, call := range src.calls {
		assert.NotEqual(t, "/r/slow", call)
	}
}

func TestTargetedScanRescansOnlyTargets(t *testing.T) {
	src := &fakeSource{
		listings: map[string]*Listing{
			"/r/d3": {
				Self:  &ResourceInfo{Path: "/r/d3", Token: "t3-new"},
				Files: []ResourceInfo{file("/r/d3/f", 10)},
			},
		},
	}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r", "root-1"), dir("/r/d3", "t3"), dir("/r/untouched", "tu"))

	res, err := s.PerformSync(context.Background(), "/r",
		&Decision{Sync: true, Strategy: StrategyTargeted, Targets: []string{"/r/d3"}})
	require.NoError(t, err)
	assert.Equal(t, StrategyTargeted, res.Strategy)
	assert.Equal(t, 1, res.DirectoriesSaved)
	assert.Len(t, res.Files, 1)
	assert.Equal(t, []string{"/r/d3"}, src.calls)

	toks, err := st.ListDirectoriesUnder("u1", "/r")
	require.NoError(t, err)
	byPath := map[string]string{}
	for _, tok := range toks {
		byPath[tok.DirectoryPath] = tok.Token
	}
	assert.Equal(t, "t3-new", byPath["/r/d3"])
	// Untouched rows survive a targeted scan.
	assert.Equal(t, "tu", byPath["/r/untouched"])
}

func TestTargetedScanToleratesFailingTarget(t *testing.T) {
	src := &fakeSource{
		listings: map[string]*Listing{
			"/r/good": {Self: &ResourceInfo{Path: "/r/good", Token: "g-new"}},
		},
		errs: map[string]error{
			"/r/bad": errors.New("500 Internal Server Error"),
		},
	}
	s, _ := newTestSyncer(t, src)

	res, err := s.PerformSync(context.Background(), "/r",
		&Decision{Sync: true, Strategy: StrategyTargeted, Targets: []string{"/r/bad", "/r/good"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DirectoriesFailed)
	assert.Equal(t, 1, res.DirectoriesSaved)
}

func TestEvaluateAndSyncNoChange(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{
		"/r": {Self: &ResourceInfo{Path: "/r", Token: "root-1"}},
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r", "root-1"))

	res, err := s.EvaluateAndSync(context.Background(), "/r")
	require.NoError(t, err)
	assert.Nil(t, res)
}

// bulkFailingStore delegates to a real store but fails every bulk
// operation, forcing the executor onto its row-by-row fallback.
type bulkFailingStore struct {
	*store.Store
}

func (b *bulkFailingStore) SyncDirectories(string, string, []*store.DirectoryToken, []string) (int, int64, error) {
	return 0, 0, errors.New("database is locked")
}

func (b *bulkFailingStore) BulkUpsertDirectories([]*store.DirectoryToken) error {
	return errors.New("database is locked")
}

func TestFullScanFallsBackToRowSaves(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{
		"/r": {
			Self:        &ResourceInfo{Path: "/r", Token: "root-1"},
			Directories: []ResourceInfo{dir("/r/a", "a-1"), dir("/r/b", "b-1")},
		},
	}}
	s, st := newTestSyncer(t, src)
	s.Store = &bulkFailingStore{Store: st}

	res, err := s.PerformSync(context.Background(), "/r",
		&Decision{Sync: true, Strategy: StrategyFull})
	require.NoError(t, err)
	assert.Equal(t, 3, res.FallbackSaves)
	assert.Equal(t, 3, res.DirectoriesSaved)

	// The tokens landed despite the bulk failure.
	toks, err := st.ListDirectoriesUnder("u1", "/r")
	require.NoError(t, err)
	assert.Len(t, toks, 3)
}

func TestTargetedScanFallsBackToRowSaves(t *testing.T) {
	src := &fakeSource{listings: map[string]*Listing{
		"/r/a": {Self: &ResourceInfo{Path: "/r/a", Token: "a-2"}},
	}}
	s, st := newTestSyncer(t, src)
	s.Store = &bulkFailingStore{Store: st}

	res, err := s.PerformSync(context.Background(), "/r",
		&Decision{Sync: true, Strategy: StrategyTargeted, Targets: []string{"/r/a"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FallbackSaves)
	assert.Equal(t, 1, res.DirectoriesSaved)

	toks, err := st.ListDirectoriesUnder("u1", "/r/a")
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, "a-2", toks[0].Token)
}

func TestTargetedScanConvergesToSkip(t *testing.T) {
	// The target's subtree token is only computable by its parent, so
	// the executor must store the token the evaluation observed, not
	// the target's own shallow Self token.
	src := &fakeSource{listings: map[string]*Listing{
		"/r": {
			Self: &ResourceInfo{Path: "/r", Token: "root-1"},
			Directories: []ResourceInfo{
				dir("/r/a", "a-2"), dir("/r/b", "b-1"),
				dir("/r/c", "c-1"), dir("/r/d", "d-1"),
			},
		},
		"/r/a": {Self: &ResourceInfo{Path: "/r/a", Token: "a-self"}},
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r", "root-1"),
		dir("/r/a", "a-1"), dir("/r/b", "b-1"),
		dir("/r/c", "c-1"), dir("/r/d", "d-1"))

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	require.Equal(t, StrategyTargeted, d.Strategy)
	require.Equal(t, []string{"/r/a"}, d.Targets)

	_, err = s.PerformSync(context.Background(), "/r", d)
	require.NoError(t, err)

	toks, err := st.ListDirectoriesUnder("u1", "/r/a")
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, "a-2", toks[0].Token)

	next, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.False(t, next.Sync)
}

func TestDeepDeletionSurfacesThroughParentToken(t *testing.T) {
	// A shallow listing cannot see stored paths two levels down, so a
	// removed grandchild is not counted as deleted. Its parent's
	// subtree token moves instead, routing a targeted scan there that
	// replaces the stale rows.
	src := &fakeSource{listings: map[string]*Listing{
		"/r": {
			Self: &ResourceInfo{Path: "/r", Token: "root-1"},
			Directories: []ResourceInfo{
				dir("/r/a", "a-2"), dir("/r/b", "b-1"),
				dir("/r/c", "c-1"), dir("/r/d", "d-1"),
			},
		},
	}}
	s, st := newTestSyncer(t, src)
	seed(t, st, dir("/r", "root-1"),
		dir("/r/a", "a-1"), dir("/r/a/gone", "g-1"),
		dir("/r/b", "b-1"), dir("/r/c", "c-1"), dir("/r/d", "d-1"))

	d, err := s.EvaluateSyncNeed(context.Background(), "/r")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Deleted)
	assert.Equal(t, 1, d.Changed)
	require.Equal(t, StrategyTargeted, d.Strategy)
	assert.Equal(t, []string{"/r/a"}, d.Targets)
}
