package store

import (
	"path/filepath"
	"testing"

	"syncwatch/internal/failure"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIncident(path string) *failure.Incident {
	return &failure.Incident{
		UserID:            "u1",
		SourceType:        failure.SourceWebDAV,
		SourceID:          "src-1",
		ResourcePath:      path,
		ErrorType:         failure.ErrorTimeout,
		Severity:          failure.SeverityMedium,
		RetryStrategy:     failure.RetryExponential,
		RetryDelaySeconds: 60,
		MaxRetries:        5,
		ErrorMessage:      "request timed out",
	}
}

func TestRecordScanFailureCreatesThenIncrements(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.RecordScanFailure(testIncident("/docs"))
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	id2, err := s.RecordScanFailure(testIncident("/docs"))
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same record id, got %s and %s", id1, id2)
	}

	f, err := s.GetFailure("u1", id1)
	if err != nil {
		t.Fatalf("get failure: %v", err)
	}
	if f == nil {
		t.Fatal("expected failure record")
	}
	if f.FailureCount != 2 || f.ConsecutiveFailures != 2 {
		t.Errorf("counts = %d/%d, want 2/2", f.FailureCount, f.ConsecutiveFailures)
	}
	if f.FirstFailureAt == 0 || f.LastFailureAt < f.FirstFailureAt {
		t.Errorf("timestamps wrong: first=%d last=%d", f.FirstFailureAt, f.LastFailureAt)
	}
}

func TestDistinctResourcesGetDistinctRecords(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.RecordScanFailure(testIncident("/a"))
	if err != nil {
		t.Fatalf("record /a: %v", err)
	}
	id2, err := s.RecordScanFailure(testIncident("/b"))
	if err != nil {
		t.Fatalf("record /b: %v", err)
	}
	if id1 == id2 {
		t.Error("expected distinct record ids for distinct paths")
	}

	other := testIncident("/a")
	other.SourceID = "src-2"
	id3, err := s.RecordScanFailure(other)
	if err != nil {
		t.Fatalf("record other source: %v", err)
	}
	if id3 == id1 {
		t.Error("expected distinct record ids for distinct source ids")
	}
}

func TestNextRetryAtGrowsExponentially(t *testing.T) {
	s := openTestStore(t)

	expect := []int64{60, 120, 240, 480}
	for i, want := range expect {
		if _, err := s.RecordScanFailure(testIncident("/docs")); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		f, err := s.GetFailureByResource("u1", failure.SourceWebDAV, "src-1", "/docs")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := f.NextRetryAt - f.LastFailureAt; got != want {
			t.Errorf("failure %d: retry delay = %d, want %d", i+1, got, want)
		}
	}
}

func TestNextRetryAtLinearAndFixed(t *testing.T) {
	s := openTestStore(t)

	lin := testIncident("/lin")
	lin.RetryStrategy = failure.RetryLinear
	lin.RetryDelaySeconds = 30
	for i, want := range []int64{30, 60, 90} {
		if _, err := s.RecordScanFailure(lin); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		f, _ := s.GetFailureByResource("u1", failure.SourceWebDAV, "src-1", "/lin")
		if got := f.NextRetryAt - f.LastFailureAt; got != want {
			t.Errorf("linear failure %d: delay = %d, want %d", i+1, got, want)
		}
	}

	fix := testIncident("/fix")
	fix.RetryStrategy = failure.RetryFixed
	fix.RetryDelaySeconds = 45
	for i := 0; i < 3; i++ {
		if _, err := s.RecordScanFailure(fix); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		f, _ := s.GetFailureByResource("u1", failure.SourceWebDAV, "src-1", "/fix")
		if got := f.NextRetryAt - f.LastFailureAt; got != 45 {
			t.Errorf("fixed failure %d: delay = %d, want 45", i+1, got)
		}
	}
}

func TestUnknownErrorsEscalateToHigh(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("/odd")
	inc.ErrorType = failure.ErrorUnknown
	inc.Severity = failure.SeverityMedium
	for i := 0; i < 6; i++ {
		if _, err := s.RecordScanFailure(inc); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	f, _ := s.GetFailureByResource("u1", failure.SourceWebDAV, "src-1", "/odd")
	if f.Severity != failure.SeverityHigh {
		t.Errorf("severity after 6 unknown failures = %s, want high", f.Severity)
	}
}

func TestResolvePreservesHistoryAndResetsStreak(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := s.RecordScanFailure(testIncident("/docs")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	ok, err := s.ResolveScanFailure("u1", failure.SourceWebDAV, "src-1", "/docs", "successful_scan")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok {
		t.Fatal("expected resolve to affect a row")
	}

	// Second resolve is a no-op.
	ok, err = s.ResolveScanFailure("u1", failure.SourceWebDAV, "src-1", "/docs", "successful_scan")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if ok {
		t.Error("expected second resolve to be a no-op")
	}

	f, _ := s.GetFailureByResource("u1", failure.SourceWebDAV, "src-1", "/docs")
	if !f.Resolved || f.ResolutionMethod != "successful_scan" {
		t.Errorf("resolved=%v method=%q", f.Resolved, f.ResolutionMethod)
	}
	if f.FailureCount != 3 {
		t.Errorf("failure_count = %d, want 3 (history preserved)", f.FailureCount)
	}
	if f.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d, want 0", f.ConsecutiveFailures)
	}

	// A new failure reactivates the record.
	if _, err := s.RecordScanFailure(testIncident("/docs")); err != nil {
		t.Fatalf("record after resolve: %v", err)
	}
	f, _ = s.GetFailureByResource("u1", failure.SourceWebDAV, "src-1", "/docs")
	if f.Resolved {
		t.Error("expected record active again after new failure")
	}
	if f.FailureCount != 4 || f.ConsecutiveFailures != 1 {
		t.Errorf("counts = %d/%d, want 4/1", f.FailureCount, f.ConsecutiveFailures)
	}
}

func TestResetClearsCountersAndExclusion(t *testing.T) {
	s := openTestStore(t)

	id, err := s.RecordScanFailure(testIncident("/docs"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.ExcludeFromScan("u1", id, "flaky share"); err != nil {
		t.Fatalf("exclude: %v", err)
	}

	ok, err := s.ResetScanFailure("u1", id)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !ok {
		t.Fatal("expected reset to affect a row")
	}

	f, _ := s.GetFailure("u1", id)
	if f.FailureCount != 0 || f.ConsecutiveFailures != 0 || f.NextRetryAt != 0 {
		t.Errorf("counters not cleared: %d/%d next=%d", f.FailureCount, f.ConsecutiveFailures, f.NextRetryAt)
	}
	if f.UserExcluded {
		t.Error("expected exclusion cleared by reset")
	}
	if f.UserNotes != "flaky share" {
		t.Errorf("user notes = %q, want preserved", f.UserNotes)
	}
}

func TestRetryCandidatesOrderingAndFilters(t *testing.T) {
	s := openTestStore(t)

	mk := func(path string, sev failure.Severity, delay int) {
		inc := testIncident(path)
		inc.Severity = sev
		inc.RetryStrategy = failure.RetryFixed
		inc.RetryDelaySeconds = delay
		if _, err := s.RecordScanFailure(inc); err != nil {
			t.Fatalf("record %s: %v", path, err)
		}
	}

	mk("/high", failure.SeverityHigh, 0)
	mk("/low", failure.SeverityLow, 0)
	mk("/medium", failure.SeverityMedium, 0)
	mk("/waiting", failure.SeverityLow, 3600) // cooldown not yet passed

	// Exhausted retry budget.
	spent := testIncident("/spent")
	spent.Severity = failure.SeverityLow
	spent.RetryDelaySeconds = 0
	spent.MaxRetries = 2
	for i := 0; i < 2; i++ {
		if _, err := s.RecordScanFailure(spent); err != nil {
			t.Fatalf("record spent: %v", err)
		}
	}

	cands, err := s.RetryCandidates("u1", "", 10)
	if err != nil {
		t.Fatalf("retry candidates: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3", len(cands))
	}
	want := []string{"/low", "/medium", "/high"}
	for i, path := range want {
		if cands[i].ResourcePath != path {
			t.Errorf("candidate %d = %s, want %s", i, cands[i].ResourcePath, path)
		}
	}
}

func TestListFailuresFilters(t *testing.T) {
	s := openTestStore(t)

	web := testIncident("/web")
	local := testIncident("/local")
	local.SourceType = failure.SourceLocal
	local.ErrorType = failure.ErrorPermissionDenied
	local.Severity = failure.SeverityHigh
	if _, err := s.RecordScanFailure(web); err != nil {
		t.Fatalf("record web: %v", err)
	}
	id, err := s.RecordScanFailure(local)
	if err != nil {
		t.Fatalf("record local: %v", err)
	}

	all, err := s.ListFailures("u1", &failure.ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d failures, want 2", len(all))
	}

	highs, err := s.ListFailures("u1", &failure.ListQuery{Severity: failure.SeverityHigh})
	if err != nil {
		t.Fatalf("list high: %v", err)
	}
	if len(highs) != 1 || highs[0].ResourcePath != "/local" {
		t.Errorf("severity filter returned %d rows", len(highs))
	}

	// Excluded records are hidden by default.
	if _, err := s.ExcludeFromScan("u1", id, ""); err != nil {
		t.Fatalf("exclude: %v", err)
	}
	visible, _ := s.ListFailures("u1", &failure.ListQuery{})
	if len(visible) != 1 {
		t.Errorf("got %d visible failures after exclude, want 1", len(visible))
	}
	withExcluded, _ := s.ListFailures("u1", &failure.ListQuery{IncludeExcluded: true})
	if len(withExcluded) != 2 {
		t.Errorf("got %d failures with excluded, want 2", len(withExcluded))
	}
}

func TestFailureStats(t *testing.T) {
	s := openTestStore(t)

	crit := testIncident("/crit")
	crit.Severity = failure.SeverityCritical
	if _, err := s.RecordScanFailure(crit); err != nil {
		t.Fatalf("record crit: %v", err)
	}
	if _, err := s.RecordScanFailure(testIncident("/med")); err != nil {
		t.Fatalf("record med: %v", err)
	}
	if _, err := s.RecordScanFailure(testIncident("/done")); err != nil {
		t.Fatalf("record done: %v", err)
	}
	if _, err := s.ResolveScanFailure("u1", failure.SourceWebDAV, "src-1", "/done", "manual"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	st, err := s.FailureStats("u1", "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ActiveFailures != 2 || st.ResolvedFailures != 1 {
		t.Errorf("active=%d resolved=%d, want 2/1", st.ActiveFailures, st.ResolvedFailures)
	}
	if st.CriticalFailures != 1 || st.MediumFailures != 1 {
		t.Errorf("critical=%d medium=%d, want 1/1", st.CriticalFailures, st.MediumFailures)
	}
	if st.BySourceType["webdav"] != 2 {
		t.Errorf("by source type = %v", st.BySourceType)
	}
	if st.ByErrorType["timeout"] != 2 {
		t.Errorf("by error type = %v", st.ByErrorType)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.RecordScanFailure(testIncident("/docs")); err != nil {
		t.Fatalf("record: %v", err)
	}
	other, err := s.ListFailures("u2", &failure.ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("user u2 sees %d of u1's failures", len(other))
	}
}

func TestDirectoryTokenUpsertAndList(t *testing.T) {
	s := openTestStore(t)

	tok := &DirectoryToken{UserID: "u1", DirectoryPath: "/photos", Token: `"abc123"`, FileCount: 10}
	if err := s.UpsertDirectory(tok); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	tok.Token = `"def456"`
	if err := s.UpsertDirectory(tok); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	toks, err := s.ListDirectoriesUnder("u1", "/photos")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(toks) != 1 {
		t.Fatalf("got %d tokens, want 1", len(toks))
	}
	if toks[0].Token != `"def456"` {
		t.Errorf("token = %q, want refreshed value", toks[0].Token)
	}
}

func TestFilesystemRootListsAndPrunesChildren(t *testing.T) {
	s := openTestStore(t)

	// The root path already ends in the separator; the child match
	// must not double it, or "/" would only ever match its own row.
	seed := []*DirectoryToken{
		{UserID: "u1", DirectoryPath: "/", Token: "t0"},
		{UserID: "u1", DirectoryPath: "/a", Token: "t1"},
		{UserID: "u1", DirectoryPath: "/a/b", Token: "t2"},
	}
	if err := s.BulkUpsertDirectories(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	toks, err := s.ListDirectoriesUnder("u1", "/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(toks) != 3 {
		t.Fatalf("got %d tokens under /, want 3", len(toks))
	}

	observed := []*DirectoryToken{
		{DirectoryPath: "/", Token: "t0"},
		{DirectoryPath: "/a", Token: "t1"},
	}
	_, deleted, err := s.SyncDirectories("u1", "/", observed, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if deleted != 1 { // /a/b
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestSyncDirectoriesReplacesSetUnderRoot(t *testing.T) {
	s := openTestStore(t)

	seed := []*DirectoryToken{
		{UserID: "u1", DirectoryPath: "/root", Token: "t0"},
		{UserID: "u1", DirectoryPath: "/root/a", Token: "t1"},
		{UserID: "u1", DirectoryPath: "/root/b", Token: "t2"},
		{UserID: "u1", DirectoryPath: "/elsewhere", Token: "t3"},
	}
	if err := s.BulkUpsertDirectories(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	observed := []*DirectoryToken{
		{DirectoryPath: "/root", Token: "t0"},
		{DirectoryPath: "/root/a", Token: "t1-new"},
		{DirectoryPath: "/root/c", Token: "t4"},
	}
	saved, deleted, err := s.SyncDirectories("u1", "/root", observed, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if saved != 3 {
		t.Errorf("saved = %d, want 3", saved)
	}
	if deleted != 1 { // /root/b
		t.Errorf("deleted = %d, want 1", deleted)
	}

	toks, _ := s.ListDirectoriesUnder("u1", "/root")
	if len(toks) != 3 {
		t.Fatalf("got %d tokens under /root, want 3", len(toks))
	}

	// Rows outside the root are untouched.
	outside, _ := s.ListDirectoriesUnder("u1", "/elsewhere")
	if len(outside) != 1 {
		t.Errorf("token outside root was deleted")
	}
}

func TestSyncDirectoriesPreservesUnscannedSubtrees(t *testing.T) {
	s := openTestStore(t)

	seed := []*DirectoryToken{
		{UserID: "u1", DirectoryPath: "/root", Token: "t0"},
		{UserID: "u1", DirectoryPath: "/root/locked", Token: "t1"},
		{UserID: "u1", DirectoryPath: "/root/locked/deep", Token: "t2"},
		{UserID: "u1", DirectoryPath: "/root/gone", Token: "t3"},
	}
	if err := s.BulkUpsertDirectories(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	observed := []*DirectoryToken{{DirectoryPath: "/root", Token: "t0"}}
	_, deleted, err := s.SyncDirectories("u1", "/root", observed, []string{"/root/locked"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if deleted != 1 { // only /root/gone
		t.Errorf("deleted = %d, want 1", deleted)
	}
	toks, _ := s.ListDirectoriesUnder("u1", "/root/locked")
	if len(toks) != 2 {
		t.Errorf("preserved subtree has %d rows, want 2", len(toks))
	}
}

func TestDeleteDirectory(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertDirectory(&DirectoryToken{UserID: "u1", DirectoryPath: "/gone", Token: "t"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.DeleteDirectory("u1", "/gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	toks, _ := s.ListDirectoriesUnder("u1", "/gone")
	if len(toks) != 0 {
		t.Errorf("token still present after delete")
	}
}
