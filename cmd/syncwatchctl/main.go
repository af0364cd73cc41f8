// syncwatchctl is the control CLI for syncwatchd's failure tracker.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"syncwatch/internal/classify"
	"syncwatch/internal/config"
	"syncwatch/internal/failure"
	"syncwatch/internal/logging"
	"syncwatch/internal/store"
	"syncwatch/internal/tracker"
)

var (
	configPath = flag.String("config", "", "path to config file")
	userID     = flag.String("user", "", "user whose records to operate on")
	asJSON     = flag.Bool("json", false, "emit JSON instead of tables")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "failures":
		cmdFailures(args)
	case "show":
		requireArg(args, "syncwatchctl show <failure-id>")
		cmdShow(args[0])
	case "retry":
		requireArg(args, "syncwatchctl retry <failure-id>")
		cmdRetry(args[0])
	case "exclude":
		requireArg(args, "syncwatchctl exclude <failure-id> [notes]")
		cmdExclude(args[0], strings.Join(args[1:], " "))
	case "resolve":
		requireArg(args, "syncwatchctl resolve <failure-id> [notes]")
		cmdResolve(args[0], strings.Join(args[1:], " "))
	case "stats":
		cmdStats(args)
	case "dirs":
		cmdDirs(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `syncwatchctl - Control utility for syncwatchd

Usage: syncwatchctl [options] <command> [args]

Commands:
  failures              List tracked scan failures
  show <id>             Show one failure with full diagnostics
  retry <id>            Clear a failure's counters so it is retried now
  exclude <id> [notes]  Exclude a resource from scanning
  resolve <id> [notes]  Mark a failure manually resolved
  stats                 Show failure statistics
  dirs <root>           List remembered directory tokens under a root
  help                  Show this help message

Options:
  -config <path>  Path to config file
  -user <id>      User whose records to operate on
  -json           Emit JSON instead of tables`)
}

func requireArg(args []string, usageLine string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usageLine)
		os.Exit(1)
	}
}

// openTracker loads config and wires a tracker over the store. The
// returned user ID comes from -user, or from the config when it names
// exactly one user.
func openTracker() (*tracker.Tracker, *store.Store, string) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	user := *userID
	if user == "" {
		users := make(map[string]bool)
		for _, src := range cfg.Sources {
			users[src.UserID] = true
		}
		if len(users) == 1 {
			for u := range users {
				user = u
			}
		}
	}
	if user == "" {
		fmt.Fprintln(os.Stderr, "Ambiguous user; pass -user <id>")
		os.Exit(1)
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}

	quiet, _ := logging.New(&logging.Config{Level: logging.LevelError, Output: "stderr"})
	return tracker.New(db, classify.NewDefaultRegistry(), quiet), db, user
}

func cmdFailures(args []string) {
	fs := flag.NewFlagSet("failures", flag.ExitOnError)
	sourceType := fs.String("source-type", "", "filter by source type (webdav, s3, local)")
	sourceID := fs.String("source", "", "filter by source name")
	severity := fs.String("severity", "", "filter by severity")
	errorType := fs.String("error-type", "", "filter by error type")
	ready := fs.Bool("ready", false, "only failures ready for retry")
	all := fs.Bool("all", false, "include resolved and excluded records")
	limit := fs.Int("limit", 50, "maximum rows")
	fs.Parse(args)

	q := &failure.ListQuery{
		SourceID:        *sourceID,
		ReadyForRetry:   *ready,
		IncludeResolved: *all,
		IncludeExcluded: *all,
		Limit:           *limit,
	}
	var err error
	if *sourceType != "" {
		if q.SourceType, err = failure.ParseSourceType(*sourceType); err != nil {
			fatal(err)
		}
	}
	if *severity != "" {
		if q.Severity, err = failure.ParseSeverity(*severity); err != nil {
			fatal(err)
		}
	}
	if *errorType != "" {
		if q.ErrorType, err = failure.ParseErrorType(*errorType); err != nil {
			fatal(err)
		}
	}

	tr, db, user := openTracker()
	defer db.Close()

	details, err := tr.ListFailures(user, q)
	if err != nil {
		fatal(err)
	}

	if *asJSON {
		printJSON(details)
		return
	}
	if len(details) == 0 {
		fmt.Println("No failures recorded.")
		return
	}

	fmt.Printf("%-36s %-8s %-20s %-8s %-6s %-12s %s\n",
		"ID", "Source", "Error", "Severity", "Count", "Next Retry", "Resource")
	fmt.Println(strings.Repeat("-", 110))
	for _, d := range details {
		fmt.Printf("%-36s %-8s %-20s %-8s %-6d %-12s %s\n",
			d.ID, d.SourceType, d.ErrorType, d.Severity,
			d.FailureCount, nextRetryLabel(&d.ScanFailure), d.ResourcePath)
	}
}

func cmdShow(id string) {
	tr, db, user := openTracker()
	defer db.Close()

	d, err := tr.GetFailure(user, id)
	if err != nil {
		fatal(err)
	}
	if d == nil {
		fmt.Fprintf(os.Stderr, "No failure with ID %s\n", id)
		os.Exit(1)
	}

	if *asJSON {
		printJSON(d)
		return
	}

	fmt.Println("=== Scan Failure ===")
	fmt.Printf("ID:             %s\n", d.ID)
	fmt.Printf("Resource:       %s\n", d.ResourcePath)
	fmt.Printf("Source:         %s", d.SourceType)
	if d.SourceID != "" {
		fmt.Printf(" (%s)", d.SourceID)
	}
	fmt.Println()
	fmt.Printf("Error:          %s (%s)\n", d.ErrorType, d.Severity)
	fmt.Printf("Message:        %s\n", d.ErrorMessage)
	if d.ErrorCode != "" {
		fmt.Printf("Code:           %s\n", d.ErrorCode)
	}
	if d.HTTPStatusCode != 0 {
		fmt.Printf("HTTP Status:    %d\n", d.HTTPStatusCode)
	}
	fmt.Printf("Failures:       %d total, %d consecutive\n", d.FailureCount, d.ConsecutiveFailures)
	fmt.Printf("First Failure:  %s\n", unixLabel(d.FirstFailureAt))
	fmt.Printf("Last Failure:   %s\n", unixLabel(d.LastFailureAt))
	fmt.Printf("Retry Policy:   %s, %ds base delay, max %d\n",
		d.RetryStrategy, d.RetryDelaySeconds, d.MaxRetries)
	fmt.Printf("Next Retry:     %s\n", nextRetryLabel(&d.ScanFailure))
	if d.UserExcluded {
		fmt.Println("Excluded:       yes")
	}
	if d.Resolved {
		fmt.Printf("Resolved:       %s (%s)\n", unixLabel(d.ResolvedAt), d.ResolutionMethod)
	}
	if d.UserNotes != "" {
		fmt.Printf("Notes:          %s\n", d.UserNotes)
	}

	fmt.Println()
	fmt.Println("Diagnostics:")
	fmt.Printf("  %s\n", d.Diagnostics.UserMessage)
	if d.Diagnostics.RecommendedAction != "" {
		fmt.Printf("  Recommended: %s\n", d.Diagnostics.RecommendedAction)
	}
	fmt.Printf("  Retryable: %v, user action required: %v\n",
		d.Diagnostics.CanRetry, d.Diagnostics.UserActionRequired)
	if d.Diagnostics.EstimatedItemCount > 0 {
		fmt.Printf("  Estimated items: %d\n", d.Diagnostics.EstimatedItemCount)
	}
	for k, v := range d.Diagnostics.SourceSpecific {
		fmt.Printf("  %s: %v\n", k, v)
	}
}

func cmdRetry(id string) {
	tr, db, user := openTracker()
	defer db.Close()

	d, _ := tr.GetFailure(user, id)
	ok, err := tr.RetryFailure(user, id)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "No failure with ID %s\n", id)
		os.Exit(1)
	}
	auditAction(d, func(a *logging.AuditLogger, res string) error {
		return a.LogRetry(context.Background(), user, res, d.ResourcePath, true)
	})
	fmt.Printf("Failure %s reset; it will be retried on the next cycle.\n", id)
}

func cmdExclude(id, notes string) {
	tr, db, user := openTracker()
	defer db.Close()

	d, _ := tr.GetFailure(user, id)
	ok, err := tr.ExcludeResource(user, id, notes)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "No failure with ID %s\n", id)
		os.Exit(1)
	}
	auditAction(d, func(a *logging.AuditLogger, res string) error {
		return a.LogExclusion(context.Background(), user, res, d.ResourcePath)
	})
	fmt.Printf("Resource excluded from scanning.\n")
}

func cmdResolve(id, notes string) {
	tr, db, user := openTracker()
	defer db.Close()

	d, _ := tr.GetFailure(user, id)
	ok, err := tr.ResolveFailure(user, id, notes)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "No active failure with ID %s\n", id)
		os.Exit(1)
	}
	auditAction(d, func(a *logging.AuditLogger, res string) error {
		return a.LogResolution(context.Background(), user, res, d.ResourcePath, "manual")
	})
	fmt.Printf("Failure %s resolved.\n", id)
}

// auditAction records a control action in the shared audit trail. A
// missing audit log is not fatal for a CLI action that already took
// effect.
func auditAction(d *failure.Details, log func(*logging.AuditLogger, string) error) {
	if d == nil {
		return
	}
	a, err := logging.NewAuditLogger(nil)
	if err != nil {
		return
	}
	defer a.Close()
	log(a, d.SourceID)
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	sourceType := fs.String("source-type", "", "restrict to one source type")
	fs.Parse(args)

	var st failure.SourceType
	if *sourceType != "" {
		var err error
		if st, err = failure.ParseSourceType(*sourceType); err != nil {
			fatal(err)
		}
	}

	tr, db, user := openTracker()
	defer db.Close()

	stats, err := tr.Stats(user, st)
	if err != nil {
		fatal(err)
	}

	if *asJSON {
		printJSON(stats)
		return
	}

	fmt.Println("=== Failure Statistics ===")
	fmt.Printf("Active:          %d\n", stats.ActiveFailures)
	fmt.Printf("Resolved:        %d\n", stats.ResolvedFailures)
	fmt.Printf("Excluded:        %d\n", stats.ExcludedResources)
	fmt.Printf("Ready for retry: %d\n", stats.ReadyForRetry)
	fmt.Println()
	fmt.Println("By severity:")
	fmt.Printf("  critical: %d\n", stats.CriticalFailures)
	fmt.Printf("  high:     %d\n", stats.HighFailures)
	fmt.Printf("  medium:   %d\n", stats.MediumFailures)
	fmt.Printf("  low:      %d\n", stats.LowFailures)
	if len(stats.BySourceType) > 0 {
		fmt.Println()
		fmt.Println("By source type:")
		for k, v := range stats.BySourceType {
			fmt.Printf("  %-8s %d\n", k, v)
		}
	}
	if len(stats.ByErrorType) > 0 {
		fmt.Println()
		fmt.Println("By error type:")
		for k, v := range stats.ByErrorType {
			fmt.Printf("  %-22s %d\n", k, v)
		}
	}
}

func cmdDirs(args []string) {
	fs := flag.NewFlagSet("dirs", flag.ExitOnError)
	fs.Parse(args)

	root := "/"
	if fs.NArg() > 0 {
		root = fs.Arg(0)
	}

	_, db, user := openTracker()
	defer db.Close()

	toks, err := db.ListDirectoriesUnder(user, root)
	if err != nil {
		fatal(err)
	}

	if *asJSON {
		printJSON(toks)
		return
	}
	if len(toks) == 0 {
		fmt.Println("No directories on record.")
		return
	}

	fmt.Printf("%-18s %-8s %-12s %-20s %s\n", "Token", "Files", "Size", "Last Scanned", "Path")
	fmt.Println(strings.Repeat("-", 90))
	for _, tok := range toks {
		fmt.Printf("%-18s %-8d %-12s %-20s %s\n",
			tok.Token, tok.FileCount, formatBytes(tok.TotalSizeBytes),
			unixLabel(tok.LastScannedAt), tok.DirectoryPath)
	}
}

// Helper functions

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func unixLabel(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Local().Format("2006-01-02 15:04:05")
}

func nextRetryLabel(f *failure.ScanFailure) string {
	if f.UserExcluded {
		return "excluded"
	}
	if f.Resolved {
		return "resolved"
	}
	if f.FailureCount >= f.MaxRetries {
		return "exhausted"
	}
	remaining := time.Until(time.Unix(f.NextRetryAt, 0))
	if remaining <= 0 {
		return "now"
	}
	return remaining.Round(time.Second).String()
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
