package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup         AuditEventType = "startup"
	AuditEventShutdown        AuditEventType = "shutdown"
	AuditEventConfigChange    AuditEventType = "config_change"
	AuditEventSyncCycle       AuditEventType = "sync_cycle"
	AuditEventFailureRecorded AuditEventType = "failure_recorded"
	AuditEventRetry           AuditEventType = "retry"
	AuditEventExclusion       AuditEventType = "exclusion"
	AuditEventResolution      AuditEventType = "resolution"
	AuditEventError           AuditEventType = "error"
)

// AuditEvent represents an operationally significant event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Component  string                 `json:"component"`
	UserID     string                 `json:"user_id,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource,omitempty"`
	Result     string                 `json:"result"` // "success", "failure", "skipped"
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	SourceLine int                    `json:"source_line,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "syncwatchd",
	}
}

// defaultAuditLogPath returns the platform-specific default audit log path.
func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "syncwatch", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "syncwatch", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "syncwatch", "audit.log")
	}
}

// AuditLogger writes an append-only JSON-lines trail of sync operations.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	logger  *slog.Logger
	mu      sync.Mutex
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			// Create a fallback that writes to stderr
			defaultAuditLogger = &AuditLogger{
				config: DefaultAuditConfig(),
				logger: slog.Default(),
			}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	// Create rotator config from audit config
	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level: LevelInfo,
	}

	handler := slog.NewJSONHandler(rotator, opts)
	logger := slog.New(handler)

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		logger:  logger,
	}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	// Get source location
	if event.SourceFile == "" {
		_, file, line, ok := runtime.Caller(1)
		if ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	// Convert to JSON and write directly
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogSyncCycle logs the outcome of one evaluation/scan cycle for a source.
func (a *AuditLogger) LogSyncCycle(ctx context.Context, userID, source, strategy string, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSyncCycle,
		Action:    "sync_cycle_completed",
		UserID:    userID,
		Source:    source,
		Result:    "success",
		Details:   mergeDetail(details, "strategy", strategy),
	})
}

// LogFailureRecorded logs a tracked scan failure.
func (a *AuditLogger) LogFailureRecorded(ctx context.Context, userID, source, resource, errorType string, failureCount int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventFailureRecorded,
		Action:    "failure_recorded",
		UserID:    userID,
		Source:    source,
		Resource:  resource,
		Result:    "failure",
		Details: map[string]interface{}{
			"error_type":    errorType,
			"failure_count": failureCount,
		},
	})
}

// LogRetry logs a manual or scheduled retry of a failed resource.
func (a *AuditLogger) LogRetry(ctx context.Context, userID, source, resource string, success bool) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRetry,
		Action:    "retry_attempted",
		UserID:    userID,
		Source:    source,
		Resource:  resource,
		Result:    result,
	})
}

// LogExclusion logs a user excluding a resource from scanning.
func (a *AuditLogger) LogExclusion(ctx context.Context, userID, source, resource string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventExclusion,
		Action:    "resource_excluded",
		UserID:    userID,
		Source:    source,
		Resource:  resource,
		Result:    "success",
	})
}

// LogResolution logs a failure being resolved.
func (a *AuditLogger) LogResolution(ctx context.Context, userID, source, resource, method string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventResolution,
		Action:    "failure_resolved",
		UserID:    userID,
		Source:    source,
		Resource:  resource,
		Result:    "success",
		Details: map[string]interface{}{
			"method": method,
		},
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

func mergeDetail(details map[string]interface{}, key string, value interface{}) map[string]interface{} {
	if details == nil {
		details = make(map[string]interface{})
	}
	details[key] = value
	return details
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default audit logger.

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditError logs an error using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
