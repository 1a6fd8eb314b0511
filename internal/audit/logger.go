package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
)

// Logger records the decision and change trail.
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Decision lifecycle
	LogDecisionCreated(ctx context.Context, decisionID, decisionType, priority string) error
	LogDecisionApproved(ctx context.Context, decisionID, approver string, automatic bool) error
	LogDecisionRejected(ctx context.Context, decisionID, actor, reason string) error
	LogDecisionFinished(ctx context.Context, decisionID string, success bool, duration time.Duration) error

	// Change lifecycle
	LogChangeExecuted(ctx context.Context, changeID, changeType, resource string, err error, duration time.Duration) error
	LogChangeRolledBack(ctx context.Context, changeID, changeType, resource string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// Path is the audit log file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		Path:       "logs/audit.log",
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     90,
		Compress:   true,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a file-backed audit logger. Errors while writing are
// reported through appLogger.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	rotator := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit logs are always INFO level
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(logging.EncoderConfig()),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)
	return newAuditLogger(zap.New(core), appLogger), nil
}

// NewZapLogger writes audit events to an existing zap logger. It is used
// when no audit file is configured and by tests.
func NewZapLogger(auditZap, appLogger *zap.Logger) Logger {
	if appLogger == nil {
		appLogger = zap.NewNop()
	}
	return newAuditLogger(auditZap, appLogger)
}

// NewNopLogger discards every event.
func NewNopLogger() Logger {
	return newAuditLogger(zap.NewNop(), zap.NewNop())
}

func newAuditLogger(auditZap, appLogger *zap.Logger) *auditLogger {
	l := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZap,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}
	go l.autoFlush()
	return l
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogDecisionCreated(ctx context.Context, decisionID, decisionType, priority string) error {
	event := NewEvent(EventDecisionCreated).
		WithCorrelationID(decisionID).
		WithActor("engine").
		WithAction(decisionType).
		WithResult(ResultPending).
		WithMetadata("priority", priority).
		WithDescription(fmt.Sprintf("Decision %s (%s, %s) created", decisionID, decisionType, priority))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogDecisionApproved(ctx context.Context, decisionID, approver string, automatic bool) error {
	eventType := EventDecisionApproved
	if automatic {
		eventType = EventDecisionAutoApproved
	}
	event := NewEvent(eventType).
		WithCorrelationID(decisionID).
		WithActor(approver).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Decision %s approved by %s", decisionID, approver))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogDecisionRejected(ctx context.Context, decisionID, actor, reason string) error {
	event := NewEvent(EventDecisionRejected).
		WithCorrelationID(decisionID).
		WithActor(actor).
		WithResult(ResultDenied).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("Decision %s rejected: %s", decisionID, reason))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogDecisionFinished(ctx context.Context, decisionID string, success bool, duration time.Duration) error {
	event := NewEvent(EventDecisionCompleted).
		WithCorrelationID(decisionID).
		WithActor("engine").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Decision %s completed", decisionID))
	if !success {
		event.EventType = EventDecisionFailed
		event.Result = ResultFailure
		event.Description = fmt.Sprintf("Decision %s failed", decisionID)
	}

	return l.Log(ctx, event)
}

func (l *auditLogger) LogChangeExecuted(ctx context.Context, changeID, changeType, resource string, err error, duration time.Duration) error {
	event := NewEvent(EventChangeExecuted).
		WithCorrelationID(changeID).
		WithAction(changeType).
		WithResource(resource, "").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("%s executed for %s", changeType, resource))
	if err != nil {
		event.EventType = EventChangeFailed
		event.WithError(err, "execution_error")
		event.Description = fmt.Sprintf("%s failed for %s", changeType, resource)
	}

	return l.Log(ctx, event)
}

func (l *auditLogger) LogChangeRolledBack(ctx context.Context, changeID, changeType, resource string) error {
	event := NewEvent(EventChangeRolledBack).
		WithCorrelationID(changeID).
		WithAction(changeType).
		WithResource(resource, "").
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("%s rolled back for %s", changeType, resource))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}
