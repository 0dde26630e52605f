package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tenant-backup/internal/database"
	"tenant-backup/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

type actorKey struct{}

// WithActor attaches the acting user to ctx
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting user, or "system"
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// ensureCorrelationID gives every operation an id that ties its log lines
// and audit record together.
func ensureCorrelationID(ctx context.Context) context.Context {
	if logging.CorrelationID(ctx) != "" {
		return ctx
	}
	return logging.WithCorrelationID(ctx, uuid.New().String())
}

// AuditRecord is one audited operation
type AuditRecord struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TenantID      int64                  `json:"tenant_id"`
	Actor         string                 `json:"actor"`
	Action        string                 `json:"action"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// AuditSink persists audit records
type AuditSink interface {
	Write(ctx context.Context, rec AuditRecord) error
	Close() error
}

// Auditor fans records out to its sinks. Sink failures are logged and never
// reach the caller.
type Auditor struct {
	sinks  []AuditSink
	logger *logging.Logger
}

func NewAuditor(logger *logging.Logger, sinks ...AuditSink) *Auditor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Auditor{sinks: sinks, logger: logger}
}

// Record writes one record for an operation on tenantID
func (a *Auditor) Record(ctx context.Context, tenantID int64, action string, opErr error, details map[string]interface{}) {
	if a == nil || len(a.sinks) == 0 {
		return
	}
	rec := AuditRecord{
		Timestamp:     time.Now().UTC(),
		CorrelationID: logging.CorrelationID(ctx),
		TenantID:      tenantID,
		Actor:         ActorFrom(ctx),
		Action:        action,
		Success:       opErr == nil,
		Details:       details,
	}
	if opErr != nil {
		rec.Error = opErr.Error()
	}

	for _, sink := range a.sinks {
		if err := sink.Write(ctx, rec); err != nil {
			a.logger.ForTenant(ctx, tenantID, action).WithError(err).Warn("Failed to write audit record")
		}
	}
}

// Close releases every sink
func (a *Auditor) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	for _, sink := range a.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DBAuditSink stores records in the audit_logs table
type DBAuditSink struct {
	run func(ctx context.Context, fn func(ctx context.Context, idb bun.IDB) error) error
}

func NewDBAuditSink(store *database.Store) *DBAuditSink {
	return &DBAuditSink{run: store.Run}
}

func (s *DBAuditSink) Write(ctx context.Context, rec AuditRecord) error {
	details := ""
	if len(rec.Details) > 0 || rec.Error != "" {
		payload := map[string]interface{}{}
		for k, v := range rec.Details {
			payload[k] = v
		}
		if rec.Error != "" {
			payload["error"] = rec.Error
		}
		if rec.CorrelationID != "" {
			payload["correlation_id"] = rec.CorrelationID
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = string(b)
	}

	return s.run(ctx, func(ctx context.Context, idb bun.IDB) error {
		return database.InsertAuditLog(ctx, idb, &database.AuditLog{
			TenantID:  rec.TenantID,
			Actor:     rec.Actor,
			Action:    rec.Action,
			Details:   details,
			Success:   rec.Success,
			CreatedAt: rec.Timestamp,
		})
	})
}

func (s *DBAuditSink) Close() error { return nil }

// FileAuditSink appends JSON lines through a dedicated logrus logger
type FileAuditSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *logrus.Logger
}

func NewFileAuditSink(path string) (*FileAuditSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	l.SetLevel(logrus.InfoLevel)
	return &FileAuditSink{file: f, logger: l}, nil
}

func (s *FileAuditSink) Write(ctx context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("audit log is closed")
	}
	fields := logrus.Fields{
		"tenant_id": rec.TenantID,
		"actor":     rec.Actor,
		"action":    rec.Action,
		"success":   rec.Success,
	}
	if rec.CorrelationID != "" {
		fields["correlation_id"] = rec.CorrelationID
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	if len(rec.Details) > 0 {
		fields["details"] = rec.Details
	}
	s.logger.WithTime(rec.Timestamp).WithFields(fields).Info("audit")
	return nil
}

func (s *FileAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
