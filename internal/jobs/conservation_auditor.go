package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

// Auditor is the part of the vault the auditor needs.
type Auditor interface {
	Audit() model.AuditReport
}

// EventSink receives the audit outcome.
type EventSink interface {
	Publish(topic string, event model.VaultEvent)
}

// DBExecutor defines minimal subset of pgxpool.Pool needed for execution.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ConservationAuditor periodically checks that every asset's held balance
// equals the sum of user deposits, records the result in Postgres when
// available and emits a vault.audit_completed event.
type ConservationAuditor struct {
	logger   *zap.Logger
	vault    Auditor
	db       DBExecutor
	events   EventSink
	interval time.Duration
	stopCh   chan struct{}
}

// NewConservationAuditor constructs the background job. db and events may be nil.
func NewConservationAuditor(logger *zap.Logger, v Auditor, db DBExecutor, events EventSink, interval time.Duration) *ConservationAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConservationAuditor{
		logger:   logger,
		vault:    v,
		db:       db,
		events:   events,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the audit loop until Stop is called or ctx is canceled.
func (a *ConservationAuditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("conservation_auditor.started", zap.Duration("interval", a.interval))

	for {
		select {
		case <-ticker.C:
			a.RunOnce(ctx)
		case <-a.stopCh:
			a.logger.Info("conservation_auditor.stopped", zap.String("reason", "manual stop"))
			return
		case <-ctx.Done():
			a.logger.Info("conservation_auditor.stopped", zap.String("reason", "context canceled"))
			return
		}
	}
}

// Stop gracefully halts the auditor.
func (a *ConservationAuditor) Stop() {
	close(a.stopCh)
}

// RunOnce executes one audit cycle and returns its report.
func (a *ConservationAuditor) RunOnce(ctx context.Context) model.AuditReport {
	start := time.Now()
	report := a.vault.Audit()

	if a.db != nil {
		var violations []byte
		if !report.OK() {
			violations, _ = json.Marshal(report.Violations)
		}
		_, err := a.db.Exec(ctx, `
			INSERT INTO vault.audit_log (checked_at, assets, users, ok, violations)
			VALUES ($1, $2, $3, $4, $5)
		`, report.CheckedAt, report.Assets, report.Users, report.OK(), violations)
		if err != nil {
			a.logger.Error("conservation_auditor.record_failed", zap.Error(err))
		}
	}

	if a.events != nil {
		ev := model.NewVaultEvent(model.EventAuditCompleted, "auditor")
		ev.Audit = &report
		a.events.Publish(ev.Type, ev)
	}

	if report.OK() {
		a.logger.Info("conservation_auditor.ok",
			zap.Int("assets", report.Assets),
			zap.Int("users", report.Users),
			zap.Duration("duration", time.Since(start)))
	} else {
		a.logger.Error("conservation_auditor.violations",
			zap.Int("count", len(report.Violations)),
			zap.Duration("duration", time.Since(start)))
	}
	return report
}
