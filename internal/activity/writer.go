package activity

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/pkg/eventbus"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

// DBExecutor defines the subset of pgxpool.Pool the writer needs.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertQuery = `
	INSERT INTO vault.activity (
		event_id,
		event_type,
		actor,
		asset,
		asset_id,
		amount,
		held_balance,
		user_balance,
		paused,
		source,
		occurred_at
	)
	VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11)
	ON CONFLICT (event_id) DO NOTHING;
`

// Writer records committed ledger events into the vault.activity table, the
// per-user history read by reporting and back-office tools.
type Writer struct {
	db      DBExecutor
	logger  *zap.Logger
	source  string
	timeout time.Duration
}

// NewWriter constructs a writer. source identifies the service instance
// writing the rows (e.g. "vault-ledger").
func NewWriter(db DBExecutor, logger *zap.Logger, source string) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		db:      db,
		logger:  logger,
		source:  source,
		timeout: 5 * time.Second,
	}
}

// Attach records every ledger event published on bus.
func (w *Writer) Attach(bus *eventbus.Bus[model.VaultEvent]) {
	bus.Subscribe(eventbus.Wildcard, func(_ string, ev model.VaultEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		_ = w.SyncEvent(ctx, ev)
	})
}

// SyncEvent inserts ev once; replays of the same event id are ignored.
// Audit results are kept in vault.audit_log and skipped here.
func (w *Writer) SyncEvent(ctx context.Context, ev model.VaultEvent) error {
	if w.db == nil || ev.Type == model.EventAuditCompleted {
		return nil
	}

	_, err := w.db.Exec(ctx, upsertQuery,
		ev.ID,               // event_id
		ev.Type,             // event_type
		ev.Actor,            // actor
		nullable(ev.Asset),  // asset
		numeric(ev.AssetID), // asset_id
		numeric(ev.Amount),  // amount
		numeric(ev.HeldBalance),
		numeric(ev.UserBalance),
		ev.Paused,
		w.source,
		ev.Timestamp,
	)
	if err != nil {
		w.logger.Error("activity.sync_failed",
			zap.String("event_id", ev.ID.String()),
			zap.String("type", ev.Type),
			zap.Error(err),
		)
		return err
	}

	w.logger.Debug("activity.sync_insert",
		zap.String("event_id", ev.ID.String()),
		zap.String("type", ev.Type),
		zap.String("asset", ev.Asset),
		zap.Time("occurred_at", ev.Timestamp),
	)
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// numeric passes uint64 values as text so the full range reaches NUMERIC(20,0).
func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}
