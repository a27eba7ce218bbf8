package obslog

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// AuditRow is one row of the best-effort audit history:
// {ts, sid, model, event, detail}.
type AuditRow struct {
	TS     time.Time `db:"ts"`
	SID    string    `db:"sid"`
	Model  string    `db:"model"`
	Event  string    `db:"event"`
	Detail string    `db:"detail"`
}

// AuditWriter appends AuditRows to a Postgres table. Failure to write a row
// never fails the calling operation; it is logged at ERROR through a
// dedicated zap diagnostic logger instead, so a stalled audit database
// cannot back-pressure the job pipeline.
type AuditWriter struct {
	db   *sqlx.DB
	diag *zap.SugaredLogger
}

// NewAuditWriter opens a Postgres connection pool at dsn. An empty dsn
// yields a writer whose Append calls are no-ops, so the audit trail can be
// disabled entirely in dev/test without branching at every call site.
func NewAuditWriter(dsn string, diag *zap.SugaredLogger) (*AuditWriter, error) {
	if diag == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("obslog: build default zap logger: %w", err)
		}
		diag = logger.Sugar()
	}
	if dsn == "" {
		return &AuditWriter{diag: diag}, nil
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("obslog: connect audit db: %w", err)
	}
	return &AuditWriter{db: db, diag: diag}, nil
}

// Append writes one audit row. Errors are swallowed after being logged, per
// the specification's "never fails the calling operation" contract.
func (w *AuditWriter) Append(ctx context.Context, sid, model, event, detail string) {
	if w.db == nil {
		return
	}
	row := AuditRow{TS: time.Now().UTC(), SID: sid, Model: model, Event: event, Detail: detail}
	const stmt = `INSERT INTO audit_log (ts, sid, model, event, detail) VALUES (:ts, :sid, :model, :event, :detail)`
	if _, err := w.db.NamedExecContext(ctx, stmt, row); err != nil {
		w.diag.Errorw("audit row write failed", "sid", sid, "model", model, "event", event, "error", err)
	}
}

// Query returns up to limit audit rows for sid (or, when sid is empty,
// across all sessions), most recent first. Used by the admin audit
// endpoint; returns an empty slice rather than an error when no audit
// database is configured.
func (w *AuditWriter) Query(ctx context.Context, sid string, limit int) ([]AuditRow, error) {
	if w.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	var rows []AuditRow
	var err error
	if sid == "" {
		const stmt = `SELECT ts, sid, model, event, detail FROM audit_log ORDER BY ts DESC LIMIT $1`
		err = w.db.SelectContext(ctx, &rows, stmt, limit)
	} else {
		const stmt = `SELECT ts, sid, model, event, detail FROM audit_log WHERE sid = $1 ORDER BY ts DESC LIMIT $2`
		err = w.db.SelectContext(ctx, &rows, stmt, sid, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("obslog: query audit rows: %w", err)
	}
	return rows, nil
}

// Close releases the underlying connection pool, if one was opened.
func (w *AuditWriter) Close() error {
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}
